package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopRecordsNothing(t *testing.T) {
	tel := Noop()
	ctx, span := tel.TraceStart(context.Background(), "job")
	tel.JobFinished(ctx, "ci", "succeeded")
	tel.StepFinished(ctx, "ci", "failed")
	span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestMiddlewarePassesThrough(t *testing.T) {
	tel := Noop()

	r := chi.NewRouter()
	r.Use(tel.RequestInFlight(), tel.RequestDuration())
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
