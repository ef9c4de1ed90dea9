package server

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/workflow"
)

const maxEventSize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type scheduledRun struct {
	Id       models.RunId `json:"id"`
	Workflow string       `json:"workflow"`
	Error    string       `json:"error,omitempty"`
}

type eventResponse struct {
	Runs    []scheduledRun    `json:"runs"`
	Invalid []invalidWorkflow `json:"invalid,omitempty"`
}

// Events resolves a posted event against every workflow and schedules the
// ones it triggers. It answers 202 when anything was scheduled.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ev, err := models.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	wfs, invalid, err := s.loadWorkflows()
	if err != nil {
		s.l.Error("loading workflows", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := eventResponse{Runs: []scheduledRun{}, Invalid: invalid}
	for _, wf := range wfs {
		if len(workflow.Resolve(ev, wf)) == 0 {
			continue
		}
		rid, err := s.schedule(wf, ev)
		sr := scheduledRun{Id: rid, Workflow: wf.Name}
		if err != nil {
			sr.Error = err.Error()
		}
		resp.Runs = append(resp.Runs, sr)
	}

	status := http.StatusOK
	if len(resp.Runs) > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.List())
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	rid := models.RunId(chi.URLParam(r, "id"))
	summary, ok := s.runs.Get(rid)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no such run"))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) CancelRun(w http.ResponseWriter, r *http.Request) {
	rid := models.RunId(chi.URLParam(r, "id"))
	if _, ok := s.runs.Get(rid); !ok {
		writeError(w, http.StatusNotFound, errors.New("no such run"))
		return
	}
	if !s.runs.Cancel(rid) {
		writeError(w, http.StatusConflict, errors.New("run already finished"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Logs serves a job's log as newline delimited JSON.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	jid := models.JobId{
		Run:  models.RunId(chi.URLParam(r, "id")),
		Name: chi.URLParam(r, "job"),
	}
	if _, ok := s.runs.Get(jid.Run); !ok {
		writeError(w, http.StatusNotFound, errors.New("no such run"))
		return
	}

	f, err := os.Open(models.LogFilePath(s.opts.LogDir, jid))
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, errors.New("no logs for job"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	io.Copy(w, f)
}
