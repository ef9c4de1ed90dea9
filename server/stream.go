package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Stream sends the summary of every run over a websocket, then the summary
// of each run again whenever it changes.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Stream")
	l.Info("received new connection")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Debug("upgraded http to wss")

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				l.Debug("failed to read", "err", err)
				cancel()
				return
			}
		}
	}()

	var cursor uint64

	// complete backfill first before going to live data
	if err := s.streamRuns(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		// wait for new data or timeout
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-s.ctx.Done():
			return
		case <-ch:
			if err := s.streamRuns(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			// send a keep-alive
			if err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (s *Server) streamRuns(conn *websocket.Conn, cursor *uint64) error {
	runs, next := s.runs.Since(*cursor)
	for _, run := range runs {
		if err := conn.WriteJSON(run); err != nil {
			return err
		}
	}
	*cursor = next
	return nil
}
