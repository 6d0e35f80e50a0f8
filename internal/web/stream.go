package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// handleEventStream serves a Server-Sent Events stream of a story's pipeline
// events. It polls the event log and sends each new event as one message.
// Once the pipeline has finished or stopped for a decision it sends a "done"
// event carrying the story status and closes.
func (s *Server) handleEventStream(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetStory(id); err != nil {
		return s.fail(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	var lastID int64
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		events, err := s.orch.Events(ctx, id)
		if err != nil {
			fmt.Fprintf(w, "event: done\ndata: %s\n\n", err)
			w.Flush()
			return nil
		}
		for _, e := range events {
			if e.ID <= lastID {
				continue
			}
			lastID = e.ID
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Event, data)
		}
		w.Flush()

		snap, err := s.orch.Status(id)
		if err != nil {
			fmt.Fprintf(w, "event: done\ndata: %s\n\n", err)
			w.Flush()
			return nil
		}
		if !snap.Running {
			fmt.Fprintf(w, "event: done\ndata: %s\n\n", snap.Status)
			w.Flush()
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}
