package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/queue"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

type submitJobRequest struct {
	Plugin   string `json:"plugin"`
	Op       string `json:"op"`
	Query    string `json:"query"`
	URL      string `json:"url"`
	Page     int    `json:"page"`
	Priority uint8  `json:"priority"`
}

type submitJobResponse struct {
	Key    string           `json:"key"`
	Result queue.PushResult `json:"result"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req := scraper.Request{
		Plugin: body.Plugin,
		Op:     scraper.Operation(body.Op),
		Query:  body.Query,
		URL:    body.URL,
		Page:   body.Page,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.plugins.Plugin(req.Plugin); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("plugin %q not found", req.Plugin))
		return
	}
	key, result, err := s.jobs.Submit(req, body.Priority)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, queue.ErrClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, queue.ErrFull):
			status = http.StatusTooManyRequests
		case errors.Is(err, queue.ErrDuplicateKey):
			status = http.StatusConflict
		}
		if status == http.StatusInternalServerError {
			s.logger.Error("submit job failed", zap.String("key", key), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{Key: key, Result: result})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	st := s.jobs.Status(key)
	if st.State == queue.StateUnknown {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	plugins := s.plugins.List()
	if plugins == nil {
		plugins = []scraper.Plugin{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": plugins})
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.plugins.Plugin(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugin": p, "info": p.Info()})
}

// streamEvents writes completion events as server-sent events until the
// client goes away or the stream closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel := s.events.Subscribe()
	defer cancel()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream flush unsupported", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("encode event failed", zap.String("key", evt.Key), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, payload); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
