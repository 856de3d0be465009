package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/grantscribe/grantd/internal/model"
	"github.com/grantscribe/grantd/internal/orchestrator"
)

// statusFrame is one SSE status payload. Final marks the last frame of the
// stream; the server closes the connection right after sending it.
type statusFrame struct {
	Status            string   `json:"status"`
	CurrentSection    string   `json:"current_section"`
	CompletedSections []string `json:"completed_sections"`
	FailedSections    []string `json:"failed_sections"`
	Progress          float64  `json:"progress_percentage"`
	ErrorMessage      string   `json:"error_message,omitempty"`
	Final             bool     `json:"final"`
}

// handleStream serves the session's live status over SSE. The store is
// re-fetched every cycle so the stream observes the orchestrator's flushes;
// the stream itself holds no session state. Terminal status ends the stream
// with a final frame; a hard cycle cap bounds the connection's lifetime.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	interval := time.Duration(s.streamCfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	heartbeatCycles := s.streamCfg.HeartbeatCycles
	if heartbeatCycles <= 0 {
		heartbeatCycles = 10
	}
	maxCycles := s.streamCfg.MaxCycles
	if maxCycles <= 0 {
		maxCycles = 900
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.log(orchestrator.LogLevelDebug, "stream_open session=%s interval=%s", sess.ID, interval)
	writeSSE(w, flusher, "connected", map[string]string{"session_id": sess.ID})

	if done := s.emitStatus(w, flusher, sess); done {
		return
	}

	ownerID := r.Header.Get(ownerHeader)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for cycle := 1; cycle <= maxCycles; cycle++ {
		select {
		case <-r.Context().Done():
			s.log(orchestrator.LogLevelDebug, "stream_client_gone session=%s", sess.ID)
			return
		case <-ticker.C:
		}

		fresh, err := s.store.Get(r.Context(), sess.ID, ownerID)
		if err != nil {
			// Transient read failure; the next cycle retries.
			s.log(orchestrator.LogLevelWarn, "stream_fetch_failed session=%s error=%v", sess.ID, err)
			continue
		}

		if done := s.emitStatus(w, flusher, fresh); done {
			return
		}
		if cycle%heartbeatCycles == 0 {
			writeSSE(w, flusher, "heartbeat", map[string]int{"cycle": cycle})
		}
	}

	s.log(orchestrator.LogLevelWarn, "stream_timeout session=%s cycles=%d", sess.ID, maxCycles)
	writeSSE(w, flusher, "timeout", map[string]string{
		"message": "status stream exceeded its maximum lifetime; reconnect to keep following this session",
	})
}

// emitStatus sends one status frame and reports whether the stream is done.
// A COMPLETED terminal frame always reads 100 percent regardless of what the
// last persisted progress value was.
func (s *Server) emitStatus(w http.ResponseWriter, flusher http.Flusher, sess *model.Session) bool {
	frame := statusFrame{
		Status:            string(sess.Status),
		CurrentSection:    sess.CurrentSection,
		CompletedSections: sess.CompletedSections,
		FailedSections:    sess.FailedSections,
		Progress:          sess.ProgressPercentage,
		ErrorMessage:      sess.ErrorMessage,
	}
	if model.IsTerminal(sess.Status) {
		frame.Final = true
		if sess.Status == model.StatusCompleted {
			frame.Progress = 100
		}
		writeSSE(w, flusher, "status", frame)
		s.log(orchestrator.LogLevelDebug, "stream_terminal session=%s status=%s", sess.ID, sess.Status)
		return true
	}
	writeSSE(w, flusher, "status", frame)
	return false
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
