// Package api exposes the generation engine over HTTP: session lifecycle,
// synchronous single-section generation, and a live status stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/grantscribe/grantd/internal/events"
	"github.com/grantscribe/grantd/internal/lock"
	"github.com/grantscribe/grantd/internal/model"
	"github.com/grantscribe/grantd/internal/orchestrator"
	"github.com/grantscribe/grantd/internal/section"
	"github.com/grantscribe/grantd/internal/store"
)

const ownerHeader = "X-Owner-ID"

// Server handles the session controller endpoints. Background runs are
// spawned with a context detached from the triggering request so a client
// disconnect never kills a generation in flight.
type Server struct {
	store     store.Store
	executor  section.Executor
	bus       *events.Bus
	debitor   orchestrator.QuotaDebitor
	runCfg    orchestrator.Config
	streamCfg model.StreamConfig
	locks     *lock.MutexMap
	logger    *log.Logger
	logLevel  orchestrator.LogLevel
	httpSrv   *http.Server
}

// Config carries the server wiring.
type Config struct {
	ListenAddr string
	Runner     orchestrator.Config
	Stream     model.StreamConfig
}

// NewServer creates the API server. The bus and debitor are optional.
func NewServer(st store.Store, exec section.Executor, cfg Config, logger *log.Logger, level orchestrator.LogLevel) *Server {
	s := &Server{
		store:     st,
		executor:  exec,
		runCfg:    cfg.Runner,
		streamCfg: cfg.Stream,
		locks:     lock.NewMutexMap(),
		logger:    logger,
		logLevel:  level,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetBus wires the progress event bus. Optional.
func (s *Server) SetBus(b *events.Bus) {
	s.bus = b
}

// SetQuotaDebitor wires the post-completion usage debit. Optional.
func (s *Server) SetQuotaDebitor(d orchestrator.QuotaDebitor) {
	s.debitor = d
}

// SetLogLevel applies a reloaded logging level. New background runs pick it
// up on their next spawn.
func (s *Server) SetLogLevel(level orchestrator.LogLevel) {
	s.logLevel = level
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleStartGeneration)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetStatus)
	mux.HandleFunc("POST /v1/sessions/{id}/sections/{name}", s.handleGenerateSection)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /v1/sections", s.handleListSections)
	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	return mux
}

// ListenAndServe runs the HTTP server until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.log(orchestrator.LogLevelInfo, "listening addr=%s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests. Background runs keep going; their
// contexts are not derived from the server's.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routing table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

type startGenerationRequest struct {
	ProjectContext model.ProjectContext `json:"project_context"`
	Sections       []string             `json:"sections,omitempty"`
}

type startGenerationResponse struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	TotalSections int      `json:"total_sections"`
	SectionsOrder []string `json:"sections_order"`
}

// handleStartGeneration creates a session and kicks off the background run.
// Responds 202 immediately; progress is observed via GET or the stream.
func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get(ownerHeader)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+ownerHeader+" header")
		return
	}

	var req startGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if req.ProjectContext.ProjectName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "project_context.project_name is required")
		return
	}

	order := req.Sections
	if len(order) == 0 {
		order = section.Order()
	}
	for _, name := range order {
		if _, ok := section.SpecFor(name); !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown section %q", name))
			return
		}
	}

	sess, err := model.NewSession(ownerID, req.ProjectContext, order)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.store.Create(r.Context(), sess); err != nil {
		s.log(orchestrator.LogLevelError, "session_create_failed owner=%s error=%v", ownerID, err)
		writeError(w, http.StatusInternalServerError, "storage_error", "could not create session")
		return
	}

	runner := orchestrator.NewRunner(s.store, s.executor, s.runCfg, s.logger, s.logLevel)
	if s.debitor != nil {
		runner.SetQuotaDebitor(s.debitor)
	}
	if s.bus != nil {
		runner.SetBus(s.bus)
	}
	// Detached from the request context deliberately.
	go runner.Run(context.Background(), sess)

	s.log(orchestrator.LogLevelInfo, "session_started session=%s owner=%s sections=%d",
		sess.ID, ownerID, sess.TotalSections)
	writeJSON(w, http.StatusAccepted, startGenerationResponse{
		ID:            sess.ID,
		Status:        string(sess.Status),
		TotalSections: sess.TotalSections,
		SectionsOrder: sess.SectionsOrder,
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

type generateSectionResponse struct {
	Section  string        `json:"section"`
	Answers  model.Answers `json:"answers"`
	Cached   bool          `json:"cached"`
	Progress float64       `json:"progress_percentage"`
	Status   string        `json:"status"`
}

// handleGenerateSection produces one section synchronously. A cached answer
// is returned without touching the provider unless retry=true. Requests for
// the same session are serialized so two clients cannot generate the same
// section concurrently.
func (s *Server) handleGenerateSection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := r.PathValue("name")

	spec, ok := section.SpecFor(name)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown section %q", name))
		return
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if sess.Status == model.StatusCancelled {
		writeError(w, http.StatusConflict, "conflict", "session is cancelled")
		return
	}

	retry := r.URL.Query().Get("retry") == "true" || r.URL.Query().Get("retry") == "1"
	if sess.HasCompleted(name) && !retry {
		writeJSON(w, http.StatusOK, generateSectionResponse{
			Section:  name,
			Answers:  sess.Answers[name],
			Cached:   true,
			Progress: sess.ProgressPercentage,
			Status:   string(sess.Status),
		})
		return
	}

	if sess.Status == model.StatusPending {
		if err := model.ValidateTransition(sess.Status, model.StatusInProgress); err != nil {
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		sess.Status = model.StatusInProgress
	}

	answers, err := s.executor.Execute(r.Context(), spec, section.ExecContext{
		Project:      sess.ProjectContext,
		PriorAnswers: priorAnswers(sess),
	})
	if err != nil {
		// One synchronous attempt is not retry exhaustion; the failed set
		// belongs to the background runner's bookkeeping.
		sess.ErrorMessage = err.Error()
		s.persist(r.Context(), sess)
		s.log(orchestrator.LogLevelWarn, "section_generate_failed session=%s section=%s error=%v", id, name, err)
		writeError(w, http.StatusBadGateway, "provider_error", err.Error())
		return
	}

	sess.MarkSectionCompleted(name, answers)
	sess.CurrentSection = ""
	sess.ErrorMessage = ""
	if sess.CompletedCount == sess.TotalSections {
		now := time.Now().UTC()
		sess.Status = model.StatusCompleted
		sess.ProgressPercentage = 100
		sess.CompletedAt = &now
	}
	s.persist(r.Context(), sess)
	s.publish(events.EventSectionCompleted, sess.ID, map[string]any{"section": name, "progress": sess.ProgressPercentage})
	if sess.Status == model.StatusCompleted {
		s.publish(events.EventSessionTerminal, sess.ID, map[string]any{"status": string(model.StatusCompleted)})
		if s.debitor != nil {
			if err := s.debitor.Debit(r.Context(), sess.OwnerID, sess.ID); err != nil {
				s.log(orchestrator.LogLevelError, "quota_debit_failed session=%s owner=%s error=%v",
					sess.ID, sess.OwnerID, err)
			}
		}
	}

	writeJSON(w, http.StatusOK, generateSectionResponse{
		Section:  name,
		Answers:  answers,
		Progress: sess.ProgressPercentage,
		Status:   string(sess.Status),
	})
}

// handleCancel flips the session to CANCELLED. The flag is advisory: a
// background run observes it at the next section boundary and never mid
// section.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	// Cancelling a terminal session is a no-op; report the state it is in.
	if model.IsTerminal(sess.Status) {
		writeJSON(w, http.StatusOK, map[string]string{
			"id":     sess.ID,
			"status": string(sess.Status),
		})
		return
	}

	mut := store.Mutation{
		Status:       store.StatusPtr(model.StatusCancelled),
		ErrorMessage: store.StringPtr("generation cancelled by user"),
	}
	if err := s.store.Update(r.Context(), sess.ID, mut); err != nil {
		s.log(orchestrator.LogLevelError, "cancel_write_failed session=%s error=%v", sess.ID, err)
		writeError(w, http.StatusInternalServerError, "storage_error", "could not cancel session")
		return
	}

	s.log(orchestrator.LogLevelInfo, "session_cancel_requested session=%s", sess.ID)
	s.publish(events.EventSessionTerminal, sess.ID, map[string]any{"status": string(model.StatusCancelled)})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     sess.ID,
		"status": string(model.StatusCancelled),
	})
}

type sectionInfo struct {
	Name      string `json:"name"`
	Title     string `json:"title"`
	Questions int    `json:"questions"`
}

func (s *Server) handleListSections(w http.ResponseWriter, r *http.Request) {
	catalog := section.Catalog()
	out := make([]sectionInfo, len(catalog))
	for i, spec := range catalog {
		out[i] = sectionInfo{Name: spec.Name, Title: spec.Title, Questions: len(spec.Questions)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sections": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadSession resolves the path's session ID under the caller's owner scope,
// writing the error response itself when the lookup fails.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	ownerID := r.Header.Get(ownerHeader)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+ownerHeader+" header")
		return nil, false
	}

	id := r.PathValue("id")
	if !model.ValidateID(id) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed session ID")
		return nil, false
	}

	sess, err := s.store.Get(r.Context(), id, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found")
			return nil, false
		}
		s.log(orchestrator.LogLevelError, "session_load_failed session=%s error=%v", id, err)
		writeError(w, http.StatusInternalServerError, "storage_error", "could not load session")
		return nil, false
	}
	return sess, true
}

// persist flushes the handler's working copy. The synchronous path holds the
// session lock, so a full snapshot cannot race another section write.
func (s *Server) persist(ctx context.Context, sess *model.Session) {
	if err := s.store.Update(ctx, sess.ID, store.Snapshot(sess)); err != nil {
		s.log(orchestrator.LogLevelError, "session_persist_failed session=%s error=%v", sess.ID, err)
	}
}

func priorAnswers(sess *model.Session) map[string]model.Answers {
	out := make(map[string]model.Answers, len(sess.CompletedSections))
	for _, name := range sess.CompletedSections {
		if ans, ok := sess.Answers[name]; ok {
			out[name] = ans
		}
	}
	return out
}

func (s *Server) publish(typ events.EventType, sessionID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(typ, sessionID, data)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) log(level orchestrator.LogLevel, format string, args ...any) {
	if s.logger == nil || level < s.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case orchestrator.LogLevelDebug:
		levelStr = "DEBUG"
	case orchestrator.LogLevelWarn:
		levelStr = "WARN"
	case orchestrator.LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s api: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
