// Package orchestrator drives one generation session from pending to a
// terminal status as a background worker.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/grantscribe/grantd/internal/events"
	"github.com/grantscribe/grantd/internal/model"
	"github.com/grantscribe/grantd/internal/section"
	"github.com/grantscribe/grantd/internal/store"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel maps a config string to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// QuotaDebitor consumes one generation unit for an owner. The session ID is
// the idempotency key: debiting the same session twice consumes one unit.
type QuotaDebitor interface {
	Debit(ctx context.Context, ownerID, sessionID string) error
}

// Config tunes the per-section retry loop.
type Config struct {
	MaxRetries int           // attempts per section; 0 falls back to the session's ceiling
	Backoff    time.Duration // wait between attempts
}

// Runner drives sessions to a terminal state. One Run owns one session
// record for its duration: the in-memory copy is authoritative and is never
// reloaded from storage mid-run, since a reload could overwrite applied
// progress with a stale snapshot. Cancellation is read through the store's
// narrow status lookup instead.
type Runner struct {
	store    store.Store
	executor section.Executor
	debitor  QuotaDebitor
	bus      *events.Bus
	cfg      Config
	logger   *log.Logger
	logLevel LogLevel
}

// NewRunner creates a session runner. A zero backoff retries immediately;
// production config defaults it to 2s.
func NewRunner(st store.Store, exec section.Executor, cfg Config, logger *log.Logger, level LogLevel) *Runner {
	return &Runner{
		store:    st,
		executor: exec,
		cfg:      cfg,
		logger:   logger,
		logLevel: level,
	}
}

// SetQuotaDebitor wires the post-completion usage debit. Optional.
func (r *Runner) SetQuotaDebitor(d QuotaDebitor) {
	r.debitor = d
}

// SetBus wires the progress event bus. Optional.
func (r *Runner) SetBus(b *events.Bus) {
	r.bus = b
}

// Run drives the session to a terminal status. It is called on its own
// goroutine with a context decoupled from the triggering request.
func (r *Runner) Run(ctx context.Context, sess *model.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log(LogLevelError, "runner_panic session=%s panic=%v", sess.ID, rec)
			r.writeFailure(ctx, sess, fmt.Sprintf("generation aborted: %v", rec))
		}
	}()

	r.log(LogLevelInfo, "session_run_start session=%s sections=%d", sess.ID, sess.TotalSections)
	r.publish(events.EventSessionStarted, sess.ID, map[string]any{
		"owner_id": sess.OwnerID,
		"sections": sess.TotalSections,
	})

	for _, name := range sess.SectionsOrder {
		if sess.HasCompleted(name) {
			continue
		}
		// Cancellation is advisory and checked only at section boundaries;
		// an in-flight executor call is never preempted.
		if r.cancelRequested(ctx, sess.ID) {
			r.log(LogLevelInfo, "session_cancelled session=%s before_section=%s", sess.ID, name)
			r.clearCurrentSection(ctx, sess.ID)
			r.publish(events.EventSessionTerminal, sess.ID, map[string]any{"status": string(model.StatusCancelled)})
			return
		}

		spec, ok := section.SpecFor(name)
		if !ok {
			r.log(LogLevelError, "unknown_section session=%s section=%s", sess.ID, name)
			sess.MarkSectionFailed(name)
			sess.ErrorMessage = fmt.Sprintf("unknown section %q", name)
			r.flush(ctx, sess)
			continue
		}

		r.runSection(ctx, sess, spec)
	}

	r.finalize(ctx, sess)
}

// runSection attempts one section up to the retry ceiling. Failures here
// never abort the run; the section lands in the failed set and the loop
// moves on.
func (r *Runner) runSection(ctx context.Context, sess *model.Session, spec section.Spec) {
	maxAttempts := r.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = sess.MaxRetries
	}
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxRetries
	}

	share := 100.0 / float64(sess.TotalSections)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if sess.Status == model.StatusPending {
			if err := model.ValidateTransition(sess.Status, model.StatusInProgress); err != nil {
				r.log(LogLevelError, "transition_rejected session=%s error=%v", sess.ID, err)
				return
			}
			sess.Status = model.StatusInProgress
			if err := r.store.Update(ctx, sess.ID, store.Mutation{
				Status: store.StatusPtr(model.StatusInProgress),
			}); err != nil {
				r.log(LogLevelError, "status_write_failed session=%s error=%v", sess.ID, err)
			}
		}
		sess.CurrentSection = spec.Name
		// Partial credit for starting the attempt: 8% of this section's
		// share on top of the completed share. Monotone via BumpProgress.
		sess.BumpProgress(sess.CompletedShare() + share*0.08)
		r.flush(ctx, sess)
		r.publish(events.EventSectionStarted, sess.ID, map[string]any{
			"section": spec.Name,
			"attempt": attempt,
		})

		answers, err := r.executor.Execute(ctx, spec, section.ExecContext{
			Project:      sess.ProjectContext,
			PriorAnswers: completedAnswers(sess),
		})
		if err == nil {
			sess.MarkSectionCompleted(spec.Name, answers)
			sess.CurrentSection = ""
			sess.ErrorMessage = ""
			r.flush(ctx, sess)
			r.log(LogLevelInfo, "section_completed session=%s section=%s attempt=%d progress=%.1f",
				sess.ID, spec.Name, attempt, sess.ProgressPercentage)
			r.publish(events.EventSectionCompleted, sess.ID, map[string]any{
				"section":  spec.Name,
				"attempt":  attempt,
				"progress": sess.ProgressPercentage,
			})
			return
		}

		sess.RetryCount++
		sess.ErrorMessage = err.Error()
		r.flush(ctx, sess)
		r.log(LogLevelWarn, "section_attempt_failed session=%s section=%s attempt=%d/%d error=%v",
			sess.ID, spec.Name, attempt, maxAttempts, err)

		if attempt < maxAttempts {
			time.Sleep(r.cfg.Backoff)
		}
	}

	sess.MarkSectionFailed(spec.Name)
	sess.CurrentSection = ""
	r.flush(ctx, sess)
	r.log(LogLevelWarn, "section_failed session=%s section=%s retries_exhausted=%d",
		sess.ID, spec.Name, maxAttempts)
	r.publish(events.EventSectionFailed, sess.ID, map[string]any{"section": spec.Name})
}

// finalize decides the terminal status after the section loop.
func (r *Runner) finalize(ctx context.Context, sess *model.Session) {
	// A cancel that arrived after the last boundary check must still win
	// over the terminal verdict; terminal states never overwrite it.
	if r.cancelRequested(ctx, sess.ID) {
		r.log(LogLevelInfo, "session_cancelled session=%s at=finalize", sess.ID)
		r.clearCurrentSection(ctx, sess.ID)
		r.publish(events.EventSessionTerminal, sess.ID, map[string]any{"status": string(model.StatusCancelled)})
		return
	}

	switch {
	case sess.CompletedCount == sess.TotalSections:
		now := time.Now().UTC()
		sess.Status = model.StatusCompleted
		sess.ProgressPercentage = 100
		sess.CompletedAt = &now
		sess.CurrentSection = ""
		sess.ErrorMessage = ""
		if err := r.store.Update(ctx, sess.ID, store.Snapshot(sess)); err != nil {
			r.log(LogLevelError, "terminal_write_failed session=%s error=%v", sess.ID, err)
		}
		r.log(LogLevelInfo, "session_completed session=%s sections=%d", sess.ID, sess.TotalSections)
		r.publish(events.EventSessionTerminal, sess.ID, map[string]any{"status": string(model.StatusCompleted)})
		r.debitQuota(ctx, sess)

	case len(sess.FailedSections) > 0:
		r.writeFailure(ctx, sess,
			"generation failed for sections: "+strings.Join(sess.FailedSections, ", "))

	case sess.CompletedCount > 0:
		var missing []string
		for _, name := range sess.SectionsOrder {
			if !sess.HasCompleted(name) {
				missing = append(missing, name)
			}
		}
		r.writeFailure(ctx, sess,
			"generation incomplete: missing sections: "+strings.Join(missing, ", "))

	default:
		r.writeFailure(ctx, sess, "generation failed: no sections were completed")
	}
}

// debitQuota consumes one usage unit for the owner. A failed debit never
// rolls back the completed generation; it is logged and surfaced separately.
func (r *Runner) debitQuota(ctx context.Context, sess *model.Session) {
	if r.debitor == nil {
		return
	}
	if err := r.debitor.Debit(ctx, sess.OwnerID, sess.ID); err != nil {
		r.log(LogLevelError, "quota_debit_failed session=%s owner=%s error=%v",
			sess.ID, sess.OwnerID, err)
		return
	}
	r.log(LogLevelInfo, "quota_debited session=%s owner=%s", sess.ID, sess.OwnerID)
}

// writeFailure is the best-effort terminal write used for both the normal
// failure verdicts and unexpected worker errors. If even this write fails,
// the session is left in its last persisted state and status consumers must
// treat prolonged silence as a dead worker.
func (r *Runner) writeFailure(ctx context.Context, sess *model.Session, msg string) {
	if r.cancelRequested(ctx, sess.ID) {
		r.log(LogLevelInfo, "failure_superseded_by_cancel session=%s", sess.ID)
		return
	}
	sess.Status = model.StatusFailed
	sess.ErrorMessage = msg
	sess.CurrentSection = ""

	mut := store.Mutation{
		Status:         store.StatusPtr(model.StatusFailed),
		ErrorMessage:   store.StringPtr(msg),
		CurrentSection: store.StringPtr(""),
	}
	if err := r.store.Update(ctx, sess.ID, mut); err != nil {
		r.log(LogLevelError, "terminal_write_failed session=%s error=%v", sess.ID, err)
		return
	}
	r.log(LogLevelInfo, "session_failed session=%s error=%q", sess.ID, msg)
	r.publish(events.EventSessionTerminal, sess.ID, map[string]any{
		"status": string(model.StatusFailed),
		"error":  msg,
	})
}

// cancelRequested performs the narrow single-field status lookup. A lookup
// failure is treated as "not cancelled": the run keeps making progress and
// the next boundary rechecks.
func (r *Runner) cancelRequested(ctx context.Context, id string) bool {
	status, err := r.store.GetStatus(ctx, id)
	if err != nil {
		r.log(LogLevelWarn, "cancel_check_failed session=%s error=%v", id, err)
		return false
	}
	return status == model.StatusCancelled
}

func (r *Runner) clearCurrentSection(ctx context.Context, id string) {
	mut := store.Mutation{CurrentSection: store.StringPtr("")}
	if err := r.store.Update(ctx, id, mut); err != nil {
		r.log(LogLevelWarn, "clear_current_section_failed session=%s error=%v", id, err)
	}
}

// flush persists the working copy's mutable fields, status excluded: an
// externally set CANCELLED must never be overwritten by a routine progress
// write. Status changes go through dedicated transition and terminal writes.
// Storage errors are logged and swallowed: the in-memory copy stays
// authoritative and the next flush retries the full snapshot.
func (r *Runner) flush(ctx context.Context, sess *model.Session) {
	mut := store.Snapshot(sess)
	mut.Status = nil
	if err := r.store.Update(ctx, sess.ID, mut); err != nil {
		r.log(LogLevelError, "flush_failed session=%s error=%v", sess.ID, err)
	}
}

// completedAnswers returns the answers of completed sections only, for the
// executor's cross-section context.
func completedAnswers(sess *model.Session) map[string]model.Answers {
	out := make(map[string]model.Answers, len(sess.CompletedSections))
	for _, name := range sess.CompletedSections {
		if ans, ok := sess.Answers[name]; ok {
			out[name] = ans
		}
	}
	return out
}

func (r *Runner) publish(typ events.EventType, sessionID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(typ, sessionID, data)
}

func (r *Runner) log(level LogLevel, format string, args ...any) {
	if r.logger == nil || level < r.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s runner: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
