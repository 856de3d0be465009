// Package model defines the data structures for grantd's sessions,
// configuration, and status state machine.
package model

import (
	"fmt"
	"time"
)

// Answers holds the generated content for one section, keyed by question ID.
// The engine treats the content as opaque text.
type Answers map[string]string

// ProjectContext is the immutable input supplied when a generation session
// is created. It describes the project the grant application is for.
type ProjectContext struct {
	ProjectName      string `json:"project_name" yaml:"project_name"`
	Organization     string `json:"organization" yaml:"organization"`
	Description      string `json:"description" yaml:"description"`
	TargetPopulation string `json:"target_population,omitempty" yaml:"target_population,omitempty"`
	RequestedAmount  string `json:"requested_amount,omitempty" yaml:"requested_amount,omitempty"`
	DurationMonths   int    `json:"duration_months,omitempty" yaml:"duration_months,omitempty"`
	FunderName       string `json:"funder_name,omitempty" yaml:"funder_name,omitempty"`
}

// Session is the durable state of one progressive generation job. The
// orchestrator's in-memory copy is authoritative for the duration of a run;
// readers observe progress through the store.
type Session struct {
	ID                 string             `json:"id"`
	OwnerID            string             `json:"owner_id"`
	Status             Status             `json:"status"`
	SectionsOrder      []string           `json:"sections_order"`
	CurrentSection     string             `json:"current_section"`
	CompletedSections  []string           `json:"completed_sections"`
	FailedSections     []string           `json:"failed_sections"`
	Answers            map[string]Answers `json:"answers"`
	ProjectContext     ProjectContext     `json:"project_context"`
	TotalSections      int                `json:"total_sections"`
	CompletedCount     int                `json:"completed_count"`
	ProgressPercentage float64            `json:"progress_percentage"`
	ErrorMessage       string             `json:"error_message"`
	RetryCount         int                `json:"retry_count"`
	MaxRetries         int                `json:"max_retries"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

// DefaultMaxRetries is the per-section attempt ceiling.
const DefaultMaxRetries = 3

// NewSession creates a pending session for the given owner and section order.
func NewSession(ownerID string, pc ProjectContext, sectionsOrder []string) (*Session, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}
	if len(sectionsOrder) == 0 {
		return nil, fmt.Errorf("sections order is empty")
	}

	id, err := GenerateID(IDTypeSession)
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	order := make([]string, len(sectionsOrder))
	copy(order, sectionsOrder)

	now := time.Now().UTC()
	return &Session{
		ID:                id,
		OwnerID:           ownerID,
		Status:            StatusPending,
		SectionsOrder:     order,
		CompletedSections: []string{},
		FailedSections:    []string{},
		Answers:           make(map[string]Answers),
		ProjectContext:    pc,
		TotalSections:     len(order),
		MaxRetries:        DefaultMaxRetries,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// HasCompleted reports whether the named section has already been produced.
func (s *Session) HasCompleted(name string) bool {
	for _, c := range s.CompletedSections {
		if c == name {
			return true
		}
	}
	return false
}

// HasFailed reports whether the named section exhausted its retries.
func (s *Session) HasFailed(name string) bool {
	for _, f := range s.FailedSections {
		if f == name {
			return true
		}
	}
	return false
}

// MarkSectionCompleted records a successful section. The section is removed
// from the failed set if an earlier attempt put it there, keeping the
// completed/failed sets disjoint.
func (s *Session) MarkSectionCompleted(name string, answers Answers) {
	if s.HasCompleted(name) {
		s.Answers[name] = answers
		return
	}
	s.FailedSections = removeString(s.FailedSections, name)
	s.CompletedSections = append(s.CompletedSections, name)
	if s.Answers == nil {
		s.Answers = make(map[string]Answers)
	}
	s.Answers[name] = answers
	s.CompletedCount = len(s.CompletedSections)
	s.BumpProgress(s.CompletedShare())
}

// MarkSectionFailed records a section that exhausted its retries. Sections
// already completed are never moved to the failed set.
func (s *Session) MarkSectionFailed(name string) {
	if s.HasCompleted(name) || s.HasFailed(name) {
		return
	}
	s.FailedSections = append(s.FailedSections, name)
}

// CompletedShare is the progress percentage earned by completed sections.
func (s *Session) CompletedShare() float64 {
	if s.TotalSections == 0 {
		return 0
	}
	return float64(s.CompletedCount) / float64(s.TotalSections) * 100
}

// BumpProgress raises the progress percentage to p. Progress never regresses,
// even when a retry recomputes a lower value from a stale count.
func (s *Session) BumpProgress(p float64) {
	if p > 100 {
		p = 100
	}
	if p > s.ProgressPercentage {
		s.ProgressPercentage = p
	}
}

func removeString(ss []string, name string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}
