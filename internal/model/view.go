package model

import "time"

// SessionView is the read model served to status consumers. It carries the
// answers for completed sections but not the immutable project context.
type SessionView struct {
	ID                 string             `json:"id"`
	Status             Status             `json:"status"`
	SectionsOrder      []string           `json:"sections_order"`
	CurrentSection     string             `json:"current_section"`
	CompletedSections  []string           `json:"completed_sections"`
	FailedSections     []string           `json:"failed_sections"`
	Answers            map[string]Answers `json:"answers"`
	TotalSections      int                `json:"total_sections"`
	CompletedCount     int                `json:"completed_count"`
	ProgressPercentage float64            `json:"progress_percentage"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

// View produces the read model for the session's current state.
func (s *Session) View() SessionView {
	return SessionView{
		ID:                 s.ID,
		Status:             s.Status,
		SectionsOrder:      append([]string(nil), s.SectionsOrder...),
		CurrentSection:     s.CurrentSection,
		CompletedSections:  append([]string(nil), s.CompletedSections...),
		FailedSections:     append([]string(nil), s.FailedSections...),
		Answers:            s.Answers,
		TotalSections:      s.TotalSections,
		CompletedCount:     s.CompletedCount,
		ProgressPercentage: s.ProgressPercentage,
		ErrorMessage:       s.ErrorMessage,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		CompletedAt:        s.CompletedAt,
	}
}
