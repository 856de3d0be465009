package store

import (
	"context"
	"sync"

	"github.com/grantscribe/grantd/internal/model"
)

// memoryStore implements Store using an in-memory map. Used for tests and
// single-process development runs.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() Store {
	return &memoryStore{
		sessions: make(map[string]*model.Session),
	}
}

func (s *memoryStore) Create(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id, ownerID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || sess.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *memoryStore) Update(ctx context.Context, id string, mut Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	mut.Apply(sess)
	return nil
}

func (s *memoryStore) GetStatus(ctx context.Context, id string) (model.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	return sess.Status, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = nil
	return nil
}

// cloneSession deep-copies the record so callers never share collection
// storage with the map entry.
func cloneSession(s *model.Session) *model.Session {
	out := *s
	out.SectionsOrder = append([]string{}, s.SectionsOrder...)
	out.CompletedSections = append([]string{}, s.CompletedSections...)
	out.FailedSections = append([]string{}, s.FailedSections...)
	out.Answers = make(map[string]model.Answers, len(s.Answers))
	for name, ans := range s.Answers {
		copied := make(model.Answers, len(ans))
		for q, a := range ans {
			copied[q] = a
		}
		out.Answers[name] = copied
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
