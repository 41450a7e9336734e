// Package sessions provides the in-memory conversation store. Messages are
// capped per session; truncation always preserves system messages and the
// most recent non-system messages in order.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomatos-dev/nekobot/internal/observability"
	"github.com/tomatos-dev/nekobot/pkg/models"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// DefaultMaxMessages is the per-session history cap.
const DefaultMaxMessages = 100

// Store is an in-memory session store. All returned values are deep clones;
// callers never share memory with the store.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	messages    map[string][]*models.Message
	maxMessages int
	metrics     *observability.Metrics
}

// NewStore creates a store. maxMessages <= 0 uses DefaultMaxMessages.
// metrics may be nil.
func NewStore(maxMessages int, metrics *observability.Metrics) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{
		sessions:    make(map[string]*models.Session),
		messages:    make(map[string][]*models.Message),
		maxMessages: maxMessages,
		metrics:     metrics,
	}
}

// Create registers a new session. An empty ID is filled in.
func (s *Store) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := s.sessions[clone.ID]; exists {
		return fmt.Errorf("session %s already exists", clone.ID)
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt

	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt

	s.sessions[clone.ID] = clone
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	}
	return nil
}

// Get returns a clone of the session.
func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return cloneSession(session), nil
}

// GetOrCreate returns the session with id, creating it bound to model when
// absent.
func (s *Store) GetOrCreate(ctx context.Context, id, model string) (*models.Session, error) {
	if session, err := s.Get(ctx, id); err == nil {
		return session, nil
	}
	session := &models.Session{ID: id, Model: model}
	if err := s.Create(ctx, session); err != nil {
		// Lost a race with a concurrent creator; the session exists now.
		return s.Get(ctx, id)
	}
	return session, nil
}

// SetModel rebinds the session to another model profile.
func (s *Store) SetModel(ctx context.Context, id, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	session.Model = model
	session.UpdatedAt = time.Now()
	return nil
}

// Append adds a message and truncates history to the cap. System messages
// are never evicted, even when the cap is smaller than their count.
func (s *Store) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.SessionID = sessionID

	s.messages[sessionID] = truncate(append(s.messages[sessionID], clone), s.maxMessages)
	session.UpdatedAt = time.Now()
	return nil
}

// Messages returns a cloned transcript in insertion order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	msgs := s.messages[sessionID]
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

// Clear drops all non-system messages, keeping the system prompt context.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var kept []*models.Message
	for _, m := range s.messages[sessionID] {
		if m.Role == models.RoleSystem {
			kept = append(kept, m)
		}
	}
	s.messages[sessionID] = kept
	session.UpdatedAt = time.Now()
	return nil
}

// Delete removes the session and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	}
	return nil
}

// List returns clones of all sessions.
func (s *Store) List(ctx context.Context) []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, cloneSession(session))
	}
	return out
}

// truncate enforces the history cap: every system message survives, plus
// the most recent non-system messages that fit, in original order.
func truncate(msgs []*models.Message, cap int) []*models.Message {
	if len(msgs) <= cap {
		return msgs
	}

	systemCount := 0
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			systemCount++
		}
	}

	budget := cap - systemCount
	if budget < 0 {
		budget = 0
	}

	nonSystem := len(msgs) - systemCount
	drop := nonSystem - budget

	out := make([]*models.Message, 0, systemCount+budget)
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			out = append(out, m)
			continue
		}
		if drop > 0 {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}

func cloneSession(s *models.Session) *models.Session {
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessage(m *models.Message) *models.Message {
	clone := *m
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]models.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Input != nil {
				clone.ToolCalls[i].Input = append([]byte(nil), tc.Input...)
			}
		}
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
