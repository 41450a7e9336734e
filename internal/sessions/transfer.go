package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tomatos-dev/nekobot/pkg/models"
)

// Snapshot is the serializable form of one session and its transcript.
type Snapshot struct {
	Session  models.Session   `json:"session"`
	Messages []models.Message `json:"messages"`
}

// Export captures a session for transfer or backup.
func (s *Store) Export(ctx context.Context, sessionID string) (*Snapshot, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Session: *session, Messages: make([]models.Message, len(msgs))}
	for i, m := range msgs {
		snap.Messages[i] = *m
	}
	return snap, nil
}

// Import restores a snapshot. An existing session with the same id is
// replaced wholesale, matching export/import round-trip semantics.
func (s *Store) Import(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errors.New("snapshot is required")
	}
	if snap.Session.ID == "" {
		return errors.New("snapshot session has no id")
	}

	if _, err := s.Get(ctx, snap.Session.ID); err == nil {
		if err := s.Delete(ctx, snap.Session.ID); err != nil {
			return fmt.Errorf("replace session: %w", err)
		}
	}

	session := snap.Session
	if err := s.Create(ctx, &session); err != nil {
		return err
	}

	for i := range snap.Messages {
		msg := snap.Messages[i]
		if err := s.Append(ctx, session.ID, &msg); err != nil {
			return fmt.Errorf("import message %d: %w", i, err)
		}
	}

	// Restore the exported timestamps last: Create and every Append stamp
	// UpdatedAt with the current time.
	s.mu.Lock()
	if stored, ok := s.sessions[session.ID]; ok {
		stored.CreatedAt = snap.Session.CreatedAt
		stored.UpdatedAt = snap.Session.UpdatedAt
	}
	s.mu.Unlock()
	return nil
}

// MarshalSnapshot serializes a snapshot to JSON.
func MarshalSnapshot(snap *Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// UnmarshalSnapshot parses a JSON snapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}
