package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore keeps sessions in process memory. It backs tests and the dev
// mode where no Redis is configured. Sessions are deep-copied on the way in
// and out so callers never share mutable history slices with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

func (m *MemoryStore) Load(ctx context.Context, patientID string) (*Session, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, ErrInvalidPatient
	}

	m.mu.RLock()
	raw, ok := m.sessions[patientID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrStateNotFound
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (m *MemoryStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(sess.PatientID) == "" {
		return ErrInvalidPatient
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.PatientID] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, patientID string) error {
	if strings.TrimSpace(patientID) == "" {
		return ErrInvalidPatient
	}

	m.mu.Lock()
	delete(m.sessions, patientID)
	m.mu.Unlock()
	return nil
}
