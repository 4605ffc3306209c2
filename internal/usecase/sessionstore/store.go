// Package sessionstore provides the default in-memory implementation of
// domain.SessionStore, the external collaborator spec.md §6 describes as
// holding durable session state. The gateway core only ever upserts the
// narrow bookkeeping fields defined on domain.SessionRecord through this
// interface; this package exists to exercise that boundary end to end, not
// to be the system of record a production deployment would plug in.
//
// Grounded on this codebase's session manager: ULID-stamped session
// identifiers and a path-safety check on externally supplied keys, trimmed
// of the chat-message history and multi-tenant fields that belong to the
// agent runtime, not the gateway.
package sessionstore

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"alfred-ai/internal/domain"
)

// Store is an in-memory domain.SessionStore keyed by the gateway's
// sessionKey. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

type record struct {
	domain.SessionRecord
	internalID string // ULID, assigned once at creation, never exposed on the wire
}

// New creates an empty in-memory session store.
func New() *Store {
	return &Store{sessions: make(map[string]*record)}
}

var _ domain.SessionStore = (*Store)(nil)

// validateSessionKey rejects path-unsafe or otherwise malformed keys before
// they are used to address workdir-derived storage.
func validateSessionKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key must not be empty")
	}
	if strings.ContainsAny(key, "\x00") {
		return fmt.Errorf("session key contains a null byte: %q", key)
	}
	if clean := filepath.Clean(key); strings.Contains(clean, "..") {
		return fmt.Errorf("session key escapes its root: %q", key)
	}
	return nil
}

func newULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Get returns the record for sessionKey, or domain.ErrSessionNotFound.
func (s *Store) Get(_ context.Context, sessionKey string) (domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionKey]
	if !ok {
		return domain.SessionRecord{}, domain.NewSubSystemError("session", "sessionstore.get", domain.ErrSessionNotFound, sessionKey)
	}
	return rec.SessionRecord, nil
}

// GetOrCreate returns the existing record for sessionKey, creating one
// stamped with a fresh ULID and the current time if absent.
func (s *Store) GetOrCreate(_ context.Context, sessionKey string) (domain.SessionRecord, error) {
	if err := validateSessionKey(sessionKey); err != nil {
		return domain.SessionRecord{}, domain.NewSubSystemError("session", "sessionstore.get_or_create", domain.ErrInvalidInput, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[sessionKey]; ok {
		return rec.SessionRecord, nil
	}
	now := time.Now()
	rec := &record{
		SessionRecord: domain.SessionRecord{SessionKey: sessionKey, CreatedAt: now, UpdatedAt: now},
		internalID:    newULID(now),
	}
	s.sessions[sessionKey] = rec
	return rec.SessionRecord, nil
}

// Update upserts the bookkeeping fields the gateway writes after an agent
// invocation touches a session. Zero-value fields in the given
// SessionUpdate are left unchanged, except MessageCount, which is only
// applied when positive (the scheduler always passes the intended new
// total, never a delta).
func (s *Store) Update(_ context.Context, sessionKey string, fields domain.SessionUpdate) error {
	if err := validateSessionKey(sessionKey); err != nil {
		return domain.NewSubSystemError("session", "sessionstore.update", domain.ErrInvalidInput, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionKey]
	if !ok {
		now := time.Now()
		rec = &record{
			SessionRecord: domain.SessionRecord{SessionKey: sessionKey, CreatedAt: now},
			internalID:    newULID(now),
		}
		s.sessions[sessionKey] = rec
	}
	if fields.LastMessagePreview != "" {
		rec.LastMessagePreview = fields.LastMessagePreview
	}
	if fields.MessageCount > 0 {
		rec.MessageCount = fields.MessageCount
	}
	if fields.Workdir != "" {
		rec.Workdir = fields.Workdir
	}
	rec.UpdatedAt = time.Now()
	return nil
}

// Count reports the number of sessions currently tracked. Intended for
// diagnostics, not part of domain.SessionStore.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
