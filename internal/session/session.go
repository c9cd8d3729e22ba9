// Package session provides the in-memory session store. Sessions are keyed
// by an opaque 64-hex-digit id derived from a fresh random UUID, carry a
// string key/value map, and expire when unused for longer than the
// configured timeout. Expired sessions are evicted lazily on access and by
// a periodic sweep.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one live session. The key/value map is guarded by the
// session's own lock so concurrent handlers under the same session stay
// consistent; the store's lock is never held while a session lock is.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	lastAccess time.Time
	values     map[string]string
}

// ID returns the opaque session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time in UTC.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastAccess returns the last access time in UTC.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *Session) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes key from the session.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) expired(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastAccess) > timeout
}

// Store holds all live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
}

// DefaultTimeout applies when the configured timeout is not positive.
const DefaultTimeout = 30 * time.Minute

// NewStore creates a session store with the given idle timeout.
func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{
		sessions: make(map[string]*Session),
		timeout:  timeout,
	}
}

// NewID derives a fresh opaque session id: the hex SHA-256 digest of a
// random UUID, 64 characters.
func NewID() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

// Create inserts and returns a new session.
func (st *Store) Create() *Session {
	now := time.Now().UTC()
	s := &Session{
		id:         NewID(),
		createdAt:  now,
		lastAccess: now,
		values:     make(map[string]string),
	}
	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()
	return s
}

// GetByID returns the session, refreshing its last access time. An expired
// session is removed and nil returned.
func (st *Store) GetByID(id string) *Session {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil
	}

	now := time.Now().UTC()
	if s.expired(now, st.timeout) {
		st.mu.Lock()
		delete(st.sessions, id)
		st.mu.Unlock()
		return nil
	}
	s.touch(now)
	return s
}

// Invalidate removes a session. No-op when the id is unknown.
func (st *Store) Invalidate(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len reports the number of stored sessions, expired ones included until
// the next sweep or access.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Timeout returns the configured idle timeout.
func (st *Store) Timeout() time.Duration { return st.timeout }

// Sweep removes every expired session and returns how many went. Wired to
// the background task runner; also safe to call directly.
func (st *Store) Sweep() int {
	now := time.Now().UTC()

	st.mu.RLock()
	var expired []string
	for id, s := range st.sessions {
		if s.expired(now, st.timeout) {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	removed := 0
	st.mu.Lock()
	for _, id := range expired {
		// Re-check: the session may have been touched between the scans.
		if s, ok := st.sessions[id]; ok && s.expired(now, st.timeout) {
			delete(st.sessions, id)
			removed++
		}
	}
	st.mu.Unlock()

	if removed > 0 {
		slog.Debug("swept expired sessions", "removed", removed)
	}
	return removed
}
