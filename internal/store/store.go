// Package store holds a feature's session list and current selection
// in memory, mirroring backend state through an API client.
package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pipewatch/pipewatch/internal/session"
)

// Client is the slice of the session API the store depends on.
type Client interface {
	CreateSession(ctx context.Context, feature string, params json.RawMessage) (session.Session, error)
	ListSessions(ctx context.Context, feature string) ([]session.Session, error)
	GetSession(ctx context.Context, feature, id string) (session.Session, error)
	DeleteSession(ctx context.Context, feature, id string) error
	RetrySession(ctx context.Context, feature, id string) (session.Session, error)
}

// Store is the single in-memory source of truth for one feature's
// sessions. All state is guarded by one mutex; mutations happen only
// through its methods, so callers get a consistent last-write-wins view
// without coordinating among themselves.
type Store struct {
	feature string
	client  Client

	mu       sync.Mutex
	sessions []session.Session
	current  *session.Session
	lastErr  string
}

// New creates an empty Store for the feature backed by client.
func New(client Client, feature string) *Store {
	return &Store{feature: feature, client: client}
}

// Feature returns the feature this store tracks.
func (s *Store) Feature() string {
	return s.feature
}

// Sessions returns a copy of the session list, newest first.
func (s *Store) Sessions() []session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Current returns the currently selected session, if any.
func (s *Store) Current() (session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return session.Session{}, false
	}
	return *s.current, true
}

// LastError returns the most recent user-visible error message, empty
// when the last operation succeeded.
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Load replaces the session list with the backend's view. The current
// selection is preserved when its id is still present, cleared
// otherwise.
func (s *Store) Load(ctx context.Context) error {
	sessions, err := s.client.ListSessions(ctx, s.feature)
	if err != nil {
		s.setErr(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
	s.lastErr = ""
	if s.current != nil {
		if i := indexOf(s.sessions, s.current.ID); i >= 0 {
			sess := s.sessions[i]
			s.current = &sess
		} else {
			s.current = nil
		}
	}
	return nil
}

// LoadOne fetches one session and makes it current, fully overwriting
// any cached copy. On failure the error is recorded and prior state is
// left untouched.
func (s *Store) LoadOne(ctx context.Context, id string) (session.Session, error) {
	sess, err := s.client.GetSession(ctx, s.feature, id)
	if err != nil {
		s.setErr(err)
		return session.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = ""
	s.replaceLocked(sess)
	s.current = &sess
	return sess, nil
}

// Create starts a new session and, on success, prepends it to the list
// and makes it current. On failure the list is unchanged and the error
// is recorded.
//
// Two Create calls racing resolve as most-recent-response-wins for the
// current selection; no deduplication is attempted.
func (s *Store) Create(ctx context.Context, params json.RawMessage) (session.Session, error) {
	sess, err := s.client.CreateSession(ctx, s.feature, params)
	if err != nil {
		s.setErr(err)
		return session.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = ""
	s.sessions = append([]session.Session{sess}, s.sessions...)
	s.current = &sess
	return sess, nil
}

// Remove deletes the session remotely, then drops it from the list.
// When the removed session was current, the selection is cleared. The
// local list is only touched after the remote delete succeeds; a delete
// failure is recorded and returned.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.client.DeleteSession(ctx, s.feature, id); err != nil {
		s.setErr(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = ""
	if i := indexOf(s.sessions, id); i >= 0 {
		s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	}
	if s.current != nil && s.current.ID == id {
		s.current = nil
	}
	return nil
}

// Retry re-invokes the pipeline for a failed session and replaces the
// cached copy with the reset record.
func (s *Store) Retry(ctx context.Context, id string) (session.Session, error) {
	sess, err := s.client.RetrySession(ctx, s.feature, id)
	if err != nil {
		s.setErr(err)
		return session.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = ""
	s.replaceLocked(sess)
	if s.current != nil && s.current.ID == sess.ID {
		s.current = &sess
	}
	return sess, nil
}

// Apply overwrites the cached copy of a session. This is the poller's
// write path for the final full-record fetch; no field merging happens.
func (s *Store) Apply(sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(sess)
	if s.current != nil && s.current.ID == sess.ID {
		s.current = &sess
	}
}

// ApplySnapshot folds a status snapshot into the cached session, if it
// is still cached. Only status and error message are projected; the
// result payload arrives with the final full fetch.
func (s *Store) ApplySnapshot(snap session.StatusSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.sessions, snap.ID); i >= 0 {
		s.sessions[i].Status = snap.Status
		s.sessions[i].ErrorMessage = snap.ErrorMessage
	}
	if s.current != nil && s.current.ID == snap.ID {
		s.current.Status = snap.Status
		s.current.ErrorMessage = snap.ErrorMessage
	}
}

// SetError records a user-visible error message from outside the
// store's own operations (e.g. a poller giving up).
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = msg
}

func (s *Store) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err.Error()
}

func (s *Store) replaceLocked(sess session.Session) {
	if i := indexOf(s.sessions, sess.ID); i >= 0 {
		s.sessions[i] = sess
	}
}

func indexOf(sessions []session.Session, id string) int {
	for i := range sessions {
		if sessions[i].ID == id {
			return i
		}
	}
	return -1
}
