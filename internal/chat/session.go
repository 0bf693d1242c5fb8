package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxHistoryEntries bounds a session's conversation history.
const maxHistoryEntries = 20

// HistoryEntry is one turn of a session's conversation.
type HistoryEntry struct {
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is per-conversation context: the active
// schema and a bounded history, keyed by session id.
type Session struct {
	ID           string
	ActiveSchema string
	History      []HistoryEntry
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

func (s *Session) appendHistory(query, answer string) {
	s.History = append(s.History, HistoryEntry{Query: query, Answer: answer, Timestamp: time.Now()})
	if len(s.History) > maxHistoryEntries {
		s.History = s.History[len(s.History)-maxHistoryEntries:]
	}
}

// SessionStore holds process-local session context, like Batch and
// SyncJob: it is not durable, unlike QueryLog.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore builds an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for id, creating one (with a fresh
// uuid if id is empty) when absent.
func (s *SessionStore) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if sess, ok := s.sessions[id]; ok {
		sess.LastUsedAt = time.Now()
		return sess
	}
	sess := &Session{ID: id, CreatedAt: time.Now(), LastUsedAt: time.Now()}
	s.sessions[id] = sess
	return sess
}

// Get returns the session for id without creating one.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Delete removes a session's history (HTTP surface's DELETE chat
// history by session).
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
