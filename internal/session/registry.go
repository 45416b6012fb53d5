package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout is how long a session stays warm after its last query.
const DefaultTimeout = 600 * time.Second

// Session anchors conversational continuity for one (agent, user) pair:
// the last query, its vector, and the narrative the exchange landed on.
type Session struct {
	AgentID         string    `json:"agent_id"`
	UserID          string    `json:"user_id"`
	NarrativeID     string    `json:"narrative_id"`
	LastQuery       string    `json:"last_query"`
	LastResponse    string    `json:"last_response"`
	LastQueryVector []float32 `json:"last_query_vector,omitempty"`
	LastQueryAt     time.Time `json:"last_query_at"`
	QueryCount      int       `json:"query_count"`
}

// Stale reports whether the gap since the last query exceeds the
// timeout. A stale session is discarded and replaced, never reused.
func (s *Session) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastQueryAt) > timeout
}

// clone returns a caller-owned copy, including the query vector.
func (s *Session) clone() *Session {
	cp := *s
	if s.LastQueryVector != nil {
		cp.LastQueryVector = append([]float32(nil), s.LastQueryVector...)
	}
	return &cp
}

// Registry maps (agent, user) to the current session. Lookups hit an
// in-memory map first, then a per-pair JSON file; files are read under a
// shared advisory lock and written under an exclusive one, so two
// processes racing on the same pair cannot interleave a stale-discard
// with a concurrent create.
type Registry struct {
	dir     string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// NewRegistry creates a Registry persisting sessions under dir.
// A non-positive timeout falls back to DefaultTimeout.
func NewRegistry(dir string, timeout time.Duration) (*Registry, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &Registry{
		dir:      dir,
		timeout:  timeout,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}, nil
}

func sessionKey(agentID, userID string) string {
	return agentID + "\x00" + userID
}

// pathSegment flattens an id into a filename-safe token.
func pathSegment(id string) string {
	if id == "" {
		return "-"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

func (r *Registry) filePath(agentID, userID string) string {
	return filepath.Join(r.dir, pathSegment(agentID)+"__"+pathSegment(userID)+".json")
}

// GetOrCreate returns the warm session for the pair, creating a fresh
// one when none exists or the existing one has gone stale. Stale
// sessions are removed from both the map and the file before the fresh
// session replaces them. The returned session is the caller's own copy;
// the registry's entry changes only through Save or Touch, so a caller
// mutating its copy never races another request on the same pair.
func (r *Registry) GetOrCreate(agentID, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey(agentID, userID)
	now := r.now()

	if s, ok := r.sessions[key]; ok {
		if !s.Stale(now, r.timeout) {
			return s.clone(), nil
		}
		delete(r.sessions, key)
	}

	if s := r.load(agentID, userID); s != nil {
		if !s.Stale(now, r.timeout) {
			r.sessions[key] = s
			return s.clone(), nil
		}
		r.discard(agentID, userID)
	}

	fresh := &Session{
		AgentID:     agentID,
		UserID:      userID,
		LastQueryAt: now,
	}
	r.sessions[key] = fresh
	if err := r.persist(fresh); err != nil {
		return nil, err
	}
	return fresh.clone(), nil
}

// Save persists the session unconditionally and publishes a copy as the
// pair's current entry.
func (r *Registry) Save(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionKey(s.AgentID, s.UserID)] = s.clone()
	return r.persist(s)
}

// Touch records one completed exchange on the session: the query, its
// vector, the chosen narrative, and the response, bumping the counter.
func (r *Registry) Touch(s *Session, query string, queryVector []float32, narrativeID, response string) error {
	s.LastQuery = query
	s.LastQueryVector = queryVector
	s.NarrativeID = narrativeID
	s.LastResponse = response
	s.LastQueryAt = r.now()
	s.QueryCount++
	return r.Save(s)
}

// load reads the persisted session under a shared lock. A missing or
// corrupt file is treated as session-not-found, never surfaced.
func (r *Registry) load(agentID, userID string) *Session {
	path := r.filePath(agentID, userID)
	lock, err := acquireLock(path+".lock", false)
	if err != nil {
		r.logger.Warn("session read lock failed", "path", path, "error", err)
		return nil
	}
	defer lock.release()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		r.logger.Warn("session file corrupt, discarding", "path", path, "error", err)
		return nil
	}
	return &s
}

// persist writes the session file atomically under an exclusive lock.
func (r *Registry) persist(s *Session) error {
	path := r.filePath(s.AgentID, s.UserID)
	lock, err := acquireLock(path+".lock", true)
	if err != nil {
		return err
	}
	defer lock.release()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

// discard removes the persisted record under an exclusive lock.
func (r *Registry) discard(agentID, userID string) {
	path := r.filePath(agentID, userID)
	lock, err := acquireLock(path+".lock", true)
	if err != nil {
		r.logger.Warn("session discard lock failed", "path", path, "error", err)
		return
	}
	defer lock.release()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("removing stale session file failed", "path", path, "error", err)
	}
}
