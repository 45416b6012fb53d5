package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// DefaultCodes is the fixed set of per-(agent, requester) fallback
// narratives. Every code must exist before first routing for the pair.
var DefaultCodes = []string{"general", "reminders", "smalltalk"}

// DefaultNarrativeID builds the deterministic id of a default narrative
// for (agent, optional requester, code). Requester-less defaults use "-"
// so the id shape is stable.
func DefaultNarrativeID(agentID, userID, code string) string {
	if userID == "" {
		userID = "-"
	}
	return fmt.Sprintf("default:%s:%s:%s", agentID, userID, code)
}

const narrativeColumns = `id, agent_id, owner_user_id, title, hint, keywords, participants,
	routing_vector, special, default_code, events_since_refresh, created_at, updated_at`

// SaveNarrative inserts a narrative. CreatedAt/UpdatedAt default to now
// when zero.
func (s *Store) SaveNarrative(n Narrative) error {
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO narratives (`+narrativeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AgentID, n.OwnerUserID, n.Title, n.Hint,
		encodeList(n.Keywords), encodeList(n.Participants),
		EncodeVector(n.RoutingVector), n.Special, n.DefaultCode,
		n.EventsSinceRefresh, formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting narrative %s: %w", n.ID, err)
	}
	return nil
}

func scanNarrative(row interface{ Scan(...any) error }) (Narrative, error) {
	var n Narrative
	var keywords, participants, createdAt, updatedAt string
	var vector []byte
	err := row.Scan(&n.ID, &n.AgentID, &n.OwnerUserID, &n.Title, &n.Hint,
		&keywords, &participants, &vector, &n.Special, &n.DefaultCode,
		&n.EventsSinceRefresh, &createdAt, &updatedAt)
	if err != nil {
		return Narrative{}, err
	}
	n.Keywords = decodeList(keywords)
	n.Participants = decodeList(participants)
	if n.RoutingVector, err = DecodeVector(vector); err != nil {
		return Narrative{}, fmt.Errorf("decoding routing vector for %s: %w", n.ID, err)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return Narrative{}, fmt.Errorf("parsing created_at for %s: %w", n.ID, err)
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Narrative{}, fmt.Errorf("parsing updated_at for %s: %w", n.ID, err)
	}
	return n, nil
}

// GetNarrative returns a narrative by id.
func (s *Store) GetNarrative(id string) (Narrative, error) {
	row := s.db.QueryRow(`SELECT `+narrativeColumns+` FROM narratives WHERE id = ?`, id)
	n, err := scanNarrative(row)
	if err == sql.ErrNoRows {
		return Narrative{}, ErrNotFound
	}
	return n, err
}

func (s *Store) queryNarratives(query string, args ...any) ([]Narrative, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Narrative
	for rows.Next() {
		n, err := scanNarrative(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, n)
	}
	return results, rows.Err()
}

// NarrativesByScope returns all narratives owned by (agent, user).
// Used by the vector cache for lazy hydration.
func (s *Store) NarrativesByScope(agentID, userID string) ([]Narrative, error) {
	return s.queryNarratives(`
		SELECT `+narrativeColumns+` FROM narratives
		WHERE agent_id = ? AND owner_user_id = ?
		ORDER BY created_at ASC`, agentID, userID)
}

// DefaultNarratives returns the fixed fallback narratives for (agent, user).
func (s *Store) DefaultNarratives(agentID, userID string) ([]Narrative, error) {
	return s.queryNarratives(`
		SELECT `+narrativeColumns+` FROM narratives
		WHERE agent_id = ? AND owner_user_id = ? AND special = 1
		ORDER BY default_code ASC`, agentID, userID)
}

// ParticipantNarratives returns narratives owned by someone else where
// the given user is listed as a participant. These are invisible to
// ownership-scoped vector search and must be merged in separately.
func (s *Store) ParticipantNarratives(agentID, userID string) ([]Narrative, error) {
	all, err := s.queryNarratives(`
		SELECT `+narrativeColumns+` FROM narratives
		WHERE agent_id = ? AND owner_user_id != ? AND participants != '[]'
		ORDER BY created_at ASC`, agentID, userID)
	if err != nil {
		return nil, err
	}
	var results []Narrative
	for _, n := range all {
		for _, p := range n.Participants {
			if p == userID {
				results = append(results, n)
				break
			}
		}
	}
	return results, nil
}

// EnsureDefaultNarratives creates any missing default narratives for
// (agent, user). Idempotent; existing rows are left untouched.
func (s *Store) EnsureDefaultNarratives(agentID, userID string) error {
	for _, code := range DefaultCodes {
		id := DefaultNarrativeID(agentID, userID, code)
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM narratives WHERE id = ?", id).Scan(&exists); err != nil {
			return fmt.Errorf("checking default narrative %s: %w", id, err)
		}
		if exists > 0 {
			continue
		}
		n := Narrative{
			ID:          id,
			AgentID:     agentID,
			OwnerUserID: userID,
			Title:       code,
			Hint:        "default " + code + " thread for generic exchanges",
			Special:     true,
			DefaultCode: code,
		}
		if err := s.SaveNarrative(n); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRoutingVector replaces the narrative's routing vector and resets
// the events-since-refresh counter.
func (s *Store) UpdateRoutingVector(id string, vector []float32) error {
	res, err := s.db.Exec(`
		UPDATE narratives SET routing_vector = ?, events_since_refresh = 0, updated_at = ?
		WHERE id = ?`,
		EncodeVector(vector), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating routing vector for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementEventCounter bumps events_since_refresh and returns the new value.
func (s *Store) IncrementEventCounter(id string) (int, error) {
	now := formatTime(time.Now().UTC())
	res, err := s.db.Exec(`
		UPDATE narratives SET events_since_refresh = events_since_refresh + 1, updated_at = ?
		WHERE id = ?`, now, id)
	if err != nil {
		return 0, fmt.Errorf("incrementing event counter for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrNotFound
	}
	var count int
	if err := s.db.QueryRow("SELECT events_since_refresh FROM narratives WHERE id = ?", id).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// AddParticipant records a user as a recognized party on a narrative.
// No-op when already present.
func (s *Store) AddParticipant(id, userID string) error {
	n, err := s.GetNarrative(id)
	if err != nil {
		return err
	}
	for _, p := range n.Participants {
		if p == userID {
			return nil
		}
	}
	participants := append(n.Participants, userID)
	_, err = s.db.Exec(`UPDATE narratives SET participants = ?, updated_at = ? WHERE id = ?`,
		encodeList(participants), formatTime(time.Now().UTC()), id)
	return err
}
