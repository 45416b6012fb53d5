package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const eventColumns = `id, narrative_id, origin, input, output, embedding, created_at`

// SaveEvent inserts an event. CreatedAt defaults to now when zero.
func (s *Store) SaveEvent(e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.NarrativeID, e.Origin, e.Input, e.Output,
		EncodeVector(e.Embedding), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", e.ID, err)
	}
	return nil
}

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var e Event
	var embedding []byte
	var createdAt string
	err := row.Scan(&e.ID, &e.NarrativeID, &e.Origin, &e.Input, &e.Output, &embedding, &createdAt)
	if err != nil {
		return Event{}, err
	}
	if e.Embedding, err = DecodeVector(embedding); err != nil {
		return Event{}, fmt.Errorf("decoding embedding for event %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return Event{}, fmt.Errorf("parsing created_at for event %s: %w", e.ID, err)
	}
	return e, nil
}

// GetEvent returns an event by id.
func (s *Store) GetEvent(id string) (Event, error) {
	row := s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return Event{}, ErrNotFound
	}
	return e, err
}

// CompleteEvent records the final output and optional exchange embedding
// for an event created at request start.
func (s *Store) CompleteEvent(id, output string, embedding []float32) error {
	res, err := s.db.Exec(`UPDATE events SET output = ?, embedding = ? WHERE id = ?`,
		output, EncodeVector(embedding), id)
	if err != nil {
		return fmt.Errorf("completing event %s: %w", id, err)
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

// DuplicateEvent copies an existing event onto a second narrative and
// returns the new event id. The copy shares input, output, and embedding
// but has its own identity.
func (s *Store) DuplicateEvent(id, narrativeID string) (string, error) {
	e, err := s.GetEvent(id)
	if err != nil {
		return "", err
	}
	e.ID = uuid.New().String()
	e.NarrativeID = narrativeID
	e.CreatedAt = time.Now().UTC()
	if err := s.SaveEvent(e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// EventsByNarrative returns up to limit most recent events for a
// narrative, newest first.
func (s *Store) EventsByNarrative(narrativeID string, limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT `+eventColumns+` FROM events
		WHERE narrative_id = ? ORDER BY created_at DESC LIMIT ?`,
		narrativeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// RecentEventEmbeddings returns the non-nil embeddings of the n most
// recent events on a narrative, newest first. Events without an
// embedding are skipped, never treated as zero vectors.
func (s *Store) RecentEventEmbeddings(narrativeID string, n int) ([][]float32, error) {
	rows, err := s.db.Query(`
		SELECT embedding FROM events
		WHERE narrative_id = ? AND embedding IS NOT NULL
		ORDER BY created_at DESC LIMIT ?`,
		narrativeID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results [][]float32
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding event embedding: %w", err)
		}
		if vec != nil {
			results = append(results, vec)
		}
	}
	return results, rows.Err()
}
