package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const instanceColumns = `id, class, agent_id, user_id, shared, status, depends_on, config, created_at, updated_at`

// SaveInstance inserts a module instance.
func (s *Store) SaveInstance(m ModuleInstance) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Status == "" {
		m.Status = InstanceActive
	}
	_, err := s.db.Exec(`
		INSERT INTO module_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Class, m.AgentID, m.UserID, m.Shared, m.Status,
		encodeList(m.DependsOn), encodeMap(m.Config),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting instance %s: %w", m.ID, err)
	}
	return nil
}

func scanInstance(row interface{ Scan(...any) error }) (ModuleInstance, error) {
	var m ModuleInstance
	var dependsOn, config, createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.Class, &m.AgentID, &m.UserID, &m.Shared, &m.Status,
		&dependsOn, &config, &createdAt, &updatedAt)
	if err != nil {
		return ModuleInstance{}, err
	}
	m.DependsOn = decodeList(dependsOn)
	m.Config = decodeMap(config)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return ModuleInstance{}, fmt.Errorf("parsing created_at for instance %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ModuleInstance{}, fmt.Errorf("parsing updated_at for instance %s: %w", m.ID, err)
	}
	return m, nil
}

// GetInstance returns a module instance by id.
func (s *Store) GetInstance(id string) (ModuleInstance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM module_instances WHERE id = ?`, id)
	m, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return ModuleInstance{}, ErrNotFound
	}
	return m, err
}

// UpdateInstanceStatus sets the instance status unconditionally.
func (s *Store) UpdateInstanceStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE module_instances SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating instance %s status: %w", id, err)
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

// LinkInstance attaches an instance to a narrative with an active link.
// Re-linking an existing pair resets its state to active.
func (s *Store) LinkInstance(instanceID, narrativeID string) error {
	_, err := s.db.Exec(`
		INSERT INTO instance_links (instance_id, narrative_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id, narrative_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		instanceID, narrativeID, LinkActive, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("linking instance %s to narrative %s: %w", instanceID, narrativeID, err)
	}
	return nil
}

// MoveLinkToHistory transitions an instance-narrative link from active
// to history. The instance itself survives; only the association is
// retired.
func (s *Store) MoveLinkToHistory(instanceID, narrativeID string) error {
	res, err := s.db.Exec(`
		UPDATE instance_links SET state = ?, updated_at = ?
		WHERE instance_id = ? AND narrative_id = ?`,
		LinkHistory, formatTime(time.Now().UTC()), instanceID, narrativeID)
	if err != nil {
		return fmt.Errorf("retiring link %s/%s: %w", instanceID, narrativeID, err)
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

// InstancesByLinkState returns the instances linked to a narrative with
// the given link state.
func (s *Store) InstancesByLinkState(narrativeID, state string) ([]ModuleInstance, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.class, m.agent_id, m.user_id, m.shared, m.status, m.depends_on, m.config, m.created_at, m.updated_at
		FROM module_instances m
		JOIN instance_links l ON l.instance_id = m.id
		WHERE l.narrative_id = ? AND l.state = ?
		ORDER BY m.created_at ASC`,
		narrativeID, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ModuleInstance
	for rows.Next() {
		m, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// HistoryInstanceIDs returns the set of instance ids whose link to the
// narrative is in history state. Dependency satisfaction checks against
// this set.
func (s *Store) HistoryInstanceIDs(narrativeID string) (map[string]bool, error) {
	rows, err := s.db.Query(`
		SELECT instance_id FROM instance_links WHERE narrative_id = ? AND state = ?`,
		narrativeID, LinkHistory)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
