package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

const jobColumns = `id, type, trigger_spec, payload_json, status, attempts, max_attempts, iterations,
	instance_id, monitored, next_run_at, last_run_at, started_at, last_error, created_at, updated_at`

// EnqueueJob inserts a job. Status defaults to pending, NextRunAt to now,
// MaxAttempts to 3.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if job.PayloadJSON == "" {
		job.PayloadJSON = "{}"
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Trigger, job.PayloadJSON, job.Status,
		job.Attempts, job.MaxAttempts, job.Iterations, job.InstanceID,
		encodeList(job.Monitored), formatTime(job.NextRunAt), formatTime(job.LastRunAt),
		formatTime(job.StartedAt), job.LastError, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var monitored, nextRun, lastRun, startedAt, createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.Type, &j.Trigger, &j.PayloadJSON, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.Iterations, &j.InstanceID,
		&monitored, &nextRun, &lastRun, &startedAt, &j.LastError, &createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.Monitored = decodeList(monitored)
	if j.NextRunAt, err = parseTime(nextRun); err != nil {
		return Job{}, fmt.Errorf("parsing next_run_at for job %s: %w", j.ID, err)
	}
	if j.LastRunAt, err = parseTime(lastRun); err != nil {
		return Job{}, fmt.Errorf("parsing last_run_at for job %s: %w", j.ID, err)
	}
	if j.StartedAt, err = parseTime(startedAt); err != nil {
		return Job{}, fmt.Errorf("parsing started_at for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ClaimJob attempts to transition a job to running. The claim is a
// single conditional UPDATE guarded on the claimable statuses, so of N
// concurrent claims for the same id at most one reports true; the rest
// lost the race, which is not an error.
func (s *Store) ClaimJob(id string) (bool, error) {
	now := formatTime(time.Now().UTC())
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		JobRunning, now, now, id, JobPending, JobActive)
	if err != nil {
		return false, fmt.Errorf("claiming job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DueJobs returns up to limit claimable jobs whose next run time has
// passed, oldest first. Selection is a consistent snapshot read, no
// special locking: the conditional claim remains the arbiter for which
// poller actually wins a job.
func (s *Store) DueJobs(limit int) ([]Job, error) {
	now := formatTime(time.Now().UTC())

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning due-jobs transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) AND next_run_at != '' AND next_run_at <= ?
		ORDER BY next_run_at ASC, created_at ASC
		LIMIT ?`,
		JobPending, JobActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due jobs: %w", err)
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, tx.Commit()
}

// CompleteJob marks a one-off job completed.
func (s *Store) CompleteJob(id string) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, last_run_at = ?, started_at = '', updated_at = ? WHERE id = ?`,
		JobCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
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

// RescheduleJob returns a recurring job to active with its next run time
// and bumps the iteration counter.
func (s *Store) RescheduleJob(id string, nextRun time.Time) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, next_run_at = ?, last_run_at = ?, started_at = '',
			iterations = iterations + 1, updated_at = ?
		WHERE id = ?`,
		JobActive, formatTime(nextRun), now, now, id)
	if err != nil {
		return fmt.Errorf("rescheduling job %s: %w", id, err)
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

// FailJob records a failure. One-off jobs retry with exponential backoff
// until max_attempts, then stay failed. Recurring jobs return to active
// with the supplied next run time so one bad iteration doesn't stop the
// schedule.
func (s *Store) FailJob(id string, errMsg string, nextRun time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var jobType string
	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT type, attempts, max_attempts FROM jobs WHERE id = ?`, id).
		Scan(&jobType, &attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	switch {
	case jobType != JobOnce:
		_, err = tx.Exec(`
			UPDATE jobs SET status = ?, attempts = ?, last_error = ?, next_run_at = ?, started_at = '', updated_at = ?
			WHERE id = ?`,
			JobActive, attempts, errMsg, formatTime(nextRun), formatTime(now), id)
	case attempts >= maxAttempts:
		_, err = tx.Exec(`
			UPDATE jobs SET status = ?, attempts = ?, last_error = ?, started_at = '', updated_at = ?
			WHERE id = ?`,
			JobFailed, attempts, errMsg, formatTime(now), id)
	default:
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(`
			UPDATE jobs SET status = ?, attempts = ?, last_error = ?, next_run_at = ?, started_at = '', updated_at = ?
			WHERE id = ?`,
			JobPending, attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// StuckJobs returns jobs that have been running longer than timeout.
func (s *Store) StuckJobs(timeout time.Duration) ([]Job, error) {
	cutoff := formatTime(time.Now().UTC().Add(-timeout))
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND started_at != '' AND started_at <= ?`,
		JobRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying stuck jobs: %w", err)
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// RecoverJob resets a stuck job: one-off jobs return to pending,
// recurring jobs to active with the supplied next run time. The reason
// is recorded on the job.
func (s *Store) RecoverJob(id, reason string, nextRun time.Time) error {
	j, err := s.GetJob(id)
	if err != nil {
		return err
	}
	status := JobPending
	if j.Recurring() {
		status = JobActive
	}
	now := formatTime(time.Now().UTC())
	_, err = s.db.Exec(`
		UPDATE jobs SET status = ?, next_run_at = ?, started_at = '', last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, formatTime(nextRun), reason, now, id, JobRunning)
	if err != nil {
		return fmt.Errorf("recovering job %s: %w", id, err)
	}
	return nil
}

// ResetRunningJobs unconditionally resets every running job on process
// start. A fresh start means any running row belongs to a previous,
// now-dead process; next run is set to now so recovery is immediate.
func (s *Store) ResetRunningJobs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id, type FROM jobs WHERE status = ?`, JobRunning)
	if err != nil {
		return nil, fmt.Errorf("querying running jobs: %w", err)
	}
	type idType struct{ id, typ string }
	var running []idType
	for rows.Next() {
		var it idType
		if err := rows.Scan(&it.id, &it.typ); err != nil {
			rows.Close()
			return nil, err
		}
		running = append(running, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var reset []string
	for _, it := range running {
		status := JobPending
		if it.typ != JobOnce {
			status = JobActive
		}
		_, err := s.db.Exec(`
			UPDATE jobs SET status = ?, next_run_at = ?, started_at = '', last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			status, formatTime(now), "reset on process start", formatTime(now), it.id, JobRunning)
		if err != nil {
			return reset, fmt.Errorf("resetting job %s: %w", it.id, err)
		}
		reset = append(reset, it.id)
	}
	return reset, nil
}

// MarkJobsDueNow moves the claimable jobs owned by an instance to run
// immediately. Used when dependency propagation activates a schedulable
// instance.
func (s *Store) MarkJobsDueNow(instanceID string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.Exec(`
		UPDATE jobs SET next_run_at = ?, updated_at = ?
		WHERE instance_id = ? AND status IN (?, ?)`,
		now, now, instanceID, JobPending, JobActive)
	if err != nil {
		return fmt.Errorf("marking jobs due for instance %s: %w", instanceID, err)
	}
	return nil
}

// ListJobs returns up to limit jobs, most recently updated first.
func (s *Store) ListJobs(limit int) ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}
