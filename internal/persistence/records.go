package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SaveTaskRecord archives one task outcome. Saves are idempotent on
// (task_id, completed_at) so retried archival never duplicates rows.
func (s *SQLiteStore) SaveTaskRecord(ctx context.Context, rec TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (task_id, task_type, agent_id, status, result, error, attempts, duration_ns, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, completed_at) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			attempts = excluded.attempts,
			duration_ns = excluded.duration_ns
	`, rec.TaskID, rec.TaskType, rec.AgentID, rec.Status, rec.Result, rec.Error,
		rec.Attempts, rec.Duration.Nanoseconds(), rec.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save task record: %w", err)
	}
	return nil
}

// ListTaskRecords returns the most recent task outcomes, newest first.
func (s *SQLiteStore) ListTaskRecords(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, task_type, agent_id, status, result, error, attempts, duration_ns, completed_at
		FROM task_history
		ORDER BY completed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var durationNs int64
		if err := rows.Scan(&rec.TaskID, &rec.TaskType, &rec.AgentID, &rec.Status,
			&rec.Result, &rec.Error, &rec.Attempts, &durationNs, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		rec.Duration = time.Duration(durationNs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task history: %w", err)
	}
	return out, nil
}

// SaveConflictRecord archives one resolved conflict.
func (s *SQLiteStore) SaveConflictRecord(ctx context.Context, rec ConflictRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_history (conflict_id, kind, subject_id, agents, winner, strategy, reason, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conflict_id) DO UPDATE SET
			winner = excluded.winner,
			strategy = excluded.strategy,
			reason = excluded.reason,
			resolved_at = excluded.resolved_at
	`, rec.ConflictID, rec.Kind, rec.SubjectID, strings.Join(rec.Agents, ","),
		rec.Winner, rec.Strategy, rec.Reason, rec.DetectedAt.UTC(), rec.ResolvedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save conflict record: %w", err)
	}
	return nil
}

// ListConflictRecords returns the most recent resolved conflicts, newest first.
func (s *SQLiteStore) ListConflictRecords(ctx context.Context, limit int) ([]ConflictRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conflict_id, kind, subject_id, agents, winner, strategy, reason, detected_at, resolved_at
		FROM conflict_history
		ORDER BY resolved_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict history: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		var rec ConflictRecord
		var agents string
		if err := rows.Scan(&rec.ConflictID, &rec.Kind, &rec.SubjectID, &agents,
			&rec.Winner, &rec.Strategy, &rec.Reason, &rec.DetectedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict record: %w", err)
		}
		if agents != "" {
			rec.Agents = strings.Split(agents, ",")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflict history: %w", err)
	}
	return out, nil
}

// SaveDeadlockRecord archives one broken wait-for cycle.
func (s *SQLiteStore) SaveDeadlockRecord(ctx context.Context, rec DeadlockRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deadlock_history (agents, resources, victim, detected_at)
		VALUES (?, ?, ?, ?)
	`, strings.Join(rec.Agents, ","), strings.Join(rec.Resources, ","), rec.Victim, rec.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save deadlock record: %w", err)
	}
	return nil
}

// CountDeadlocks returns the number of archived deadlock incidents.
func (s *SQLiteStore) CountDeadlocks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deadlock_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count deadlocks: %w", err)
	}
	return n, nil
}
