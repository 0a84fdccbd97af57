package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Run outcomes, matching the runs.outcome CHECK constraint.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

var ErrInvalidRun = errors.New("invalid run")

type Run struct {
	ID        int64         `json:"id"`
	RequestID string        `json:"request_id"`
	UserID    string        `json:"user_id"`
	ButtonID  string        `json:"button_id,omitempty"`
	RoleID    string        `json:"role_id,omitempty"`
	Input     string        `json:"input"`
	Output    string        `json:"output"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Chunks    int           `json:"chunks"`
	Duration  time.Duration `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
}

// MarshalJSON reports Duration as whole milliseconds under duration_ms.
func (r Run) MarshalJSON() ([]byte, error) {
	type plain Run
	return json.Marshal(struct {
		plain
		DurationMS int64 `json:"duration_ms"`
	}{plain(r), r.Duration.Milliseconds()})
}

// RecordRun inserts a finished run. Recording the same request id twice is
// a no-op.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.RequestID == "" || r.UserID == "" {
		return fmt.Errorf("%w: request and user id are required", ErrInvalidRun)
	}
	switch r.Outcome {
	case OutcomeCompleted, OutcomeCancelled, OutcomeFailed:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidRun, r.Outcome)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (request_id, user_id, button_id, role_id, input, output, outcome, error, chunks, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(request_id) DO NOTHING;`,
			r.RequestID, r.UserID, r.ButtonID, r.RoleID, r.Input, r.Output, r.Outcome, r.Error,
			r.Chunks, r.Duration.Milliseconds(), r.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// RecentRuns returns up to limit of the user's runs, newest first. An empty
// outcome matches every outcome.
func (s *Store) RecentRuns(ctx context.Context, userID, outcome string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, user_id, button_id, role_id, input, output, outcome, error, chunks, duration_ms, created_at
		FROM runs
		WHERE user_id = ? AND (? = '' OR outcome = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?;`,
		userID, outcome, outcome, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var durMS int64
		if err := rows.Scan(&r.ID, &r.RequestID, &r.UserID, &r.ButtonID, &r.RoleID, &r.Input, &r.Output,
			&r.Outcome, &r.Error, &r.Chunks, &durMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// ConversationHistory returns the user's last limit completed runs in
// chronological order, ready to be replayed as prior turns.
func (s *Store) ConversationHistory(ctx context.Context, userID string, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	runs, err := s.RecentRuns(ctx, userID, OutcomeCompleted, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// PurgeOlderThan deletes runs created before cutoff and returns the count.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("purge runs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// CountRuns returns the total number of stored runs.
func (s *Store) CountRuns(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}
