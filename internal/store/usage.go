// ABOUTME: Token usage persistence: record, rolling totals, per-model breakdown.
// ABOUTME: RunCleanup prunes rows older than the retention window on a timer.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/iris/internal/pipeline"
)

const (
	// UsageWindow is the rolling window for usage totals.
	UsageWindow = 7 * 24 * time.Hour

	// DefaultCleanupInterval is how often old usage rows are pruned.
	DefaultCleanupInterval = 24 * time.Hour
)

// RecordUsage stores one completion's token usage.
func (s *SQLiteStore) RecordUsage(ctx context.Context, rec pipeline.UsageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO token_usage (id, conversation_id, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		ulid.Make().String(),
		rec.ConversationID,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"conversation_id", rec.ConversationID,
		"model", rec.Model,
		"total_tokens", rec.TotalTokens,
	)
	return nil
}

// TokensSince sums total tokens recorded at or after since.
func (s *SQLiteStore) TokensSince(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM token_usage WHERE created_at >= ?`,
		since.UTC().Format(time.RFC3339),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing usage: %w", err)
	}
	return total, nil
}

// ConversationTokensSince sums total tokens for one conversation.
func (s *SQLiteStore) ConversationTokensSince(ctx context.Context, conversationID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM token_usage WHERE conversation_id = ? AND created_at >= ?`,
		conversationID, since.UTC().Format(time.RFC3339),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing conversation usage: %w", err)
	}
	return total, nil
}

// UsageByModel aggregates usage per model since the given time, largest first.
func (s *SQLiteStore) UsageByModel(ctx context.Context, since time.Time) ([]ModelUsage, error) {
	query := `
		SELECT model, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens)
		FROM token_usage
		WHERE created_at >= ?
		GROUP BY model
		ORDER BY SUM(total_tokens) DESC, model ASC
	`
	rows, err := s.db.QueryContext(ctx, query, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying usage by model: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []ModelUsage{}
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Model, &u.Requests, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return out, nil
}

// DeleteUsageBefore removes rows older than cutoff and returns how many.
func (s *SQLiteStore) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM token_usage WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// RunCleanup deletes usage older than retention every interval until ctx
// is cancelled. It also runs once immediately.
func (s *SQLiteStore) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if retention <= 0 {
		retention = UsageWindow
	}

	prune := func() {
		n, err := s.DeleteUsageBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			s.logger.Error("usage cleanup failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("pruned old usage rows", "rows", n)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			prune()
		case <-ctx.Done():
			return
		}
	}
}
