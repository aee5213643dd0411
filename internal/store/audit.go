// ABOUTME: Audit log for settings changes made through commands or the admin API
// ABOUTME: Records who changed what in which conversation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AppendAuditLog appends an entry. ID and Timestamp are filled in if unset.
// IDs are ULIDs so entries recorded in the same second still sort in order.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(e.Timestamp), ulid.DefaultEntropy()).String()
	}

	var detail sql.NullString
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encoding audit detail: %w", err)
		}
		detail = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (audit_id, actor, action, conversation_id, ts, detail_json) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, string(e.Action), e.ConversationID, e.Timestamp.UTC().Format(time.RFC3339), detail,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("audit",
		"action", e.Action,
		"actor", e.Actor,
		"conversation_id", e.ConversationID,
	)
	return nil
}

func normalizeAuditLimit(limit int) int {
	if limit <= 0 {
		return defaultAuditLimit
	}
	return min(limit, maxAuditLimit)
}

// auditWhere renders the filter as a WHERE clause and its arguments.
func auditWhere(f AuditFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Since != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if f.Actor != nil {
		conds = append(conds, "actor = ?")
		args = append(args, *f.Actor)
	}
	if f.Action != nil {
		conds = append(conds, "action = ?")
		args = append(args, string(*f.Action))
	}
	if f.ConversationID != nil {
		conds = append(conds, "conversation_id = ?")
		args = append(args, *f.ConversationID)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListAuditLog returns matching entries, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	where, args := auditWhere(f)
	query := `SELECT audit_id, actor, action, conversation_id, ts, detail_json FROM audit_log` +
		where + ` ORDER BY ts DESC, audit_id DESC LIMIT ?`
	args = append(args, normalizeAuditLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			e      AuditEntry
			action string
			ts     string
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Actor, &action, &e.ConversationID, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(action)
		if e.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", ts, err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decoding audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
