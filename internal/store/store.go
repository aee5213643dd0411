// ABOUTME: Persistence types for token usage and the settings audit trail.
// ABOUTME: Defines AuditAction values, AuditEntry, AuditFilter, and usage summaries.

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// AuditAction is an auditable settings change.
type AuditAction string

const (
	AuditSetPersonality AuditAction = "set_personality"
	AuditSetTemperature AuditAction = "set_temperature"
	AuditSetModel       AuditAction = "set_model"
	AuditSetAutoReply   AuditAction = "set_auto_reply"
	AuditUpdateSettings AuditAction = "update_settings"
	AuditResetSettings  AuditAction = "reset_settings"
	AuditClearHistory   AuditAction = "clear_history"
	AuditStop           AuditAction = "stop"
)

// AuditEntry is one audit log row.
type AuditEntry struct {
	ID             string         `json:"id"`
	Actor          string         `json:"actor"` // Matrix user id or admin token subject
	Action         AuditAction    `json:"action"`
	ConversationID string         `json:"conversation_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// AuditFilter narrows ListAuditLog results. Nil fields match everything.
type AuditFilter struct {
	Since          *time.Time
	Actor          *string
	Action         *AuditAction
	ConversationID *string
	Limit          int // default 100, max 1000
}

// ModelUsage aggregates tokens for one model.
type ModelUsage struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}
