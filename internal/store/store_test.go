// ABOUTME: Tests for the SQLite store: usage totals, cleanup, and the audit log.
// ABOUTME: Each test uses a fresh database in t.TempDir().

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/iris/internal/pipeline"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestStore_Ping(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Ping(context.Background()))
}

func TestStore_UsageTotals(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	records := []pipeline.UsageRecord{
		{ConversationID: "!a", Model: "m/one", PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12, CreatedAt: now},
		{ConversationID: "!a", Model: "m/two", PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10, CreatedAt: now.Add(-time.Hour)},
		{ConversationID: "!b", Model: "m/one", PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2, CreatedAt: now.Add(-48 * time.Hour)},
		{ConversationID: "!b", Model: "m/one", TotalTokens: 1000, CreatedAt: now.Add(-8 * 24 * time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, store.RecordUsage(ctx, rec))
	}

	total, err := store.TokensSince(ctx, now.Add(-UsageWindow))
	require.NoError(t, err)
	assert.Equal(t, int64(24), total)

	convTotal, err := store.ConversationTokensSince(ctx, "!a", now.Add(-UsageWindow))
	require.NoError(t, err)
	assert.Equal(t, int64(22), convTotal)

	byModel, err := store.UsageByModel(ctx, now.Add(-UsageWindow))
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	assert.Equal(t, ModelUsage{Model: "m/one", Requests: 2, PromptTokens: 11, CompletionTokens: 3, TotalTokens: 14}, byModel[0])
	assert.Equal(t, "m/two", byModel[1].Model)
}

func TestStore_TokensSinceEmpty(t *testing.T) {
	store := setupTestStore(t)
	total, err := store.TokensSince(context.Background(), time.Now().Add(-UsageWindow))
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStore_DeleteUsageBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordUsage(ctx, pipeline.UsageRecord{ConversationID: "!a", Model: "m", TotalTokens: 5, CreatedAt: now}))
	require.NoError(t, store.RecordUsage(ctx, pipeline.UsageRecord{ConversationID: "!a", Model: "m", TotalTokens: 7, CreatedAt: now.Add(-10 * 24 * time.Hour)}))

	n, err := store.DeleteUsageBefore(ctx, now.Add(-UsageWindow))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err := store.TokensSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestStore_RunCleanupPrunesImmediately(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.RecordUsage(context.Background(), pipeline.UsageRecord{
		ConversationID: "!a", Model: "m", TotalTokens: 7, CreatedAt: time.Now().Add(-30 * 24 * time.Hour),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunCleanup(ctx, time.Hour, UsageWindow)
		close(done)
	}()

	require.Eventually(t, func() bool {
		total, err := store.TokensSince(context.Background(), time.Time{})
		return err == nil && total == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestStore_AuditLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	entries := []*AuditEntry{
		{Actor: "@ann:example.org", Action: AuditSetPersonality, ConversationID: "!a", Timestamp: base.Add(-2 * time.Minute),
			Detail: map[string]any{"personality": "pirate"}},
		{Actor: "@bob:example.org", Action: AuditSetTemperature, ConversationID: "!a", Timestamp: base.Add(-time.Minute)},
		{Actor: "@ann:example.org", Action: AuditClearHistory, ConversationID: "!b", Timestamp: base},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendAuditLog(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	all, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, AuditClearHistory, all[0].Action, "newest first")
	assert.Equal(t, "pirate", all[2].Detail["personality"])

	conv := "!a"
	byConv, err := store.ListAuditLog(ctx, AuditFilter{ConversationID: &conv})
	require.NoError(t, err)
	assert.Len(t, byConv, 2)

	actor := "@ann:example.org"
	action := AuditClearHistory
	filtered, err := store.ListAuditLog(ctx, AuditFilter{Actor: &actor, Action: &action})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "!b", filtered[0].ConversationID)

	since := base.Add(-90 * time.Second)
	recent, err := store.ListAuditLog(ctx, AuditFilter{Since: &since, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}

func TestAuditWhere(t *testing.T) {
	where, args := auditWhere(AuditFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	conv := "!a"
	action := AuditStop
	where, args = auditWhere(AuditFilter{ConversationID: &conv, Action: &action})
	assert.Equal(t, " WHERE action = ? AND conversation_id = ?", where)
	assert.Equal(t, []any{"stop", "!a"}, args)
}
