// Package store persists token usage and the settings audit trail in
// SQLite (modernc.org/sqlite, pure Go).
//
// Conversation history and settings are deliberately not persisted; they
// live in memory in package conversation.
//
// # Usage
//
// Every completed turn records one token_usage row. The rolling
// seven-day total drives the bot's presence message and the usage
// command; RunCleanup deletes rows past the retention window once a day.
//
// # Audit log
//
// Settings changes made through chat commands or the admin API append an
// audit_log entry naming the actor, the action, and the conversation.
package store
