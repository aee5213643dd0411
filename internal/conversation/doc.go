// Package conversation holds the per-room dialogue state: bounded message
// history, layered settings, the memoized system prompt, and the
// cooperative stop flag.
//
// # Store
//
// A Store lazily creates one Context per conversation id and evicts idle
// ones through an LRU:
//
//	store := conversation.NewStore(conversation.Options{Window: 10})
//	conv := store.GetOrCreate("!room:example.org")
//
// # History
//
// History keeps at most 2*Window messages; older ones are dropped from the
// front on append. Two assistant messages are never adjacent.
//
// Writes that must be undone on failure go through a transaction:
//
//	txn := store.Begin(id)
//	if _, err := txn.Append(userMsg); err != nil { ... }
//	if err := callProvider(); err != nil {
//	    txn.Rollback() // history is exactly what it was before Begin
//	}
//	txn.Commit()
//
// # Settings
//
// Settings are layered: built-in defaults, then the configured defaults and
// per-room overrides (supplied through Options.Defaults), then runtime
// patches applied with UpdateSettings. ResetSettings drops the runtime layer.
package conversation
