// ABOUTME: History transactions that can be undone exactly.
// ABOUTME: Rollback restores the pre-transaction history unless someone else changed it meanwhile.

package conversation

// Txn groups history writes that must vanish together on failure.
type Txn struct {
	store    *Store
	ctx      *Context
	snapshot []Message
	appended []Message
	revision uint64 // context revision after our last write
	done     bool
}

// Begin opens a transaction on the conversation's history.
func (s *Store) Begin(id string) *Txn {
	return s.BeginOn(s.GetOrCreate(id))
}

// BeginOn opens a transaction on a context already in hand, typically one
// obtained from Hold.
func (s *Store) BeginOn(c *Context) *Txn {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]Message, len(c.history))
	copy(snapshot, c.history)
	return &Txn{store: s, ctx: c, snapshot: snapshot, revision: c.revision}
}

// Context returns the context the transaction writes to.
func (t *Txn) Context() *Context {
	return t.ctx
}

// Append adds msg inside the transaction.
func (t *Txn) Append(msg Message) (Message, error) {
	c := t.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, err := c.appendLocked(msg, t.store.limit)
	if err != nil {
		return Message{}, err
	}
	t.appended = append(t.appended, stored)
	t.revision = c.revision
	return stored, nil
}

// Commit keeps the transaction's writes.
func (t *Txn) Commit() {
	t.done = true
}

// Rollback undoes the transaction's writes. When the history is untouched
// since the last write it is restored exactly, including entries trimmed by
// the window. Otherwise each appended message is removed if it is still at
// the tail. Rollback after Commit is a no-op.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	if len(t.appended) == 0 {
		return
	}

	c := t.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revision == t.revision {
		c.history = t.snapshot
		c.revision++
		return
	}
	for i := len(t.appended) - 1; i >= 0; i-- {
		if !c.removeLastLocked(t.appended[i].ID) {
			break
		}
	}
}
