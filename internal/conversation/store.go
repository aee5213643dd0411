// ABOUTME: In-memory conversation store keyed by conversation id.
// ABOUTME: Bounded history, layered settings, stop flag, and LRU/idle eviction.

package conversation

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/iris/internal/lru"
)

const (
	// DefaultWindow is the number of user/assistant pairs kept in history.
	DefaultWindow = 10

	// DefaultMaxConversations caps the number of live contexts.
	DefaultMaxConversations = 10000
)

// ErrConsecutiveAssistant is returned when an assistant message would follow
// another assistant message.
var ErrConsecutiveAssistant = errors.New("assistant message cannot follow another assistant message")

// Context is the live state of one conversation.
type Context struct {
	id string

	mu       sync.Mutex
	history  []Message
	revision uint64
	settings Settings

	// memoized system prompt and the personality it was built from
	prompt        string
	promptPersona string
	promptBuilt   bool

	stopRequested bool
	active        int
}

// ID returns the conversation id.
func (c *Context) ID() string {
	return c.id
}

// Settings returns a copy of the current settings.
func (c *Context) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// History returns a copy of the current history.
func (c *Context) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	for i, m := range c.history {
		out[i] = m.clone()
	}
	return out
}

// SystemPrompt returns the memoized system prompt, rebuilding it with build
// when the personality changed since it was last built.
func (c *Context) SystemPrompt(build func(personality string) string) string {
	c.mu.Lock()
	persona := c.settings.Personality
	if c.promptBuilt && c.promptPersona == persona {
		p := c.prompt
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()

	prompt := build(persona)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Only store it if the persona did not move underneath us.
	if c.settings.Personality == persona {
		c.prompt = prompt
		c.promptPersona = persona
		c.promptBuilt = true
	}
	return prompt
}

// TakeStop returns and clears the stop flag.
func (c *Context) TakeStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop := c.stopRequested
	c.stopRequested = false
	return stop
}

// appendLocked appends msg and trims to limit. Must be called with mu held.
func (c *Context) appendLocked(msg Message, limit int) (Message, error) {
	if msg.Role == RoleAssistant && len(c.history) > 0 && c.history[len(c.history)-1].Role == RoleAssistant {
		return Message{}, ErrConsecutiveAssistant
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg = msg.clone()
	c.history = append(c.history, msg)
	if over := len(c.history) - limit; over > 0 {
		trimmed := make([]Message, limit)
		copy(trimmed, c.history[over:])
		c.history = trimmed
	}
	c.revision++
	return msg, nil
}

// removeLastLocked drops the last entry iff its id matches. Must be called with mu held.
func (c *Context) removeLastLocked(id string) bool {
	n := len(c.history)
	if n == 0 || c.history[n-1].ID != id {
		return false
	}
	c.history = c.history[:n-1]
	c.revision++
	return true
}

// Snapshot is a read-only view of a conversation.
type Snapshot struct {
	ID           string    `json:"id"`
	Settings     Settings  `json:"settings"`
	History      []Message `json:"-"`
	MessageCount int       `json:"message_count"`
	Busy         bool      `json:"busy"`
}

// Options configure a Store.
type Options struct {
	// Window is the number of user/assistant pairs kept; history holds 2*Window.
	Window int

	// MaxConversations caps live contexts; the least recently used is evicted.
	MaxConversations int

	// IdleTTL evicts contexts untouched for this long. Zero disables it.
	IdleTTL time.Duration

	// Defaults returns the settings a new or reset context starts with.
	// Nil means DefaultSettings for every id.
	Defaults func(id string) Settings

	Logger *slog.Logger
}

// Store owns every conversation context.
type Store struct {
	limit    int
	defaults func(id string) Settings
	contexts *lru.Cache[string, *Context]
	logger   *slog.Logger
}

// NewStore creates a store.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation")

	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	maxConversations := opts.MaxConversations
	if maxConversations <= 0 {
		maxConversations = DefaultMaxConversations
	}
	defaults := opts.Defaults
	if defaults == nil {
		defaults = func(string) Settings { return DefaultSettings() }
	}

	s := &Store{
		limit:    2 * window,
		defaults: defaults,
		logger:   logger,
	}
	s.contexts = lru.New[string, *Context](opts.IdleTTL, maxConversations,
		lru.WithOnEvict(func(id string, c *Context) {
			logger.Debug("evicted conversation", "conversation_id", id)
		}),
		lru.WithPinned[string](func(c *Context) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.active > 0
		}),
	)
	return s
}

// Limit returns the maximum history length.
func (s *Store) Limit() int {
	return s.limit
}

// Len returns the number of live contexts.
func (s *Store) Len() int {
	return s.contexts.Len()
}

// Contexts exposes the underlying cache for periodic sweeping.
func (s *Store) Contexts() *lru.Cache[string, *Context] {
	return s.contexts
}

// GetOrCreate returns the context for id, creating it with default settings.
func (s *Store) GetOrCreate(id string) *Context {
	return s.contexts.GetOrCreate(id, func() *Context {
		return &Context{id: id, settings: s.defaults(id)}
	})
}

// Append adds msg to the conversation's history and trims it to the window.
// The stored message, with its assigned id, is returned.
func (s *Store) Append(id string, msg Message) (Message, error) {
	c := s.GetOrCreate(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(msg, s.limit)
}

// RollbackLast removes msg if it is still the most recent entry. It reports
// whether anything was removed.
func (s *Store) RollbackLast(id string, msg Message) bool {
	c, ok := s.contexts.Get(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLastLocked(msg.ID)
}

// UpdateSettings validates and merges patch into the conversation's settings.
func (s *Store) UpdateSettings(id string, patch Patch) (Settings, error) {
	if err := patch.Validate(); err != nil {
		return Settings{}, err
	}
	c := s.GetOrCreate(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = c.settings.Apply(patch)
	return c.settings, nil
}

// ResetSettings restores default settings and clears the stop flag. History
// is kept.
func (s *Store) ResetSettings(id string) Settings {
	c := s.GetOrCreate(id)
	defaults := s.defaults(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = defaults
	c.stopRequested = false
	return c.settings
}

// ClearHistory empties the conversation's history. Settings are kept.
func (s *Store) ClearHistory(id string) {
	c := s.GetOrCreate(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.revision++
}

// Settings returns the conversation's settings without creating it. Unknown
// ids report the settings a new context would start with.
func (s *Store) Settings(id string) Settings {
	if c, ok := s.contexts.Get(id); ok {
		return c.Settings()
	}
	return s.defaults(id)
}

// Snapshot returns a copy of the conversation's state. Unknown ids report
// an empty history and the settings a new context would start with.
func (s *Store) Snapshot(id string) Snapshot {
	c, ok := s.contexts.Get(id)
	if !ok {
		return Snapshot{ID: id, Settings: s.defaults(id)}
	}
	history := c.History()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:           id,
		Settings:     c.settings,
		History:      history,
		MessageCount: len(history),
		Busy:         c.active > 0,
	}
}

// Acquire marks a turn as queued or running for id. The returned func
// releases it. Stop requests are only accepted while a turn is held.
func (s *Store) Acquire(id string) func() {
	_, release := s.Hold(id)
	return release
}

// Hold is Acquire that also returns the held context. A held context is
// pinned: it is neither evicted nor expired until every hold is released,
// so a turn can work on it without looking it up again.
func (s *Store) Hold(id string) (*Context, func()) {
	var c *Context
	for {
		c = s.GetOrCreate(id)
		c.mu.Lock()
		c.active++
		c.mu.Unlock()
		// It may have been evicted between lookup and pinning.
		if cur, ok := s.contexts.Get(id); ok && cur == c {
			break
		}
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}

	var once sync.Once
	return c, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.active--
			if c.active == 0 {
				c.stopRequested = false
			}
		})
	}
}

// RequestStop asks the running turn to discard its response. It reports
// false when nothing is running.
func (s *Store) RequestStop(id string) bool {
	c, ok := s.contexts.Get(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == 0 {
		return false
	}
	c.stopRequested = true
	return true
}

// TakeStop returns and clears the stop flag.
func (s *Store) TakeStop(id string) bool {
	c, ok := s.contexts.Get(id)
	if !ok {
		return false
	}
	return c.TakeStop()
}
