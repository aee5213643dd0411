// ABOUTME: Request pipeline: prepare, dispatch, complete or fail, record usage, chunk.
// ABOUTME: History writes for a turn are transactional and roll back on every failure path.

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/iris/internal/chunker"
	"github.com/2389/iris/internal/conversation"
	"github.com/2389/iris/internal/llm"
)

// DefaultMaxOutputTokens caps completion length when nothing is configured.
const DefaultMaxOutputTokens = 4096

// State is where a turn is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateDispatched
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateDispatched:
		return "dispatched"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UsageRecord is one completion's token usage.
type UsageRecord struct {
	ConversationID   string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// UsageRecorder persists token usage.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// Assembler builds the provider messages for a conversation.
type Assembler interface {
	Build(ctx context.Context, conv *conversation.Context, modelID string) []llm.ChatMessage
}

// Result is the outcome of a turn.
type Result struct {
	State    State
	Model    string
	Text     string
	Segments []chunker.Segment
	Usage    *llm.Usage
	Notices  []string
}

// Options configure a Pipeline.
type Options struct {
	DefaultModel       string
	MaxOutputTokens    int
	SegmentLimit       int
	MaxAttachmentBytes int64

	// HideUsage leaves the usage line off the final segment. Usage is
	// still recorded.
	HideUsage bool

	// OnState, when set, is called on every state transition.
	OnState func(conversationID string, state State)

	Logger *slog.Logger
}

// Pipeline runs conversational turns.
type Pipeline struct {
	store     *conversation.Store
	assembler Assembler
	completer llm.Completer
	usage     UsageRecorder
	queue     *KeyedQueue

	defaultModel  string
	maxTokens     int
	segmentLimit  int
	maxAttachment int64
	hideUsage     bool
	onState       func(string, State)
	logger        *slog.Logger
}

// New creates a pipeline. usage may be nil.
func New(store *conversation.Store, assembler Assembler, completer llm.Completer, usage UsageRecorder, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:         store,
		assembler:     assembler,
		completer:     completer,
		usage:         usage,
		queue:         NewKeyedQueue(),
		defaultModel:  opts.DefaultModel,
		maxTokens:     opts.MaxOutputTokens,
		segmentLimit:  opts.SegmentLimit,
		maxAttachment: opts.MaxAttachmentBytes,
		hideUsage:     opts.HideUsage,
		onState:       opts.OnState,
		logger:        logger.With("component", "pipeline"),
	}
	if p.maxTokens <= 0 {
		p.maxTokens = DefaultMaxOutputTokens
	}
	if p.segmentLimit <= 0 {
		p.segmentLimit = chunker.DefaultLimit
	}
	if p.maxAttachment <= 0 {
		p.maxAttachment = DefaultMaxAttachmentBytes
	}
	return p
}

// Queue exposes the per-conversation queue, mainly for shutdown.
func (p *Pipeline) Queue() *KeyedQueue {
	return p.queue
}

// Handle runs a turn after any earlier turns for the same conversation.
// The returned Result is non-nil whenever the turn ran, including failures.
func (p *Pipeline) Handle(ctx context.Context, turn Turn) (*Result, error) {
	conv, release := p.store.Hold(turn.ConversationID)
	defer release()

	var res *Result
	var err error
	if qerr := p.queue.Do(ctx, turn.ConversationID, func(ctx context.Context) {
		res, err = p.run(ctx, conv, turn)
	}); qerr != nil {
		return nil, qerr
	}
	return res, err
}

// run executes the turn against conv, which stays pinned in the store for
// the whole turn.
func (p *Pipeline) run(ctx context.Context, conv *conversation.Context, turn Turn) (*Result, error) {
	id := turn.ConversationID
	logger := p.logger.With("conversation_id", id, "user_id", turn.UserID)
	res := &Result{State: StateIdle}

	p.setState(id, StatePreparing)
	parts, rejected := p.prepare(ctx, turn)
	for _, v := range rejected {
		logger.Warn("attachment rejected", "filename", v.Filename, "reason", v.Reason, "error", v.Err)
		res.Notices = append(res.Notices, v.Error())
	}
	if len(parts) == 0 {
		logger.Debug("nothing to send")
		p.setState(id, StateIdle)
		return res, nil
	}

	txn := p.store.BeginOn(conv)
	if _, err := txn.Append(conversation.NewUserMessage(parts...)); err != nil {
		p.setState(id, StateIdle)
		return res, err
	}
	p.setState(id, StateDispatched)

	settings := conv.Settings()
	res.Model = p.activeModel(settings, turn)

	messages := p.assembler.Build(ctx, conv, res.Model)
	start := time.Now()
	resp, err := p.completer.Complete(ctx, &llm.CompletionRequest{
		Model:       res.Model,
		Messages:    messages,
		Temperature: llm.Float64(settings.Temperature),
		MaxTokens:   p.maxTokens,
	})
	stopped := conv.TakeStop()

	if err != nil {
		txn.Rollback()
		logger.Error("completion failed", "model", res.Model, "error", err, "duration", time.Since(start))
		return p.fail(id, res, &TransportError{Model: res.Model, Err: err})
	}
	if stopped {
		txn.Rollback()
		logger.Info("response discarded by stop request", "model", res.Model)
		return p.fail(id, res, ErrStopped)
	}

	text, err := resp.Text()
	if err != nil {
		txn.Rollback()
		logger.Error("unusable completion", "model", res.Model, "error", err)
		return p.fail(id, res, &ExtractionError{Model: res.Model, Err: err})
	}

	if _, err := txn.Append(conversation.NewAssistantMessage(text)); err != nil {
		if !errors.Is(err, conversation.ErrConsecutiveAssistant) {
			txn.Rollback()
			return p.fail(id, res, err)
		}
		logger.Warn("skipped assistant message", "error", err)
	}
	txn.Commit()

	res.Text = text
	res.Usage = resp.Usage
	metadata := ""
	if resp.Usage != nil {
		p.recordUsage(ctx, id, res.Model, resp.Usage)
	}
	if resp.Usage != nil && !p.hideUsage {
		metadata = chunker.UsageLine(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	}
	res.Segments = chunker.Chunk(text, p.segmentLimit, metadata)
	res.State = StateCompleted
	p.setState(id, StateCompleted)

	logger.Info("turn completed",
		"model", res.Model,
		"segments", len(res.Segments),
		"duration", time.Since(start),
	)
	return res, nil
}

func (p *Pipeline) activeModel(settings conversation.Settings, turn Turn) string {
	switch {
	case settings.ModelOverride != "":
		return settings.ModelOverride
	case turn.DefaultModel != "":
		return turn.DefaultModel
	default:
		return p.defaultModel
	}
}

func (p *Pipeline) fail(id string, res *Result, err error) (*Result, error) {
	res.State = StateFailed
	p.setState(id, StateFailed)
	return res, err
}

// recordUsage saves usage with its own deadline so a cancelled turn still
// gets counted. Failures are logged only.
func (p *Pipeline) recordUsage(ctx context.Context, id, model string, u *llm.Usage) {
	if p.usage == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	rec := UsageRecord{
		ConversationID:   id,
		Model:            model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CreatedAt:        time.Now(),
	}
	if err := p.usage.RecordUsage(saveCtx, rec); err != nil {
		p.logger.Error("failed to save usage", "error", err, "conversation_id", id)
		return
	}
	p.logger.Debug("usage saved", "conversation_id", id, "total_tokens", u.TotalTokens)
}

func (p *Pipeline) setState(id string, s State) {
	if p.onState != nil {
		p.onState(id, s)
	}
}
