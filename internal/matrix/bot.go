// ABOUTME: Matrix bot core: sync, event routing, and response delivery
// ABOUTME: Connects Matrix rooms to the request pipeline and posts segments back

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/iris/internal/catalog"
	"github.com/2389/iris/internal/config"
	"github.com/2389/iris/internal/conversation"
	"github.com/2389/iris/internal/llm"
	"github.com/2389/iris/internal/lru"
	"github.com/2389/iris/internal/pipeline"
	"github.com/2389/iris/internal/store"
)

const (
	// dedupeTTL is how long processed event ids are remembered.
	dedupeTTL = 5 * time.Minute

	// memberCacheTTL is how long a room's joined member count is trusted.
	memberCacheTTL = 10 * time.Minute

	// typingTimeout is the duration the typing indicator shows (30 seconds).
	typingTimeout = 30 * time.Second

	// typingRefresh re-sends the typing indicator before it lapses.
	typingRefresh = 20 * time.Second

	// networkTimeout is the timeout for Matrix API calls.
	networkTimeout = 10 * time.Second

	// sendTimeout is longer since uploads and large messages take a while.
	sendTimeout = 30 * time.Second

	// presenceInterval is how often the usage status is refreshed.
	presenceInterval = time.Minute
)

// Handler runs conversational turns.
type Handler interface {
	Handle(ctx context.Context, turn pipeline.Turn) (*pipeline.Result, error)
}

// ModelCatalog answers model questions for commands.
type ModelCatalog interface {
	AllModels(ctx context.Context) map[string]catalog.Model
	ModelDetails(ctx context.Context, id string) (catalog.Model, bool)
	FreeModels(ctx context.Context) []catalog.Model
}

// UsageReader reads token totals.
type UsageReader interface {
	TokensSince(ctx context.Context, since time.Time) (int64, error)
	ConversationTokensSince(ctx context.Context, conversationID string, since time.Time) (int64, error)
}

// AuditLogger records settings changes.
type AuditLogger interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Options configure a Bot. Client is created from Config when nil; API
// defaults to Client.
type Options struct {
	Config        *config.Config
	Client        *mautrix.Client
	API           API
	Conversations *conversation.Store
	Pipeline      Handler
	Catalog       ModelCatalog
	Usage         UsageReader
	Audit         AuditLogger

	// OnSyncing is called once after the first successful sync.
	OnSyncing func()

	Logger *slog.Logger
}

// Bot connects Matrix rooms to the pipeline.
type Bot struct {
	cfg           *config.Config
	client        *mautrix.Client
	api           API
	userID        id.UserID
	conversations *conversation.Store
	pipeline      Handler
	catalog       ModelCatalog
	usage         UsageReader
	auditLog      AuditLogger
	onSyncing     func()
	logger        *slog.Logger

	seen    *lru.Cache[string, struct{}]
	members *lru.Cache[id.RoomID, int]
	names   *lru.Cache[memberKey, string]
	limiter *rate.Limiter

	// isEncrypted reports whether a room has encryption enabled.
	isEncrypted func(ctx context.Context, roomID id.RoomID) bool

	typingMu sync.Mutex
	typing   map[id.RoomID]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Bot.
func New(opts Options) (*Bot, error) {
	if opts.Config == nil {
		return nil, errors.New("matrix: config is required")
	}
	if opts.Conversations == nil || opts.Pipeline == nil || opts.Catalog == nil {
		return nil, errors.New("matrix: conversations, pipeline and catalog are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	client := opts.Client
	if client == nil && opts.API == nil {
		var err error
		client, err = mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("creating matrix client: %w", err)
		}
		client.DeviceID = id.DeviceID(cfg.Matrix.DeviceID)
	}
	api := opts.API
	if api == nil {
		api = client
	}

	b := &Bot{
		cfg:           cfg,
		client:        client,
		api:           api,
		userID:        id.UserID(cfg.Matrix.UserID),
		conversations: opts.Conversations,
		pipeline:      opts.Pipeline,
		catalog:       opts.Catalog,
		usage:         opts.Usage,
		auditLog:      opts.Audit,
		onSyncing:     opts.OnSyncing,
		logger:        logger.With("component", "matrix"),
		seen:          lru.New[string, struct{}](dedupeTTL, 10000),
		members:       lru.New[id.RoomID, int](memberCacheTTL, 1000),
		names:         lru.New[memberKey, string](memberCacheTTL, 10000),
		limiter:       rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		typing:        make(map[id.RoomID]context.CancelFunc),
	}
	if client != nil {
		b.isEncrypted = func(ctx context.Context, roomID id.RoomID) bool {
			if client.StateStore == nil {
				return false
			}
			encrypted, err := client.StateStore.IsEncrypted(ctx, roomID)
			return err == nil && encrypted
		}
	}
	return b, nil
}

// Run syncs until ctx is cancelled, then waits for in-flight responses.
func (b *Bot) Run(ctx context.Context) error {
	if b.client == nil {
		return errors.New("matrix: no client configured")
	}
	b.logger.Info("starting matrix bot",
		"homeserver", b.cfg.Matrix.Homeserver,
		"user_id", b.cfg.Matrix.UserID,
	)

	if b.client.DeviceID == "" {
		whoami, err := b.client.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("matrix whoami: %w", err)
		}
		b.client.DeviceID = whoami.DeviceID
	}

	if b.cfg.Matrix.Encryption.Enabled {
		helper, err := enableEncryption(ctx, b.client, b.cfg.Matrix.Encryption, b.logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer func() {
			if err := helper.Close(); err != nil {
				b.logger.Warn("closing crypto store", "error", err)
			}
		}()
	}

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnSync(b.client.DontProcessOldEvents)
	var once sync.Once
	syncer.OnSync(func(context.Context, *mautrix.RespSync, string) bool {
		once.Do(func() {
			b.logger.Info("matrix sync running")
			if b.onSyncing != nil {
				b.onSyncing()
			}
		})
		return true
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		b.handleMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, b.handleMember)

	go b.runPresence(ctx)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bot")
		b.shutdown()
		return nil
	case err := <-syncErr:
		b.shutdown()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (b *Bot) shutdown() {
	b.wg.Wait()
	b.typingMu.Lock()
	defer b.typingMu.Unlock()
	for room, cancel := range b.typing {
		cancel()
		delete(b.typing, room)
	}
}

// handleMember joins rooms the bot is invited to and forgets cached
// member counts and display names when membership changes.
func (b *Bot) handleMember(ctx context.Context, evt *event.Event) {
	b.members.Delete(evt.RoomID)
	b.names.Delete(memberKey{room: evt.RoomID, user: id.UserID(evt.GetStateKey())})

	if evt.GetStateKey() != b.userID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}
	if !b.permitted(evt.RoomID.String(), evt.Sender.String()) {
		b.logger.Info("ignoring invite", "room", evt.RoomID, "inviter", evt.Sender)
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		b.logger.Warn("failed to join room", "room", evt.RoomID, "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

// handleMessage routes one room message to a command or the pipeline.
// Work runs in a goroutine so the sync loop is never blocked.
func (b *Bot) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.userID {
		return
	}
	if b.seen.CheckAndMark(evt.ID.String()) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil || content.MsgType == event.MsgNotice {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	roomID := evt.RoomID.String()
	sender := evt.Sender.String()
	if !b.permitted(roomID, sender) {
		b.logger.Debug("ignoring message", "room", roomID, "sender", sender)
		return
	}

	body := strings.TrimSpace(content.Body)
	if !isMedia(content.MsgType) {
		if cmd, args, ok := parseCommand(b.cfg.Bot.CommandPrefix, body); ok {
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				reply := b.runCommand(ctx, cmd, commandRequest{roomID: roomID, sender: sender, args: args})
				b.sendNotice(ctx, evt.RoomID, reply)
			}()
			return
		}
	}

	turn, ok := b.turnFor(ctx, evt, content)
	if !ok {
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", sender,
		"content", truncate(turn.Text, 50),
		"attachments", len(turn.Attachments),
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.respond(ctx, evt.RoomID, turn)
	}()
}

// turnFor builds the pipeline turn for a message, or reports false when the
// message is not addressed to the bot.
func (b *Bot) turnFor(ctx context.Context, evt *event.Event, content *event.MessageEventContent) (pipeline.Turn, bool) {
	roomID := evt.RoomID.String()
	turn := pipeline.Turn{
		ConversationID: roomID,
		UserID:         evt.Sender.String(),
		DisplayName:    b.displayName(ctx, evt.RoomID, evt.Sender),
	}

	text := strings.TrimSpace(content.Body)
	if isMedia(content.MsgType) {
		text = caption(content)
		att, err := b.attachmentFrom(content)
		if err != nil {
			b.logger.Warn("unusable attachment", "room", roomID, "error", err)
		} else {
			turn.Attachments = append(turn.Attachments, att)
		}
	}

	mention := mentioned(content, b.userID)
	turn.Text = stripMention(text, b.userID, b.cfg.Bot.Name)
	hasAttachment := len(turn.Attachments) > 0

	switch {
	case turn.Text == "" && !hasAttachment:
		return turn, false
	case mention, b.conversations.Settings(roomID).AutoReply:
		return turn, true
	default:
		return turn, b.isDirect(ctx, evt.RoomID)
	}
}

type memberKey struct {
	room id.RoomID
	user id.UserID
}

// displayName returns the sender's display name in the room, from the
// client's state store or the room's m.room.member event, falling back to
// the localpart of the user id.
func (b *Bot) displayName(ctx context.Context, roomID id.RoomID, userID id.UserID) string {
	key := memberKey{room: roomID, user: userID}
	if name, ok := b.names.Get(key); ok {
		return name
	}

	var name string
	if b.client != nil && b.client.StateStore != nil {
		if member, err := b.client.StateStore.TryGetMember(ctx, roomID, userID); err == nil && member != nil {
			name = strings.TrimSpace(member.Displayname)
		}
	}
	if name == "" {
		reqCtx, cancel := context.WithTimeout(ctx, networkTimeout)
		defer cancel()
		var member event.MemberEventContent
		if err := b.api.StateEvent(reqCtx, roomID, event.StateMember, userID.String(), &member); err != nil {
			b.logger.Debug("failed to fetch member state", "room", roomID, "user", userID, "error", err)
			return localpart(userID)
		}
		name = strings.TrimSpace(member.Displayname)
	}
	if name == "" {
		name = localpart(userID)
	}
	b.names.Put(key, name)
	return name
}

// isDirect reports whether the room has exactly two joined members.
func (b *Bot) isDirect(ctx context.Context, roomID id.RoomID) bool {
	if n, ok := b.members.Get(roomID); ok {
		return n == 2
	}
	reqCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	resp, err := b.api.JoinedMembers(reqCtx, roomID)
	if err != nil {
		b.logger.Debug("failed to fetch joined members", "room", roomID, "error", err)
		return false
	}
	n := len(resp.Joined)
	b.members.Put(roomID, n)
	return n == 2
}

// respond runs the turn and delivers its outcome.
func (b *Bot) respond(ctx context.Context, roomID id.RoomID, turn pipeline.Turn) {
	res, err := b.pipeline.Handle(ctx, turn)
	if res != nil {
		for _, notice := range res.Notices {
			b.sendNotice(ctx, roomID, "⚠️ "+notice)
		}
	}
	if err != nil {
		if msg := failureNotice(err); msg != "" {
			b.sendNotice(ctx, roomID, msg)
		}
		return
	}
	if res == nil || res.State != pipeline.StateCompleted {
		return
	}

	b.logger.Info("sending response", "room", roomID, "length", len(res.Text), "segments", len(res.Segments))
	for _, seg := range res.Segments {
		if err := b.sendSegment(ctx, roomID, seg); err != nil {
			b.logger.Error("failed to send segment", "room", roomID, "error", err)
			return
		}
	}
}

// failureNotice turns a pipeline error into the single notice the room sees.
// Stop requests and shutdown produce no notice.
func failureNotice(err error) string {
	var transport *pipeline.TransportError
	var extraction *pipeline.ExtractionError
	var apiErr *llm.APIError

	switch {
	case errors.Is(err, pipeline.ErrStopped), errors.Is(err, context.Canceled):
		return ""
	case errors.As(err, &apiErr) && errors.As(err, &transport):
		return fmt.Sprintf("⚠️ Provider error with model `%s`: %s", transport.Model, apiErr.Message)
	case errors.As(err, &transport):
		return fmt.Sprintf("⚠️ Could not reach the model service for `%s`.", transport.Model)
	case errors.As(err, &extraction):
		return fmt.Sprintf("⚠️ Model `%s` returned no usable answer.", extraction.Model)
	default:
		return "⚠️ Something went wrong while processing your message."
	}
}

// OnState shows the typing indicator while a turn is being prepared or
// dispatched. It is passed to the pipeline as its state callback.
func (b *Bot) OnState(conversationID string, state pipeline.State) {
	if b.cfg.Bot.DisableTyping {
		return
	}
	roomID := id.RoomID(conversationID)
	switch state {
	case pipeline.StatePreparing:
		b.startTyping(roomID)
	case pipeline.StateIdle, pipeline.StateCompleted, pipeline.StateFailed:
		b.stopTyping(roomID)
	}
}

func (b *Bot) startTyping(roomID id.RoomID) {
	b.typingMu.Lock()
	defer b.typingMu.Unlock()
	if _, ok := b.typing[roomID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.typing[roomID] = cancel

	go func() {
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			b.setTyping(roomID, true)
			select {
			case <-ctx.Done():
				b.setTyping(roomID, false)
				return
			case <-ticker.C:
			}
		}
	}()
}

func (b *Bot) stopTyping(roomID id.RoomID) {
	b.typingMu.Lock()
	defer b.typingMu.Unlock()
	if cancel, ok := b.typing[roomID]; ok {
		cancel()
		delete(b.typing, roomID)
	}
}

// setTyping sends typing indicator to room.
func (b *Bot) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.api.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// runPresence publishes the 7-day token total as the bot's status message.
func (b *Bot) runPresence(ctx context.Context) {
	if b.cfg.Bot.DisablePresence || b.usage == nil || b.client == nil {
		return
	}
	update := func() {
		total, err := b.usage.TokensSince(ctx, time.Now().Add(-store.UsageWindow))
		if err != nil {
			b.logger.Warn("failed to read usage for presence", "error", err)
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, networkTimeout)
		defer cancel()
		err = b.client.SetPresence(reqCtx, mautrix.ReqPresence{
			Presence:  event.PresenceOnline,
			StatusMsg: presenceStatus(total),
		})
		if err != nil {
			b.logger.Debug("failed to set presence", "error", err)
		}
	}

	update()
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			update()
		case <-ctx.Done():
			return
		}
	}
}
