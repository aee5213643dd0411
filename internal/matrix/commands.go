// ABOUTME: Prefix commands for inspecting and changing per-room settings
// ABOUTME: Mutating commands are admin-only and written to the audit log

package matrix

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/2389/iris/internal/catalog"
	"github.com/2389/iris/internal/conversation"
	"github.com/2389/iris/internal/store"
)

// maxListedModels bounds the models command output.
const maxListedModels = 25

type commandRequest struct {
	roomID string
	sender string
	args   string
}

type command struct {
	name  string
	args  string
	help  string
	admin bool
	run   func(ctx context.Context, b *Bot, req commandRequest) string
}

var commands []command

func init() {
	commands = []command{
		{name: "help", help: "Show this help", run: cmdHelp},
		{name: "settings", help: "Show the settings for this room", run: cmdSettings},
		{name: "setpersonality", args: "<text>", help: "Set the persona for this room", admin: true, run: cmdSetPersonality},
		{name: "settemperature", args: "<0.0-1.0>", help: "Set the sampling temperature", admin: true, run: cmdSetTemperature},
		{name: "setmodel", args: "[model id or url]", help: "Set the model for this room, or clear the override", admin: true, run: cmdSetModel},
		{name: "autoreply", args: "[on|off]", help: "Answer every message without a mention", admin: true, run: cmdAutoReply},
		{name: "resetai", help: "Restore the default settings for this room", admin: true, run: cmdResetAI},
		{name: "clearhistory", help: "Forget the conversation in this room", admin: true, run: cmdClearHistory},
		{name: "stop", help: "Discard the response being generated", admin: true, run: cmdStop},
		{name: "models", args: "[free]", help: "List available models", run: cmdModels},
		{name: "model", args: "[model id]", help: "Show details for a model", run: cmdModel},
		{name: "usage", help: "Show token usage for the last 7 days", run: cmdUsage},
	}
}

// parseCommand splits "!name args" into a known command and its arguments.
func parseCommand(prefix, body string) (command, string, bool) {
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return command{}, "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(body, prefix))
	name, args, _ := strings.Cut(rest, " ")
	name = strings.ToLower(name)
	for _, c := range commands {
		if c.name == name {
			return c, strings.TrimSpace(args), true
		}
	}
	return command{}, "", false
}

// runCommand executes a parsed command and returns the reply text.
func (b *Bot) runCommand(ctx context.Context, c command, req commandRequest) string {
	if c.admin && !b.cfg.IsAdmin(req.sender) {
		return "🚫 You need to be an admin to use that command."
	}
	b.logger.Info("command", "name", c.name, "room", req.roomID, "sender", req.sender)
	return c.run(ctx, b, req)
}

func (b *Bot) audit(ctx context.Context, req commandRequest, action store.AuditAction, detail map[string]any) {
	if b.auditLog == nil {
		return
	}
	entry := &store.AuditEntry{
		Actor:          req.sender,
		Action:         action,
		ConversationID: req.roomID,
		Detail:         detail,
	}
	if err := b.auditLog.AppendAuditLog(ctx, entry); err != nil {
		b.logger.Warn("failed to write audit entry", "action", action, "error", err)
	}
}

func (b *Bot) modelFor(s conversation.Settings) string {
	if s.ModelOverride != "" {
		return s.ModelOverride
	}
	return b.cfg.Bot.DefaultModel
}

func cmdHelp(_ context.Context, b *Bot, _ commandRequest) string {
	prefix := b.cfg.Bot.CommandPrefix
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**\n\n", b.cfg.Bot.Name)
	fmt.Fprintf(&sb, "Mention me with a message or an attachment to talk. With auto-reply on, no mention is needed.\n\n")
	for _, c := range commands {
		usage := prefix + c.name
		if c.args != "" {
			usage += " " + c.args
		}
		admin := ""
		if c.admin {
			admin = " *(admin)*"
		}
		fmt.Fprintf(&sb, "- `%s` %s%s\n", usage, c.help, admin)
	}
	return sb.String()
}

func cmdSettings(_ context.Context, b *Bot, req commandRequest) string {
	snap := b.conversations.Snapshot(req.roomID)
	s := snap.Settings

	model := fmt.Sprintf("`%s`", b.modelFor(s))
	if s.ModelOverride == "" {
		model += " (default)"
	}
	autoReply := "off"
	if s.AutoReply {
		autoReply = "on"
	}

	var sb strings.Builder
	sb.WriteString("**Settings for this room**\n\n")
	fmt.Fprintf(&sb, "- Personality: %s\n", truncate(s.Personality, 100))
	fmt.Fprintf(&sb, "- Temperature: `%g`\n", s.Temperature)
	fmt.Fprintf(&sb, "- Model: %s\n", model)
	fmt.Fprintf(&sb, "- Auto-reply: %s\n", autoReply)
	fmt.Fprintf(&sb, "- Messages in history: %d\n", snap.MessageCount)
	if snap.Busy {
		sb.WriteString("- A response is being generated\n")
	}
	return sb.String()
}

func cmdSetPersonality(ctx context.Context, b *Bot, req commandRequest) string {
	if req.args == "" {
		return fmt.Sprintf("❌ Give me a personality, for example `%ssetpersonality Tone: friendly. Style: casual.`", b.cfg.Bot.CommandPrefix)
	}
	s, err := b.conversations.UpdateSettings(req.roomID, conversation.Patch{Personality: &req.args})
	if err != nil {
		return "❌ " + capitalize(err.Error()) + "."
	}
	b.audit(ctx, req, store.AuditSetPersonality, map[string]any{"personality": s.Personality})
	return fmt.Sprintf("✅ Personality updated to:\n```\n%s\n```", truncate(s.Personality, 100))
}

func cmdSetTemperature(ctx context.Context, b *Bot, req commandRequest) string {
	t, err := strconv.ParseFloat(req.args, 64)
	if err != nil {
		return "❌ Temperature must be a number between 0.0 and 1.0."
	}
	s, err := b.conversations.UpdateSettings(req.roomID, conversation.Patch{Temperature: &t})
	if err != nil {
		return "❌ Temperature must be a number between 0.0 and 1.0."
	}
	b.audit(ctx, req, store.AuditSetTemperature, map[string]any{"temperature": s.Temperature})
	return fmt.Sprintf("✅ Temperature set to `%g`.", s.Temperature)
}

func cmdSetModel(ctx context.Context, b *Bot, req commandRequest) string {
	id := catalog.ParseModelID(req.args)
	if id == "" || strings.EqualFold(id, "default") {
		if _, err := b.conversations.UpdateSettings(req.roomID, conversation.Patch{ModelOverride: conversation.Ptr("")}); err != nil {
			return "⚠️ " + err.Error()
		}
		b.audit(ctx, req, store.AuditSetModel, map[string]any{"model": ""})
		return fmt.Sprintf("✅ Model override cleared. Using `%s`.", b.cfg.Bot.DefaultModel)
	}

	m, ok := b.catalog.ModelDetails(ctx, id)
	if !ok {
		return fmt.Sprintf("❌ Model `%s` is not in the catalog. Try `%smodels`.", id, b.cfg.Bot.CommandPrefix)
	}
	if _, err := b.conversations.UpdateSettings(req.roomID, conversation.Patch{ModelOverride: &m.ID}); err != nil {
		return "⚠️ " + err.Error()
	}
	b.audit(ctx, req, store.AuditSetModel, map[string]any{"model": m.ID})
	return "✅ Model for this room is now:\n\n" + describeModel(m)
}

func cmdAutoReply(ctx context.Context, b *Bot, req commandRequest) string {
	current := b.conversations.Snapshot(req.roomID).Settings.AutoReply
	next := !current
	switch strings.ToLower(req.args) {
	case "":
	case "on", "true", "yes":
		next = true
	case "off", "false", "no":
		next = false
	default:
		return fmt.Sprintf("❓ Usage: `%sautoreply [on|off]`", b.cfg.Bot.CommandPrefix)
	}

	if _, err := b.conversations.UpdateSettings(req.roomID, conversation.Patch{AutoReply: &next}); err != nil {
		return "⚠️ " + err.Error()
	}
	b.audit(ctx, req, store.AuditSetAutoReply, map[string]any{"auto_reply": next})
	if next {
		return "✅ Auto-reply is **on**. I will answer every message in this room."
	}
	return "✅ Auto-reply is **off**. Mention me to talk."
}

func cmdResetAI(ctx context.Context, b *Bot, req commandRequest) string {
	b.conversations.ResetSettings(req.roomID)
	b.audit(ctx, req, store.AuditResetSettings, nil)
	return "⚙️ Settings for this room restored to the defaults."
}

func cmdClearHistory(ctx context.Context, b *Bot, req commandRequest) string {
	n := b.conversations.Snapshot(req.roomID).MessageCount
	b.conversations.ClearHistory(req.roomID)
	b.audit(ctx, req, store.AuditClearHistory, map[string]any{"messages": n})
	return "🧹 Conversation history for this room cleared."
}

func cmdStop(ctx context.Context, b *Bot, req commandRequest) string {
	if !b.conversations.RequestStop(req.roomID) {
		return "ℹ️ Nothing to stop."
	}
	b.audit(ctx, req, store.AuditStop, nil)
	return "🛑 The current response will be discarded."
}

func cmdModels(ctx context.Context, b *Bot, req commandRequest) string {
	if !strings.EqualFold(req.args, "free") {
		all := b.catalog.AllModels(ctx)
		if len(all) == 0 {
			return "⚠️ The model catalog is unavailable right now."
		}
		return fmt.Sprintf("%d models are available. Use `%smodels free` for the free ones or `%smodel <id>` for details.",
			len(all), b.cfg.Bot.CommandPrefix, b.cfg.Bot.CommandPrefix)
	}

	free := b.catalog.FreeModels(ctx)
	if len(free) == 0 {
		return "ℹ️ No free models are listed right now."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Free models** (%d)\n\n", len(free))
	for i, m := range free {
		if i == maxListedModels {
			fmt.Fprintf(&sb, "\n…and %d more.", len(free)-maxListedModels)
			break
		}
		fmt.Fprintf(&sb, "- `%s` %s\n", m.ID, m.Name)
	}
	return sb.String()
}

func cmdModel(ctx context.Context, b *Bot, req commandRequest) string {
	id := catalog.ParseModelID(req.args)
	if id == "" {
		id = b.modelFor(b.conversations.Snapshot(req.roomID).Settings)
	}
	m, ok := b.catalog.ModelDetails(ctx, id)
	if !ok {
		return fmt.Sprintf("❌ Model `%s` is not in the catalog.", id)
	}
	return describeModel(m)
}

func cmdUsage(ctx context.Context, b *Bot, req commandRequest) string {
	if b.usage == nil {
		return "ℹ️ Usage tracking is disabled."
	}
	since := time.Now().Add(-store.UsageWindow)
	total, err := b.usage.TokensSince(ctx, since)
	if err != nil {
		return "⚠️ Could not read usage."
	}
	room, err := b.usage.ConversationTokensSince(ctx, req.roomID, since)
	if err != nil {
		return "⚠️ Could not read usage."
	}
	return fmt.Sprintf("📊 Tokens used in the last 7 days: **%s** (this room: %s)", humanize.Comma(total), humanize.Comma(room))
}

// presenceStatus is the status message shown on the bot's profile.
func presenceStatus(total int64) string {
	return "Tokens used (7d): " + humanize.Comma(total)
}

func describeModel(m catalog.Model) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s** (`%s`)\n\n", m.Name, m.ID)
	if m.ContextLength > 0 {
		fmt.Fprintf(&sb, "- Context: %s tokens\n", humanize.Comma(int64(m.ContextLength)))
	}
	if m.IsFree() {
		sb.WriteString("- Price: free\n")
	} else {
		fmt.Fprintf(&sb, "- Price per token: prompt %s, completion %s\n", m.Pricing.Prompt, m.Pricing.Completion)
	}
	images := "no"
	if m.SupportsImages() {
		images = "yes"
	}
	fmt.Fprintf(&sb, "- Images: %s\n", images)
	return sb.String()
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
