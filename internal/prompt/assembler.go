// ABOUTME: Builds the provider message list for a conversation turn.
// ABOUTME: Adds a memoized system prompt when the model supports one and flattens history parts.

// Package prompt turns conversation state into provider chat messages.
package prompt

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/iris/internal/conversation"
	"github.com/2389/iris/internal/llm"
)

// DefaultBotName is used in the base instruction when none is configured.
const DefaultBotName = "Iris"

// Capabilities answers per-model feature questions.
type Capabilities interface {
	SupportsSystemPrompt(ctx context.Context, modelID string) bool
	SupportsImages(ctx context.Context, modelID string) bool
}

// Assembler builds provider message lists.
type Assembler struct {
	caps    Capabilities
	botName string
	logger  *slog.Logger
}

// New creates an assembler. An empty botName uses DefaultBotName.
func New(caps Capabilities, botName string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if botName == "" {
		botName = DefaultBotName
	}
	return &Assembler{
		caps:    caps,
		botName: botName,
		logger:  logger.With("component", "prompt"),
	}
}

// SystemPrompt composes the base instruction, the personality, and the
// mention convention.
func (a *Assembler) SystemPrompt(personality string) string {
	parts := []string{
		fmt.Sprintf("Respond in the language you are spoken to. Your name is %s.", a.botName),
	}
	if p := strings.TrimSpace(personality); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts,
		"User messages are prefixed with the sender as `Name (ID: 12345): message`. "+
			"To mention a user, write <@USER_ID> using the ID from that prefix.")
	return strings.Join(parts, "\n\n")
}

// Build returns the system message (when the model accepts one) followed by
// the conversation history.
func (a *Assembler) Build(ctx context.Context, conv *conversation.Context, modelID string) []llm.ChatMessage {
	history := conv.History()
	msgs := make([]llm.ChatMessage, 0, len(history)+1)

	if a.caps.SupportsSystemPrompt(ctx, modelID) {
		msgs = append(msgs, llm.NewSystemMessage(conv.SystemPrompt(a.SystemPrompt)))
	} else {
		a.logger.Debug("model has no system role, sending history only", "model", modelID)
	}

	images := false
	for _, m := range history {
		if hasImage(m) {
			images = a.caps.SupportsImages(ctx, modelID)
			break
		}
	}

	for _, m := range history {
		msgs = append(msgs, toChatMessage(m, images))
	}
	return msgs
}

func hasImage(m conversation.Message) bool {
	for _, p := range m.Parts {
		if !p.IsText() && p.Attachment.Kind == conversation.KindImage {
			return true
		}
	}
	return false
}

func toChatMessage(m conversation.Message, images bool) llm.ChatMessage {
	role := llm.RoleUser
	if m.Role == conversation.RoleAssistant {
		role = llm.RoleAssistant
	}

	plain := true
	for _, p := range m.Parts {
		if !p.IsText() {
			plain = false
			break
		}
	}
	if plain {
		return llm.ChatMessage{Role: role, Content: m.Text()}
	}

	out := llm.ChatMessage{Role: role}
	for _, p := range m.Parts {
		if p.IsText() {
			out.Parts = append(out.Parts, llm.ContentPart{Type: llm.PartText, Text: p.Text})
			continue
		}
		out.Parts = append(out.Parts, attachmentPart(p.Attachment, images))
	}
	return out
}

func attachmentPart(a *conversation.Attachment, images bool) llm.ContentPart {
	uri := "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
	switch a.Kind {
	case conversation.KindImage:
		if !images {
			return llm.ContentPart{
				Type: llm.PartText,
				Text: fmt.Sprintf("[image %s omitted: the current model does not accept images]", a.Filename),
			}
		}
		return llm.ContentPart{Type: llm.PartImageURL, ImageURL: &llm.ImageURL{URL: uri}}
	default:
		return llm.ContentPart{Type: llm.PartFile, File: &llm.FileData{Filename: a.Filename, FileData: uri}}
	}
}
