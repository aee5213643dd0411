// ABOUTME: Completion backend built on the eino openai chat model.
// ABOUTME: Converts llm wire messages to eino schema messages and back.

package einoclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/2389/iris/internal/llm"
)

// Config holds the eino chat model settings.
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client implements llm.Completer through eino.
type Client struct {
	chat   model.BaseChatModel
	logger *slog.Logger
}

// New builds the eino openai chat model.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.DefaultModel,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("creating eino chat model: %w", err)
	}
	return newWithModel(chat, logger), nil
}

func newWithModel(chat model.BaseChatModel, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{chat: chat, logger: logger.With("component", "eino")}
}

// Complete sends the request through the eino chat model.
func (c *Client) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	opts := []model.Option{model.WithModel(req.Model)}
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(float32(*req.Temperature)))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}

	out, err := c.chat.Generate(ctx, toSchema(req.Messages), opts...)
	if err != nil {
		return nil, fmt.Errorf("eino generate: %w", err)
	}
	return fromSchema(req.Model, out), nil
}

func toSchema(msgs []llm.ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		sm := &schema.Message{Role: schemaRole(m.Role), Content: m.Content}
		if len(m.Parts) > 0 {
			sm.Content = ""
			for _, p := range m.Parts {
				switch p.Type {
				case llm.PartText:
					sm.MultiContent = append(sm.MultiContent, schema.ChatMessagePart{
						Type: schema.ChatMessagePartTypeText,
						Text: p.Text,
					})
				case llm.PartImageURL:
					sm.MultiContent = append(sm.MultiContent, schema.ChatMessagePart{
						Type:     schema.ChatMessagePartTypeImageURL,
						ImageURL: &schema.ChatMessageImageURL{URL: p.ImageURL.URL},
					})
				case llm.PartFile:
					// The openai adapter has no inline file part; keep a marker.
					sm.MultiContent = append(sm.MultiContent, schema.ChatMessagePart{
						Type: schema.ChatMessagePartTypeText,
						Text: fmt.Sprintf("[attached file: %s]", p.File.Filename),
					})
				}
			}
		}
		out = append(out, sm)
	}
	return out
}

func schemaRole(role string) schema.RoleType {
	switch role {
	case llm.RoleSystem:
		return schema.System
	case llm.RoleAssistant:
		return schema.Assistant
	default:
		return schema.User
	}
}

func fromSchema(modelID string, msg *schema.Message) *llm.CompletionResponse {
	resp := &llm.CompletionResponse{Model: modelID}
	if msg == nil {
		return resp
	}
	content := msg.Content
	choice := llm.Choice{Message: llm.ResponseMessage{Role: llm.RoleAssistant, Content: &content}}
	if msg.ResponseMeta != nil {
		choice.FinishReason = msg.ResponseMeta.FinishReason
		if u := msg.ResponseMeta.Usage; u != nil {
			resp.Usage = &llm.Usage{
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.TotalTokens,
			}
		}
	}
	resp.Choices = []llm.Choice{choice}
	return resp
}
