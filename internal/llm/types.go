// ABOUTME: Provider-neutral chat completion and model catalog types.
// ABOUTME: Completer and ModelLister are the seams the pipeline and catalog depend on.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message roles on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types on the wire.
const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartFile     = "file"
)

// ErrNoContent is returned by CompletionResponse.Text when the response
// carries no usable assistant text.
var ErrNoContent = errors.New("completion response has no content")

// Completer sends a chat completion request.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// ModelLister fetches the provider's model catalog.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	File     *FileData `json:"file,omitempty"`
}

// ImageURL references an image, usually as a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// FileData carries an inline document.
type FileData struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

// ChatMessage is a single prompt message. When Parts is non-empty the
// content is sent as an array of parts; otherwise Content is sent as a
// plain string.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []ContentPart
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a plain-text user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a plain-text assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// MarshalJSON emits content as a string or a part array.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	w := wireMessage{Role: m.Role, Content: m.Content}
	if len(m.Parts) > 0 {
		w.Content = m.Parts
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts either content shape.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Content = ""
	m.Parts = nil
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &m.Parts)
	}
	return json.Unmarshal(w.Content, &m.Content)
}

// PlainText joins the text of the message, ignoring non-text parts.
func (m ChatMessage) PlainText() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type != PartText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// CompletionRequest is a chat completion call.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseMessage is the assistant message inside a choice. Content is a
// pointer so a JSON null is distinguishable from an empty string.
type ResponseMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// CompletionResponse is the provider's answer.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Text extracts the first choice's content. Missing choices, a null
// content, or whitespace-only content yield ErrNoContent.
func (r *CompletionResponse) Text() (string, error) {
	if r == nil || len(r.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrNoContent)
	}
	content := r.Choices[0].Message.Content
	if content == nil {
		return "", fmt.Errorf("%w: null message content", ErrNoContent)
	}
	if strings.TrimSpace(*content) == "" {
		return "", fmt.Errorf("%w: empty message content", ErrNoContent)
	}
	return *content, nil
}

// Pricing is the per-token price as the provider reports it (decimal strings).
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// Architecture describes model modalities.
type Architecture struct {
	InputModalities  []string `json:"input_modalities"`
	OutputModalities []string `json:"output_modalities"`
}

// ModelInfo is a catalog entry as returned by the provider.
type ModelInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Created       int64        `json:"created"`
	ContextLength int          `json:"context_length"`
	Pricing       Pricing      `json:"pricing"`
	Architecture  Architecture `json:"architecture"`
}

// APIError is an error reported by the provider, either as a non-2xx
// response or as an error object inside a 200 body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (HTTP %d): %s", e.Status, e.Message)
}

// Float64 returns a pointer to v, for optional request fields.
func Float64(v float64) *float64 {
	return &v
}
