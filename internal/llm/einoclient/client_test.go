// ABOUTME: Tests for the eino completion backend using a stub chat model.
// ABOUTME: Verifies message conversion, options, and usage mapping.

package einoclient

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/iris/internal/llm"
)

type stubChatModel struct {
	got  []*schema.Message
	opts *model.Options
	resp *schema.Message
	err  error
}

func (s *stubChatModel) Generate(_ context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	s.got = in
	s.opts = model.GetCommonOptions(nil, opts...)
	return s.resp, s.err
}

func (s *stubChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestComplete_ConvertsMessages(t *testing.T) {
	stub := &stubChatModel{resp: &schema.Message{
		Role:    schema.Assistant,
		Content: "Hi!",
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: "stop",
			Usage:        &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		},
	}}
	client := newWithModel(stub, nil)

	resp, err := client.Complete(context.Background(), &llm.CompletionRequest{
		Model: "m/free",
		Messages: []llm.ChatMessage{
			llm.NewSystemMessage("sys"),
			{Role: llm.RoleUser, Parts: []llm.ContentPart{
				{Type: llm.PartText, Text: "see"},
				{Type: llm.PartImageURL, ImageURL: &llm.ImageURL{URL: "data:image/png;base64,AA"}},
			}},
			llm.NewAssistantMessage("ok"),
		},
		Temperature: llm.Float64(0.5),
		MaxTokens:   64,
	})
	require.NoError(t, err)

	require.Len(t, stub.got, 3)
	assert.Equal(t, schema.System, stub.got[0].Role)
	assert.Equal(t, schema.User, stub.got[1].Role)
	require.Len(t, stub.got[1].MultiContent, 2)
	assert.Equal(t, schema.ChatMessagePartTypeImageURL, stub.got[1].MultiContent[1].Type)
	assert.Equal(t, schema.Assistant, stub.got[2].Role)

	require.NotNil(t, stub.opts.Model)
	assert.Equal(t, "m/free", *stub.opts.Model)
	require.NotNil(t, stub.opts.MaxTokens)
	assert.Equal(t, 64, *stub.opts.MaxTokens)

	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "Hi!", text)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestComplete_WrapsError(t *testing.T) {
	boom := errors.New("boom")
	client := newWithModel(&stubChatModel{err: boom}, nil)

	_, err := client.Complete(context.Background(), &llm.CompletionRequest{Model: "m"})
	assert.ErrorIs(t, err, boom)
}
