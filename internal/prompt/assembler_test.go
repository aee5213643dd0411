// ABOUTME: Tests for prompt assembly.
// ABOUTME: Covers system prompt gating, memoization, and attachment flattening.

package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/iris/internal/conversation"
	"github.com/2389/iris/internal/llm"
)

type fakeCaps struct {
	system bool
	images bool
}

func (f fakeCaps) SupportsSystemPrompt(context.Context, string) bool { return f.system }
func (f fakeCaps) SupportsImages(context.Context, string) bool       { return f.images }

func newConv(t *testing.T, msgs ...conversation.Message) *conversation.Context {
	t.Helper()
	store := conversation.NewStore(conversation.Options{})
	for _, m := range msgs {
		_, err := store.Append("room", m)
		require.NoError(t, err)
	}
	return store.GetOrCreate("room")
}

func TestBuild_SystemPromptWhenSupported(t *testing.T) {
	conv := newConv(t,
		conversation.NewUserMessage(conversation.TextPart("Ann (ID: 1): hello")),
		conversation.NewAssistantMessage("hi"),
	)
	a := New(fakeCaps{system: true}, "", nil)

	msgs := a.Build(context.Background(), conv, "m")
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Your name is Iris.")
	assert.Contains(t, msgs[0].Content, conversation.DefaultPersonality)
	assert.Contains(t, msgs[0].Content, "<@USER_ID>")
	assert.Equal(t, llm.ChatMessage{Role: llm.RoleUser, Content: "Ann (ID: 1): hello"}, msgs[1])
	assert.Equal(t, llm.ChatMessage{Role: llm.RoleAssistant, Content: "hi"}, msgs[2])
}

func TestBuild_NoSystemPromptWhenUnsupported(t *testing.T) {
	conv := newConv(t, conversation.NewUserMessage(conversation.TextPart("hello")))
	a := New(fakeCaps{}, "", nil)

	msgs := a.Build(context.Background(), conv, "m")
	require.Len(t, msgs, 1)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
}

func TestBuild_EmptyHistory(t *testing.T) {
	conv := newConv(t)
	assert.Empty(t, New(fakeCaps{}, "", nil).Build(context.Background(), conv, "m"))
	assert.Len(t, New(fakeCaps{system: true}, "", nil).Build(context.Background(), conv, "m"), 1)
}

func TestSystemPrompt_OmitsEmptyPersonality(t *testing.T) {
	a := New(fakeCaps{}, "Echo", nil)
	p := a.SystemPrompt("   ")
	assert.Contains(t, p, "Your name is Echo.")
	assert.NotContains(t, p, "\n\n\n\n")
}

func TestBuild_ImageAttachments(t *testing.T) {
	img := conversation.Attachment{Kind: conversation.KindImage, Data: []byte{1, 2, 3}, MIMEType: "image/png", Filename: "cat.png"}
	conv := newConv(t, conversation.NewUserMessage(
		conversation.TextPart("Ann (ID: 1): what is this?"),
		conversation.AttachmentPart(img),
	))

	msgs := New(fakeCaps{images: true}, "", nil).Build(context.Background(), conv, "m")
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Parts, 2)
	assert.Equal(t, llm.PartText, msgs[0].Parts[0].Type)
	assert.Equal(t, llm.PartImageURL, msgs[0].Parts[1].Type)
	assert.Equal(t, "data:image/png;base64,AQID", msgs[0].Parts[1].ImageURL.URL)

	msgs = New(fakeCaps{images: false}, "", nil).Build(context.Background(), conv, "m")
	require.Len(t, msgs[0].Parts, 2)
	assert.Equal(t, llm.PartText, msgs[0].Parts[1].Type)
	assert.Contains(t, msgs[0].Parts[1].Text, "cat.png")
}

func TestBuild_DocumentAttachment(t *testing.T) {
	doc := conversation.Attachment{Kind: conversation.KindDocument, Data: []byte("%PDF"), MIMEType: "application/pdf", Filename: "a.pdf"}
	conv := newConv(t, conversation.NewUserMessage(conversation.AttachmentPart(doc)))

	msgs := New(fakeCaps{}, "", nil).Build(context.Background(), conv, "m")
	require.Len(t, msgs[0].Parts, 1)
	part := msgs[0].Parts[0]
	assert.Equal(t, llm.PartFile, part.Type)
	assert.Equal(t, "a.pdf", part.File.Filename)
	assert.Equal(t, "data:application/pdf;base64,JVBERg==", part.File.FileData)
}
