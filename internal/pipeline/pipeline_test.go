// ABOUTME: Tests for the request pipeline with fake completers and recorders.
// ABOUTME: Covers the happy path, rollback on every failure, attachments, stop, and serialization.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/iris/internal/conversation"
	"github.com/2389/iris/internal/llm"
	"github.com/2389/iris/internal/prompt"
)

type fakeCaps struct{ system bool }

func (f fakeCaps) SupportsSystemPrompt(context.Context, string) bool { return f.system }
func (f fakeCaps) SupportsImages(context.Context, string) bool       { return true }

type fakeCompleter struct {
	mu       sync.Mutex
	requests []*llm.CompletionRequest
	respond  func(req *llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (f *fakeCompleter) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeCompleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeCompleter) last() *llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func reply(text string, usage *llm.Usage) func(*llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(*llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Choices: []llm.Choice{{Message: llm.ResponseMessage{Role: "assistant", Content: &text}}},
			Usage:   usage,
		}, nil
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []UsageRecord
	err     error
}

func (f *fakeRecorder) RecordUsage(_ context.Context, rec UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

type harness struct {
	store     *conversation.Store
	completer *fakeCompleter
	recorder  *fakeRecorder
	pipeline  *Pipeline
	states    []State
}

func newHarness(t *testing.T, respond func(*llm.CompletionRequest) (*llm.CompletionResponse, error)) *harness {
	t.Helper()
	h := &harness{
		store:     conversation.NewStore(conversation.Options{}),
		completer: &fakeCompleter{respond: respond},
		recorder:  &fakeRecorder{},
	}
	var mu sync.Mutex
	h.pipeline = New(h.store, prompt.New(fakeCaps{system: true}, "", nil), h.completer, h.recorder, Options{
		DefaultModel: "m/free",
		OnState: func(_ string, s State) {
			mu.Lock()
			defer mu.Unlock()
			h.states = append(h.states, s)
		},
	})
	return h
}

func textTurn(text string) Turn {
	return Turn{ConversationID: "room", UserID: "1", DisplayName: "Ann", Text: text}
}

func TestHandle_HappyPath(t *testing.T) {
	h := newHarness(t, reply("Hi!", &llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}))

	res, err := h.pipeline.Handle(context.Background(), textTurn("hello"))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "m/free", res.Model)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, "Hi!\n*Prompt tokens: 10 | Completion tokens: 2 | Total tokens: 12*", res.Segments[0].Text)

	history := h.store.GetOrCreate("room").History()
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, "Ann (ID: 1): hello", history[0].Text())
	assert.Equal(t, conversation.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hi!", history[1].Text())

	require.Len(t, h.recorder.records, 1)
	assert.Equal(t, 12, h.recorder.records[0].TotalTokens)
	assert.Equal(t, "room", h.recorder.records[0].ConversationID)

	req := h.completer.last()
	assert.Equal(t, "m/free", req.Model)
	assert.Equal(t, DefaultMaxOutputTokens, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, conversation.DefaultTemperature, *req.Temperature, 1e-9)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)

	assert.Equal(t, []State{StatePreparing, StateDispatched, StateCompleted}, h.states)
}

func TestHandle_TransportErrorOnEmptyConversation(t *testing.T) {
	apiErr := &llm.APIError{Status: 502, Message: "bad gateway"}
	h := newHarness(t, func(*llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, apiErr
	})

	res, err := h.pipeline.Handle(context.Background(), textTurn("hello"))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, apiErr)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, h.store.GetOrCreate("room").History())
	assert.Empty(t, h.recorder.records)
}

func TestHandle_TransportErrorRestoresFullWindow(t *testing.T) {
	h := newHarness(t, reply("ok", nil))
	for i := 0; i < conversation.DefaultWindow; i++ {
		_, err := h.pipeline.Handle(context.Background(), textTurn("hello"))
		require.NoError(t, err)
	}
	before := h.store.GetOrCreate("room").History()
	require.Len(t, before, h.store.Limit())

	h.completer.respond = func(*llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("connection reset")
	}
	_, err := h.pipeline.Handle(context.Background(), textTurn("again"))
	require.Error(t, err)
	assert.Equal(t, before, h.store.GetOrCreate("room").History())
}

func TestHandle_ExtractionErrorRollsBack(t *testing.T) {
	h := newHarness(t, func(*llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{}, nil
	})

	res, err := h.pipeline.Handle(context.Background(), textTurn("hello"))
	var eerr *ExtractionError
	require.ErrorAs(t, err, &eerr)
	assert.ErrorIs(t, err, llm.ErrNoContent)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, h.store.GetOrCreate("room").History())
}

func TestHandle_OversizedAttachmentAbortsWithoutNetwork(t *testing.T) {
	h := newHarness(t, reply("never", nil))
	fetched := false

	res, err := h.pipeline.Handle(context.Background(), Turn{
		ConversationID: "room",
		UserID:         "1",
		DisplayName:    "Ann",
		Attachments: []Attachment{{
			Filename: "big.bin",
			MIMEType: "application/octet-stream",
			Size:     11 * 1024 * 1024,
			Fetch: func(context.Context) ([]byte, error) {
				fetched = true
				return nil, nil
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, StateIdle, res.State)
	require.Len(t, res.Notices, 1)
	assert.Contains(t, res.Notices[0], "big.bin")
	assert.Contains(t, res.Notices[0], "10 MiB")
	assert.False(t, fetched)
	assert.Equal(t, 0, h.completer.count())
	assert.Empty(t, h.store.GetOrCreate("room").History())
	assert.Equal(t, []State{StatePreparing, StateIdle}, h.states)
}

func TestHandle_TextAttachmentDecoded(t *testing.T) {
	h := newHarness(t, reply("read it", nil))

	_, err := h.pipeline.Handle(context.Background(), Turn{
		ConversationID: "room",
		UserID:         "1",
		DisplayName:    "Ann",
		Text:           "summarize",
		Attachments: []Attachment{{
			Filename: "notes.txt",
			MIMEType: "text/plain; charset=utf-8",
			Size:     6,
			Fetch: func(context.Context) ([]byte, error) {
				return []byte("ab\xffcd"), nil
			},
		}},
	})
	require.NoError(t, err)

	user := h.store.GetOrCreate("room").History()[0]
	require.Len(t, user.Parts, 2)
	assert.Equal(t, "Ann (ID: 1): summarize", user.Parts[0].Text)
	assert.Equal(t, "\n--- Content of notes.txt ---\nab\uFFFDcd\n--- End of notes.txt ---", user.Parts[1].Text)
}

func TestHandle_ImageAttachmentKeptBinary(t *testing.T) {
	h := newHarness(t, reply("a cat", nil))

	_, err := h.pipeline.Handle(context.Background(), Turn{
		ConversationID: "room",
		UserID:         "1",
		DisplayName:    "Ann",
		Attachments: []Attachment{{
			Filename: "cat.png",
			MIMEType: "image/png",
			Size:     3,
			Fetch:    func(context.Context) ([]byte, error) { return []byte{1, 2, 3}, nil },
		}},
	})
	require.NoError(t, err)

	user := h.store.GetOrCreate("room").History()[0]
	require.Len(t, user.Parts, 1)
	require.NotNil(t, user.Parts[0].Attachment)
	assert.Equal(t, conversation.KindImage, user.Parts[0].Attachment.Kind)

	msgs := h.completer.last().Messages
	assert.Equal(t, llm.PartImageURL, msgs[len(msgs)-1].Parts[0].Type)
}

func TestHandle_FetchFailureProducesNotice(t *testing.T) {
	h := newHarness(t, reply("ok", nil))

	res, err := h.pipeline.Handle(context.Background(), Turn{
		ConversationID: "room",
		UserID:         "1",
		DisplayName:    "Ann",
		Text:           "hi",
		Attachments: []Attachment{{
			Filename: "gone.txt",
			Size:     10,
			Fetch:    func(context.Context) ([]byte, error) { return nil, errors.New("404") },
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	require.Len(t, res.Notices, 1)
	assert.Contains(t, res.Notices[0], "gone.txt")
}

func TestHandle_ModelSelection(t *testing.T) {
	h := newHarness(t, reply("ok", nil))
	ctx := context.Background()

	turn := textTurn("one")
	turn.DefaultModel = "room/default"
	_, err := h.pipeline.Handle(ctx, turn)
	require.NoError(t, err)
	assert.Equal(t, "room/default", h.completer.last().Model)

	_, err = h.store.UpdateSettings("room", conversation.Patch{ModelOverride: conversation.Ptr("over/ride"), Temperature: conversation.Ptr(0.9)})
	require.NoError(t, err)
	_, err = h.pipeline.Handle(ctx, turn)
	require.NoError(t, err)
	assert.Equal(t, "over/ride", h.completer.last().Model)
	assert.InDelta(t, 0.9, *h.completer.last().Temperature, 1e-9)
}

func TestHandle_UsageRecorderFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, reply("ok", &llm.Usage{TotalTokens: 3}))
	h.recorder.err = errors.New("disk full")

	res, err := h.pipeline.Handle(context.Background(), textTurn("hi"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
}

func TestHandle_StopDiscardsResponse(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	h := newHarness(t, func(req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		close(entered)
		<-proceed
		return reply("too late", nil)(req)
	})

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.pipeline.Handle(context.Background(), textTurn("long task"))
		done <- outcome{res, err}
	}()

	<-entered
	assert.True(t, h.store.RequestStop("room"))
	close(proceed)

	out := <-done
	assert.ErrorIs(t, out.err, ErrStopped)
	assert.Equal(t, StateFailed, out.res.State)
	assert.Empty(t, h.store.GetOrCreate("room").History())
	assert.False(t, h.store.RequestStop("room"), "nothing running any more")
}

func TestHandle_RunningConversationIsNotEvicted(t *testing.T) {
	store := conversation.NewStore(conversation.Options{MaxConversations: 1})
	completer := &fakeCompleter{}
	completer.respond = func(req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		// Another room becomes active while this turn waits on the provider.
		store.GetOrCreate("other-room")
		return reply("hi", nil)(req)
	}
	p := New(store, prompt.New(fakeCaps{}, "", nil), completer, nil, Options{DefaultModel: "m/free"})

	_, err := store.UpdateSettings("room", conversation.Patch{Personality: conversation.Ptr("pirate")})
	require.NoError(t, err)

	res, err := p.Handle(context.Background(), textTurn("hello"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)

	snap := store.Snapshot("room")
	require.Len(t, snap.History, 2)
	assert.Equal(t, conversation.RoleUser, snap.History[0].Role)
	assert.Equal(t, conversation.RoleAssistant, snap.History[1].Role)
	assert.Equal(t, "pirate", snap.Settings.Personality)

	// With the turn finished the room is an ordinary LRU entry again.
	store.GetOrCreate("third-room")
	assert.Empty(t, store.Snapshot("room").History)
}

func TestHandle_SerializesPerConversation(t *testing.T) {
	var running, maxRunning atomic.Int32
	h := newHarness(t, func(req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return reply("ok", nil)(req)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Handle(context.Background(), textTurn("hi"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxRunning.Load())
	history := h.store.GetOrCreate("room").History()
	require.Len(t, history, 16)
	for i := 1; i < len(history); i++ {
		assert.NotEqual(t, history[i-1].Role, history[i].Role, "turns never interleave")
	}
}

func TestHandle_DifferentConversationsRunInParallel(t *testing.T) {
	barrier := make(chan struct{})
	var arrived atomic.Int32
	h := newHarness(t, func(req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if arrived.Add(1) == 2 {
			close(barrier)
		}
		select {
		case <-barrier:
		case <-time.After(2 * time.Second):
			return nil, errors.New("conversations were serialized")
		}
		return reply("ok", nil)(req)
	})

	var wg sync.WaitGroup
	for _, room := range []string{"a", "b"} {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			turn := textTurn("hi")
			turn.ConversationID = room
			_, err := h.pipeline.Handle(context.Background(), turn)
			assert.NoError(t, err)
		}(room)
	}
	wg.Wait()
}

func TestHandle_LongResponseIsChunked(t *testing.T) {
	h := newHarness(t, reply(strings.Repeat("x", 4500), nil))

	res, err := h.pipeline.Handle(context.Background(), textTurn("essay please"))
	require.NoError(t, err)
	require.Len(t, res.Segments, 3)
	assert.Equal(t, strings.Repeat("x", 4500), h.store.GetOrCreate("room").History()[1].Text())
}
