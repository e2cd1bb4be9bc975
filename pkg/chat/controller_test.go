package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godeps/reborn-go/pkg/conversation"
	"github.com/godeps/reborn-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeAPI struct {
	mu         sync.Mutex
	sendFn     func(ctx context.Context, msg string) (io.ReadCloser, error)
	sent       []string
	history    conversation.History
	historyErr error
	clearErr   error
	clears     int
}

func (f *fakeAPI) Send(ctx context.Context, msg string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	fn := f.sendFn
	f.mu.Unlock()
	return fn(ctx, msg)
}

func (f *fakeAPI) History(context.Context) (conversation.History, error) {
	return f.history, f.historyErr
}

func (f *fakeAPI) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return f.clearErr
}

type greetingAPI struct {
	*fakeAPI
	greeting string
}

func (g *greetingAPI) FirstMessage(context.Context) (string, error) { return g.greeting, nil }

func replying(body string) (*fakeAPI, *trackedBody) {
	tb := &trackedBody{Reader: strings.NewReader(body)}
	return &fakeAPI{sendFn: func(context.Context, string) (io.ReadCloser, error) { return tb, nil }}, tb
}

func contents(h conversation.History) []string {
	out := make([]string, len(h))
	for i, m := range h {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func TestSendMessageStreamsReplyIntoHistory(t *testing.T) {
	api, body := replying("data: Hi\ndata:  there\ndata: [DONE]\n")
	c := NewController(api, nil)

	require.NoError(t, c.SendMessage(context.Background(), "  hello  "))
	assert.Equal(t, []string{"user:hello", "assistant:Hi there"}, contents(c.Snapshot()))
	assert.Equal(t, []string{"hello"}, api.sent, "trimmed text is sent")
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, body.closed.Load())
	_, open := c.Store().InProgress()
	assert.False(t, open)
}

func TestSendMessageAssistantErrorRollsBackPlaceholder(t *testing.T) {
	api, body := replying("data: partial\ndata: [ERROR]model overloaded\n")
	c := NewController(api, nil)

	err := c.SendMessage(context.Background(), "hello")
	var serr *StreamError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "model overloaded", serr.Detail)
	assert.False(t, errors.Is(err, ErrProtocol))
	assert.Equal(t, []string{"user:hello"}, contents(c.Snapshot()))
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, body.closed.Load())
}

func TestSendMessagePrematureEndIsProtocolError(t *testing.T) {
	api, _ := replying("data: partial\n")
	c := NewController(api, nil)

	err := c.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, ErrProtocol)
	var serr *StreamError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "stream terminated unexpectedly", serr.Detail)
	assert.Equal(t, []string{"user:hello"}, contents(c.Snapshot()))
}

func TestSendMessageTransportFailureKeepsUserMessage(t *testing.T) {
	openErr := &transport.APIError{Status: 500, Detail: "boom"}
	api := &fakeAPI{sendFn: func(context.Context, string) (io.ReadCloser, error) { return nil, openErr }}
	c := NewController(api, nil)

	err := c.SendMessage(context.Background(), "hello")
	require.Same(t, openErr, err, "transport errors surface unchanged")
	assert.Equal(t, []string{"user:hello"}, contents(c.Snapshot()))
	assert.Equal(t, StateIdle, c.State())

	// a failed send is not retried; the next call is a fresh send
	api.sendFn = func(context.Context, string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data: ok\ndata: [DONE]\n")), nil
	}
	require.NoError(t, c.SendMessage(context.Background(), "again"))
	assert.Equal(t, []string{"user:hello", "user:again", "assistant:ok"}, contents(c.Snapshot()))
	assert.Len(t, api.sent, 2)
}

func TestOpenFailureDuringCancellationSurfacesUnchanged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	openErr := &transport.NetworkError{Op: "POST /api/chat/send", Err: context.Canceled}
	api := &fakeAPI{sendFn: func(context.Context, string) (io.ReadCloser, error) {
		cancel()
		return nil, openErr
	}}
	c := NewController(api, nil)

	err := c.SendMessage(ctx, "hello")
	require.Same(t, openErr, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"user:hello"}, contents(c.Snapshot()))
}

func TestCancelledBeforeFirstEventRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	api := &fakeAPI{sendFn: func(context.Context, string) (io.ReadCloser, error) {
		cancel()
		return io.NopCloser(strings.NewReader("data: never\ndata: [DONE]\n")), nil
	}}
	c := NewController(api, nil)

	err := c.SendMessage(ctx, "hello")
	require.ErrorIs(t, err, context.Canceled)
	var serr *StreamError
	assert.False(t, errors.As(err, &serr))
	assert.Equal(t, []string{"user:hello"}, contents(c.Snapshot()))
	assert.Equal(t, StateIdle, c.State())
}

func TestSendMessageRejectsInvalidText(t *testing.T) {
	api, _ := replying("data: [DONE]\n")
	c := NewController(api, nil, WithMaxMessageRunes(5))

	require.ErrorIs(t, c.SendMessage(context.Background(), " \n\t "), ErrEmptyMessage)
	require.ErrorIs(t, c.SendMessage(context.Background(), "你好你好你好"), ErrMessageTooLong)
	assert.Empty(t, c.Snapshot())
	assert.Empty(t, api.sent)
	require.NoError(t, c.SendMessage(context.Background(), "你好你好你"))
}

func TestConcurrentSendIsRejectedNotQueued(t *testing.T) {
	pr, pw := io.Pipe()
	api := &fakeAPI{sendFn: func(context.Context, string) (io.ReadCloser, error) { return pr, nil }}
	streaming := make(chan struct{})
	var once sync.Once
	c := NewController(api, nil, WithObserver(func(u Update) {
		if u.State == StateStreaming {
			once.Do(func() { close(streaming) })
		}
	}))

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(context.Background(), "first") }()
	<-streaming

	before := c.Snapshot()
	require.ErrorIs(t, c.SendMessage(context.Background(), "second"), ErrBusy)
	require.ErrorIs(t, c.LoadHistory(context.Background()), ErrBusy)
	require.ErrorIs(t, c.ClearHistory(context.Background()), ErrBusy)
	assert.Equal(t, before, c.Snapshot(), "rejected calls must not touch history")
	assert.Equal(t, StateStreaming, c.State())
	assert.True(t, c.Busy())

	_, err := io.WriteString(pw, "data: one\ndata: [DONE]\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	assert.Equal(t, []string{"user:first", "assistant:one"}, contents(c.Snapshot()))
	assert.Equal(t, []string{"first"}, api.sent)
	assert.False(t, c.Busy())
}

func TestCancellationMidStreamRollsBack(t *testing.T) {
	pr, pw := io.Pipe()
	api := &fakeAPI{sendFn: func(ctx context.Context, _ string) (io.ReadCloser, error) {
		go func() {
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		return pr, nil
	}}
	delta := make(chan struct{})
	var once sync.Once
	c := NewController(api, nil, WithObserver(func(u Update) {
		if u.Delta != "" {
			once.Do(func() { close(delta) })
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.SendMessage(ctx, "hello") }()

	_, err := io.WriteString(pw, "data: partial\n")
	require.NoError(t, err)
	<-delta
	msg, ok := c.Store().InProgress()
	require.True(t, ok)
	require.Equal(t, "partial", msg.Content)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not observe cancellation")
	}
	assert.Equal(t, []string{"user:hello"}, contents(c.Snapshot()), "no partial assistant message persists")
	assert.Equal(t, StateIdle, c.State())
}

func TestObserverSeesTransitionsInOrder(t *testing.T) {
	api, _ := replying("data: a\ndata: b\ndata: [DONE]\n")
	var seen []string
	c := NewController(api, nil, WithObserver(func(u Update) {
		entry := u.State.String()
		if u.Delta != "" {
			entry += "+" + u.Delta
		}
		seen = append(seen, entry)
	}))

	require.NoError(t, c.SendMessage(context.Background(), "hi"))
	assert.Equal(t, []string{"sending", "streaming", "streaming+a", "streaming+b", "finalizing", "idle"}, seen)
}

func TestObserverSeesRollbackError(t *testing.T) {
	api, _ := replying("data: [ERROR] nope\n")
	var last Update
	var rollback Update
	c := NewController(api, nil, WithObserver(func(u Update) {
		if u.State == StateRollingBack {
			rollback = u
		}
		last = u
	}))

	require.Error(t, c.SendMessage(context.Background(), "hi"))
	require.Error(t, rollback.Err)
	assert.Equal(t, []string{"user:hi"}, contents(rollback.History))
	assert.Equal(t, StateIdle, last.State)
}

func TestClearHistoryFailureLeavesHistoryUnchanged(t *testing.T) {
	api, _ := replying("data: reply\ndata: [DONE]\n")
	c := NewController(api, nil)
	require.NoError(t, c.SendMessage(context.Background(), "hello"))
	before := c.Snapshot()

	api.clearErr = &transport.NetworkError{Op: "DELETE /api/chat/history", Err: errors.New("connection refused")}
	err := c.ClearHistory(context.Background())
	var netErr *transport.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, before, c.Snapshot())

	api.clearErr = nil
	require.NoError(t, c.ClearHistory(context.Background()))
	assert.Empty(t, c.Snapshot())
	assert.Equal(t, 2, api.clears)
}

func TestLoadHistoryReplacesConversation(t *testing.T) {
	api, _ := replying("data: [DONE]\n")
	api.history = conversation.History{
		{Role: conversation.RoleUser, Content: "earlier"},
		{Role: conversation.RoleAssistant, Content: "reply"},
	}
	c := NewController(api, nil)
	require.NoError(t, c.LoadHistory(context.Background()))
	got := c.Snapshot()
	assert.Equal(t, []string{"user:earlier", "assistant:reply"}, contents(got))
	for _, m := range got {
		assert.NotEmpty(t, m.ID)
	}

	api.historyErr = errors.New("offline")
	require.Error(t, c.LoadHistory(context.Background()))
	assert.Len(t, c.Snapshot(), 2)
}

func TestLoadHistoryGreetsEmptyConversation(t *testing.T) {
	base, _ := replying("data: [DONE]\n")
	c := NewController(&greetingAPI{fakeAPI: base, greeting: "你好，我是你的成长伙伴"}, nil)
	require.NoError(t, c.LoadHistory(context.Background()))
	assert.Equal(t, []string{"assistant:你好，我是你的成长伙伴"}, contents(c.Snapshot()))
}

func TestStreamErrorFormatting(t *testing.T) {
	assert.Equal(t, "chat: assistant error: model overloaded", (&StreamError{Detail: "model overloaded"}).Error())
	perr := &StreamError{Detail: "stream terminated unexpectedly", Protocol: true}
	assert.True(t, errors.Is(perr, ErrProtocol))
	assert.Equal(t, "rolling_back", StateRollingBack.String())
}
