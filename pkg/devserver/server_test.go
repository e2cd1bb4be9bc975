package devserver

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/godeps/reborn-go/pkg/api"
	"github.com/godeps/reborn-go/pkg/auth"
	"github.com/godeps/reborn-go/pkg/chat"
	"github.com/godeps/reborn-go/pkg/conversation"
	"github.com/godeps/reborn-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhone = "13800138000"

type harness struct {
	server  *Server
	api     *api.API
	session *auth.Session
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	session := auth.NewSession(nil)
	client, err := transport.New(ts.URL, session, transport.WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	return &harness{server: srv, api: api.New(client, api.WithCodeCooldown(0)), session: session}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	res, err := h.api.Auth.SendCode(ctx, testPhone)
	require.NoError(t, err)
	require.Len(t, res.Code, 6)
	_, err = h.api.Auth.VerifyCode(ctx, testPhone, res.Code)
	require.NoError(t, err)
}

func TestStrictCodesRejectWrongCode(t *testing.T) {
	h := newHarness(t, Options{Debug: true, StrictCodes: true})
	ctx := context.Background()

	res, err := h.api.Auth.SendCode(ctx, testPhone)
	require.NoError(t, err)
	wrong := "000000"
	if res.Code == wrong {
		wrong = "111111"
	}
	_, err = h.api.Auth.VerifyCode(ctx, testPhone, wrong)
	var apiErr *transport.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "Invalid code", apiErr.Detail)

	_, err = h.api.Auth.VerifyCode(ctx, testPhone, res.Code)
	require.NoError(t, err)
	assert.True(t, h.api.Auth.LoggedIn())
}

func TestCodeHiddenOutsideDebug(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.api.Auth.SendCode(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Empty(t, res.Code)
	assert.Equal(t, "Code sent", res.Message)
}

func TestChatRoundTripThroughController(t *testing.T) {
	h := newHarness(t, Options{Debug: true})
	h.login(t)
	ctx := context.Background()

	ctrl := chat.NewController(h.api.Chat, nil)
	require.NoError(t, ctrl.LoadHistory(ctx))
	greeting := ctrl.Snapshot()
	require.Len(t, greeting, 1)
	assert.Equal(t, FirstMessage, greeting[0].Content)

	require.NoError(t, ctrl.SendMessage(ctx, "最近总是拖延"))
	got := ctrl.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, conversation.RoleUser, got[1].Role)
	assert.Equal(t, "你说：「最近总是拖延」。你反复抱怨却从未真正改变的是什么？", got[2].Content)
	assert.Equal(t, chat.StateIdle, ctrl.State())

	stored := h.server.History(testPhone)
	require.Len(t, stored, 2)
	assert.Equal(t, got[2].Content, stored[1].Content)

	require.NoError(t, ctrl.LoadHistory(ctx))
	assert.Len(t, ctrl.Snapshot(), 2)

	require.NoError(t, ctrl.ClearHistory(ctx))
	assert.Empty(t, ctrl.Snapshot())
	assert.Empty(t, h.server.History(testPhone))
}

func TestResponderFailureRollsBackAssistantTurn(t *testing.T) {
	h := newHarness(t, Options{
		Debug: true,
		Responder: ResponderFunc(func(context.Context, []Message) ([]string, error) {
			return []string{"部分"}, errors.New("model overloaded")
		}),
	})
	h.login(t)

	ctrl := chat.NewController(h.api.Chat, nil)
	err := ctrl.SendMessage(context.Background(), "hello")
	var streamErr *chat.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "model overloaded", streamErr.Detail)

	got := ctrl.Snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, conversation.RoleUser, got[0].Role)

	stored := h.server.History(testPhone)
	require.Len(t, stored, 1, "failed replies are not stored")
}

func TestRevokedTokenClearsSession(t *testing.T) {
	h := newHarness(t, Options{Debug: true})
	h.login(t)
	token, ok := h.session.Token()
	require.True(t, ok)

	h.server.Revoke(token)
	_, err := h.api.Chat.History(context.Background())
	require.ErrorIs(t, err, transport.ErrUnauthorized)
	_, ok = h.session.Token()
	assert.False(t, ok)
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.api.Profile.Get(context.Background())
	require.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestProfileStageAndInsights(t *testing.T) {
	h := newHarness(t, Options{
		Debug: true,
		Responder: ResponderFunc(func(context.Context, []Message) ([]string, error) {
			return []string{"好的。", "[洞察: 害怕失败]"}, nil
		}),
	})
	h.login(t)
	ctx := context.Background()

	p, err := h.api.Profile.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.StageNewUser, p.CurrentStage)

	require.NoError(t, h.api.Profile.Update(ctx, api.ProfileUpdate{Vision: api.String("每天写作")}))
	p, err = h.api.Profile.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.StageExploring, p.CurrentStage)

	require.NoError(t, h.api.Profile.Update(ctx, api.ProfileUpdate{AntiVision: api.String("原地踏步")}))
	p, err = h.api.Profile.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.StageEstablished, p.CurrentStage)

	ctrl := chat.NewController(h.api.Chat, nil)
	require.NoError(t, ctrl.SendMessage(ctx, "我总是逃避"))
	p, err = h.api.Profile.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"害怕失败"}, p.KeyInsights)
}

func TestReminderSchedule(t *testing.T) {
	now := time.Date(2026, 10, 19, 7, 30, 0, 0, time.Local)
	h := newHarness(t, Options{Debug: true, Now: func() time.Time { return now }})
	h.login(t)
	ctx := context.Background()

	q, err := h.api.Reminder.Question(ctx)
	require.NoError(t, err)
	assert.Contains(t, DailyQuestions, q)

	items, err := h.api.Reminder.Schedule(ctx, api.ReminderSettings{Count: 5, StartHour: 9, EndHour: 12})
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.True(t, sort.SliceIsSorted(items, func(i, j int) bool {
		return items[i].ScheduledTime.Before(items[j].ScheduledTime)
	}))
	for _, it := range items {
		assert.Equal(t, 19, it.ScheduledTime.Day())
		assert.GreaterOrEqual(t, it.ScheduledTime.Hour(), 9)
		assert.Less(t, it.ScheduledTime.Hour(), 12)
		assert.NotEmpty(t, it.Question)
	}
}

func TestChunkAndInsightHelpers(t *testing.T) {
	assert.Equal(t, []string{"你好世界", "！"}, Chunk("你好世界！", 4))
	assert.Equal(t, []string{"abc"}, Chunk("abc", 0))
	assert.Equal(t, []string{"a", "b c"}, extractInsights("x [洞察: a] y [洞察:b c][洞察:  ]"))
	assert.Equal(t, []string{"b", "c"}, mergeInsights([]string{"a", "b"}, []string{"b", "c"}, 2))
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(Options{}).Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
