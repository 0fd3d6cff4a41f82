package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unimatch/backend/internal/domain/events"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/pkg/keylock"
	"github.com/unimatch/backend/internal/repo/memory"
	authsvc "github.com/unimatch/backend/internal/services/auth"
	conversationsvc "github.com/unimatch/backend/internal/services/conversation"
	"github.com/unimatch/backend/internal/services/delivery"
	"github.com/unimatch/backend/internal/services/registry"
)

type tokenStub map[string]authsvc.AccessClaims

func (s tokenStub) ValidateAccessToken(_ context.Context, token string) (authsvc.AccessClaims, error) {
	claims, ok := s[token]
	if !ok {
		return authsvc.AccessClaims{}, authsvc.ErrUnauthorized
	}
	return claims, nil
}

type env struct {
	server   *httptest.Server
	reg      *registry.Registry
	conv     *conversationsvc.Service
	messages *memory.MessageRepo
	match    model.Match
}

func newEnv(t *testing.T, sendBuffer int) env {
	t.Helper()

	db := memory.NewDB()
	matchRepo := memory.NewMatchRepo(db)
	messageRepo := memory.NewMessageRepo(db)
	m, _, err := matchRepo.CreateIfAbsent(context.Background(), model.NewPairKey(1, 2), time.Now())
	require.NoError(t, err)

	locks := keylock.New()
	var conv *conversationsvc.Service
	reg := registry.New(registry.Dependencies{
		Matches:  matchRepo,
		Messages: sinceFunc(func(ctx context.Context, matchID, afterSeq int64, limit int) ([]model.Message, error) {
			return conv.Since(ctx, matchID, afterSeq, limit)
		}),
	}, registry.Config{CatchupLimit: 50})
	conv = conversationsvc.NewService(conversationsvc.Dependencies{
		Matches:    matchRepo,
		Messages:   messageRepo,
		Dispatcher: delivery.NewDispatcher(delivery.Dependencies{Sessions: reg}),
		Locks:      locks,
	}, conversationsvc.Config{})

	h := NewHandler(Dependencies{
		Auth: tokenStub{
			"alice": {UserID: 1, SID: "sid-a", Role: "user"},
			"bob":   {UserID: 2, SID: "sid-b", Role: "user"},
			"carol": {UserID: 3, SID: "sid-c", Role: "user"},
		},
		Sessions:     reg,
		Conversation: conv,
	}, Config{SendBuffer: sendBuffer, PongWait: 5 * time.Second, WriteWait: time.Second})

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		reg.Close(context.Background())
		srv.Close()
	})
	return env{server: srv, reg: reg, conv: conv, messages: messageRepo, match: m}
}

type sinceFunc func(ctx context.Context, matchID, afterSeq int64, limit int) ([]model.Message, error)

func (f sinceFunc) Since(ctx context.Context, matchID, afterSeq int64, limit int) ([]model.Message, error) {
	return f(ctx, matchID, afterSeq, limit)
}

func (e env) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, ft FrameType, ref string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: ft, Ref: ref, Payload: raw}))
}

type inbound struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref"`
	Payload json.RawMessage `json:"payload"`
}

func read(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var in inbound
	require.NoError(t, conn.ReadJSON(&in))
	return in
}

func syncConn(t *testing.T, conn *websocket.Conn, lastKnown map[int64]int64) registry.Reconciliation {
	t.Helper()
	write(t, conn, FrameSync, "s1", SyncPayload{LastKnownSeq: lastKnown})
	in := read(t, conn)
	require.Equal(t, string(FrameReconcile), in.Type)
	assert.Equal(t, "s1", in.Ref)

	var rec registry.Reconciliation
	require.NoError(t, json.Unmarshal(in.Payload, &rec))
	return rec
}

func TestSyncReturnsMissedMessages(t *testing.T) {
	e := newEnv(t, 16)
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		_, err := e.conv.AppendMessage(ctx, e.match.ID, 1, body)
		require.NoError(t, err)
	}

	conn := e.dial(t, "bob")
	rec := syncConn(t, conn, map[int64]int64{e.match.ID: 1})

	require.Len(t, rec.Matches, 1)
	assert.Equal(t, int64(3), rec.PerMatchLatestSeq[e.match.ID])
	missed := rec.Missed[e.match.ID]
	require.Len(t, missed, 2)
	assert.Equal(t, int64(2), missed[0].Seq)
	assert.Equal(t, "three", missed[1].Body)
}

func TestSendMessageReachesBothParticipants(t *testing.T) {
	e := newEnv(t, 16)

	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")
	syncConn(t, alice, nil)
	syncConn(t, bob, nil)

	write(t, alice, FrameSendMessage, "m1", SendMessagePayload{MatchID: e.match.ID, Body: "hello"})

	// alice gets her own event and the ack, in either order
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		in := read(t, alice)
		seen[in.Type] = true
		if in.Type == string(FrameMessageAck) {
			assert.Equal(t, "m1", in.Ref)
		}
	}
	assert.True(t, seen[string(FrameMessageAck)])
	assert.True(t, seen[string(events.TypeMessageAppended)])

	in := read(t, bob)
	require.Equal(t, string(events.TypeMessageAppended), in.Type)
	var ev events.MessageAppended
	require.NoError(t, json.Unmarshal(in.Payload, &ev))
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, "hello", ev.Body)
}

func TestFramesBeforeSyncAreRejected(t *testing.T) {
	e := newEnv(t, 16)
	conn := e.dial(t, "alice")

	write(t, conn, FrameSendMessage, "x", SendMessagePayload{MatchID: e.match.ID, Body: "hi"})
	in := read(t, conn)
	require.Equal(t, string(FrameError), in.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(in.Payload, &payload))
	assert.Equal(t, "SYNC_REQUIRED", payload.Code)
	assert.Equal(t, 0, e.reg.Count())
}

func TestErrorFramesUseStableCodes(t *testing.T) {
	e := newEnv(t, 16)
	conn := e.dial(t, "carol")
	syncConn(t, conn, nil)

	write(t, conn, FrameSendMessage, "x", SendMessagePayload{MatchID: e.match.ID, Body: "hi"})
	in := read(t, conn)
	require.Equal(t, string(FrameError), in.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(in.Payload, &payload))
	assert.Equal(t, "NOT_A_PARTICIPANT", payload.Code)
	assert.Equal(t, "x", in.Ref)

	write(t, conn, FramePing, "p", nil)
	assert.Equal(t, string(FramePong), read(t, conn).Type)
}

func TestFetchHistoryPages(t *testing.T) {
	e := newEnv(t, 16)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		_, err := e.conv.AppendMessage(ctx, e.match.ID, 2, body)
		require.NoError(t, err)
	}

	conn := e.dial(t, "alice")
	syncConn(t, conn, map[int64]int64{e.match.ID: 3})

	write(t, conn, FrameFetchHistory, "h", FetchHistoryPayload{MatchID: e.match.ID, AfterSeq: 1, Limit: 1})
	in := read(t, conn)
	require.Equal(t, string(FrameHistory), in.Type)

	var page HistoryPayload
	require.NoError(t, json.Unmarshal(in.Payload, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, int64(2), page.Messages[0].Seq)
}

func TestInvalidTokenIsRefused(t *testing.T) {
	e := newEnv(t, 16)
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestDetachOnDisconnect(t *testing.T) {
	e := newEnv(t, 16)
	conn := e.dial(t, "alice")
	syncConn(t, conn, nil)
	require.Equal(t, 1, e.reg.Count())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return e.reg.Count() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestClientHoldsEventsUntilReady(t *testing.T) {
	c := &Client{send: make(chan []byte, 2), done: make(chan struct{})}

	require.True(t, c.Send([]byte("event-1")))
	require.True(t, c.Send([]byte("event-2")))
	assert.False(t, c.Send([]byte("event-3")), "held frames are bounded by the buffer")

	// reconcile plus two held frames exceed a buffer of two
	assert.False(t, c.markReady([]byte("reconcile")))

	c2 := &Client{send: make(chan []byte, 4), done: make(chan struct{})}
	require.True(t, c2.Send([]byte("event-1")))
	require.True(t, c2.markReady([]byte("reconcile")))
	assert.Equal(t, "reconcile", string(<-c2.send))
	assert.Equal(t, "event-1", string(<-c2.send))

	c2.Close()
	c2.Close()
	assert.False(t, c2.Send([]byte("late")))
}
