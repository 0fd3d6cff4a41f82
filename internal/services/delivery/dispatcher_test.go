package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unimatch/backend/internal/domain/events"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/infra/bus"
	"github.com/unimatch/backend/internal/pkg/keylock"
	"github.com/unimatch/backend/internal/repo/memory"
	"github.com/unimatch/backend/internal/services/conversation"
)

type fanoutStub struct {
	mu     sync.Mutex
	calls  [][]int64
	frames [][]byte
}

func (f *fanoutStub) Fanout(_ context.Context, userIDs []int64, frame []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]int64(nil), userIDs...))
	f.frames = append(f.frames, frame)
	return len(userIDs)
}

func (f *fanoutStub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestDispatchMessageToBothParticipants(t *testing.T) {
	sessions := &fanoutStub{}
	d := NewDispatcher(Dependencies{Sessions: sessions})

	ev := events.NewMessageAppended(model.Message{
		MatchID:  7,
		Seq:      3,
		SenderID: 2,
		Body:     "hey",
		SentAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}, model.NewPairKey(2, 1))
	d.Dispatch(context.Background(), ev)

	require.Len(t, sessions.calls, 1)
	assert.Equal(t, []int64{1, 2}, sessions.calls[0])

	var env events.Envelope
	require.NoError(t, json.Unmarshal(sessions.frames[0], &env))
	assert.Equal(t, events.TypeMessageAppended, env.Type)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, float64(3), payload["seq"])
	assert.NotContains(t, payload, "Participants")
}

func TestRelayReachesOtherInstanceOnly(t *testing.T) {
	relay := bus.NewLocalRelay()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localSessions, remoteSessions := &fanoutStub{}, &fanoutStub{}
	local := NewDispatcher(Dependencies{Sessions: localSessions, Relay: relay, InstanceID: "node-a"})
	remote := NewDispatcher(Dependencies{Sessions: remoteSessions, Relay: relay, InstanceID: "node-b"})

	_, err := local.Listen(ctx)
	require.NoError(t, err)
	_, err = remote.Listen(ctx)
	require.NoError(t, err)

	local.Dispatch(ctx, events.MatchCreated{MatchID: 1, UserA: 1, UserB: 2, CreatedAt: time.Now().UTC()})

	assert.Equal(t, 1, localSessions.count(), "origin must not deliver its own relayed frame twice")
	assert.Equal(t, 1, remoteSessions.count())
	assert.Equal(t, []int64{1, 2}, remoteSessions.calls[0])
}

func TestListenWithoutRelay(t *testing.T) {
	d := NewDispatcher(Dependencies{})
	_, err := d.Listen(context.Background())
	assert.Error(t, err)
}

func TestMalformedRelayFrameIsDropped(t *testing.T) {
	sessions := &fanoutStub{}
	d := NewDispatcher(Dependencies{Sessions: sessions, InstanceID: "node-a"})

	d.handleRelay(context.Background(), []byte("not json"))
	assert.Equal(t, 0, sessions.count())
}

func (f *fanoutStub) seqs(t *testing.T) []int64 {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]int64, 0, len(f.frames))
	for _, frame := range f.frames {
		var env events.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		if env.Type != events.TypeMessageAppended {
			continue
		}
		var msg events.MessageAppended
		require.NoError(t, json.Unmarshal(env.Payload, &msg))
		out = append(out, msg.Seq)
	}
	return out
}

// stallingDispatcher holds the first event until release is closed.
type stallingDispatcher struct {
	next    conversation.Dispatcher
	once    sync.Once
	stalled chan struct{}
	release chan struct{}
}

func (s *stallingDispatcher) Dispatch(ctx context.Context, ev events.Event) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.stalled)
		<-s.release
	}
	s.next.Dispatch(ctx, ev)
}

func TestMessagesArriveInSeqOrderAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := memory.NewDB()
	matches := memory.NewMatchRepo(db)
	messages := memory.NewMessageRepo(db)
	m, _, err := matches.CreateIfAbsent(ctx, model.NewPairKey(1, 2), time.Now())
	require.NoError(t, err)

	relay := bus.NewLocalRelay()
	sessionsX, sessionsY := &fanoutStub{}, &fanoutStub{}
	dispatcherX := NewDispatcher(Dependencies{Sessions: sessionsX, Relay: relay, Messages: messages, InstanceID: "node-x"})
	dispatcherY := NewDispatcher(Dependencies{Sessions: sessionsY, Relay: relay, Messages: messages, InstanceID: "node-y"})
	_, err = dispatcherX.Listen(ctx)
	require.NoError(t, err)
	_, err = dispatcherY.Listen(ctx)
	require.NoError(t, err)

	stall := &stallingDispatcher{next: dispatcherY, stalled: make(chan struct{}), release: make(chan struct{})}
	newService := func(d conversation.Dispatcher) *conversation.Service {
		return conversation.NewService(conversation.Dependencies{
			Matches:    matches,
			Messages:   messages,
			Dispatcher: d,
			Locks:      keylock.New(),
		}, conversation.Config{})
	}
	serviceX, serviceY := newService(dispatcherX), newService(stall)

	done := make(chan error, 1)
	go func() {
		_, err := serviceY.AppendMessage(ctx, m.ID, 1, "first")
		done <- err
	}()
	<-stall.stalled

	second, err := serviceX.AppendMessage(ctx, m.ID, 2, "second")
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Seq)

	close(stall.release)
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2}, sessionsX.seqs(t))
	assert.Equal(t, []int64{1, 2}, sessionsY.seqs(t))
}

type failingSource struct{}

func (failingSource) ListAfter(context.Context, int64, int64, int) ([]model.Message, error) {
	return nil, errors.New("store unavailable")
}

func TestDeliveryFillsGapsAndDropsStaleMessages(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDB()
	matches := memory.NewMatchRepo(db)
	messages := memory.NewMessageRepo(db)
	m, _, err := matches.CreateIfAbsent(ctx, model.NewPairKey(1, 2), time.Now())
	require.NoError(t, err)

	var log []model.Message
	for i := 0; i < 4; i++ {
		msg, err := messages.Append(ctx, m.ID, 1, "m", time.Now())
		require.NoError(t, err)
		log = append(log, msg)
	}

	sessions := &fanoutStub{}
	d := NewDispatcher(Dependencies{Sessions: sessions, Messages: messages})
	pair := m.Pair()

	d.Dispatch(ctx, events.NewMessageAppended(log[0], pair))
	d.Dispatch(ctx, events.NewMessageAppended(log[3], pair))
	d.Dispatch(ctx, events.NewMessageAppended(log[1], pair))
	assert.Equal(t, []int64{1, 2, 3, 4}, sessions.seqs(t))

	// Without a readable store the event is still delivered.
	other := &fanoutStub{}
	degraded := NewDispatcher(Dependencies{Sessions: other, Messages: failingSource{}})
	degraded.Dispatch(ctx, events.NewMessageAppended(log[0], pair))
	degraded.Dispatch(ctx, events.NewMessageAppended(log[2], pair))
	assert.Equal(t, []int64{1, 3}, other.seqs(t))
}

func TestUntrackedMatchSkipsMessagesOlderThanDispatcher(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDB()
	matches := memory.NewMatchRepo(db)
	messages := memory.NewMessageRepo(db)
	m, _, err := matches.CreateIfAbsent(ctx, model.NewPairKey(1, 2), time.Now())
	require.NoError(t, err)

	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = messages.Append(ctx, m.ID, 1, "old", started.Add(-time.Hour))
	require.NoError(t, err)
	recent, err := messages.Append(ctx, m.ID, 2, "recent", started.Add(time.Second))
	require.NoError(t, err)
	latest, err := messages.Append(ctx, m.ID, 1, "latest", started.Add(2*time.Second))
	require.NoError(t, err)

	sessions := &fanoutStub{}
	d := NewDispatcher(Dependencies{
		Sessions: sessions,
		Messages: messages,
		Now:      func() time.Time { return started },
	})
	d.Dispatch(ctx, events.NewMessageAppended(latest, m.Pair()))

	assert.Equal(t, []int64{recent.Seq, latest.Seq}, sessions.seqs(t))
}
