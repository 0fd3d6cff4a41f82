package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unimatch/backend/internal/domain/events"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/pkg/keylock"
	"github.com/unimatch/backend/internal/repo/memory"
)

type dispatcherStub struct {
	mu     sync.Mutex
	events []events.MessageAppended
}

func (d *dispatcherStub) Dispatch(_ context.Context, ev events.Event) {
	msg, ok := ev.(events.MessageAppended)
	if !ok {
		return
	}
	d.mu.Lock()
	d.events = append(d.events, msg)
	d.mu.Unlock()
}

type limiterStub struct {
	retryAfter int64
	allowed    bool
	err        error
}

func (l limiterStub) Allow(context.Context, int64) (int64, bool, error) {
	return l.retryAfter, l.allowed, l.err
}

type fixture struct {
	svc        *Service
	matches    *memory.MatchRepo
	messages   *memory.MessageRepo
	dispatcher *dispatcherStub
	locks      *keylock.Map
	match      model.Match
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := memory.NewDB()
	matches := memory.NewMatchRepo(db)
	messages := memory.NewMessageRepo(db)
	m, _, err := matches.CreateIfAbsent(context.Background(), model.NewPairKey(10, 20), time.Now())
	if err != nil {
		t.Fatalf("seed match: %v", err)
	}

	dispatcher := &dispatcherStub{}
	locks := keylock.New()
	svc := NewService(Dependencies{
		Matches:    matches,
		Messages:   messages,
		Dispatcher: dispatcher,
		Locks:      locks,
	}, Config{MaxBodyRunes: 10})

	return fixture{svc: svc, matches: matches, messages: messages, dispatcher: dispatcher, locks: locks, match: m}
}

func TestAppendMessageAssignsSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.AppendMessage(ctx, f.match.ID, 10, "hi")
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := f.svc.AppendMessage(ctx, f.match.ID, 20, "hey")
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected seq 1 and 2, got %d and %d", first.Seq, second.Seq)
	}

	if len(f.dispatcher.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(f.dispatcher.events))
	}
	ev := f.dispatcher.events[1]
	if ev.Seq != 2 || ev.SenderID != 20 || ev.Body != "hey" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	recipients := ev.Recipients()
	if len(recipients) != 2 || recipients[0] != 10 || recipients[1] != 20 {
		t.Fatalf("expected both parties as recipients, got %v", recipients)
	}
}

func TestAppendMessageConcurrentIsGapFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 60
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sender := int64(10)
		if i%2 == 1 {
			sender = 20
		}
		go func() {
			defer wg.Done()
			if _, err := f.svc.AppendMessage(ctx, f.match.ID, sender, "msg"); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(f.dispatcher.events) != n {
		t.Fatalf("expected %d events, got %d", n, len(f.dispatcher.events))
	}
	for i, ev := range f.dispatcher.events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected dispatch order seq %d at %d, got %d", i+1, i, ev.Seq)
		}
	}
}

func TestAppendMessageRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 10, "   "); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 10, strings.Repeat("я", 11)); !errors.Is(err, ErrBodyTooLong) {
		t.Fatalf("expected ErrBodyTooLong, got %v", err)
	}
	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 30, "hi"); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if _, err := f.svc.AppendMessage(ctx, 999, 10, "hi"); !errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}

	if _, _, err := f.matches.Dissolve(ctx, f.match.ID, 20, time.Now()); err != nil {
		t.Fatalf("dissolve: %v", err)
	}
	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 10, "hi"); !errors.Is(err, ErrMatchClosed) {
		t.Fatalf("expected ErrMatchClosed, got %v", err)
	}
	if len(f.dispatcher.events) != 0 {
		t.Fatalf("expected no events for rejected messages")
	}
}

func TestClosedMatchDropsSequenceWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 10, "hi"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, ok := f.svc.hwm[f.match.ID]; !ok {
		t.Fatalf("expected watermark for active match")
	}

	if _, _, err := f.matches.Dissolve(ctx, f.match.ID, 20, time.Now()); err != nil {
		t.Fatalf("dissolve: %v", err)
	}
	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 20, "bye"); !errors.Is(err, ErrMatchClosed) {
		t.Fatalf("expected ErrMatchClosed, got %v", err)
	}
	if _, ok := f.svc.hwm[f.match.ID]; ok {
		t.Fatalf("expected watermark to be dropped after close")
	}
}

func TestSequenceWatermarksAreBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for id := int64(1); id <= maxTrackedMatches; id++ {
		f.svc.hwm[-id] = 1
	}
	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 10, "hi"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := len(f.svc.hwm); got != 1 {
		t.Fatalf("expected watermarks to restart, got %d entries", got)
	}
	if f.svc.hwm[f.match.ID] != 1 {
		t.Fatalf("expected watermark for the new append")
	}
}

func TestAppendMessageRateLimited(t *testing.T) {
	f := newFixture(t)
	f.svc.limiter = limiterStub{retryAfter: 7}

	_, err := f.svc.AppendMessage(context.Background(), f.match.ID, 10, "hi")
	tf, ok := IsTooFast(err)
	if !ok {
		t.Fatalf("expected TooFastError, got %v", err)
	}
	if tf.RetryAfter() != 7 {
		t.Fatalf("expected retry after 7, got %d", tf.RetryAfter())
	}
}

func TestAppendMessageLimiterFailureFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.svc.limiter = limiterStub{err: errors.New("redis down")}

	if _, err := f.svc.AppendMessage(context.Background(), f.match.ID, 10, "hi"); err != nil {
		t.Fatalf("expected append to proceed, got %v", err)
	}
}

type failingStore struct {
	*memory.MessageRepo
}

func (failingStore) Append(context.Context, int64, int64, string, time.Time) (model.Message, error) {
	return model.Message{}, errors.New("connection reset")
}

func TestAppendMessageTransientFailureWarnsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.svc.messages = failingStore{MessageRepo: f.messages}

	_, err := f.svc.AppendMessage(context.Background(), f.match.ID, 10, "hi")
	if !IsPossibleDuplicate(err) {
		t.Fatalf("expected PossibleDuplicateError, got %v", err)
	}
	if !errors.Is(err, ErrTransientStore) {
		t.Fatalf("expected ErrTransientStore in chain, got %v", err)
	}
}

type skippingStore struct {
	*memory.MessageRepo
	seq int64
}

func (s *skippingStore) Append(_ context.Context, matchID, senderID int64, body string, now time.Time) (model.Message, error) {
	s.seq += 2
	return model.Message{MatchID: matchID, Seq: s.seq, SenderID: senderID, Body: body, SentAt: now}, nil
}

func TestAppendMessageGapHaltsOnlyThatMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, _, _ := f.matches.CreateIfAbsent(ctx, model.NewPairKey(30, 40), time.Now())

	f.svc.messages = &skippingStore{MessageRepo: f.messages}

	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 10, "one"); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 10, "two"); !errors.Is(err, ErrResourceHalted) {
		t.Fatalf("expected ErrResourceHalted on gap, got %v", err)
	}
	if !f.locks.IsHalted(f.match.Pair().String()) {
		t.Fatalf("expected match key to be halted")
	}
	if _, err := f.svc.AppendMessage(ctx, f.match.ID, 20, "three"); !errors.Is(err, ErrResourceHalted) {
		t.Fatalf("expected halted key to reject appends, got %v", err)
	}

	f.svc.messages = f.messages
	if _, err := f.svc.AppendMessage(ctx, other.ID, 30, "hi"); err != nil {
		t.Fatalf("expected other match to be unaffected, got %v", err)
	}
}

func TestHistoryPagesAscending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.svc.AppendMessage(ctx, f.match.ID, 10, "m"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page, err := f.svc.History(ctx, f.match.ID, 20, 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 2 || page[1].Seq != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}

	if _, err := f.svc.History(ctx, f.match.ID, 30, 0, 10); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}

	_, _, _ = f.matches.Dissolve(ctx, f.match.ID, 10, time.Now())
	rest, err := f.svc.History(ctx, f.match.ID, 10, 3, 0)
	if err != nil {
		t.Fatalf("history after dissolve: %v", err)
	}
	if len(rest) != 2 || rest[1].Seq != 5 {
		t.Fatalf("expected remaining messages to stay readable, got %+v", rest)
	}
}
