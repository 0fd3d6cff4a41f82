// Package delivery pushes realtime events to the live sessions of their recipients.
package delivery

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unimatch/backend/internal/domain/events"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/infra/bus"
	"github.com/unimatch/backend/internal/infra/metrics"
	"github.com/unimatch/backend/internal/pkg/keylock"
)

const (
	maxGapFill        = 100
	maxTrackedMatches = 100_000
	// fillClockSkew widens the fill window for instances whose clocks disagree.
	fillClockSkew = 5 * time.Second
)

type Fanout interface {
	Fanout(ctx context.Context, userIDs []int64, frame []byte) int
}

// MessageSource reads committed messages so delivery can close sequence gaps.
type MessageSource interface {
	ListAfter(ctx context.Context, matchID, afterSeq int64, limit int) ([]model.Message, error)
}

// Dispatcher never blocks on a slow session and never reports delivery failures to the writer.
// Sessions that miss an event recover through reconciliation.
//
// Message events reach sessions in seq order per match whichever instance appended them:
// a stale event is dropped and a gap is filled from the message store first.
type Dispatcher struct {
	sessions   Fanout
	relay      bus.Relay
	messages   MessageSource
	instanceID string
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time

	order        *keylock.Map
	orderMu      sync.Mutex
	delivered    map[int64]int64
	trackedSince time.Time
}

type Dependencies struct {
	Sessions Fanout
	// Relay is optional; without it only sessions on this instance are reached.
	Relay bus.Relay
	// Messages is optional; without it gaps are left to reconciliation.
	Messages   MessageSource
	InstanceID string
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

func NewDispatcher(deps Dependencies) *Dispatcher {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		sessions:     deps.Sessions,
		relay:        deps.Relay,
		messages:     deps.Messages,
		instanceID:   deps.InstanceID,
		metrics:      deps.Metrics,
		log:          log,
		now:          now,
		order:        keylock.New(),
		delivered:    make(map[int64]int64),
		trackedSince: now().UTC(),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) {
	d.deliverLocal(ctx, ev, "local")

	if d.relay == nil {
		return
	}
	data, err := events.EncodeRelay(d.instanceID, ev)
	if err != nil {
		d.log.Error("encode relay frame", zap.String("type", string(ev.Type())), zap.Error(err))
		return
	}
	if err := d.relay.Publish(ctx, data); err != nil {
		d.metrics.RelayPublished(false)
		d.log.Warn("relay publish failed", zap.String("type", string(ev.Type())), zap.Error(err))
		return
	}
	d.metrics.RelayPublished(true)
}

func (d *Dispatcher) deliverLocal(ctx context.Context, ev events.Event, origin string) {
	d.metrics.EventDispatched(string(ev.Type()), origin)
	if d.sessions == nil {
		return
	}

	if msg, ok := ev.(events.MessageAppended); ok {
		d.deliverInOrder(ctx, msg)
		return
	}
	d.fanout(ctx, ev)
}

func (d *Dispatcher) deliverInOrder(ctx context.Context, ev events.MessageAppended) {
	unlock := d.order.Lock("match:" + strconv.FormatInt(ev.MatchID, 10))
	defer unlock()

	d.orderMu.Lock()
	last, known := d.delivered[ev.MatchID]
	since := d.trackedSince
	d.orderMu.Unlock()

	if known && ev.Seq <= last {
		d.metrics.MessagesReordered("stale", 1)
		d.log.Debug("drop stale message event",
			zap.Int64("match_id", ev.MatchID),
			zap.Int64("seq", ev.Seq),
			zap.Int64("delivered_seq", last),
		)
		return
	}

	for _, msg := range d.missing(ctx, ev, last, known, since) {
		d.fanout(ctx, events.NewMessageAppended(msg, ev.Participants))
	}
	d.fanout(ctx, ev)

	d.orderMu.Lock()
	if _, ok := d.delivered[ev.MatchID]; !ok && len(d.delivered) >= maxTrackedMatches {
		d.delivered = make(map[int64]int64)
		d.trackedSince = d.now().UTC()
	}
	if ev.Seq > d.delivered[ev.MatchID] {
		d.delivered[ev.MatchID] = ev.Seq
	}
	d.orderMu.Unlock()
}

// missing returns the committed messages between the last delivered seq and ev, oldest first.
// For an untracked match it returns the contiguous run sent since tracking started, since
// nothing earlier can have passed through this dispatcher.
func (d *Dispatcher) missing(ctx context.Context, ev events.MessageAppended, last int64, known bool, since time.Time) []model.Message {
	if d.messages == nil || ev.Seq <= 1 || (known && ev.Seq == last+1) {
		return nil
	}

	from := ev.Seq - 1 - maxGapFill
	if known && last > from {
		from = last
	}
	if from < 0 {
		from = 0
	}

	items, err := d.messages.ListAfter(ctx, ev.MatchID, from, int(ev.Seq-1-from))
	if err != nil {
		d.log.Warn("fill message gap failed",
			zap.Int64("match_id", ev.MatchID),
			zap.Int64("seq", ev.Seq),
			zap.Error(err),
		)
		return nil
	}

	// Keep only the run that ends right before ev.
	start := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Seq != ev.Seq-int64(len(items)-i) {
			break
		}
		if !known && items[i].SentAt.Before(since.Add(-fillClockSkew)) {
			break
		}
		start = i
	}
	fill := items[start:]
	d.metrics.MessagesReordered("filled", len(fill))
	return fill
}

func (d *Dispatcher) fanout(ctx context.Context, ev events.Event) {
	frame, err := events.Encode(ev)
	if err != nil {
		d.log.Error("encode event frame", zap.String("type", string(ev.Type())), zap.Error(err))
		return
	}

	n := d.sessions.Fanout(ctx, ev.Recipients(), frame)
	for i := 0; i < n; i++ {
		d.metrics.FrameEnqueued()
	}
}

// Listen delivers events published by other instances until ctx is cancelled.
func (d *Dispatcher) Listen(ctx context.Context) (io.Closer, error) {
	if d.relay == nil {
		return nil, fmt.Errorf("relay is not configured")
	}
	return d.relay.Subscribe(ctx, d.handleRelay)
}

func (d *Dispatcher) handleRelay(ctx context.Context, data []byte) {
	origin, ev, err := events.DecodeRelay(data)
	if err != nil {
		d.log.Warn("drop malformed relay frame", zap.Error(err))
		return
	}
	if origin == d.instanceID {
		return
	}
	d.deliverLocal(ctx, ev, "relay")
}
