// Package registry tracks the live sessions attached to this instance and performs the
// reconciliation handshake on attach.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/infra/metrics"
)

const (
	defaultCatchupLimit   = 200
	defaultMatchListLimit = 500
)

var (
	ErrValidation     = errors.New("validation error")
	ErrTransientStore = errors.New("transient store failure")
)

// Handle is the transport side of a session. Send must not block: it returns false when the
// frame cannot be queued. Close must be safe to call more than once.
type Handle interface {
	Send(frame []byte) bool
	Close()
}

type MatchLister interface {
	ListForUser(ctx context.Context, userID int64, includeDissolved bool, limit int) ([]model.Match, error)
}

type MessageReader interface {
	Since(ctx context.Context, matchID, afterSeq int64, limit int) ([]model.Message, error)
}

// PresenceStore mirrors attached sessions outside the process. Failures are logged only.
type PresenceStore interface {
	Add(ctx context.Context, userID int64, sessionID string, at time.Time) error
	Remove(ctx context.Context, userID int64, sessionID string) error
}

type Config struct {
	CatchupLimit   int
	MatchListLimit int
}

type AttachRequest struct {
	UserID  int64
	AuthSID string
	Handle  Handle
	// LastKnownSeq is the highest sequence number the client holds per match id.
	LastKnownSeq map[int64]int64
}

type Reconciliation struct {
	Matches              []model.Match             `json:"matches"`
	PerMatchLastKnownSeq map[int64]int64           `json:"per_match_last_known_seq"`
	PerMatchLatestSeq    map[int64]int64           `json:"per_match_latest_seq"`
	Missed               map[int64][]model.Message `json:"missed"`
	// Truncated marks matches with more missed messages than were returned.
	Truncated map[int64]bool `json:"truncated"`
	// MatchesTruncated is set when the user has more matches than MatchListLimit.
	MatchesTruncated bool `json:"matches_truncated"`
}

type entry struct {
	session model.Session
	handle  Handle
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	byUser   map[int64]map[string]*entry
	byAuth   map[string]map[string]*entry

	matches  MatchLister
	messages MessageReader
	presence PresenceStore
	metrics  *metrics.Metrics
	log      *zap.Logger
	cfg      Config
	now      func() time.Time
}

type Dependencies struct {
	Matches  MatchLister
	Messages MessageReader
	Presence PresenceStore
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func New(deps Dependencies, cfg Config) *Registry {
	if cfg.CatchupLimit <= 0 {
		cfg.CatchupLimit = defaultCatchupLimit
	}
	if cfg.MatchListLimit <= 0 {
		cfg.MatchListLimit = defaultMatchListLimit
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Registry{
		sessions: make(map[string]*entry),
		byUser:   make(map[int64]map[string]*entry),
		byAuth:   make(map[string]map[string]*entry),
		matches:  deps.Matches,
		messages: deps.Messages,
		presence: deps.Presence,
		metrics:  deps.Metrics,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// AttachSources replaces the reconciliation sources. It must run before the first Attach.
func (r *Registry) AttachSources(matches MatchLister, messages MessageReader) {
	r.matches = matches
	r.messages = messages
}

// Attach registers handle before reading the snapshot, so an event committed in between is
// either in the snapshot or pushed to the handle (possibly both).
func (r *Registry) Attach(ctx context.Context, req AttachRequest) (model.Session, Reconciliation, error) {
	if req.UserID <= 0 || req.Handle == nil {
		return model.Session{}, Reconciliation{}, ErrValidation
	}

	session := model.Session{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		AuthSID:     req.AuthSID,
		ConnectedAt: r.now().UTC(),
	}
	r.register(ctx, &entry{session: session, handle: req.Handle})

	rec, err := r.reconcile(ctx, req.UserID, req.LastKnownSeq)
	if err != nil {
		r.Detach(ctx, session.ID)
		return model.Session{}, Reconciliation{}, err
	}

	r.log.Debug("session attached",
		zap.String("session_id", session.ID),
		zap.Int64("user_id", session.UserID),
		zap.Int("matches", len(rec.Matches)),
	)
	return session, rec, nil
}

func (r *Registry) register(ctx context.Context, e *entry) {
	r.mu.Lock()
	r.sessions[e.session.ID] = e
	if r.byUser[e.session.UserID] == nil {
		r.byUser[e.session.UserID] = make(map[string]*entry)
	}
	r.byUser[e.session.UserID][e.session.ID] = e
	if e.session.AuthSID != "" {
		if r.byAuth[e.session.AuthSID] == nil {
			r.byAuth[e.session.AuthSID] = make(map[string]*entry)
		}
		r.byAuth[e.session.AuthSID][e.session.ID] = e
	}
	live := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetLiveSessions(live)
	if r.presence != nil {
		if err := r.presence.Add(ctx, e.session.UserID, e.session.ID, e.session.ConnectedAt); err != nil {
			r.log.Warn("presence add failed", zap.String("session_id", e.session.ID), zap.Error(err))
		}
	}
}

func (r *Registry) reconcile(ctx context.Context, userID int64, lastKnown map[int64]int64) (Reconciliation, error) {
	rec := Reconciliation{
		Matches:              []model.Match{},
		PerMatchLastKnownSeq: make(map[int64]int64),
		PerMatchLatestSeq:    make(map[int64]int64),
		Missed:               make(map[int64][]model.Message),
		Truncated:            make(map[int64]bool),
	}
	if r.matches == nil {
		return rec, nil
	}

	items, err := r.matches.ListForUser(ctx, userID, true, r.cfg.MatchListLimit+1)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("list matches: %w: %w", ErrTransientStore, err)
	}
	if len(items) > r.cfg.MatchListLimit {
		items = items[:r.cfg.MatchListLimit]
		rec.MatchesTruncated = true
	}
	rec.Matches = items

	for _, m := range items {
		known := lastKnown[m.ID]
		if known < 0 {
			known = 0
		}
		rec.PerMatchLastKnownSeq[m.ID] = known
		rec.PerMatchLatestSeq[m.ID] = m.LastSeq

		if r.messages == nil || m.LastSeq <= known {
			continue
		}

		missed, err := r.messages.Since(ctx, m.ID, known, r.cfg.CatchupLimit+1)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("list missed messages: %w: %w", ErrTransientStore, err)
		}
		if len(missed) > r.cfg.CatchupLimit {
			missed = missed[:r.cfg.CatchupLimit]
			rec.Truncated[m.ID] = true
		}
		if len(missed) > 0 {
			rec.Missed[m.ID] = missed
		}
	}

	return rec, nil
}

// Detach forgets sessionID. Once it returns no fan-out reaches the session's handle.
func (r *Registry) Detach(ctx context.Context, sessionID string) bool {
	r.mu.Lock()
	e, ok := r.removeLocked(sessionID)
	live := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.afterRemove(ctx, []*entry{e}, live)
	return true
}

// DetachAuthSession closes every session admitted by the auth session sid.
func (r *Registry) DetachAuthSession(ctx context.Context, sid string) int {
	r.mu.Lock()
	removed := make([]*entry, 0, len(r.byAuth[sid]))
	for id := range r.byAuth[sid] {
		if e, ok := r.removeLocked(id); ok {
			removed = append(removed, e)
		}
	}
	live := len(r.sessions)
	r.mu.Unlock()

	r.closeAll(ctx, removed, live)
	return len(removed)
}

// DetachUser closes every session of userID.
func (r *Registry) DetachUser(ctx context.Context, userID int64) int {
	r.mu.Lock()
	removed := make([]*entry, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		if e, ok := r.removeLocked(id); ok {
			removed = append(removed, e)
		}
	}
	live := len(r.sessions)
	r.mu.Unlock()

	r.closeAll(ctx, removed, live)
	return len(removed)
}

func (r *Registry) closeAll(ctx context.Context, removed []*entry, live int) {
	if len(removed) == 0 {
		return
	}
	for _, e := range removed {
		e.handle.Close()
	}
	r.afterRemove(ctx, removed, live)
}

func (r *Registry) removeLocked(sessionID string) (*entry, bool) {
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)

	if byUser := r.byUser[e.session.UserID]; byUser != nil {
		delete(byUser, sessionID)
		if len(byUser) == 0 {
			delete(r.byUser, e.session.UserID)
		}
	}
	if sid := e.session.AuthSID; sid != "" {
		if byAuth := r.byAuth[sid]; byAuth != nil {
			delete(byAuth, sessionID)
			if len(byAuth) == 0 {
				delete(r.byAuth, sid)
			}
		}
	}
	return e, true
}

func (r *Registry) afterRemove(ctx context.Context, removed []*entry, live int) {
	r.metrics.SetLiveSessions(live)
	if r.presence == nil {
		return
	}
	for _, e := range removed {
		if err := r.presence.Remove(ctx, e.session.UserID, e.session.ID); err != nil {
			r.log.Warn("presence remove failed", zap.String("session_id", e.session.ID), zap.Error(err))
		}
	}
}

// LiveSessionsOf returns the handles attached for userID at the time of the call.
func (r *Registry) LiveSessionsOf(userID int64) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.byUser[userID]))
	for _, e := range r.byUser[userID] {
		out = append(out, e.handle)
	}
	return out
}

// SessionsOf returns session records of userID ordered by connect time.
func (r *Registry) SessionsOf(userID int64) []model.Session {
	r.mu.RLock()
	out := make([]model.Session, 0, len(r.byUser[userID]))
	for _, e := range r.byUser[userID] {
		out = append(out, e.session)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Snapshot returns every attached session.
func (r *Registry) Snapshot() []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Fanout queues frame on every live session of userIDs. Sessions whose buffer is full are
// evicted and closed; they catch up through reconciliation when they reconnect.
func (r *Registry) Fanout(ctx context.Context, userIDs []int64, frame []byte) int {
	var (
		delivered int
		evict     []string
		seen      = make(map[int64]struct{}, len(userIDs))
	)

	r.mu.RLock()
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		for id, e := range r.byUser[userID] {
			if e.handle.Send(frame) {
				delivered++
				continue
			}
			evict = append(evict, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range evict {
		r.evict(ctx, id)
	}
	return delivered
}

func (r *Registry) evict(ctx context.Context, sessionID string) {
	r.mu.Lock()
	e, ok := r.removeLocked(sessionID)
	live := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	e.handle.Close()
	r.metrics.SessionEvicted()
	r.log.Warn("session evicted, outbound buffer full",
		zap.String("session_id", sessionID),
		zap.Int64("user_id", e.session.UserID),
	)
	r.afterRemove(ctx, []*entry{e}, live)
}

// Close detaches and closes every session, used on shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	removed := make([]*entry, 0, len(r.sessions))
	for id := range r.sessions {
		if e, ok := r.removeLocked(id); ok {
			removed = append(removed, e)
		}
	}
	r.mu.Unlock()

	r.closeAll(ctx, removed, 0)
}
