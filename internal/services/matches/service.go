package matches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/unimatch/backend/internal/domain/enums"
	"github.com/unimatch/backend/internal/domain/events"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/infra/metrics"
	"github.com/unimatch/backend/internal/pkg/keylock"
	"github.com/unimatch/backend/internal/repo"
	decisionsvc "github.com/unimatch/backend/internal/services/decisions"
)

const defaultListLimit = 100

var (
	ErrValidation      = errors.New("validation error")
	ErrNotAParticipant = errors.New("not a participant")
	ErrMatchNotFound   = errors.New("match not found")
	ErrResourceHalted  = errors.New("resource halted")
	ErrTransientStore  = errors.New("transient store failure")
)

var tracer = otel.Tracer("github.com/unimatch/backend/internal/services/matches")

type MatchStore interface {
	// CreateIfAbsent inserts an active match for pair unless any row (active or dissolved) exists.
	CreateIfAbsent(ctx context.Context, pair model.PairKey, now time.Time) (model.Match, bool, error)
	GetByPair(ctx context.Context, pair model.PairKey) (model.Match, error)
	GetByID(ctx context.Context, matchID int64) (model.Match, error)
	Dissolve(ctx context.Context, matchID, byUserID int64, now time.Time) (model.Match, bool, error)
	ListForUser(ctx context.Context, userID int64, includeDissolved bool, limit int) ([]model.Match, error)
}

type Ledger interface {
	RecordDecision(ctx context.Context, actorID, targetID int64, direction enums.Direction) (decisionsvc.DecisionResult, error)
	Likes(ctx context.Context, actorID, targetID int64) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event)
}

type Outcome struct {
	State     enums.PairState
	Match     *model.Match
	Created   bool
	Dissolved bool
}

type SwipeResult struct {
	Changed      bool
	MatchCreated bool
	State        enums.PairState
	Match        *model.Match
}

type Service struct {
	store      MatchStore
	ledger     Ledger
	dispatcher Dispatcher
	locks      *keylock.Map
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

type Dependencies struct {
	Store      MatchStore
	Ledger     Ledger
	Dispatcher Dispatcher
	// Locks must be shared with the conversation service so a match and its messages use one key.
	Locks   *keylock.Map
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func NewService(deps Dependencies) *Service {
	locks := deps.Locks
	if locks == nil {
		locks = keylock.New()
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		store:      deps.Store,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		locks:      locks,
		metrics:    deps.Metrics,
		log:        log,
		now:        time.Now,
	}
}

// Swipe records the decision and evaluates the pair while holding the pair key.
func (s *Service) Swipe(ctx context.Context, actorID, targetID int64, direction enums.Direction) (SwipeResult, error) {
	ctx, span := tracer.Start(ctx, "matches.Swipe")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("actor_id", actorID),
		attribute.Int64("target_id", targetID),
		attribute.String("direction", string(direction)),
	)

	if actorID <= 0 || targetID <= 0 || actorID == targetID {
		return SwipeResult{}, decisionsvc.ErrValidation
	}
	if s.ledger == nil || s.store == nil {
		return SwipeResult{}, fmt.Errorf("swipe dependencies are not configured")
	}

	pair := model.NewPairKey(actorID, targetID)

	var (
		decision decisionsvc.DecisionResult
		outcome  Outcome
	)
	err := s.locks.Do(pair.String(), func() error {
		var err error
		decision, err = s.ledger.RecordDecision(ctx, actorID, targetID, direction)
		if err != nil {
			return err
		}
		s.metrics.DecisionRecorded(string(direction), decision.Changed)

		outcome, err = s.evaluateLocked(ctx, decision)
		return err
	})
	if err != nil {
		err = mapHalted(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "swipe failed")
		return SwipeResult{}, err
	}

	span.SetAttributes(attribute.String("pair_state", string(outcome.State)))
	return SwipeResult{
		Changed:      decision.Changed,
		MatchCreated: outcome.Created,
		State:        outcome.State,
		Match:        outcome.Match,
	}, nil
}

// Evaluate applies a recorded decision to the pair state machine.
// Replays (Changed=false) never dissolve, but a replayed like still creates a
// missing match when both likes hold.
func (s *Service) Evaluate(ctx context.Context, decision decisionsvc.DecisionResult) (Outcome, error) {
	pair := model.NewPairKey(decision.Decision.ActorUserID, decision.Decision.TargetUserID)
	if !pair.Valid() {
		return Outcome{}, ErrValidation
	}

	var outcome Outcome
	err := s.locks.Do(pair.String(), func() error {
		var err error
		outcome, err = s.evaluateLocked(ctx, decision)
		return err
	})
	if err != nil {
		return Outcome{}, mapHalted(err)
	}
	return outcome, nil
}

func (s *Service) evaluateLocked(ctx context.Context, decision decisionsvc.DecisionResult) (Outcome, error) {
	actorID := decision.Decision.ActorUserID
	targetID := decision.Decision.TargetUserID
	pair := model.NewPairKey(actorID, targetID)

	existing, found, err := s.lookupPair(ctx, pair)
	if err != nil {
		return Outcome{}, err
	}

	if found {
		if !existing.IsActive() {
			return Outcome{State: enums.PairStateDissolved, Match: &existing}, nil
		}
		if decision.Changed && decision.Decision.Direction == enums.DirectionPass {
			dissolved, err := s.dissolveLocked(ctx, existing, actorID)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{State: enums.PairStateDissolved, Match: &dissolved, Dissolved: true}, nil
		}
		return Outcome{State: enums.PairStateMatched, Match: &existing}, nil
	}

	reverse, err := s.ledger.Likes(ctx, targetID, actorID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup reverse decision: %w: %w", ErrTransientStore, err)
	}

	if !decision.Decision.IsLike() {
		if reverse {
			return Outcome{State: enums.PairStateOneSidedLike}, nil
		}
		return Outcome{State: enums.PairStateNoDecision}, nil
	}
	if !reverse {
		return Outcome{State: enums.PairStateOneSidedLike}, nil
	}

	created, isNew, err := s.store.CreateIfAbsent(ctx, pair, s.now().UTC())
	if err != nil {
		return Outcome{}, fmt.Errorf("create match: %w: %w", ErrTransientStore, err)
	}
	if err := s.checkCanonical(pair, created); err != nil {
		return Outcome{}, err
	}
	if !isNew {
		if created.IsActive() {
			return Outcome{State: enums.PairStateMatched, Match: &created}, nil
		}
		return Outcome{State: enums.PairStateDissolved, Match: &created}, nil
	}

	s.metrics.MatchCreated()
	s.log.Info("match created",
		zap.Int64("match_id", created.ID),
		zap.Int64("user_a_id", created.UserAID),
		zap.Int64("user_b_id", created.UserBID),
	)
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, events.NewMatchCreated(created))
	}

	return Outcome{State: enums.PairStateMatched, Match: &created, Created: true}, nil
}

// Unmatch dissolves matchID on behalf of userID. Dissolving an already dissolved match is a no-op.
func (s *Service) Unmatch(ctx context.Context, userID, matchID int64) (model.Match, error) {
	ctx, span := tracer.Start(ctx, "matches.Unmatch")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int64("match_id", matchID))

	if userID <= 0 || matchID <= 0 {
		return model.Match{}, ErrValidation
	}
	if s.store == nil {
		return model.Match{}, fmt.Errorf("match store is not configured")
	}

	m, err := s.Get(ctx, matchID)
	if err != nil {
		return model.Match{}, err
	}
	if !m.HasParticipant(userID) {
		return model.Match{}, ErrNotAParticipant
	}

	var result model.Match
	err = s.locks.Do(m.Pair().String(), func() error {
		current, err := s.Get(ctx, matchID)
		if err != nil {
			return err
		}
		if !current.IsActive() {
			result = current
			return nil
		}
		result, err = s.dissolveLocked(ctx, current, userID)
		return err
	})
	if err != nil {
		err = mapHalted(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unmatch failed")
		return model.Match{}, err
	}
	return result, nil
}

func (s *Service) dissolveLocked(ctx context.Context, m model.Match, byUserID int64) (model.Match, error) {
	dissolved, changed, err := s.store.Dissolve(ctx, m.ID, byUserID, s.now().UTC())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Match{}, ErrMatchNotFound
		}
		return model.Match{}, fmt.Errorf("dissolve match: %w: %w", ErrTransientStore, err)
	}
	if changed {
		s.metrics.MatchDissolved()
		s.log.Info("match dissolved",
			zap.Int64("match_id", dissolved.ID),
			zap.Int64("dissolved_by", byUserID),
		)
	}
	return dissolved, nil
}

// State reports where the pair stands in the lifecycle. It is an internal view: exposing it
// to either user would reveal one-sided likes.
func (s *Service) State(ctx context.Context, userA, userB int64) (enums.PairState, error) {
	pair := model.NewPairKey(userA, userB)
	if !pair.Valid() {
		return "", ErrValidation
	}

	var state enums.PairState
	err := s.locks.Do(pair.String(), func() error {
		m, found, err := s.lookupPair(ctx, pair)
		if err != nil {
			return err
		}
		if found {
			if m.IsActive() {
				state = enums.PairStateMatched
			} else {
				state = enums.PairStateDissolved
			}
			return nil
		}

		aLikes, err := s.ledger.Likes(ctx, pair.A, pair.B)
		if err != nil {
			return fmt.Errorf("lookup decision: %w: %w", ErrTransientStore, err)
		}
		bLikes, err := s.ledger.Likes(ctx, pair.B, pair.A)
		if err != nil {
			return fmt.Errorf("lookup decision: %w: %w", ErrTransientStore, err)
		}
		if aLikes || bLikes {
			state = enums.PairStateOneSidedLike
		} else {
			state = enums.PairStateNoDecision
		}
		return nil
	})
	if err != nil {
		return "", mapHalted(err)
	}
	return state, nil
}

func (s *Service) Get(ctx context.Context, matchID int64) (model.Match, error) {
	if matchID <= 0 {
		return model.Match{}, ErrValidation
	}
	if s.store == nil {
		return model.Match{}, fmt.Errorf("match store is not configured")
	}

	m, err := s.store.GetByID(ctx, matchID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Match{}, ErrMatchNotFound
		}
		return model.Match{}, fmt.Errorf("get match: %w: %w", ErrTransientStore, err)
	}
	if err := s.checkCanonical(model.NewPairKey(m.UserAID, m.UserBID), m); err != nil {
		return model.Match{}, err
	}
	return m, nil
}

// GetForParticipant returns matchID only when userID is one of its parties.
func (s *Service) GetForParticipant(ctx context.Context, matchID, userID int64) (model.Match, error) {
	m, err := s.Get(ctx, matchID)
	if err != nil {
		return model.Match{}, err
	}
	if !m.HasParticipant(userID) {
		return model.Match{}, ErrNotAParticipant
	}
	return m, nil
}

// ListForUser returns the user's matches, newest first. Rows failing the ordering check are
// quarantined and left out.
func (s *Service) ListForUser(ctx context.Context, userID int64, includeDissolved bool, limit int) ([]model.Match, error) {
	if userID <= 0 {
		return nil, ErrValidation
	}
	if s.store == nil {
		return nil, fmt.Errorf("match store is not configured")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.store.ListForUser(ctx, userID, includeDissolved, limit)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w: %w", ErrTransientStore, err)
	}

	items := make([]model.Match, 0, len(rows))
	for _, m := range rows {
		if err := s.checkCanonical(model.NewPairKey(m.UserAID, m.UserBID), m); err != nil {
			continue
		}
		items = append(items, m)
	}
	return items, nil
}

func (s *Service) lookupPair(ctx context.Context, pair model.PairKey) (model.Match, bool, error) {
	m, err := s.store.GetByPair(ctx, pair)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Match{}, false, nil
		}
		return model.Match{}, false, fmt.Errorf("get match by pair: %w: %w", ErrTransientStore, err)
	}
	if err := s.checkCanonical(pair, m); err != nil {
		return model.Match{}, false, err
	}
	return m, true, nil
}

// checkCanonical halts pair when the stored row breaks the UserA < UserB ordering or belongs
// to a different pair.
func (s *Service) checkCanonical(pair model.PairKey, m model.Match) error {
	if m.UserAID > 0 && m.UserAID < m.UserBID && m.Pair() == pair {
		return nil
	}

	key := pair.String()
	s.locks.Halt(key, "canonical ordering violated")
	s.metrics.KeyQuarantined("engine")
	s.log.Error("match row violates canonical pair ordering, key halted",
		zap.String("key", key),
		zap.Int64("match_id", m.ID),
		zap.Int64("user_a_id", m.UserAID),
		zap.Int64("user_b_id", m.UserBID),
	)
	return ErrResourceHalted
}

func mapHalted(err error) error {
	if errors.Is(err, keylock.ErrHalted) {
		return ErrResourceHalted
	}
	return err
}
