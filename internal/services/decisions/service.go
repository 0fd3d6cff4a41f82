package decisions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unimatch/backend/internal/domain/enums"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/repo"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrUnsupportedDirection = errors.New("unsupported direction")
	ErrInvalidActor         = errors.New("invalid actor")
	ErrUnknownTarget        = errors.New("unknown target")
	ErrDecisionNotFound     = errors.New("decision not found")
	ErrTransientStore       = errors.New("transient store failure")
)

type DecisionStore interface {
	// Upsert writes decision unless the stored direction already matches.
	// previous is empty when no decision existed for the pair.
	Upsert(ctx context.Context, decision model.SwipeDecision) (previous enums.Direction, changed bool, err error)
	Get(ctx context.Context, actorUserID, targetUserID int64) (model.SwipeDecision, error)
}

type ActorVerifier interface {
	HasLiveSession(ctx context.Context, userID int64) (bool, error)
}

type UserDirectory interface {
	Exists(ctx context.Context, userID int64) (bool, error)
}

type DecisionResult struct {
	Decision model.SwipeDecision
	Previous enums.Direction
	Changed  bool
}

type Service struct {
	store  DecisionStore
	actors ActorVerifier
	users  UserDirectory
	now    func() time.Time
}

type Dependencies struct {
	Store  DecisionStore
	Actors ActorVerifier
	Users  UserDirectory
}

func NewService(deps Dependencies) *Service {
	return &Service{
		store:  deps.Store,
		actors: deps.Actors,
		users:  deps.Users,
		now:    time.Now,
	}
}

func (s *Service) RecordDecision(ctx context.Context, actorID, targetID int64, direction enums.Direction) (DecisionResult, error) {
	if actorID <= 0 || targetID <= 0 || actorID == targetID {
		return DecisionResult{}, ErrValidation
	}
	if !direction.Valid() {
		return DecisionResult{}, ErrUnsupportedDirection
	}
	if s.store == nil {
		return DecisionResult{}, fmt.Errorf("decision store is not configured")
	}

	if s.actors != nil {
		live, err := s.actors.HasLiveSession(ctx, actorID)
		if err != nil {
			return DecisionResult{}, fmt.Errorf("verify actor session: %w: %w", ErrTransientStore, err)
		}
		if !live {
			return DecisionResult{}, ErrInvalidActor
		}
	}

	if s.users != nil {
		exists, err := s.users.Exists(ctx, targetID)
		if err != nil {
			return DecisionResult{}, fmt.Errorf("lookup target user: %w: %w", ErrTransientStore, err)
		}
		if !exists {
			return DecisionResult{}, ErrUnknownTarget
		}
	}

	decision := model.SwipeDecision{
		ActorUserID:  actorID,
		TargetUserID: targetID,
		Direction:    direction,
		CreatedAt:    s.now().UTC(),
	}

	previous, changed, err := s.store.Upsert(ctx, decision)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("upsert decision: %w: %w", ErrTransientStore, err)
	}

	return DecisionResult{
		Decision: decision,
		Previous: previous,
		Changed:  changed,
	}, nil
}

// Get returns the stored decision of actorID about targetID.
func (s *Service) Get(ctx context.Context, actorID, targetID int64) (model.SwipeDecision, error) {
	if actorID <= 0 || targetID <= 0 || actorID == targetID {
		return model.SwipeDecision{}, ErrValidation
	}
	if s.store == nil {
		return model.SwipeDecision{}, fmt.Errorf("decision store is not configured")
	}

	decision, err := s.store.Get(ctx, actorID, targetID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.SwipeDecision{}, ErrDecisionNotFound
		}
		return model.SwipeDecision{}, fmt.Errorf("get decision: %w: %w", ErrTransientStore, err)
	}
	return decision, nil
}

// Likes reports whether actorID currently likes targetID.
func (s *Service) Likes(ctx context.Context, actorID, targetID int64) (bool, error) {
	decision, err := s.Get(ctx, actorID, targetID)
	if err != nil {
		if errors.Is(err, ErrDecisionNotFound) {
			return false, nil
		}
		return false, err
	}
	return decision.IsLike(), nil
}
