package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/unimatch/backend/internal/domain/events"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/infra/metrics"
	"github.com/unimatch/backend/internal/pkg/keylock"
	"github.com/unimatch/backend/internal/repo"
)

const (
	defaultMaxBodyRunes = 4000
	defaultPageSize     = 50
	defaultMaxPageSize  = 200
	maxTrackedMatches   = 100_000
)

var tracer = otel.Tracer("github.com/unimatch/backend/internal/services/conversation")

type MatchReader interface {
	GetByID(ctx context.Context, matchID int64) (model.Match, error)
}

type MessageStore interface {
	// Append assigns the next sequence number of matchID and stores the message atomically.
	// It fails with repo.ErrMatchClosed when the match is no longer active.
	Append(ctx context.Context, matchID, senderID int64, body string, now time.Time) (model.Message, error)
	ListAfter(ctx context.Context, matchID, afterSeq int64, limit int) ([]model.Message, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, userID int64) (int64, bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event)
}

type Config struct {
	MaxBodyRunes    int
	DefaultPageSize int
	MaxPageSize     int
}

type Service struct {
	matches    MatchReader
	messages   MessageStore
	limiter    RateLimiter
	dispatcher Dispatcher
	locks      *keylock.Map
	metrics    *metrics.Metrics
	log        *zap.Logger
	cfg        Config
	now        func() time.Time

	// last sequence number this instance observed per match
	hwmMu sync.Mutex
	hwm   map[int64]int64
}

type Dependencies struct {
	Matches    MatchReader
	Messages   MessageStore
	Limiter    RateLimiter
	Dispatcher Dispatcher
	Locks      *keylock.Map
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.MaxBodyRunes <= 0 {
		cfg.MaxBodyRunes = defaultMaxBodyRunes
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = defaultMaxPageSize
	}
	if cfg.DefaultPageSize <= 0 || cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = min(defaultPageSize, cfg.MaxPageSize)
	}
	locks := deps.Locks
	if locks == nil {
		locks = keylock.New()
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		matches:    deps.Matches,
		messages:   deps.Messages,
		limiter:    deps.Limiter,
		dispatcher: deps.Dispatcher,
		locks:      locks,
		metrics:    deps.Metrics,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
		hwm:        make(map[int64]int64),
	}
}

// AppendMessage stores body as the next message of matchID and pushes it to both parties.
// Store failures after validation come back as PossibleDuplicateError.
func (s *Service) AppendMessage(ctx context.Context, matchID, senderID int64, body string) (model.Message, error) {
	ctx, span := tracer.Start(ctx, "conversation.AppendMessage")
	defer span.End()
	span.SetAttributes(attribute.Int64("match_id", matchID), attribute.Int64("sender_id", senderID))

	msg, err := s.appendMessage(ctx, matchID, senderID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return model.Message{}, err
	}
	span.SetAttributes(attribute.Int64("seq", msg.Seq))
	return msg, nil
}

func (s *Service) appendMessage(ctx context.Context, matchID, senderID int64, body string) (model.Message, error) {
	if matchID <= 0 || senderID <= 0 {
		return model.Message{}, ErrValidation
	}
	if strings.TrimSpace(body) == "" {
		return model.Message{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > s.cfg.MaxBodyRunes {
		return model.Message{}, ErrBodyTooLong
	}
	if s.matches == nil || s.messages == nil {
		return model.Message{}, fmt.Errorf("conversation dependencies are not configured")
	}

	m, err := s.participantMatch(ctx, matchID, senderID)
	if err != nil {
		return model.Message{}, err
	}
	if !m.IsActive() {
		s.forget(matchID)
		return model.Message{}, ErrMatchClosed
	}

	if s.limiter != nil {
		retryAfter, allowed, err := s.limiter.Allow(ctx, senderID)
		if err != nil {
			s.log.Warn("message rate limiter unavailable", zap.Int64("user_id", senderID), zap.Error(err))
		} else if !allowed {
			return model.Message{}, TooFastError{RetryAfterSec: retryAfter}
		}
	}

	pair := m.Pair()
	var msg model.Message
	err = s.locks.Do(pair.String(), func() error {
		var err error
		msg, err = s.messages.Append(ctx, matchID, senderID, body, s.now().UTC())
		if err != nil {
			switch {
			case errors.Is(err, repo.ErrMatchClosed):
				s.forget(matchID)
				return ErrMatchClosed
			case errors.Is(err, repo.ErrNotFound):
				return ErrMatchNotFound
			default:
				return PossibleDuplicateError{Err: fmt.Errorf("append message: %w: %w", ErrTransientStore, err)}
			}
		}

		if err := s.checkSequence(ctx, pair, msg); err != nil {
			return err
		}

		s.metrics.MessageAppended()
		if s.dispatcher != nil {
			s.dispatcher.Dispatch(ctx, events.NewMessageAppended(msg, pair))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, keylock.ErrHalted) {
			return model.Message{}, ErrResourceHalted
		}
		return model.Message{}, err
	}

	return msg, nil
}

// checkSequence compares msg against the last sequence number seen for its match. A regression
// or a hole in the stored log halts the pair key.
func (s *Service) checkSequence(ctx context.Context, pair model.PairKey, msg model.Message) error {
	s.hwmMu.Lock()
	last, known := s.hwm[msg.MatchID]
	s.hwmMu.Unlock()

	switch {
	case !known || msg.Seq == last+1:
	case msg.Seq <= last:
		return s.halt(pair, msg, last, "sequence regression")
	default:
		// Another instance may have appended in between; the skipped entries must exist.
		between, err := s.messages.ListAfter(ctx, msg.MatchID, last, int(msg.Seq-last))
		if err != nil {
			return PossibleDuplicateError{Err: fmt.Errorf("verify sequence: %w: %w", ErrTransientStore, err)}
		}
		for i, item := range between {
			if item.Seq != last+int64(i)+1 {
				return s.halt(pair, msg, last, "sequence gap")
			}
		}
		if int64(len(between)) != msg.Seq-last {
			return s.halt(pair, msg, last, "sequence gap")
		}
	}

	s.hwmMu.Lock()
	if _, ok := s.hwm[msg.MatchID]; !ok && len(s.hwm) >= maxTrackedMatches {
		// Untracked matches are accepted as-is, so starting over only skips one check per match.
		s.hwm = make(map[int64]int64)
	}
	if msg.Seq > s.hwm[msg.MatchID] {
		s.hwm[msg.MatchID] = msg.Seq
	}
	s.hwmMu.Unlock()
	return nil
}

// forget drops the sequence watermark of a match that no longer accepts messages.
func (s *Service) forget(matchID int64) {
	s.hwmMu.Lock()
	delete(s.hwm, matchID)
	s.hwmMu.Unlock()
}

func (s *Service) halt(pair model.PairKey, msg model.Message, last int64, reason string) error {
	key := pair.String()
	s.locks.Halt(key, reason)
	s.metrics.KeyQuarantined("conversation")
	s.log.Error("message log integrity violated, key halted",
		zap.String("key", key),
		zap.String("reason", reason),
		zap.Int64("match_id", msg.MatchID),
		zap.Int64("seq", msg.Seq),
		zap.Int64("last_seq", last),
	)
	return ErrResourceHalted
}

// History pages through the log of matchID in ascending seq order, starting after afterSeq.
// Dissolved matches stay readable.
func (s *Service) History(ctx context.Context, matchID, userID, afterSeq int64, limit int) ([]model.Message, error) {
	if matchID <= 0 || userID <= 0 || afterSeq < 0 {
		return nil, ErrValidation
	}
	if s.matches == nil || s.messages == nil {
		return nil, fmt.Errorf("conversation dependencies are not configured")
	}
	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}

	if _, err := s.participantMatch(ctx, matchID, userID); err != nil {
		return nil, err
	}

	items, err := s.messages.ListAfter(ctx, matchID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w: %w", ErrTransientStore, err)
	}
	return items, nil
}

// Since returns up to limit messages after afterSeq without a participant check. The caller
// must already have resolved matchID from the user's own match list.
func (s *Service) Since(ctx context.Context, matchID, afterSeq int64, limit int) ([]model.Message, error) {
	if s.messages == nil {
		return nil, fmt.Errorf("message store is not configured")
	}
	items, err := s.messages.ListAfter(ctx, matchID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w: %w", ErrTransientStore, err)
	}
	return items, nil
}

func (s *Service) participantMatch(ctx context.Context, matchID, userID int64) (model.Match, error) {
	m, err := s.matches.GetByID(ctx, matchID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Match{}, ErrMatchNotFound
		}
		return model.Match{}, fmt.Errorf("get match: %w: %w", ErrTransientStore, err)
	}
	if !m.HasParticipant(userID) {
		return model.Match{}, ErrNotAParticipant
	}
	if m.UserAID >= m.UserBID {
		return model.Match{}, s.haltOrdering(m)
	}
	return m, nil
}

func (s *Service) haltOrdering(m model.Match) error {
	key := model.NewPairKey(m.UserAID, m.UserBID).String()
	s.locks.Halt(key, "canonical ordering violated")
	s.metrics.KeyQuarantined("conversation")
	s.log.Error("match row violates canonical pair ordering, key halted",
		zap.String("key", key),
		zap.Int64("match_id", m.ID),
	)
	return ErrResourceHalted
}
