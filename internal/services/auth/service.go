package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/unimatch/backend/internal/domain/enums"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/repo"
)

const (
	MinRefreshTTL = 24 * time.Hour
	MaxRefreshTTL = 90 * 24 * time.Hour

	minPasswordLen = 8
	maxPasswordLen = 72
	maxNameRunes   = 80
)

type SessionStore interface {
	Create(ctx context.Context, session SessionRecord, refreshToken string) error
	GetSession(ctx context.Context, sid string) (SessionRecord, error)
	GetByRefreshToken(ctx context.Context, refreshToken string) (SessionRecord, error)
	RotateRefresh(ctx context.Context, sid, oldRefreshToken, newRefreshToken string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, sid string) error
	DeleteAllForUser(ctx context.Context, userID int64) error
	HasActiveSession(ctx context.Context, userID int64) (bool, error)
}

type UserStore interface {
	Create(ctx context.Context, user model.User) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, userID int64) (model.User, error)
}

// SessionTerminator closes live connections admitted by revoked credentials.
type SessionTerminator interface {
	DetachAuthSession(ctx context.Context, sid string) int
	DetachUser(ctx context.Context, userID int64) int
}

type Service struct {
	jwt        *JWTManager
	sessions   SessionStore
	users      UserStore
	terminator SessionTerminator
	log        *zap.Logger
	refreshTTL time.Duration
	bcryptCost int
	now        func() time.Time
}

type Dependencies struct {
	JWT        *JWTManager
	Sessions   SessionStore
	Users      UserStore
	Terminator SessionTerminator
	Logger     *zap.Logger
}

type Config struct {
	RefreshTTL time.Duration
	BcryptCost int
}

func NewService(deps Dependencies, cfg Config) *Service {
	refreshTTL := cfg.RefreshTTL
	if refreshTTL < MinRefreshTTL {
		refreshTTL = MinRefreshTTL
	}
	if refreshTTL > MaxRefreshTTL {
		refreshTTL = MaxRefreshTTL
	}
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		jwt:        deps.JWT,
		sessions:   deps.Sessions,
		users:      deps.Users,
		terminator: deps.Terminator,
		log:        log,
		refreshTTL: refreshTTL,
		bcryptCost: cost,
		now:        time.Now,
	}
}

// SetTerminator attaches the session registry once it has been built.
func (s *Service) SetTerminator(t SessionTerminator) {
	s.terminator = t
}

func (s *Service) Signup(ctx context.Context, in SignupInput) (AuthResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	name := strings.TrimSpace(in.Name)
	if _, err := mail.ParseAddress(email); err != nil {
		return AuthResult{}, fmt.Errorf("email: %w", ErrInvalidInput)
	}
	if n := len(in.Password); n < minPasswordLen || n > maxPasswordLen {
		return AuthResult{}, fmt.Errorf("password: %w", ErrInvalidInput)
	}
	if name == "" || utf8.RuneCountInString(name) > maxNameRunes {
		return AuthResult{}, fmt.Errorf("name: %w", ErrInvalidInput)
	}
	if s.users == nil {
		return AuthResult{}, fmt.Errorf("user store is not configured")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return AuthResult{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, model.User{
		Email:        email,
		Name:         name,
		University:   strings.TrimSpace(in.University),
		PasswordHash: string(hash),
		Role:         enums.RoleUser,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return AuthResult{}, ErrEmailTaken
		}
		return AuthResult{}, fmt.Errorf("create user: %w", err)
	}

	s.log.Info("user signed up", zap.Int64("user_id", user.ID))
	return s.issueForUser(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return AuthResult{}, ErrInvalidInput
	}
	if s.users == nil {
		return AuthResult{}, fmt.Errorf("user store is not configured")
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, fmt.Errorf("get user by email: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return AuthResult{}, ErrInvalidCredentials
	}

	return s.issueForUser(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return AuthResult{}, ErrInvalidInput
	}

	session, err := s.sessions.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return AuthResult{}, ErrUnauthorized
		}
		return AuthResult{}, fmt.Errorf("get refresh token session: %w", err)
	}
	if s.now().After(session.ExpiresAt) {
		return AuthResult{}, ErrUnauthorized
	}

	newRefreshToken, err := NewRefreshToken()
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate refresh token: %w", err)
	}

	newExpiresAt := s.now().Add(s.refreshTTL)
	if err := s.sessions.RotateRefresh(ctx, session.SID, refreshToken, newRefreshToken, newExpiresAt); err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return AuthResult{}, ErrUnauthorized
		}
		return AuthResult{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	accessToken, accessExpires, err := s.jwt.GenerateAccessToken(session.UserID, session.SID, session.Role)
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate access token: %w", err)
	}

	return AuthResult{
		AccessToken:   accessToken,
		RefreshToken:  newRefreshToken,
		AccessExpires: accessExpires,
		Me:            s.me(ctx, session.UserID, session.Role),
	}, nil
}

// Logout revokes sid and closes the live connections it admitted.
func (s *Service) Logout(ctx context.Context, sid string) error {
	if strings.TrimSpace(sid) == "" {
		return ErrInvalidInput
	}
	if err := s.sessions.DeleteSession(ctx, sid); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if s.terminator != nil {
		closed := s.terminator.DetachAuthSession(ctx, sid)
		s.log.Debug("auth session revoked", zap.String("sid", sid), zap.Int("closed_connections", closed))
	}
	return nil
}

// LogoutAll revokes every auth session of userID and closes all of the user's connections.
func (s *Service) LogoutAll(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return ErrInvalidInput
	}
	if err := s.sessions.DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("delete all sessions: %w", err)
	}
	if s.terminator != nil {
		closed := s.terminator.DetachUser(ctx, userID)
		s.log.Debug("all auth sessions revoked", zap.Int64("user_id", userID), zap.Int("closed_connections", closed))
	}
	return nil
}

func (s *Service) ValidateAccessToken(ctx context.Context, accessToken string) (AccessClaims, error) {
	claims, err := s.jwt.ParseAccessToken(accessToken)
	if err != nil {
		return AccessClaims{}, ErrUnauthorized
	}

	session, err := s.sessions.GetSession(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return AccessClaims{}, ErrUnauthorized
		}
		return AccessClaims{}, fmt.Errorf("get session: %w", err)
	}

	if session.UserID != claims.UserID || session.Role != claims.Role {
		return AccessClaims{}, ErrUnauthorized
	}
	if s.now().After(session.ExpiresAt) {
		return AccessClaims{}, ErrUnauthorized
	}

	return claims, nil
}

// HasLiveSession reports whether userID holds at least one unrevoked auth session.
func (s *Service) HasLiveSession(ctx context.Context, userID int64) (bool, error) {
	if userID <= 0 {
		return false, nil
	}
	return s.sessions.HasActiveSession(ctx, userID)
}

func (s *Service) issueForUser(ctx context.Context, user model.User) (AuthResult, error) {
	sessionID, err := NewSessionID()
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate session id: %w", err)
	}
	refreshToken, err := NewRefreshToken()
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate refresh token: %w", err)
	}

	role := string(user.Role)
	if role == "" {
		role = string(enums.RoleUser)
	}

	session := SessionRecord{
		SID:       sessionID,
		UserID:    user.ID,
		Role:      role,
		ExpiresAt: s.now().Add(s.refreshTTL),
	}
	if err := s.sessions.Create(ctx, session, refreshToken); err != nil {
		return AuthResult{}, fmt.Errorf("create session: %w", err)
	}

	accessToken, accessExpires, err := s.jwt.GenerateAccessToken(user.ID, sessionID, role)
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate access token: %w", err)
	}

	return AuthResult{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AccessExpires: accessExpires,
		Me:            meFromUser(user, role),
	}, nil
}

// CurrentUser resolves the profile behind an already validated access token. A user deleted
// after the token was issued is reported as ErrUnauthorized.
func (s *Service) CurrentUser(ctx context.Context, userID int64, role string) (Me, error) {
	if userID <= 0 {
		return Me{}, ErrUnauthorized
	}
	if s.users == nil {
		return Me{}, fmt.Errorf("user store is not configured")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Me{}, ErrUnauthorized
		}
		return Me{}, fmt.Errorf("get user: %w", err)
	}
	return meFromUser(user, role), nil
}

func (s *Service) me(ctx context.Context, userID int64, role string) Me {
	if s.users == nil {
		return Me{ID: userID, Role: role}
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return Me{ID: userID, Role: role}
	}
	return meFromUser(user, role)
}

func meFromUser(user model.User, role string) Me {
	return Me{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		University: user.University,
		Role:       role,
	}
}
