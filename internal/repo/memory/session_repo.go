package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	authsvc "github.com/unimatch/backend/internal/services/auth"
)

// SessionRepo keeps auth sessions in process for the memory storage driver.
type SessionRepo struct {
	mu        sync.Mutex
	sessions  map[string]authsvc.SessionRecord
	refresh   map[string]string
	bySession map[string]string
	byUser    map[int64]map[string]struct{}
	now       func() time.Time
}

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{
		sessions:  make(map[string]authsvc.SessionRecord),
		refresh:   make(map[string]string),
		bySession: make(map[string]string),
		byUser:    make(map[int64]map[string]struct{}),
		now:       time.Now,
	}
}

func (r *SessionRepo) Create(_ context.Context, session authsvc.SessionRecord, refreshToken string) error {
	if strings.TrimSpace(session.SID) == "" || strings.TrimSpace(refreshToken) == "" || session.UserID <= 0 {
		return authsvc.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[session.SID] = session
	r.refresh[refreshToken] = session.SID
	r.bySession[session.SID] = refreshToken
	if r.byUser[session.UserID] == nil {
		r.byUser[session.UserID] = make(map[string]struct{})
	}
	r.byUser[session.UserID][session.SID] = struct{}{}
	return nil
}

func (r *SessionRepo) GetSession(_ context.Context, sid string) (authsvc.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sid]
	if !ok || r.now().After(session.ExpiresAt) {
		return authsvc.SessionRecord{}, authsvc.ErrSessionNotFound
	}
	return session, nil
}

func (r *SessionRepo) GetByRefreshToken(_ context.Context, refreshToken string) (authsvc.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid, ok := r.refresh[refreshToken]
	if !ok {
		return authsvc.SessionRecord{}, authsvc.ErrRefreshNotFound
	}
	session, ok := r.sessions[sid]
	if !ok {
		return authsvc.SessionRecord{}, authsvc.ErrRefreshNotFound
	}
	return session, nil
}

func (r *SessionRepo) RotateRefresh(_ context.Context, sid, oldRefreshToken, newRefreshToken string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.refresh[oldRefreshToken]
	if !ok || (sid != "" && current != sid) {
		return authsvc.ErrRefreshNotFound
	}
	session, ok := r.sessions[current]
	if !ok {
		return authsvc.ErrRefreshNotFound
	}

	delete(r.refresh, oldRefreshToken)
	session.ExpiresAt = expiresAt
	r.sessions[current] = session
	r.refresh[newRefreshToken] = current
	r.bySession[current] = newRefreshToken
	return nil
}

func (r *SessionRepo) DeleteSession(_ context.Context, sid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(sid)
	return nil
}

func (r *SessionRepo) deleteLocked(sid string) {
	session, ok := r.sessions[sid]
	if !ok {
		return
	}
	delete(r.sessions, sid)
	if token, ok := r.bySession[sid]; ok {
		delete(r.refresh, token)
		delete(r.bySession, sid)
	}
	if set := r.byUser[session.UserID]; set != nil {
		delete(set, sid)
		if len(set) == 0 {
			delete(r.byUser, session.UserID)
		}
	}
}

func (r *SessionRepo) DeleteAllForUser(_ context.Context, userID int64) error {
	if userID <= 0 {
		return authsvc.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for sid := range r.byUser[userID] {
		r.deleteLocked(sid)
	}
	return nil
}

func (r *SessionRepo) HasActiveSession(_ context.Context, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for sid := range r.byUser[userID] {
		if now.Before(r.sessions[sid].ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}
