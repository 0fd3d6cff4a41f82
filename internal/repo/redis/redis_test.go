package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	authsvc "github.com/unimatch/backend/internal/services/auth"
)

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestSessionRepoHasActiveSessionPrunesExpired(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	repo := NewSessionRepo(client)
	ctx := context.Background()

	if live, err := repo.HasActiveSession(ctx, 5); err != nil || live {
		t.Fatalf("expected no live session, got live=%v err=%v", live, err)
	}

	err := repo.Create(ctx, authsvc.SessionRecord{
		SID:       "sid-1",
		UserID:    5,
		Role:      "user",
		ExpiresAt: time.Now().Add(time.Hour),
	}, "refresh-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if live, err := repo.HasActiveSession(ctx, 5); err != nil || !live {
		t.Fatalf("expected live session, got live=%v err=%v", live, err)
	}

	mr.Del(sessionKey("sid-1"))
	if live, err := repo.HasActiveSession(ctx, 5); err != nil || live {
		t.Fatalf("expected expired session to be ignored, got live=%v err=%v", live, err)
	}
	if ok, _ := mr.SIsMember(userSessionsKey(5), "sid-1"); ok {
		t.Fatalf("expected stale sid to be pruned from the user index")
	}
}

func TestSessionRepoDeleteSessionClearsRefresh(t *testing.T) {
	_, client := newMiniRedisClient(t)
	repo := NewSessionRepo(client)
	ctx := context.Background()

	_ = repo.Create(ctx, authsvc.SessionRecord{
		SID:       "sid-2",
		UserID:    6,
		Role:      "user",
		ExpiresAt: time.Now().Add(time.Hour),
	}, "refresh-2")

	if err := repo.DeleteSession(ctx, "sid-2"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := repo.GetSession(ctx, "sid-2"); err != authsvc.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := repo.GetByRefreshToken(ctx, "refresh-2"); err != authsvc.ErrRefreshNotFound {
		t.Fatalf("expected ErrRefreshNotFound, got %v", err)
	}
}

func TestPresenceRepoSweepStale(t *testing.T) {
	_, client := newMiniRedisClient(t)
	repo := NewPresenceRepo(client, "node-a")
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.Add(ctx, 1, "s-old", now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if err := repo.Add(ctx, 1, "s-new", now); err != nil {
		t.Fatalf("add new: %v", err)
	}
	if err := repo.Add(ctx, 2, "s-gone", now.Add(-time.Hour)); err != nil {
		t.Fatalf("add gone: %v", err)
	}

	removed, err := repo.SweepStale(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 stale entries removed, got %d", removed)
	}

	if n, _ := repo.CountOnline(ctx, 1); n != 1 {
		t.Fatalf("expected 1 online session for user 1, got %d", n)
	}
	if n, _ := repo.CountOnline(ctx, 2); n != 0 {
		t.Fatalf("expected user 2 offline, got %d", n)
	}

	if err := repo.Remove(ctx, 1, "s-new"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n, _ := repo.CountOnline(ctx, 1); n != 0 {
		t.Fatalf("expected user 1 offline after remove, got %d", n)
	}
}

func TestRateRepoWindow(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	repo := NewRateRepo(client)
	ctx := context.Background()

	count, ttl, err := repo.IncrementWindow(ctx, "rate:test", 10*time.Second)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if count != 1 || ttl <= 0 {
		t.Fatalf("unexpected window state: count=%d ttl=%v", count, ttl)
	}

	count, _, err = repo.IncrementWindow(ctx, "rate:test", 10*time.Second)
	if err != nil || count != 2 {
		t.Fatalf("unexpected second increment: count=%d err=%v", count, err)
	}

	mr.FastForward(11 * time.Second)
	count, _, err = repo.IncrementWindow(ctx, "rate:test", 10*time.Second)
	if err != nil || count != 1 {
		t.Fatalf("expected a fresh window after expiry, got count=%d err=%v", count, err)
	}
}
