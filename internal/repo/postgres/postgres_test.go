package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/unimatch/backend/internal/domain/enums"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/repo"
	"github.com/unimatch/backend/internal/repo/postgres"
)

type stores struct {
	users     *postgres.UserRepo
	decisions *postgres.DecisionRepo
	matches   *postgres.MatchRepo
	messages  *postgres.MessageRepo
}

func newStores(t *testing.T) stores {
	t.Helper()
	if testing.Short() || os.Getenv("INTEGRATION_POSTGRES") != "1" {
		t.Skip("set INTEGRATION_POSTGRES=1 to run postgres integration tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("unimatch_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	if err := postgres.Migrate(ctx, dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolConfig{MaxConns: 16})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return stores{
		users:     postgres.NewUserRepo(pool),
		decisions: postgres.NewDecisionRepo(pool),
		matches:   postgres.NewMatchRepo(pool),
		messages:  postgres.NewMessageRepo(pool),
	}
}

func seedUser(t *testing.T, s stores, email string) model.User {
	t.Helper()
	u, err := s.users.Create(context.Background(), model.User{Email: email, Name: "n", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func TestPostgresStores(t *testing.T) {
	s := newStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	alice := seedUser(t, s, "Alice@Campus.edu")
	bob := seedUser(t, s, "bob@campus.edu")

	t.Run("duplicate email conflicts", func(t *testing.T) {
		_, err := s.users.Create(ctx, model.User{Email: "alice@campus.edu", PasswordHash: "x"})
		if !errors.Is(err, repo.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("decision upsert reports changes", func(t *testing.T) {
		d := model.SwipeDecision{ActorUserID: alice.ID, TargetUserID: bob.ID, Direction: enums.DirectionLike, CreatedAt: now}
		prev, changed, err := s.decisions.Upsert(ctx, d)
		if err != nil || !changed || prev != "" {
			t.Fatalf("first upsert: prev=%q changed=%v err=%v", prev, changed, err)
		}
		_, changed, err = s.decisions.Upsert(ctx, d)
		if err != nil || changed {
			t.Fatalf("replay upsert: changed=%v err=%v", changed, err)
		}
		d.Direction = enums.DirectionPass
		prev, changed, err = s.decisions.Upsert(ctx, d)
		if err != nil || !changed || prev != enums.DirectionLike {
			t.Fatalf("overwrite: prev=%q changed=%v err=%v", prev, changed, err)
		}
	})

	t.Run("one match per pair and gap-free sequences", func(t *testing.T) {
		pair := model.NewPairKey(alice.ID, bob.ID)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.matches.CreateIfAbsent(ctx, pair, now)
				if err != nil {
					t.Errorf("create match: %v", err)
					return
				}
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if created != 1 {
			t.Fatalf("expected exactly one creation, got %d", created)
		}

		m, err := s.matches.GetByPair(ctx, pair)
		if err != nil {
			t.Fatalf("get by pair: %v", err)
		}

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.messages.Append(ctx, m.ID, alice.ID, "hi", now); err != nil {
					t.Errorf("append: %v", err)
				}
			}()
		}
		wg.Wait()

		msgs, err := s.messages.ListAfter(ctx, m.ID, 0, 100)
		if err != nil {
			t.Fatalf("list after: %v", err)
		}
		if len(msgs) != 20 {
			t.Fatalf("expected 20 messages, got %d", len(msgs))
		}
		for i, msg := range msgs {
			if msg.Seq != int64(i+1) {
				t.Fatalf("expected seq %d at %d, got %d", i+1, i, msg.Seq)
			}
		}

		dissolved, ok, err := s.matches.Dissolve(ctx, m.ID, bob.ID, now)
		if err != nil || !ok || dissolved.DissolvedBy != bob.ID {
			t.Fatalf("dissolve: ok=%v by=%d err=%v", ok, dissolved.DissolvedBy, err)
		}
		if _, ok, _ := s.matches.Dissolve(ctx, m.ID, alice.ID, now); ok {
			t.Fatalf("second dissolve must be a no-op")
		}
		if _, err := s.messages.Append(ctx, m.ID, alice.ID, "late", now); !errors.Is(err, repo.ErrMatchClosed) {
			t.Fatalf("expected ErrMatchClosed, got %v", err)
		}
		if _, ok, _ := s.matches.CreateIfAbsent(ctx, pair, now); ok {
			t.Fatalf("dissolved pair must not be recreated")
		}

		active, err := s.matches.ListForUser(ctx, alice.ID, false, 10)
		if err != nil || len(active) != 0 {
			t.Fatalf("active list: %v %v", active, err)
		}
		all, err := s.matches.ListForUser(ctx, alice.ID, true, 10)
		if err != nil || len(all) != 1 {
			t.Fatalf("full list: %v %v", all, err)
		}
	})

	t.Run("missing rows", func(t *testing.T) {
		if _, err := s.matches.GetByID(ctx, 999999); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.messages.Append(ctx, 999999, alice.ID, "x", now); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		ok, err := s.users.Exists(ctx, 999999)
		if err != nil || ok {
			t.Fatalf("exists: %v %v", ok, err)
		}
	})
}
