package apiapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/unimatch/backend/internal/config"
	"github.com/unimatch/backend/internal/infra/bus"
	"github.com/unimatch/backend/internal/infra/metrics"
	"github.com/unimatch/backend/internal/infra/tracing"
	presencejob "github.com/unimatch/backend/internal/jobs/presence"
	"github.com/unimatch/backend/internal/pkg/keylock"
	memrepo "github.com/unimatch/backend/internal/repo/memory"
	pgrepo "github.com/unimatch/backend/internal/repo/postgres"
	redrepo "github.com/unimatch/backend/internal/repo/redis"
	authsvc "github.com/unimatch/backend/internal/services/auth"
	conversationsvc "github.com/unimatch/backend/internal/services/conversation"
	decisionsvc "github.com/unimatch/backend/internal/services/decisions"
	"github.com/unimatch/backend/internal/services/delivery"
	matchessvc "github.com/unimatch/backend/internal/services/matches"
	ratesvc "github.com/unimatch/backend/internal/services/rate"
	"github.com/unimatch/backend/internal/services/registry"
	"github.com/unimatch/backend/internal/transport/http/handlers"
	"github.com/unimatch/backend/internal/transport/ws"
)

type userStore interface {
	authsvc.UserStore
	decisionsvc.UserDirectory
}

type storage struct {
	users     userStore
	decisions decisionsvc.DecisionStore
	matches   matchessvc.MatchStore
	messages  conversationsvc.MessageStore
}

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	relay      bus.Relay
	relaySub   io.Closer
	registry   *registry.Registry
	metrics    *metrics.Metrics
	httpRouter http.Handler

	shutdownTracing func(context.Context) error
	stopJobs        context.CancelFunc
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	a := &App{cfg: cfg, logger: log, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	a.shutdownTracing = shutdownTracing

	instanceID := cfg.Realtime.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = host + "-" + uuid.NewString()[:8]
	}

	store, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	var (
		sessionStore authsvc.SessionStore
		rateStore    ratesvc.WindowStore
		presence     *redrepo.PresenceRepo
	)
	if cfg.Redis.Addr != "" {
		client, err := redrepo.NewClient(ctx, redrepo.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		sessionStore = redrepo.NewSessionRepo(client)
		rateStore = redrepo.NewRateRepo(client)
		presence = redrepo.NewPresenceRepo(client, instanceID)
	} else {
		log.Warn("redis is not configured, auth sessions and rate windows are process-local")
		sessionStore = memrepo.NewSessionRepo()
		rateStore = memrepo.NewRateRepo()
	}

	relay, err := a.openRelay(cfg, instanceID)
	if err != nil {
		return nil, err
	}
	a.relay = relay

	locks := keylock.New()

	authService := authsvc.NewService(authsvc.Dependencies{
		JWT:      authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTAccessTTL),
		Sessions: sessionStore,
		Users:    store.users,
		Logger:   log.Named("auth"),
	}, authsvc.Config{
		RefreshTTL: cfg.Auth.RefreshTTL,
		BcryptCost: cfg.Auth.BcryptCost,
	})

	regDeps := registry.Dependencies{
		Metrics: a.metrics,
		Logger:  log.Named("registry"),
	}
	if presence != nil {
		regDeps.Presence = presence
	}
	reg := registry.New(regDeps, registry.Config{CatchupLimit: cfg.Realtime.CatchupLimit})
	a.registry = reg
	authService.SetTerminator(reg)

	dispatcher := delivery.NewDispatcher(delivery.Dependencies{
		Sessions:   reg,
		Relay:      relay,
		Messages:   store.messages,
		InstanceID: instanceID,
		Metrics:    a.metrics,
		Logger:     log.Named("delivery"),
	})

	ledger := decisionsvc.NewService(decisionsvc.Dependencies{
		Store:  store.decisions,
		Actors: authService,
		Users:  store.users,
	})
	matchesService := matchessvc.NewService(matchessvc.Dependencies{
		Store:      store.matches,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Locks:      locks,
		Metrics:    a.metrics,
		Logger:     log.Named("matches"),
	})
	conversationService := conversationsvc.NewService(conversationsvc.Dependencies{
		Matches:    store.matches,
		Messages:   store.messages,
		Limiter:    ratesvc.NewLimiter(rateStore, "messages", cfg.Limits.MessagesPerMinute, cfg.Limits.MessagesPer10Sec),
		Dispatcher: dispatcher,
		Locks:      locks,
		Metrics:    a.metrics,
		Logger:     log.Named("conversation"),
	}, conversationsvc.Config{
		MaxBodyRunes:    cfg.Limits.MaxMessageRunes,
		DefaultPageSize: cfg.Limits.HistoryPageSize,
		MaxPageSize:     cfg.Limits.HistoryMaxPage,
	})
	reg.AttachSources(matchesService, conversationService)

	jobsCtx, stopJobs := context.WithCancel(context.WithoutCancel(ctx))
	a.stopJobs = stopJobs
	if relay != nil {
		sub, err := dispatcher.Listen(jobsCtx)
		if err != nil {
			return nil, fmt.Errorf("subscribe relay: %w", err)
		}
		a.relaySub = sub
	}
	if presence != nil {
		job := presencejob.New(reg, presence, cfg.Realtime.PresenceInterval, 0, log.Named("presence"))
		go job.Start(jobsCtx)
	}

	realtime := ws.NewHandler(ws.Dependencies{
		Auth:         authService,
		Sessions:     reg,
		Conversation: conversationService,
		Logger:       log.Named("ws"),
	}, ws.Config{
		SendBuffer:     cfg.Realtime.SendBuffer,
		PingInterval:   cfg.Realtime.PingInterval,
		PongWait:       cfg.Realtime.PongWait,
		WriteWait:      cfg.Realtime.WriteWait,
		MaxFrameBytes:  cfg.Realtime.MaxFrameBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	health := handlers.NewHealthHandler(locks)
	if a.postgres != nil {
		health.AddCheck("postgres", a.postgres)
	}
	if a.redis != nil {
		client := a.redis
		health.AddCheck("redis", handlers.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)
	RegisterRoutes(r, Dependencies{
		AuthService:         authService,
		MatchService:        matchesService,
		ConversationService: conversationService,
		Realtime:            realtime,
		Health:              health,
		Metrics:             a.metrics,
		Logger:              log,
		Config:              cfg,
	})
	a.httpRouter = otelhttp.NewHandler(r, cfg.Tracing.ServiceName)

	a.server = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.httpRouter,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	log.Info("api app initialized",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("relay", cfg.Realtime.Relay),
		zap.String("instance_id", instanceID),
		zap.Bool("redis", a.redis != nil),
	)
	ok = true
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (storage, error) {
	if a.cfg.Storage.Driver != config.StoragePostgres {
		db := memrepo.NewDB()
		return storage{
			users:     memrepo.NewUserRepo(db),
			decisions: memrepo.NewDecisionRepo(db),
			matches:   memrepo.NewMatchRepo(db),
			messages:  memrepo.NewMessageRepo(db),
		}, nil
	}

	if a.cfg.Postgres.AutoMigrate {
		if err := pgrepo.Migrate(ctx, a.cfg.Postgres.DSN); err != nil {
			return storage{}, err
		}
	}
	pool, err := pgrepo.NewPool(ctx, a.cfg.Postgres.DSN, pgrepo.PoolConfig{
		MaxConns:        a.cfg.Postgres.MaxConns,
		MaxConnLifetime: a.cfg.Postgres.MaxConnLifetime,
	})
	if err != nil {
		return storage{}, err
	}
	a.postgres = pool

	return storage{
		users:     pgrepo.NewUserRepo(pool),
		decisions: pgrepo.NewDecisionRepo(pool),
		matches:   pgrepo.NewMatchRepo(pool),
		messages:  pgrepo.NewMessageRepo(pool),
	}, nil
}

func (a *App) openRelay(cfg config.Config, instanceID string) (bus.Relay, error) {
	switch cfg.Realtime.Relay {
	case config.RelayRedis:
		if a.redis == nil {
			return nil, errors.New("redis relay requires redis.addr")
		}
		return bus.NewRedisRelay(a.redis, cfg.Realtime.Channel)
	case config.RelayNATS:
		return bus.NewNATSRelay(cfg.NATS.URL, cfg.Realtime.Channel, nats.Name(instanceID))
	default:
		return nil, nil
	}
}

func (a *App) Run() error {
	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes live sessions and releases every backend.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.registry != nil {
		a.registry.Close(ctx)
	}
	if a.stopJobs != nil {
		a.stopJobs()
	}
	if a.relaySub != nil {
		if err := a.relaySub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
