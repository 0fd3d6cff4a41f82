package apiapp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/unimatch/backend/internal/config"
	"github.com/unimatch/backend/internal/infra/metrics"
	authsvc "github.com/unimatch/backend/internal/services/auth"
	conversationsvc "github.com/unimatch/backend/internal/services/conversation"
	matchessvc "github.com/unimatch/backend/internal/services/matches"
	"github.com/unimatch/backend/internal/transport/http/handlers"
)

type Dependencies struct {
	AuthService         *authsvc.Service
	MatchService        *matchessvc.Service
	ConversationService *conversationsvc.Service
	Realtime            http.Handler
	Health              *handlers.HealthHandler
	Metrics             *metrics.Metrics
	Logger              *zap.Logger
	Config              config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	authHandler := handlers.NewAuthHandler(deps.AuthService)
	swipeHandler := handlers.NewSwipeHandler(deps.MatchService)
	matchesHandler := handlers.NewMatchesHandler(deps.MatchService)
	messagesHandler := handlers.NewMessagesHandler(deps.ConversationService)
	authMW := AuthMiddleware(deps.AuthService, deps.Logger)

	timeout := deps.Config.HTTP.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	r.Get("/healthz", deps.Health.Get)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		// long-lived, authenticated by the token query parameter
		if deps.Realtime != nil {
			r.Handle("/ws", deps.Realtime)
		}

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(timeout))
			r.Use(corsHandler(deps.Config.HTTP.AllowedOrigins))

			r.Route("/auth", func(r chi.Router) {
				if n := deps.Config.Limits.AuthPerMinute; n > 0 {
					r.Use(httprate.LimitByIP(n, time.Minute))
				}
				r.Post("/signup", authHandler.Signup)
				r.Post("/login", authHandler.Login)
				r.Post("/refresh", authHandler.Refresh)
				r.With(authMW).Get("/me", authHandler.Me)
				r.With(authMW).Post("/logout", authHandler.Logout)
				r.With(authMW).Post("/logout_all", authHandler.LogoutAll)
			})

			r.Group(func(r chi.Router) {
				r.Use(authMW)
				r.Post("/swipes", swipeHandler.Handle)
				r.Get("/matches", matchesHandler.List)
				r.Post("/matches/{matchID}/unmatch", matchesHandler.Unmatch)
				r.Get("/matches/{matchID}/messages", messagesHandler.History)
				r.Post("/matches/{matchID}/messages", messagesHandler.Send)
			})
		})
	})
}

func corsHandler(allowed []string) func(http.Handler) http.Handler {
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	})
}
