package handlers

import (
	"context"
	"net/http"
	"time"

	httperrors "github.com/unimatch/backend/internal/transport/http/errors"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HaltedKeys interface {
	Halted() map[string]string
}

type HealthHandler struct {
	checks map[string]Pinger
	halted HaltedKeys
}

func NewHealthHandler(halted HaltedKeys) *HealthHandler {
	return &HealthHandler{checks: make(map[string]Pinger), halted: halted}
}

func (h *HealthHandler) AddCheck(name string, p Pinger) {
	h.checks[name] = p
}

func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "up"
	}

	halted := 0
	if h.halted != nil {
		halted = len(h.halted.Halted())
	}

	httperrors.Write(w, status, struct {
		OK         bool              `json:"ok"`
		Deps       map[string]string `json:"deps,omitempty"`
		HaltedKeys int               `json:"halted_keys"`
	}{
		OK:         status == http.StatusOK,
		Deps:       deps,
		HaltedKeys: halted,
	})
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
