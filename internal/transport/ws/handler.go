// Package ws serves the realtime websocket endpoint. A connection must open with a sync
// frame; the server answers with the reconciliation snapshot and then streams live events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/unimatch/backend/internal/domain/model"
	authsvc "github.com/unimatch/backend/internal/services/auth"
	conversationsvc "github.com/unimatch/backend/internal/services/conversation"
	"github.com/unimatch/backend/internal/services/registry"
)

const opTimeout = 10 * time.Second

type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, accessToken string) (authsvc.AccessClaims, error)
}

type Sessions interface {
	Attach(ctx context.Context, req registry.AttachRequest) (model.Session, registry.Reconciliation, error)
	Detach(ctx context.Context, sessionID string) bool
}

type Conversation interface {
	AppendMessage(ctx context.Context, matchID, senderID int64, body string) (model.Message, error)
	History(ctx context.Context, matchID, userID, afterSeq int64, limit int) ([]model.Message, error)
}

type Config struct {
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxFrameBytes  int64
	AllowedOrigins []string
}

type Handler struct {
	auth         TokenValidator
	sessions     Sessions
	conversation Conversation
	upgrader     websocket.Upgrader
	cfg          Config
	log          *zap.Logger
}

type Dependencies struct {
	Auth         TokenValidator
	Sessions     Sessions
	Conversation Conversation
	Logger       *zap.Logger
}

func NewHandler(deps Dependencies, cfg Config) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 << 10
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	h := &Handler{
		auth:         deps.Auth,
		sessions:     deps.Sessions,
		conversation: deps.Conversation,
		cfg:          cfg,
		log:          log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows every origin when none are configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	claims, err := h.auth.ValidateAccessToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, authsvc.ErrUnauthorized) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, h.cfg, h.log)
	go c.writePump()

	// The request context ends when ServeHTTP returns; keep its values only.
	h.readPump(context.WithoutCancel(r.Context()), c, claims)
}

type connState struct {
	client    *Client
	claims    authsvc.AccessClaims
	sessionID string
}

func (h *Handler) readPump(ctx context.Context, c *Client, claims authsvc.AccessClaims) {
	st := &connState{client: c, claims: claims}
	defer func() {
		if st.sessionID != "" {
			h.sessions.Detach(ctx, st.sessionID)
		}
		c.Close()
	}()

	c.conn.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(c, "", ErrorPayload{Code: "INVALID_FRAME", Message: "frame is not valid json"})
			continue
		}

		if !h.handleFrame(ctx, st, frame) {
			return
		}
	}
}

// handleFrame reports false when the connection must be closed.
func (h *Handler) handleFrame(ctx context.Context, st *connState, frame Frame) bool {
	if st.sessionID == "" && frame.Type != FrameSync && frame.Type != FramePing {
		h.sendError(st.client, frame.Ref, ErrorPayload{Code: "SYNC_REQUIRED", Message: "send sync first"})
		return true
	}

	switch frame.Type {
	case FrameSync:
		if st.sessionID != "" {
			h.sendError(st.client, frame.Ref, ErrorPayload{Code: "ALREADY_SYNCED", Message: "connection is already synced"})
			return true
		}
		return h.handleSync(ctx, st, frame)

	case FrameSendMessage:
		var payload SendMessagePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			h.sendError(st.client, frame.Ref, ErrorPayload{Code: "VALIDATION_ERROR", Message: "invalid send_message payload"})
			return true
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		msg, err := h.conversation.AppendMessage(opCtx, payload.MatchID, st.claims.UserID, payload.Body)
		cancel()
		if err != nil {
			h.sendError(st.client, frame.Ref, errorPayload(err))
			return true
		}
		return h.sendFrame(st.client, FrameMessageAck, frame.Ref, msg)

	case FrameFetchHistory:
		var payload FetchHistoryPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			h.sendError(st.client, frame.Ref, ErrorPayload{Code: "VALIDATION_ERROR", Message: "invalid fetch_history payload"})
			return true
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		msgs, err := h.conversation.History(opCtx, payload.MatchID, st.claims.UserID, payload.AfterSeq, payload.Limit)
		cancel()
		if err != nil {
			h.sendError(st.client, frame.Ref, errorPayload(err))
			return true
		}
		return h.sendFrame(st.client, FrameHistory, frame.Ref, HistoryPayload{MatchID: payload.MatchID, Messages: msgs})

	case FramePing:
		return h.sendFrame(st.client, FramePong, frame.Ref, struct{}{})

	default:
		h.sendError(st.client, frame.Ref, ErrorPayload{Code: "UNKNOWN_FRAME", Message: "unknown frame type"})
		return true
	}
}

func (h *Handler) handleSync(ctx context.Context, st *connState, frame Frame) bool {
	var payload SyncPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			h.sendError(st.client, frame.Ref, ErrorPayload{Code: "VALIDATION_ERROR", Message: "invalid sync payload"})
			return true
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	session, rec, err := h.sessions.Attach(opCtx, registry.AttachRequest{
		UserID:       st.claims.UserID,
		AuthSID:      st.claims.SID,
		Handle:       st.client,
		LastKnownSeq: payload.LastKnownSeq,
	})
	cancel()
	if err != nil {
		h.log.Warn("session attach failed", zap.Int64("user_id", st.claims.UserID), zap.Error(err))
		h.sendError(st.client, frame.Ref, errorPayload(err))
		return false
	}
	st.sessionID = session.ID

	data, err := encodeFrame(FrameReconcile, frame.Ref, rec)
	if err != nil {
		h.log.Error("encode reconcile frame", zap.Error(err))
		return false
	}
	if !st.client.markReady(data) {
		h.log.Warn("reconcile frame did not fit the send buffer", zap.String("session_id", session.ID))
		return false
	}
	return true
}

func (h *Handler) sendFrame(c *Client, t FrameType, ref string, payload any) bool {
	data, err := encodeFrame(t, ref, payload)
	if err != nil {
		h.log.Error("encode frame", zap.String("type", string(t)), zap.Error(err))
		return true
	}
	return c.reply(data)
}

func (h *Handler) sendError(c *Client, ref string, payload ErrorPayload) {
	if data, err := encodeFrame(FrameError, ref, payload); err == nil {
		c.reply(data)
	}
}

// errorPayload maps service errors to stable client codes. Internal error text is never sent.
func errorPayload(err error) ErrorPayload {
	switch {
	case errors.Is(err, conversationsvc.ErrEmptyBody),
		errors.Is(err, conversationsvc.ErrBodyTooLong),
		errors.Is(err, conversationsvc.ErrValidation),
		errors.Is(err, registry.ErrValidation):
		return ErrorPayload{Code: "VALIDATION_ERROR", Message: "request validation failed"}
	case errors.Is(err, conversationsvc.ErrNotAParticipant):
		return ErrorPayload{Code: "NOT_A_PARTICIPANT", Message: "not a participant of this match"}
	case errors.Is(err, conversationsvc.ErrMatchNotFound):
		return ErrorPayload{Code: "MATCH_NOT_FOUND", Message: "match not found"}
	case errors.Is(err, conversationsvc.ErrMatchClosed):
		return ErrorPayload{Code: "MATCH_CLOSED", Message: "match is closed"}
	case errors.Is(err, conversationsvc.ErrResourceHalted),
		errors.Is(err, conversationsvc.ErrTransientStore),
		errors.Is(err, registry.ErrTransientStore):
		return ErrorPayload{
			Code:              "TEMPORARILY_UNAVAILABLE",
			Message:           "couldn't complete action, try again",
			PossibleDuplicate: conversationsvc.IsPossibleDuplicate(err),
		}
	}
	if tf, ok := conversationsvc.IsTooFast(err); ok {
		return ErrorPayload{Code: "TOO_FAST", Message: "too many messages, slow down", RetryAfterSec: tf.RetryAfter()}
	}
	return ErrorPayload{Code: "INTERNAL_ERROR", Message: "internal error"}
}
