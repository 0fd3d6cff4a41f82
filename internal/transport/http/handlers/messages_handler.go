package handlers

import (
	"net/http"

	authsvc "github.com/unimatch/backend/internal/services/auth"
	conversationsvc "github.com/unimatch/backend/internal/services/conversation"
	"github.com/unimatch/backend/internal/transport/http/dto"
	httperrors "github.com/unimatch/backend/internal/transport/http/errors"
)

type MessagesHandler struct {
	service *conversationsvc.Service
}

func NewMessagesHandler(service *conversationsvc.Service) *MessagesHandler {
	return &MessagesHandler{service: service}
}

func (h *MessagesHandler) Send(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "MESSAGES_SERVICE_UNAVAILABLE", "messages service is unavailable")
		return
	}

	matchID, ok := pathID(r, "matchID")
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid match id")
		return
	}
	var req dto.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	msg, err := h.service.AppendMessage(r.Context(), matchID, identity.UserID, req.Body)
	if err != nil {
		if !writeServiceError(w, err) {
			writeInternal(w, "INTERNAL_ERROR", "failed to send message")
		}
		return
	}

	httperrors.Write(w, http.StatusCreated, dto.Message(msg))
}

func (h *MessagesHandler) History(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "MESSAGES_SERVICE_UNAVAILABLE", "messages service is unavailable")
		return
	}

	matchID, ok := pathID(r, "matchID")
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid match id")
		return
	}
	afterSeq := parseInt64OrDefault(r.URL.Query().Get("after_seq"), 0)
	limit := parseIntOrDefault(r.URL.Query().Get("limit"), 0)

	items, err := h.service.History(r.Context(), matchID, identity.UserID, afterSeq, limit)
	if err != nil {
		if !writeServiceError(w, err) {
			writeInternal(w, "INTERNAL_ERROR", "failed to load messages")
		}
		return
	}

	resp := dto.MessagesResponse{Items: make([]dto.MessageResponse, 0, len(items)), NextSeq: afterSeq}
	for _, item := range items {
		resp.Items = append(resp.Items, dto.Message(item))
		resp.NextSeq = item.Seq
	}
	httperrors.Write(w, http.StatusOK, resp)
}
