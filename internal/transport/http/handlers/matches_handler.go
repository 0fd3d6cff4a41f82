package handlers

import (
	"net/http"

	authsvc "github.com/unimatch/backend/internal/services/auth"
	matchessvc "github.com/unimatch/backend/internal/services/matches"
	"github.com/unimatch/backend/internal/transport/http/dto"
	httperrors "github.com/unimatch/backend/internal/transport/http/errors"
)

type MatchesHandler struct {
	service *matchessvc.Service
}

func NewMatchesHandler(service *matchessvc.Service) *MatchesHandler {
	return &MatchesHandler{service: service}
}

func (h *MatchesHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "MATCHES_SERVICE_UNAVAILABLE", "matches service is unavailable")
		return
	}

	includeDissolved := r.URL.Query().Get("include_dissolved") == "true"
	items, err := h.service.ListForUser(r.Context(), identity.UserID, includeDissolved, parseIntOrDefault(r.URL.Query().Get("limit"), 100))
	if err != nil {
		if !writeServiceError(w, err) {
			writeInternal(w, "INTERNAL_ERROR", "failed to load matches")
		}
		return
	}

	responseItems := make([]dto.MatchItemResponse, 0, len(items))
	for _, item := range items {
		responseItems = append(responseItems, dto.MatchItem(item, identity.UserID))
	}

	httperrors.Write(w, http.StatusOK, dto.MatchesResponse{Items: responseItems})
}

func (h *MatchesHandler) Unmatch(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "MATCHES_SERVICE_UNAVAILABLE", "matches service is unavailable")
		return
	}

	matchID, ok := pathID(r, "matchID")
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid match id")
		return
	}

	m, err := h.service.Unmatch(r.Context(), identity.UserID, matchID)
	if err != nil {
		if !writeServiceError(w, err) {
			writeInternal(w, "INTERNAL_ERROR", "failed to unmatch")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.MatchItem(m, identity.UserID))
}
