package handlers

import (
	"net/http"

	"github.com/unimatch/backend/internal/domain/enums"
	authsvc "github.com/unimatch/backend/internal/services/auth"
	matchessvc "github.com/unimatch/backend/internal/services/matches"
	"github.com/unimatch/backend/internal/transport/http/dto"
	httperrors "github.com/unimatch/backend/internal/transport/http/errors"
)

type SwipeHandler struct {
	service *matchessvc.Service
}

func NewSwipeHandler(service *matchessvc.Service) *SwipeHandler {
	return &SwipeHandler{service: service}
}

func (h *SwipeHandler) Handle(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.service == nil {
		writeInternal(w, "SWIPE_SERVICE_UNAVAILABLE", "swipe service is unavailable")
		return
	}

	var req dto.SwipeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}
	direction, ok := enums.ParseDirection(req.Action)
	if req.TargetID <= 0 || !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "target_id and a like/pass action are required")
		return
	}

	result, err := h.service.Swipe(r.Context(), identity.UserID, req.TargetID, direction)
	if err != nil {
		if !writeServiceError(w, err) {
			writeInternal(w, "INTERNAL_ERROR", "failed to process swipe")
		}
		return
	}

	resp := dto.SwipeResponse{
		OK:           true,
		Changed:      result.Changed,
		State:        publicSwipeState(result.State),
		MatchCreated: result.MatchCreated,
	}
	if result.Match != nil && resp.State != dto.SwipeStatePending {
		item := dto.MatchItem(*result.Match, identity.UserID)
		resp.Match = &item
	}
	httperrors.Write(w, http.StatusOK, resp)
}

// publicSwipeState folds every unmatched state into one value, so a swipe never tells the
// actor whether the target has liked them.
func publicSwipeState(state enums.PairState) string {
	switch state {
	case enums.PairStateMatched, enums.PairStateDissolved:
		return string(state)
	default:
		return dto.SwipeStatePending
	}
}
