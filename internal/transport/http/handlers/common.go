package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/unimatch/backend/internal/services/conversation"
	"github.com/unimatch/backend/internal/services/decisions"
	"github.com/unimatch/backend/internal/services/matches"
	httperrors "github.com/unimatch/backend/internal/transport/http/errors"
)

const maxBodyBytes = 64 << 10

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusBadRequest, httperrors.APIError{Code: code, Message: message})
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{Code: code, Message: message})
}

func writeInternal(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusInternalServerError, httperrors.APIError{Code: code, Message: message})
}

func writeUnavailable(w http.ResponseWriter, possibleDuplicate bool) {
	httperrors.Write(w, http.StatusServiceUnavailable, httperrors.UnavailableError{
		Code:              "TEMPORARILY_UNAVAILABLE",
		Message:           "couldn't complete action, try again",
		PossibleDuplicate: possibleDuplicate,
	})
}

// writeServiceError maps domain errors of the swipe, match and message services. It
// reports false when err is not a known domain error.
func writeServiceError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, decisions.ErrValidation),
		errors.Is(err, decisions.ErrUnsupportedDirection),
		errors.Is(err, matches.ErrValidation),
		errors.Is(err, conversation.ErrValidation):
		writeBadRequest(w, "VALIDATION_ERROR", "request validation failed")
	case errors.Is(err, conversation.ErrEmptyBody):
		writeBadRequest(w, "VALIDATION_ERROR", "message body is empty")
	case errors.Is(err, conversation.ErrBodyTooLong):
		writeBadRequest(w, "VALIDATION_ERROR", "message body is too long")
	case errors.Is(err, decisions.ErrInvalidActor):
		writeUnauthorized(w, "INVALID_ACTOR", "session is no longer valid")
	case errors.Is(err, decisions.ErrUnknownTarget):
		httperrors.Write(w, http.StatusNotFound, httperrors.APIError{Code: "USER_NOT_FOUND", Message: "user not found"})
	case errors.Is(err, matches.ErrNotAParticipant), errors.Is(err, conversation.ErrNotAParticipant):
		httperrors.Write(w, http.StatusForbidden, httperrors.APIError{Code: "NOT_A_PARTICIPANT", Message: "not a participant of this match"})
	case errors.Is(err, matches.ErrMatchNotFound), errors.Is(err, conversation.ErrMatchNotFound):
		httperrors.Write(w, http.StatusNotFound, httperrors.APIError{Code: "MATCH_NOT_FOUND", Message: "match not found"})
	case errors.Is(err, conversation.ErrMatchClosed):
		httperrors.Write(w, http.StatusConflict, httperrors.APIError{Code: "MATCH_CLOSED", Message: "match is closed"})
	case errors.Is(err, matches.ErrResourceHalted), errors.Is(err, conversation.ErrResourceHalted),
		errors.Is(err, decisions.ErrTransientStore), errors.Is(err, matches.ErrTransientStore):
		writeUnavailable(w, false)
	case errors.Is(err, conversation.ErrTransientStore):
		writeUnavailable(w, conversation.IsPossibleDuplicate(err))
	default:
		if tf, ok := conversation.IsTooFast(err); ok {
			w.Header().Set("Retry-After", strconv.FormatInt(tf.RetryAfter(), 10))
			httperrors.Write(w, http.StatusTooManyRequests, httperrors.RateLimitError{
				Code:          "TOO_FAST",
				Message:       "too many messages, slow down",
				RetryAfterSec: tf.RetryAfter(),
			})
			return true
		}
		return false
	}
	return true
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parseIntOrDefault(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func parseInt64OrDefault(raw string, fallback int64) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
