package errors

import (
	"encoding/json"
	"net/http"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RateLimitError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int64  `json:"retry_after_sec"`
}

// UnavailableError is returned for transient store failures. PossibleDuplicate tells the
// client that the write may have been applied and a retry can duplicate it.
type UnavailableError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	PossibleDuplicate bool   `json:"possible_duplicate,omitempty"`
}

func Write(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
