package ws

import (
	"encoding/json"

	"github.com/unimatch/backend/internal/domain/model"
)

type FrameType string

const (
	// client to server
	FrameSync         FrameType = "sync"
	FrameSendMessage  FrameType = "send_message"
	FrameFetchHistory FrameType = "fetch_history"
	FramePing         FrameType = "ping"

	// server to client; match_created and message_appended use the events envelope
	FrameReconcile  FrameType = "reconcile"
	FrameMessageAck FrameType = "message_ack"
	FrameHistory    FrameType = "history"
	FramePong       FrameType = "pong"
	FrameError      FrameType = "error"
)

type Frame struct {
	Type FrameType `json:"type"`
	// Ref is an optional client correlation id echoed on the reply.
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SyncPayload struct {
	// LastKnownSeq is keyed by match id; JSON object keys are decimal strings.
	LastKnownSeq map[int64]int64 `json:"last_known_seq"`
}

type SendMessagePayload struct {
	MatchID int64  `json:"match_id"`
	Body    string `json:"body"`
}

type FetchHistoryPayload struct {
	MatchID  int64 `json:"match_id"`
	AfterSeq int64 `json:"after_seq"`
	Limit    int   `json:"limit"`
}

type HistoryPayload struct {
	MatchID  int64           `json:"match_id"`
	Messages []model.Message `json:"messages"`
}

type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSec     int64  `json:"retry_after_sec,omitempty"`
	PossibleDuplicate bool   `json:"possible_duplicate,omitempty"`
}

func encodeFrame(t FrameType, ref string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: t, Ref: ref, Payload: raw})
}
