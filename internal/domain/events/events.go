// Package events defines the closed set of realtime events pushed to live sessions.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/unimatch/backend/internal/domain/model"
)

type Type string

const (
	TypeMatchCreated    Type = "match_created"
	TypeMessageAppended Type = "message_appended"
)

// Event is implemented only by MatchCreated and MessageAppended.
type Event interface {
	Type() Type
	Recipients() []int64
	// ResourceKey is the canonical pair the event belongs to.
	ResourceKey() model.PairKey
	sealed()
}

type MatchCreated struct {
	MatchID   int64     `json:"match_id"`
	UserA     int64     `json:"user_a"`
	UserB     int64     `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

func NewMatchCreated(m model.Match) MatchCreated {
	return MatchCreated{
		MatchID:   m.ID,
		UserA:     m.UserAID,
		UserB:     m.UserBID,
		CreatedAt: m.CreatedAt,
	}
}

func (MatchCreated) Type() Type { return TypeMatchCreated }

func (e MatchCreated) Recipients() []int64 { return []int64{e.UserA, e.UserB} }

func (e MatchCreated) ResourceKey() model.PairKey { return model.NewPairKey(e.UserA, e.UserB) }

func (MatchCreated) sealed() {}

type MessageAppended struct {
	MatchID  int64     `json:"match_id"`
	Seq      int64     `json:"seq"`
	SenderID int64     `json:"sender_id"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
	// Participants are routing data and are not part of the wire payload.
	Participants model.PairKey `json:"-"`
}

func NewMessageAppended(msg model.Message, pair model.PairKey) MessageAppended {
	return MessageAppended{
		MatchID:      msg.MatchID,
		Seq:          msg.Seq,
		SenderID:     msg.SenderID,
		Body:         msg.Body,
		SentAt:       msg.SentAt,
		Participants: pair,
	}
}

func (MessageAppended) Type() Type { return TypeMessageAppended }

func (e MessageAppended) Recipients() []int64 { return []int64{e.Participants.A, e.Participants.B} }

func (e MessageAppended) ResourceKey() model.PairKey { return e.Participants }

func (MessageAppended) sealed() {}

// Envelope is the wire form shared by the websocket transport and the cross-instance relay.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{Type: ev.Type(), Payload: payload})
}

// relayEnvelope carries routing fields that the client envelope omits.
type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	PairA   int64           `json:"pair_a"`
	PairB   int64           `json:"pair_b"`
}

func EncodeRelay(origin string, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	key := ev.ResourceKey()
	return json.Marshal(relayEnvelope{
		Origin:  origin,
		Type:    ev.Type(),
		Payload: payload,
		PairA:   key.A,
		PairB:   key.B,
	})
}

func DecodeRelay(data []byte) (string, Event, error) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal relay envelope: %w", err)
	}

	switch env.Type {
	case TypeMatchCreated:
		var ev MatchCreated
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return "", nil, fmt.Errorf("unmarshal match_created: %w", err)
		}
		return env.Origin, ev, nil
	case TypeMessageAppended:
		var ev MessageAppended
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return "", nil, fmt.Errorf("unmarshal message_appended: %w", err)
		}
		ev.Participants = model.NewPairKey(env.PairA, env.PairB)
		return env.Origin, ev, nil
	default:
		return "", nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
