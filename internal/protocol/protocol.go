// Package protocol defines the closed event surface shared by the primary
// event bus and the fallback change feed. Payloads are JSON; identity is
// the client-generated entity ID, never a transport sequence number.
package protocol

import (
	"encoding/json"
	"fmt"

	"isca-tracker/internal/state"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	// OpReplace carries a full-collection snapshot; only the fallback
	// feed delivers this shape.
	OpReplace Op = "replace"
)

// Event is a confirmed state change, rebroadcast to every relevant
// subscriber including the originator. Payload holds the entity for
// creates and the whole collection for replaces; Updates holds the
// shallow field merge for updates.
type Event struct {
	Collection state.Collection `json:"collection"`
	Op         Op               `json:"op"`
	ID         string           `json:"id,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	Updates    map[string]any   `json:"updates,omitempty"`
}

var singular = map[state.Collection]string{
	state.ColEntries:       "entry",
	state.ColStockEntries:  "stock_entry",
	state.ColUnits:         "unit",
	state.ColNotifications: "notification",
	state.ColChats:         "chat_message",
	state.ColAnnouncements: "announcement",
	state.ColNotices:       "notice",
	state.ColUsers:         "user",
	state.ColNotes:         "note",
	state.ColReviews:       "review",
}

// Name derives the wire event name, e.g. "entry_created".
func (e *Event) Name() string {
	noun := singular[e.Collection]
	if noun == "" {
		noun = string(e.Collection)
	}
	switch e.Op {
	case OpCreate:
		return noun + "_created"
	case OpUpdate:
		return noun + "_updated"
	case OpDelete:
		return noun + "_deleted"
	case OpReplace:
		return noun + "_replaced"
	}
	return noun
}

// Frame is the envelope exchanged over the websocket bus: a named event
// with a JSON payload. Seq correlates request/reply pairs (login,
// initial-state); confirmed events carry Seq zero.
type Frame struct {
	Event string          `json:"event"`
	Seq   uint64          `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	FrameJoin        = "join"
	FrameInitState   = "init_state"
	FrameInitStateOK = "init_state_ok"
	FrameLogin       = "login"
	FrameLoginOK     = "login_ok"
	FrameLoginErr    = "login_err"
	FrameMutate      = "mutate"
	FrameOpErr       = "op_err"
)

func NewFrame(event string, seq uint64, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Event: event, Seq: seq, Data: raw}, nil
}

// JoinPayload subscribes a connection to branch topics. The token, when
// present, re-authenticates a previously logged-in session.
type JoinPayload struct {
	Units []string `json:"units"`
	Token string   `json:"token,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginReply struct {
	User  *state.User `json:"user"`
	Token string      `json:"token"`
}

// ErrorPayload is the reply shape for login_err and op_err.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InitStatePayload is the full initial state handed to a joining client.
type InitStatePayload struct {
	State   *state.StateBlob `json:"state"`
	Users   []*state.User    `json:"users"`
	Notes   []*state.Note    `json:"notes"`
	Reviews []*state.Review  `json:"reviews"`
}

// DecodeEvent parses an event payload from either channel.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	return &ev, nil
}
