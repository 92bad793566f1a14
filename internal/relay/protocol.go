package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType tags every frame exchanged with the relay.
type MessageType string

const (
	TypeConnected      MessageType = "connected"
	TypeJoinNote       MessageType = "join-note"
	TypeJoinRejected   MessageType = "join-rejected"
	TypeUserJoined     MessageType = "user-joined"
	TypeUserLeft       MessageType = "user-left"
	TypeContentChange  MessageType = "content-change"
	TypeContentChanged MessageType = "content-changed"
)

// Editable note fields carried by content frames.
const (
	FieldTitle   = "title"
	FieldContent = "content"
)

var (
	// ErrMalformedMessage indicates a frame that is not valid JSON or lacks required fields.
	ErrMalformedMessage = errors.New("relay: malformed message")
	// ErrUnknownMessageType indicates a frame whose type tag is not recognized.
	ErrUnknownMessageType = errors.New("relay: unknown message type")
	// ErrUnknownField indicates a content frame addressing a field that cannot be edited.
	ErrUnknownField = errors.New("relay: unknown field")
)

// Message is the closed set of relay frames.
type Message interface {
	Type() MessageType
	validate() error
}

// Connected tells a client which session id the relay assigned to it.
type Connected struct {
	SessionID string `json:"sessionId"`
}

// JoinNote asks the relay to add the session to a note's room.
type JoinNote struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Join rejection reasons. A forbidden join is final; an unavailable one may
// succeed when retried.
const (
	RejectForbidden   = "forbidden"
	RejectUnavailable = "unavailable"
)

// JoinRejected reports a join the relay refused.
type JoinRejected struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// UserJoined is the presence notice sent to the other members of a room.
type UserJoined struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// UserLeft is the presence notice sent when a member leaves or disconnects.
type UserLeft struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// ContentChange proposes a whole-value update of one note field.
type ContentChange struct {
	RoomID string `json:"roomId"`
	Field  string `json:"field"`
	Value  string `json:"value"`
	UserID string `json:"userId"`
}

// ContentChanged is a ContentChange stamped with the origin session by the relay.
type ContentChanged struct {
	RoomID          string `json:"roomId"`
	Field           string `json:"field"`
	Value           string `json:"value"`
	UserID          string `json:"userId"`
	OriginSessionID string `json:"originSessionId"`
}

func (Connected) Type() MessageType      { return TypeConnected }
func (JoinNote) Type() MessageType       { return TypeJoinNote }
func (JoinRejected) Type() MessageType   { return TypeJoinRejected }
func (UserJoined) Type() MessageType     { return TypeUserJoined }
func (UserLeft) Type() MessageType       { return TypeUserLeft }
func (ContentChange) Type() MessageType  { return TypeContentChange }
func (ContentChanged) Type() MessageType { return TypeContentChanged }

func (m Connected) validate() error {
	return requireFields(TypeConnected, "sessionId", m.SessionID)
}

func (m JoinNote) validate() error {
	return requireFields(TypeJoinNote, "roomId", m.RoomID)
}

func (m JoinRejected) validate() error {
	return requireFields(TypeJoinRejected, "roomId", m.RoomID)
}

func (m UserJoined) validate() error {
	return requireFields(TypeUserJoined, "roomId", m.RoomID)
}

func (m UserLeft) validate() error {
	return requireFields(TypeUserLeft, "roomId", m.RoomID)
}

func (m ContentChange) validate() error {
	if err := requireFields(TypeContentChange, "roomId", m.RoomID); err != nil {
		return err
	}
	return ValidateField(m.Field)
}

func (m ContentChanged) validate() error {
	if err := requireFields(TypeContentChanged, "roomId", m.RoomID, "originSessionId", m.OriginSessionID); err != nil {
		return err
	}
	return ValidateField(m.Field)
}

// ValidateField reports whether field names an editable note attribute.
func ValidateField(field string) error {
	switch field {
	case FieldTitle, FieldContent:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
}

type frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode renders a message as a tagged JSON frame.
func Encode(message Message) ([]byte, error) {
	if message == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if err := message.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Type: message.Type(), Payload: payload})
}

// Decode parses and validates a tagged JSON frame.
func Decode(data []byte) (Message, error) {
	var envelope frame
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}

	var message Message
	var err error
	switch envelope.Type {
	case TypeConnected:
		message, err = decodePayload[Connected](envelope.Payload)
	case TypeJoinNote:
		message, err = decodePayload[JoinNote](envelope.Payload)
	case TypeJoinRejected:
		message, err = decodePayload[JoinRejected](envelope.Payload)
	case TypeUserJoined:
		message, err = decodePayload[UserJoined](envelope.Payload)
	case TypeUserLeft:
		message, err = decodePayload[UserLeft](envelope.Payload)
	case TypeContentChange:
		message, err = decodePayload[ContentChange](envelope.Payload)
	case TypeContentChanged:
		message, err = decodePayload[ContentChanged](envelope.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, envelope.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := message.validate(); err != nil {
		return nil, err
	}
	return message, nil
}

func decodePayload[T Message](payload json.RawMessage) (Message, error) {
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return value, nil
}

func requireFields(messageType MessageType, pairs ...string) error {
	for index := 0; index+1 < len(pairs); index += 2 {
		if strings.TrimSpace(pairs[index+1]) == "" {
			return fmt.Errorf("%w: %s requires %s", ErrMalformedMessage, messageType, pairs[index])
		}
	}
	return nil
}
