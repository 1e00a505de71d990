// Package wire implements the relay's WebSocket frame transport and
// subscription registry: JSON array frames of the shape [kind, payload],
// the HELLO/SUB/UNSUB/PUBLISH request kinds, and the
// HELLO_OK/SNAPSHOT/EVENT/ERROR response kinds.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/chainguild/cgp/protocol/event"
)

// Kind is a frame's discriminant, the first element of the wire array.
type Kind string

const (
	KindHello    Kind = "HELLO"
	KindHelloOK  Kind = "HELLO_OK"
	KindError    Kind = "ERROR"
	KindSub      Kind = "SUB"
	KindUnsub    Kind = "UNSUB"
	KindSnapshot Kind = "SNAPSHOT"
	KindPublish  Kind = "PUBLISH"
	KindEvent    Kind = "EVENT"
)

// Protocol is the protocol string HELLO/HELLO_OK negotiate.
const Protocol = "cgp/0.1"

// ErrorCode is the normative set of ERROR frame codes.
type ErrorCode string

const (
	ErrInvalidFrame        ErrorCode = "INVALID_FRAME"
	ErrInvalidSignature    ErrorCode = "INVALID_SIGNATURE"
	ErrValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrUnsupportedProtocol ErrorCode = "UNSUPPORTED_PROTOCOL"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Frame is a JSON array [kind, payload].
type Frame struct {
	Kind    Kind
	Payload json.RawMessage
}

// MarshalJSON encodes the frame as the normative two-element array.
func (f Frame) MarshalJSON() ([]byte, error) {
	kindJSON, err := json.Marshal(f.Kind)
	if err != nil {
		return nil, err
	}
	payload := f.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return json.Marshal([2]json.RawMessage{kindJSON, payload})
}

// UnmarshalJSON decodes a two-element JSON array into a Frame.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("wire: frame is not a JSON array: %w", err)
	}
	if len(arr) != 2 {
		return fmt.Errorf("wire: frame must have exactly 2 elements, got %d", len(arr))
	}
	var kind string
	if err := json.Unmarshal(arr[0], &kind); err != nil {
		return fmt.Errorf("wire: frame kind is not a string: %w", err)
	}
	f.Kind = Kind(kind)
	f.Payload = arr[1]
	return nil
}

// Encode builds a Frame from a kind and a payload value.
func Encode(kind Kind, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, Payload: raw}, nil
}

// Decode unmarshals the frame's payload into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Payload, v)
}

// HelloPayload is the client->relay protocol negotiation payload.
type HelloPayload struct {
	Protocol      string `json:"protocol"`
	ClientName    string `json:"clientName,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// HelloOKPayload is the relay's response to a successful HELLO.
type HelloOKPayload struct {
	Protocol     string   `json:"protocol"`
	RelayName    string   `json:"relayName,omitempty"`
	RelayVersion string   `json:"relayVersion,omitempty"`
	Features     []string `json:"features,omitempty"`
}

// ErrorPayload is the relay->client error payload.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// SubPayload requests catch-up + live subscription to a guild.
type SubPayload struct {
	SubID    string   `json:"subId"`
	GuildID  string   `json:"guildId"`
	Channels []string `json:"channels,omitempty"`
	FromSeq  *uint64  `json:"fromSeq,omitempty"`
	Limit    *int     `json:"limit,omitempty"`
}

// UnsubPayload cancels a subscription.
type UnsubPayload struct {
	SubID string `json:"subId"`
}

// SnapshotPayload is the relay's catch-up response to SUB.
type SnapshotPayload struct {
	SubID   string        `json:"subId"`
	GuildID string        `json:"guildId"`
	Events  []event.Event `json:"events"`
	EndSeq  uint64        `json:"endSeq"`
}

// PublishPayload is an unsequenced, client-signed event awaiting seq
// assignment by the engine.
type PublishPayload struct {
	Body      json.RawMessage `json:"body"`
	Author    string          `json:"author"`
	Signature string          `json:"signature"`
	CreatedAt int64           `json:"createdAt"`
}
