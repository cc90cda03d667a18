package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind reports an envelope whose kind has no registered message type.
var ErrUnknownKind = errors.New("messaging: unknown message kind")

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Marshal encodes msg inside a kind-tagged envelope.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("messaging: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Kind: msg.Kind(), Body: body})
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("messaging: decode envelope: %w", err)
	}
	msg, err := newMessage(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("messaging: decode %s: %w", env.Kind, err)
	}
	return msg, nil
}

// Clone returns a deep copy of msg by passing it through the wire codec.
func Clone(msg Message) (Message, error) {
	data, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func newMessage(kind Kind) (Message, error) {
	switch kind {
	case KindRepairLogRequest:
		return &RepairLogRequest{}, nil
	case KindRepairLogResponse:
		return &RepairLogResponse{}, nil
	case KindFragmentTask:
		return &FragmentTask{}, nil
	case KindCompleteTransaction:
		return &CompleteTransaction{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

type responseWire struct {
	wireFields
	Payload json.RawMessage `json:"payload"`
}

type wireFields RepairLogResponse

// MarshalJSON nests the payload in its own envelope; a bare acknowledgement
// encodes "payload": null.
func (r *RepairLogResponse) MarshalJSON() ([]byte, error) {
	wire := responseWire{wireFields: wireFields(*r)}
	wire.Payload = json.RawMessage("null")
	if !r.IsAck() {
		payload, err := Marshal(r.Payload)
		if err != nil {
			return nil, err
		}
		wire.Payload = payload
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the nested payload envelope.
func (r *RepairLogResponse) UnmarshalJSON(data []byte) error {
	var wire responseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = RepairLogResponse(wire.wireFields)
	r.Payload = nil
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return nil
	}
	msg, err := Unmarshal(wire.Payload)
	if err != nil {
		return err
	}
	payload, ok := msg.(Payload)
	if !ok {
		return fmt.Errorf("messaging: %s cannot be a repair log payload", msg.Kind())
	}
	r.Payload = payload
	return nil
}
