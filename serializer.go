package phx

import (
	"encoding/json"
	"fmt"
)

// Serializer is the external collaborator that turns Messages into wire
// frames and back. Applications may supply their own to change how the
// envelope is encoded; BoxedJSON payloads (Box, Unbox) and reply decoding
// in message.go use encoding/json regardless of the Serializer.
type Serializer interface {
	Serialize(msg Message) (string, error)
	Deserialize(data string) (Message, error)
}

// jsonSerializer implements the Phoenix v2 array-form envelope:
// [joinRef, ref, topic, event, payload]. It is the only wire form this
// module implements; the legacy object-form envelope some historical
// Phoenix clients speak is out of scope (see spec §9, open question).
type jsonSerializer struct{}

// NewSerializer returns the default v2 array-form Serializer.
func NewSerializer() Serializer {
	return jsonSerializer{}
}

func (jsonSerializer) Serialize(msg Message) (string, error) {
	arr := [5]any{
		nullableString(msg.JoinRef),
		nullableString(msg.Ref),
		msg.Topic,
		msg.Event,
		json.RawMessage(msg.Payload.Raw()),
	}
	b, err := json.Marshal(arr)
	if err != nil {
		return "", fmt.Errorf("phx: serialize message: %w", err)
	}
	return string(b), nil
}

func (jsonSerializer) Deserialize(data string) (Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return Message{}, fmt.Errorf("phx: deserialize frame: %w", err)
	}
	if len(raw) != 5 {
		return Message{}, fmt.Errorf("phx: deserialize frame: want 5 elements, got %d", len(raw))
	}

	joinRef, err := decodeNullableString(raw[0])
	if err != nil {
		return Message{}, fmt.Errorf("phx: deserialize joinRef: %w", err)
	}
	ref, err := decodeNullableString(raw[1])
	if err != nil {
		return Message{}, fmt.Errorf("phx: deserialize ref: %w", err)
	}

	var topic, event string
	if err := json.Unmarshal(raw[2], &topic); err != nil {
		return Message{}, fmt.Errorf("phx: deserialize topic: %w", err)
	}
	if err := json.Unmarshal(raw[3], &event); err != nil {
		return Message{}, fmt.Errorf("phx: deserialize event: %w", err)
	}

	return Message{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   topic,
		Event:   event,
		Payload: BoxedJSON{raw: raw[4]},
	}, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func decodeNullableString(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
