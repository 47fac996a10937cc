package phx

import "encoding/json"

// Reserved event names used by the Phoenix v2 wire protocol.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventReply     = "phx_reply"
	EventHeartbeat = "heartbeat"
)

// heartbeatTopic is the topic the server expects heartbeats to be sent on.
const heartbeatTopic = "phoenix"

// ReplyStatus is the status carried by a phx_reply payload.
type ReplyStatus string

const (
	StatusOK      ReplyStatus = "ok"
	StatusError   ReplyStatus = "error"
	StatusTimeout ReplyStatus = "timeout"
)

// Message is the protocol envelope exchanged over the socket. JoinRef and
// Ref are nil when absent on the wire, matching the spec's "may be absent"
// fields. Messages are never mutated in place; Channel.trigger always
// builds a fresh one when re-dispatching a synthesized event.
type Message struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload BoxedJSON
}

// Reply is the decoded form of a phx_reply payload.
type Reply struct {
	Status   ReplyStatus
	Response BoxedJSON
}

// BoxedJSON is an opaque holder for a deserialized JSON subtree. The core
// never inspects its contents; Unbox re-projects it into an
// application-defined shape on demand.
type BoxedJSON struct {
	raw json.RawMessage
}

// Box wraps an already-decoded Go value (or raw bytes) as a BoxedJSON.
func Box(v any) BoxedJSON {
	if raw, ok := v.(json.RawMessage); ok {
		return BoxedJSON{raw: append(json.RawMessage(nil), raw...)}
	}
	if b, ok := v.([]byte); ok {
		return BoxedJSON{raw: append(json.RawMessage(nil), b...)}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return BoxedJSON{}
	}
	return BoxedJSON{raw: b}
}

// IsNil reports whether the box holds no data at all (as opposed to a
// JSON null or empty object).
func (b BoxedJSON) IsNil() bool {
	return len(b.raw) == 0
}

// UnmarshalJSON keeps the JSON bytes verbatim, so a BoxedJSON field or
// slice element inside a decoded struct holds its subtree unchanged.
func (b *BoxedJSON) UnmarshalJSON(data []byte) error {
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the underlying JSON bytes, normalizing a nil/absent payload
// to "{}" per the wire protocol's encode-time normalization rule.
func (b BoxedJSON) Raw() json.RawMessage {
	if len(b.raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return b.raw
}

// Unbox decodes the boxed value into T. Go has no generic methods, so this
// is a free function rather than BoxedJSON.Unbox[T]().
func Unbox[T any](b BoxedJSON) (T, error) {
	var v T
	if b.IsNil() {
		return v, nil
	}
	err := json.Unmarshal(b.raw, &v)
	return v, err
}

// decodeReply parses a phx_reply payload box into a Reply.
func decodeReply(b BoxedJSON) (Reply, error) {
	var wire struct {
		Status   ReplyStatus     `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(b.Raw(), &wire); err != nil {
		return Reply{}, err
	}
	return Reply{Status: wire.Status, Response: BoxedJSON{raw: wire.Response}}, nil
}

func replyEventName(ref string) string {
	return "chan_reply_" + ref
}
