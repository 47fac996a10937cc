package phx

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// Sentinel errors for protocol-level misuse. These are never retried.
// ErrAlreadyJoined and ErrNotJoined are returned to the caller
// immediately; ErrOnMessageNilPayload is reported to the socket's
// ErrorHandler as the Cause of a CoreError.
var (
	ErrAlreadyJoined       = errors.New("phx: join already called on this channel")
	ErrNotJoined           = errors.New("phx: push called before join")
	ErrChannelLeaving      = errors.New("phx: channel is leaving")
	ErrOnMessageNilPayload = errors.New("phx: onMessage returned nil payload for a non-nil input")
	ErrSocketClosed        = errors.New("phx: socket is closed")
)

// ReplyError describes a server reply with status "error" to a push.
// Receive(StatusError, ...) hooks are given the reply's response as a
// BoxedJSON; no function in this package returns a ReplyError.
type ReplyError struct {
	Event    string
	Topic    string
	Response BoxedJSON
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("phx: %s on %q replied with error: %s", e.Event, e.Topic, e.Response.Raw())
}

// TimeoutError describes a push that got no reply within its configured
// timeout. The timeout itself reaches Receive(StatusTimeout, ...) hooks as
// a locally synthesized reply; no function in this package returns a
// TimeoutError.
type TimeoutError struct {
	Event string
	Topic string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("phx: %s on %q timed out", e.Event, e.Topic)
}

// TransportError wraps whatever the transport reported through OnError.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("phx: transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ErrorKind classifies errors routed to the socket's ErrorHandler rather
// than returned to a direct caller.
type ErrorKind int

const (
	ErrKindTransport ErrorKind = iota
	ErrKindHeartbeatTimeout
	ErrKindDeserialize
	ErrKindRejoinFailed
)

var errorKindNames = [...]string{
	ErrKindTransport:        "ErrKindTransport",
	ErrKindHeartbeatTimeout: "ErrKindHeartbeatTimeout",
	ErrKindDeserialize:      "ErrKindDeserialize",
	ErrKindRejoinFailed:     "ErrKindRejoinFailed",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// CoreError is the shape delivered to a socket's ErrorHandler for errors
// that have no direct caller to return to (background rejoin failures,
// heartbeat timeout, inbound parse failures).
type CoreError struct {
	Kind      ErrorKind
	Topic     string
	Cause     error
	Timestamp time.Time
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v (topic=%s)", e.Kind, e.Cause, e.Topic)
	}
	return fmt.Sprintf("%s (topic=%s)", e.Kind, e.Topic)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// ErrorHandler receives every CoreError the socket cannot deliver to a
// direct caller.
type ErrorHandler func(CoreError)

// LogErrors returns an ErrorHandler that logs all core errors to the
// given logger.
func LogErrors(logger *log.Logger) ErrorHandler {
	return func(e CoreError) {
		logger.Printf("[phx] %s", e.Error())
	}
}
