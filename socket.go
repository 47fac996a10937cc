package phx

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Config holds the tunables for a Socket. Zero-value fields are filled by
// resolveConfig with the defaults documented on each Option.
type Config struct {
	Params            func() BoxedJSON
	Vsn               string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	ReconnectAfter    func(tries int) time.Duration
	RejoinAfter       func(tries int) time.Duration
	Serializer        Serializer
	DelayedExecutor   DelayedExecutor
	TransportFactory  TransportFactory
	ErrorHandler      ErrorHandler
	Logger            *log.Logger
}

// Option configures a Socket at construction time.
type Option func(*Config)

// WithParams sets the query-string params added to the endpoint URL,
// re-evaluated on every connect so tokens can be refreshed between reconnects.
func WithParams(fn func() BoxedJSON) Option { return func(c *Config) { c.Params = fn } }

// WithVsn overrides the protocol version query param. Default "2.0.0".
func WithVsn(v string) Option { return func(c *Config) { c.Vsn = v } }

// WithTimeout sets the default per-push reply timeout. Default 10s.
func WithTimeout(d time.Duration) Option { return func(c *Config) { c.Timeout = d } }

// WithHeartbeatInterval sets the interval between heartbeats. Default 30s.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithReconnectAfter overrides the transport reconnect backoff table.
func WithReconnectAfter(fn func(tries int) time.Duration) Option {
	return func(c *Config) { c.ReconnectAfter = fn }
}

// WithRejoinAfter overrides the per-channel rejoin backoff table.
func WithRejoinAfter(fn func(tries int) time.Duration) Option {
	return func(c *Config) { c.RejoinAfter = fn }
}

// WithSerializer swaps the wire serializer.
func WithSerializer(s Serializer) Option { return func(c *Config) { c.Serializer = s } }

// WithDelayedExecutor swaps the time source used for every scheduled
// action in the socket and its channels/pushes. Tests substitute a fake
// to make backoff and timeout behavior deterministic.
func WithDelayedExecutor(e DelayedExecutor) Option { return func(c *Config) { c.DelayedExecutor = e } }

// WithTransportFactory swaps the default gorilla/websocket transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Config) { c.TransportFactory = f }
}

// WithErrorHandler sets the handler for errors with no direct caller.
// Default is LogErrors(log.Default()).
func WithErrorHandler(h ErrorHandler) Option { return func(c *Config) { c.ErrorHandler = h } }

// WithLogger sets the logger used by the default ErrorHandler, when one
// isn't explicitly supplied via WithErrorHandler.
func WithLogger(l *log.Logger) Option { return func(c *Config) { c.Logger = l } }

func resolveConfig(opts []Option) Config {
	cfg := Config{
		Vsn:               "2.0.0",
		Timeout:           10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReconnectAfter:    defaultReconnectAfter,
		RejoinAfter:       defaultRejoinAfter,
		Serializer:        NewSerializer(),
		DelayedExecutor:   NewDelayedExecutor(),
		TransportFactory:  NewWebsocketTransportFactory(),
		Logger:            log.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = LogErrors(cfg.Logger)
	}
	if cfg.Params == nil {
		cfg.Params = func() BoxedJSON { return Box(map[string]any{}) }
	}
	return cfg
}

type socketState int

const (
	socketClosed socketState = iota
	socketConnecting
	socketOpen
)

// abnormalCloseCode stands in for a WebSocket close code when the
// transport went down without reporting one (a read error, a heartbeat
// timeout) — RFC 6455's "Abnormal Closure", 1006, reserved and never sent
// on the wire but valid for local bookkeeping.
const abnormalCloseCode = 1006

// Socket owns one transport connection, multiplexes it across any number
// of Channels, and drives the heartbeat and transport-reconnect
// schedulers. A Socket is safe for concurrent use.
type Socket struct {
	endpoint string
	cfg      Config

	mu        sync.Mutex
	state     socketState
	transport Transport
	ref       int
	channels  []*Channel
	sendBuf   []func()

	pendingHeartbeatRef *string
	heartbeatTimer      TimerHandle
	reconnect           *Scheduler
	closeWasClean       bool

	openCBs    []func()
	closeCBs   []func(code int, reason string)
	errorCBs   []func(error)
	messageCBs []func(Message)
}

// NewSocket creates a Socket targeting endpoint (an http(s):// or
// ws(s):// base URL; http(s) is normalized to ws(s)). The socket is not
// connected until Connect is called.
func NewSocket(endpoint string, opts ...Option) *Socket {
	s := &Socket{
		endpoint: normalizeEndpoint(endpoint),
		cfg:      resolveConfig(opts),
	}
	s.reconnect = NewScheduler(s.reconnectAction, s.cfg.ReconnectAfter, s.cfg.DelayedExecutor)
	return s
}

func normalizeEndpoint(endpoint string) string {
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return "ws://" + rest
	}
	return endpoint
}

func (s *Socket) endpointURL() (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("phx: parse endpoint: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	q := u.Query()
	q.Set("vsn", s.cfg.Vsn)
	params, err := Unbox[map[string]string](s.cfg.Params())
	if err == nil {
		for k, v := range params {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the transport. Safe to call again after Disconnect.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == socketOpen || s.state == socketConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = socketConnecting
	s.mu.Unlock()

	return s.connect(ctx)
}

func (s *Socket) connect(ctx context.Context) error {
	s.mu.Lock()
	s.closeWasClean = false
	s.mu.Unlock()

	endpointURL, err := s.endpointURL()
	if err != nil {
		s.mu.Lock()
		s.state = socketClosed
		s.mu.Unlock()
		return err
	}

	transport := s.cfg.TransportFactory()
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	err = transport.Connect(ctx, endpointURL, s.onTransportOpen, s.onTransportClose, s.onTransportError, s.onTransportMessage)
	if err != nil {
		s.mu.Lock()
		s.state = socketClosed
		s.transport = nil
		s.mu.Unlock()
		s.reportError(CoreError{Kind: ErrKindTransport, Cause: err, Timestamp: time.Now()})
		s.reconnect.ScheduleTimeout()
		return err
	}
	return nil
}

func (s *Socket) reconnectAction() {
	_ = s.connect(context.Background())
}

// Disconnect closes the transport. callback, if non-nil, fires once the
// close completes (or once the bounded wait for it gives up). Because this
// is an intentional close, no reconnect is ever scheduled for it, even if
// the transport reports an abnormal code on its way down.
func (s *Socket) Disconnect(callback func(), code int, reason string) error {
	s.mu.Lock()
	transport := s.transport
	s.state = socketClosed
	s.transport = nil
	s.closeWasClean = true
	s.mu.Unlock()

	s.reconnect.Reset()
	s.cancelHeartbeat()

	var err error
	if transport != nil {
		err = transport.Close(code, reason)
	}

	s.waitForTransportClosed(transport, 1, callback)
	return err
}

// transportCloser is an optional Transport extension reporting whether the
// connection has fully finished closing. Transports that don't implement
// it are assumed closed as soon as Close returns.
type transportCloser interface {
	Closed() bool
}

// waitForTransportClosed polls transport up to 5 tries, waiting
// 150ms*tries between each, before giving up and calling done — the same
// bounded backoff Phoenix's own client uses to wait for the underlying
// socket to report closed before releasing it.
func (s *Socket) waitForTransportClosed(transport Transport, tries int, done func()) {
	checker, ok := transport.(transportCloser)
	if !ok || tries >= 5 || checker.Closed() {
		if done != nil {
			done()
		}
		return
	}
	time.Sleep(150 * time.Duration(tries) * time.Millisecond)
	s.waitForTransportClosed(transport, tries+1, done)
}

// IsConnected reports whether the transport is currently open.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == socketOpen
}

// MakeRef returns the next message ref, unique for the lifetime of this
// Socket.
func (s *Socket) MakeRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return fmt.Sprintf("%d", s.ref)
}

// Channel creates a new Channel bound to this socket for topic. Calling
// Channel again for a topic that already has an open or joining Channel
// does not replace it automatically — join the new one to trigger
// leaveOpenTopic.
func (s *Socket) Channel(topic string, params BoxedJSON) *Channel {
	ch := newChannel(s, topic, params)
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch
}

func (s *Socket) leaveOpenTopic(topic string, except *Channel) {
	s.mu.Lock()
	var toLeave []*Channel
	for _, ch := range s.channels {
		if ch == except || ch.topic != topic {
			continue
		}
		state := ch.State()
		if state == ChannelJoined || state == ChannelJoining {
			toLeave = append(toLeave, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range toLeave {
		ch.Leave()
	}
}

func (s *Socket) removeChannel(target *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ch := range s.channels {
		if ch == target {
			s.channels = append(s.channels[:i:i], s.channels[i+1:]...)
			return
		}
	}
}

// push sends msg immediately if connected, otherwise buffers it for
// replay once the transport reopens.
func (s *Socket) push(msg Message) {
	s.mu.Lock()
	connected := s.state == socketOpen
	s.mu.Unlock()

	if !connected {
		s.mu.Lock()
		s.sendBuf = append(s.sendBuf, func() { s.writeMessage(msg) })
		s.mu.Unlock()
		return
	}
	s.writeMessage(msg)
}

func (s *Socket) writeMessage(msg Message) {
	s.mu.Lock()
	transport := s.transport
	serializer := s.cfg.Serializer
	s.mu.Unlock()

	if transport == nil {
		return
	}
	data, err := serializer.Serialize(msg)
	if err != nil {
		s.reportError(CoreError{Kind: ErrKindDeserialize, Topic: msg.Topic, Cause: err, Timestamp: time.Now()})
		return
	}
	if err := transport.Send(data); err != nil {
		s.reportError(CoreError{Kind: ErrKindTransport, Topic: msg.Topic, Cause: err, Timestamp: time.Now()})
	}
}

// OnOpen registers cb to fire every time the transport opens (including
// reconnects).
func (s *Socket) OnOpen(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCBs = append(s.openCBs, cb)
}

// OnClose registers cb to fire when the transport closes.
func (s *Socket) OnClose(cb func(code int, reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCBs = append(s.closeCBs, cb)
}

// OnError registers cb to fire on transport error.
func (s *Socket) OnError(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCBs = append(s.errorCBs, cb)
}

// OnMessage registers cb to fire for every inbound message, ahead of
// per-channel dispatch.
func (s *Socket) OnMessage(cb func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCBs = append(s.messageCBs, cb)
}

func (s *Socket) reportError(e CoreError) {
	s.mu.Lock()
	handler := s.cfg.ErrorHandler
	s.mu.Unlock()
	if handler != nil {
		handler(e)
	}
}

func (s *Socket) onTransportOpen() {
	s.mu.Lock()
	s.state = socketOpen
	buffered := s.sendBuf
	s.sendBuf = nil
	channels := append([]*Channel(nil), s.channels...)
	opens := append([]func(){}, s.openCBs...)
	s.mu.Unlock()

	s.reconnect.Reset()
	for _, fn := range buffered {
		fn()
	}
	s.startHeartbeat()
	for _, ch := range channels {
		ch.onSocketOpen()
	}
	for _, cb := range opens {
		cb()
	}
}

func (s *Socket) onTransportClose(code int, reason string) {
	s.handleTransportDown(code, func() {
		s.mu.Lock()
		closes := append([]func(int, string){}, s.closeCBs...)
		s.mu.Unlock()
		for _, cb := range closes {
			cb(code, reason)
		}
	})
}

func (s *Socket) onTransportError(err error) {
	s.reportError(CoreError{Kind: ErrKindTransport, Cause: err, Timestamp: time.Now()})
	s.handleTransportDown(abnormalCloseCode, func() {
		s.mu.Lock()
		errs := append([]func(error){}, s.errorCBs...)
		s.mu.Unlock()
		for _, cb := range errs {
			cb(err)
		}
	})
}

// handleTransportDown tears down channel/heartbeat state for a transport
// that just went down with the given close code, then schedules a
// reconnect unless the close was either one we initiated ourselves
// (closeWasClean) or a normal closure (code 1000) — matching spec §4.2's
// "if !closeWasClean && code != 1000, schedule reconnect".
func (s *Socket) handleTransportDown(code int, notify func()) {
	s.mu.Lock()
	s.state = socketClosed
	s.transport = nil
	clean := s.closeWasClean
	channels := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()

	s.cancelHeartbeat()

	for _, ch := range channels {
		ch.onSocketError()
	}
	notify()
	for _, ch := range channels {
		ch.trigger(Message{Topic: ch.topic, Event: EventError, Payload: Box(map[string]any{})})
	}

	if !clean && code != 1000 {
		s.reconnect.ScheduleTimeout()
	}
}

func (s *Socket) onTransportMessage(data string) {
	s.mu.Lock()
	serializer := s.cfg.Serializer
	s.mu.Unlock()

	msg, err := serializer.Deserialize(data)
	if err != nil {
		s.reportError(CoreError{Kind: ErrKindDeserialize, Cause: err, Timestamp: time.Now()})
		return
	}

	if msg.Ref != nil {
		s.isPendingHeartbeatReply(msg)
	}

	s.mu.Lock()
	callbacks := append([]func(Message){}, s.messageCBs...)
	channels := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(msg)
	}
	for _, ch := range channels {
		if ch.IsMember(msg) {
			ch.trigger(msg)
		}
	}
}

func (s *Socket) isPendingHeartbeatReply(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingHeartbeatRef == nil || msg.Ref == nil {
		return false
	}
	if *msg.Ref != *s.pendingHeartbeatRef {
		return false
	}
	s.pendingHeartbeatRef = nil
	return true
}

func (s *Socket) startHeartbeat() {
	s.scheduleHeartbeat()
}

func (s *Socket) scheduleHeartbeat() {
	s.mu.Lock()
	interval := s.cfg.HeartbeatInterval
	executor := s.cfg.DelayedExecutor
	s.mu.Unlock()

	handle := executor.Execute(s.sendHeartbeat, interval)

	s.mu.Lock()
	s.heartbeatTimer = handle
	s.mu.Unlock()
}

func (s *Socket) sendHeartbeat() {
	s.mu.Lock()
	if s.state != socketOpen {
		s.mu.Unlock()
		return
	}
	if s.pendingHeartbeatRef != nil {
		s.mu.Unlock()
		s.reportError(CoreError{Kind: ErrKindHeartbeatTimeout, Timestamp: time.Now()})
		transport := s.abandonTransport()
		if transport != nil {
			transport.Close(1000, "heartbeat timeout")
		}
		return
	}
	ref := s.nextRefLocked()
	s.pendingHeartbeatRef = &ref
	s.mu.Unlock()

	s.writeMessage(Message{Ref: &ref, Topic: heartbeatTopic, Event: EventHeartbeat, Payload: Box(map[string]any{})})
	s.scheduleHeartbeat()
}

func (s *Socket) abandonTransport() Transport {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	s.handleTransportDown(abnormalCloseCode, func() {})
	return transport
}

func (s *Socket) nextRefLocked() string {
	s.ref++
	return fmt.Sprintf("%d", s.ref)
}

func (s *Socket) cancelHeartbeat() {
	s.mu.Lock()
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Cancel()
		s.heartbeatTimer = nil
	}
	s.mu.Unlock()
}
