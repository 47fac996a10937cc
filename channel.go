package phx

import (
	"fmt"
	"sync"
	"time"
)

// ChannelState is one of the five states a Channel instance may occupy.
// A channel may be Joining or Joined at most once per instance — after
// leaving, a fresh instance is required.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelJoining
	ChannelJoined
	ChannelLeaving
	ChannelErrored
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelJoining:
		return "joining"
	case ChannelJoined:
		return "joined"
	case ChannelLeaving:
		return "leaving"
	case ChannelErrored:
		return "errored"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// Subscription is the opaque handle returned by Channel.On, removable via
// Channel.Off. A small tagged struct is all that's needed — no
// inheritance, matching the shape the teacher pack uses for per-event
// handler lists.
type Subscription struct {
	id    int
	event string
}

type subEntry struct {
	sub *Subscription
	cb  func(Message)
}

// Channel is a client-side handle to a server-side topic subscription: a
// join state machine, a subscription table, a push buffer, and a rejoin
// scheduler.
type Channel struct {
	socket *Socket
	topic  string
	params BoxedJSON

	mu         sync.Mutex
	state      ChannelState
	joinedOnce bool
	joinPush   *Push
	leavePush  *Push
	pushBuffer []*Push
	subs       map[string][]*subEntry
	subSeq     int
	rejoin     *Scheduler
	transform  func(event string, payload BoxedJSON) (BoxedJSON, error)
}

func newChannel(socket *Socket, topic string, params BoxedJSON) *Channel {
	c := &Channel{
		socket: socket,
		topic:  topic,
		params: params,
		state:  ChannelClosed,
		subs:   make(map[string][]*subEntry),
	}
	c.rejoin = NewScheduler(c.rejoinAction, socket.cfg.RejoinAfter, socket.cfg.DelayedExecutor)
	return c
}

// Topic returns the channel's server-side topic.
func (c *Channel) Topic() string { return c.topic }

// State returns the channel's current state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinRef returns the current join push's ref, or "" before Join is
// called. It is stamped into every outbound message on this channel and
// is what distinguishes one join generation from the next.
func (c *Channel) JoinRef() string {
	c.mu.Lock()
	jp := c.joinPush
	c.mu.Unlock()
	if jp == nil {
		return ""
	}
	return jp.currentRef()
}

// SetTransform installs a payload transform invoked before every
// subscription dispatch (the spec's onMessage subclass hook). It must
// return a non-nil payload for a non-nil input, otherwise the message is
// dropped and an error routed to the socket's ErrorHandler.
func (c *Channel) SetTransform(fn func(event string, payload BoxedJSON) (BoxedJSON, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transform = fn
}

// IsMember reports whether msg belongs on this channel: the topic must
// match exactly, and if the message carries a non-nil joinRef it must
// equal this channel's current joinRef (otherwise it belongs to a
// previous join generation and is dropped).
func (c *Channel) IsMember(msg Message) bool {
	if msg.Topic != c.topic {
		return false
	}
	if msg.JoinRef != nil {
		cur := c.JoinRef()
		if cur == "" || *msg.JoinRef != cur {
			return false
		}
	}
	return true
}

// On registers cb for event, firing in insertion order alongside any
// other subscriptions for the same event. Returns a removable handle.
func (c *Channel) On(event string, cb func(Message)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subSeq++
	sub := &Subscription{id: c.subSeq, event: event}
	c.subs[event] = append(c.subs[event], &subEntry{sub: sub, cb: cb})
	return sub
}

// Off removes exactly the subscription identified by sub.
func (c *Channel) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.subs[sub.event]
	for i, e := range entries {
		if e.sub == sub {
			c.subs[sub.event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// OffEvent removes every subscription registered for event.
func (c *Channel) OffEvent(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, event)
}

// Join sends the phx_join push. Calling Join more than once on the same
// Channel instance is a protocol-level precondition violation and
// returns ErrAlreadyJoined rather than retrying.
func (c *Channel) Join(timeout ...time.Duration) (*Push, error) {
	c.mu.Lock()
	if c.joinedOnce {
		c.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	c.joinedOnce = true
	c.state = ChannelJoining

	t := c.socket.cfg.Timeout
	if len(timeout) > 0 {
		t = timeout[0]
	}
	push := newPush(c, EventJoin, func() BoxedJSON { return c.params }, t)
	c.joinPush = push
	c.mu.Unlock()

	push.Receive(StatusOK, func(BoxedJSON) { c.handleJoinOK() })
	push.Receive(StatusError, func(BoxedJSON) { c.handleJoinError() })
	push.Receive(StatusTimeout, func(BoxedJSON) { c.handleJoinTimeout() })

	c.socket.leaveOpenTopic(c.topic, c)
	push.send()
	return push, nil
}

func (c *Channel) handleJoinOK() {
	c.mu.Lock()
	c.state = ChannelJoined
	buffered := c.pushBuffer
	c.pushBuffer = nil
	c.mu.Unlock()

	c.rejoin.Reset()
	for _, p := range buffered {
		p.send()
	}
}

func (c *Channel) handleJoinError() {
	c.mu.Lock()
	c.state = ChannelErrored
	c.mu.Unlock()

	if c.socket.IsConnected() {
		c.rejoin.ScheduleTimeout()
	}
}

func (c *Channel) handleJoinTimeout() {
	c.sendBestEffortLeave()

	c.mu.Lock()
	jp := c.joinPush
	c.state = ChannelErrored
	c.mu.Unlock()

	jp.reset()

	if c.socket.IsConnected() {
		c.rejoin.ScheduleTimeout()
	}
}

func (c *Channel) sendBestEffortLeave() {
	c.socket.push(Message{Topic: c.topic, Event: EventLeave, Payload: Box(map[string]any{})})
}

// Leave sends phx_leave. A no-op (returning the in-flight leave push) if
// the channel is already Leaving.
func (c *Channel) Leave(timeout ...time.Duration) *Push {
	c.mu.Lock()
	if c.state == ChannelLeaving {
		p := c.leavePush
		c.mu.Unlock()
		return p
	}
	if c.joinPush != nil {
		c.joinPush.cancelTimeout()
	}
	c.state = ChannelLeaving

	t := c.socket.cfg.Timeout
	if len(timeout) > 0 {
		t = timeout[0]
	}
	push := newPush(c, EventLeave, func() BoxedJSON { return Box(map[string]any{}) }, t)
	c.leavePush = push
	c.mu.Unlock()

	c.rejoin.Reset()

	onClose := func(BoxedJSON) { c.triggerLocalClose() }
	push.Receive(StatusOK, onClose)
	push.Receive(StatusTimeout, onClose)

	push.send()
	return push
}

func (c *Channel) triggerLocalClose() {
	c.trigger(Message{Topic: c.topic, Event: EventClose, Payload: Box(map[string]any{})})
}

// Push sends event with payload. Returns ErrNotJoined if Join was never
// called. When the channel is Joined and the socket is connected, the
// push is sent immediately; otherwise it is buffered and starts its own
// timeout timer so it can fail with timeout even while buffered.
func (c *Channel) Push(event string, payload BoxedJSON, timeout ...time.Duration) (*Push, error) {
	c.mu.Lock()
	if !c.joinedOnce {
		c.mu.Unlock()
		return nil, ErrNotJoined
	}
	t := c.socket.cfg.Timeout
	if len(timeout) > 0 {
		t = timeout[0]
	}
	push := newPush(c, event, func() BoxedJSON { return payload }, t)
	ready := c.state == ChannelJoined && c.socket.IsConnected()
	if !ready {
		c.pushBuffer = append(c.pushBuffer, push)
	}
	c.mu.Unlock()

	if ready {
		push.send()
	} else {
		push.startTimeout()
	}
	return push, nil
}

// Rejoin resends the join push with a fresh ref after a transport error
// or server-side channel crash. A no-op while Leaving. If timeout is
// zero, the join push's existing timeout is reused.
func (c *Channel) Rejoin(timeout time.Duration) {
	c.mu.Lock()
	if c.state == ChannelLeaving {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.socket.leaveOpenTopic(c.topic, c)

	c.mu.Lock()
	c.state = ChannelJoining
	jp := c.joinPush
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = jp.currentTimeout()
	}
	jp.resend(timeout)
}

func (c *Channel) rejoinAction() {
	if c.socket.IsConnected() {
		c.Rejoin(0)
	}
}

// onSocketOpen is called directly by the socket when the transport opens.
func (c *Channel) onSocketOpen() {
	c.mu.Lock()
	wasErrored := c.state == ChannelErrored
	c.mu.Unlock()

	c.rejoin.Reset()
	if wasErrored {
		c.Rejoin(0)
	}
}

// onSocketError is called directly by the socket on transport error/close,
// ahead of the synthetic phx_error broadcast, for every channel not
// already Leaving or Closed.
func (c *Channel) onSocketError() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == ChannelLeaving || state == ChannelClosed {
		return
	}
	c.rejoin.Reset()
}

// trigger dispatches an inbound message to this channel: phx_reply
// payloads are re-synthesized as chan_reply_{ref} events so pushes can
// correlate their reply, phx_close/phx_error drive the state machine,
// and every other event, like the synthesized one, reaches subscribers
// through the payload transform. The phx_reply message itself is not
// dispatched to subscribers.
func (c *Channel) trigger(msg Message) {
	if msg.Event == EventReply {
		ref := ""
		if msg.Ref != nil {
			ref = *msg.Ref
		}
		reply, err := decodeReply(msg.Payload)
		if err != nil {
			return
		}
		synthesized := Message{
			JoinRef: msg.JoinRef,
			Ref:     msg.Ref,
			Topic:   msg.Topic,
			Event:   replyEventName(ref),
			Payload: Box(map[string]any{
				"status":   string(reply.Status),
				"response": reply.Response.Raw(),
			}),
		}
		c.dispatch(synthesized)
		return
	}

	switch msg.Event {
	case EventClose:
		c.handleClose()
	case EventError:
		c.handleError()
	}
	c.dispatch(msg)
}

func (c *Channel) handleClose() {
	c.mu.Lock()
	c.state = ChannelClosed
	c.mu.Unlock()

	c.rejoin.Reset()
	c.socket.removeChannel(c)
}

func (c *Channel) handleError() {
	c.mu.Lock()
	state := c.state
	if state == ChannelJoining && c.joinPush != nil {
		jp := c.joinPush
		c.mu.Unlock()
		jp.reset()
		c.mu.Lock()
	}
	if state == ChannelJoined || state == ChannelJoining {
		c.state = ChannelErrored
	}
	c.mu.Unlock()

	if (state == ChannelJoined || state == ChannelJoining) && c.socket.IsConnected() {
		c.rejoin.ScheduleTimeout()
	}
}

func (c *Channel) dispatch(msg Message) {
	payload := msg.Payload

	c.mu.Lock()
	transform := c.transform
	c.mu.Unlock()

	if transform != nil {
		out, err := transform(msg.Event, payload)
		if err != nil {
			c.socket.reportError(CoreError{Kind: ErrKindDeserialize, Topic: c.topic, Cause: err, Timestamp: time.Now()})
			return
		}
		if out.IsNil() && !payload.IsNil() {
			c.socket.reportError(CoreError{Kind: ErrKindDeserialize, Topic: c.topic, Cause: ErrOnMessageNilPayload, Timestamp: time.Now()})
			return
		}
		payload = out
	}

	c.mu.Lock()
	entries := append([]*subEntry(nil), c.subs[msg.Event]...)
	c.mu.Unlock()

	out := msg
	out.Payload = payload
	for _, e := range entries {
		e.cb(out)
	}
}
