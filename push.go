package phx

import (
	"sync"
	"time"
)

// Push is a single request/reply correlated over a channel: an outbound
// event with a lazy payload thunk, a timeout, and a table of callbacks
// keyed by reply status. The owning channel's lifetime dominates; a Push
// never outlives the Channel that created it.
type Push struct {
	channel   *Channel
	event     string
	payloadFn func() BoxedJSON

	mu            sync.Mutex
	timeout       time.Duration
	ref           *string
	refSub        *Subscription
	receivedReply *Reply
	hooks         map[ReplyStatus][]func(BoxedJSON)
	timer         TimerHandle
}

func newPush(channel *Channel, event string, payloadFn func() BoxedJSON, timeout time.Duration) *Push {
	return &Push{
		channel:   channel,
		event:     event,
		payloadFn: payloadFn,
		timeout:   timeout,
		hooks:     make(map[ReplyStatus][]func(BoxedJSON)),
	}
}

// Receive registers cb to fire when a reply matching status arrives. If a
// matching reply was already received, cb fires synchronously before
// Receive returns. Returns the Push for chaining.
func (p *Push) Receive(status ReplyStatus, cb func(BoxedJSON)) *Push {
	p.mu.Lock()
	p.hooks[status] = append(p.hooks[status], cb)
	var fire *BoxedJSON
	if p.receivedReply != nil && p.receivedReply.Status == status {
		resp := p.receivedReply.Response
		fire = &resp
	}
	p.mu.Unlock()

	if fire != nil {
		cb(*fire)
	}
	return p
}

// send transmits the push. A no-op if a timeout reply was already
// recorded (the request has already failed terminally).
func (p *Push) send() {
	p.mu.Lock()
	if p.receivedReply != nil && p.receivedReply.Status == StatusTimeout {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.startTimeout()

	p.mu.Lock()
	ref := p.ref
	p.mu.Unlock()

	var joinRef *string
	if jr := p.channel.JoinRef(); jr != "" {
		j := jr
		joinRef = &j
	}

	p.channel.socket.push(Message{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   p.channel.topic,
		Event:   p.event,
		Payload: p.payloadFn(),
	})
}

// resend clears ref/receivedReply/subscription state, applies a new
// timeout, and sends again with a fresh ref. Used by rejoin.
func (p *Push) resend(newTimeout time.Duration) {
	p.mu.Lock()
	p.timeout = newTimeout
	p.mu.Unlock()

	p.reset()
	p.send()
}

// reset clears ref/receivedReply and unsubscribes the ref-reply
// listener, without resending. Used for the join push on a timeout
// reply, ahead of a later rejoin.
func (p *Push) reset() {
	p.cancelTimeout()

	p.mu.Lock()
	sub := p.refSub
	p.refSub = nil
	p.ref = nil
	p.receivedReply = nil
	p.mu.Unlock()

	if sub != nil {
		p.channel.Off(sub)
	}
}

// cancelTimeout cancels the pending reply timer. Idempotent. It does NOT
// remove the chan_reply_{ref} subscription — a late ok/error reply must
// still be able to fire matching hooks after a timeout was synthesized.
func (p *Push) cancelTimeout() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Cancel()
		p.timer = nil
	}
	p.mu.Unlock()
}

// startTimeout cancels any current pending timer, acquires a fresh ref,
// subscribes to chan_reply_{ref} on the channel, and schedules a
// synthesized timeout reply to fire through that same subscription after
// the configured duration.
func (p *Push) startTimeout() {
	p.cancelTimeout()

	ref := p.channel.socket.MakeRef()
	eventName := replyEventName(ref)

	p.mu.Lock()
	p.ref = &ref
	p.mu.Unlock()

	sub := p.channel.On(eventName, func(msg Message) {
		reply, err := decodeReply(msg.Payload)
		if err != nil {
			return
		}
		p.cancelTimeout()

		p.mu.Lock()
		p.receivedReply = &reply
		hooks := append([]func(BoxedJSON){}, p.hooks[reply.Status]...)
		p.mu.Unlock()

		for _, cb := range hooks {
			cb(reply.Response)
		}
	})

	p.mu.Lock()
	p.refSub = sub
	timeout := p.timeout
	p.mu.Unlock()

	handle := p.channel.socket.cfg.DelayedExecutor.Execute(func() {
		timeoutPayload := Box(map[string]any{"status": string(StatusTimeout), "response": map[string]any{}})
		r := ref
		p.channel.trigger(Message{Ref: &r, Topic: p.channel.topic, Event: eventName, Payload: timeoutPayload})
	}, timeout)

	p.mu.Lock()
	p.timer = handle
	p.mu.Unlock()
}

// currentRef returns the push's current ref, or "" if unset.
func (p *Push) currentRef() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ref == nil {
		return ""
	}
	return *p.ref
}

func (p *Push) currentTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}
