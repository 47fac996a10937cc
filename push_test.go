package phx

import (
	"context"
	"testing"
	"time"
)

func newTestSocket(t *testing.T) (*Socket, *fakeExecutor, *fakeTransport) {
	t.Helper()
	exec := newFakeExecutor()
	reg := &fakeTransportRegistry{}
	socket := NewSocket("ws://example.test",
		WithDelayedExecutor(exec),
		WithTransportFactory(newFakeTransportFactory(reg)),
	)
	if err := socket.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	return socket, exec, reg.transport()
}

// joinChannel joins ch synchronously using transport to deliver the
// phx_reply, leaving ch in ChannelJoined before the caller proceeds.
func joinChannel(t *testing.T, socket *Socket, ch *Channel, transport *fakeTransport) {
	t.Helper()
	if _, err := ch.Join(); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	sent := transport.sentMessages(socket.cfg.Serializer)
	join := sent[len(sent)-1]
	transport.deliver(socket.cfg.Serializer, Message{
		JoinRef: join.Ref,
		Ref:     join.Ref,
		Topic:   ch.topic,
		Event:   EventReply,
		Payload: Box(map[string]any{"status": "ok", "response": map[string]any{}}),
	})
	if ch.State() != ChannelJoined {
		t.Fatalf("channel State() after join reply = %v, want ChannelJoined", ch.State())
	}
}

// pushAfterJoin pushes event on an already-joined ch and returns the Push
// plus the wire Message the transport actually sent for it (the last
// frame sent, since join already consumed the earlier ones).
func pushAfterJoin(t *testing.T, socket *Socket, ch *Channel, transport *fakeTransport, event string, timeout ...time.Duration) (*Push, Message) {
	t.Helper()
	push, err := ch.Push(event, Box(map[string]any{"text": "hi"}), timeout...)
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	sent := transport.sentMessages(socket.cfg.Serializer)
	return push, sent[len(sent)-1]
}

func TestPush_Receive_FiresOnMatchingReply(t *testing.T) {
	socket, _, transport := newTestSocket(t)
	ch := socket.Channel("room:lobby", Box(map[string]any{}))
	joinChannel(t, socket, ch, transport)

	push, wire := pushAfterJoin(t, socket, ch, transport, "shout")
	if wire.Event != "shout" {
		t.Fatalf("wire.Event = %q, want %q", wire.Event, "shout")
	}

	var gotStatus ReplyStatus
	var gotResponse map[string]string
	push.Receive(StatusOK, func(resp BoxedJSON) {
		gotStatus = StatusOK
		gotResponse, _ = Unbox[map[string]string](resp)
	})

	transport.deliver(socket.cfg.Serializer, Message{
		Ref:   wire.Ref,
		Topic: "room:lobby",
		Event: EventReply,
		Payload: Box(map[string]any{
			"status":   "ok",
			"response": map[string]any{"echo": "hi"},
		}),
	})

	if gotStatus != StatusOK {
		t.Errorf("gotStatus = %q, want %q", gotStatus, StatusOK)
	}
	if gotResponse["echo"] != "hi" {
		t.Errorf("gotResponse[echo] = %q, want %q", gotResponse["echo"], "hi")
	}
}

func TestPush_Receive_LateRegistration_FiresSynchronously(t *testing.T) {
	socket, _, transport := newTestSocket(t)
	ch := socket.Channel("room:lobby", Box(map[string]any{}))
	joinChannel(t, socket, ch, transport)

	_, wire := pushAfterJoin(t, socket, ch, transport, "shout")

	transport.deliver(socket.cfg.Serializer, Message{
		Ref:     wire.Ref,
		Topic:   "room:lobby",
		Event:   EventReply,
		Payload: Box(map[string]any{"status": "ok", "response": map[string]any{}}),
	})

	push, err := ch.Push("another", Box(map[string]any{}))
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	sent := transport.sentMessages(socket.cfg.Serializer)
	another := sent[len(sent)-1]
	transport.deliver(socket.cfg.Serializer, Message{
		Ref:     another.Ref,
		Topic:   "room:lobby",
		Event:   EventReply,
		Payload: Box(map[string]any{"status": "ok", "response": map[string]any{}}),
	})

	fired := false
	push.Receive(StatusOK, func(BoxedJSON) { fired = true })
	if !fired {
		t.Error("Receive() registered after the reply already arrived should fire synchronously")
	}
}

func TestPush_Timeout_FiresStatusTimeout(t *testing.T) {
	socket, exec, transport := newTestSocket(t)
	ch := socket.Channel("room:lobby", Box(map[string]any{}))
	joinChannel(t, socket, ch, transport)

	push, err := ch.Push("shout", Box(map[string]any{}), 5*time.Second)
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	timedOut := false
	push.Receive(StatusTimeout, func(BoxedJSON) { timedOut = true })

	exec.fireAll()

	if !timedOut {
		t.Error("push should have timed out once its timer fired")
	}
}

func TestPush_Resend_SendsWithFreshRef(t *testing.T) {
	socket, _, transport := newTestSocket(t)
	ch := socket.Channel("room:lobby", Box(map[string]any{}))
	joinChannel(t, socket, ch, transport)

	push, first := pushAfterJoin(t, socket, ch, transport, "shout")

	push.resend(5 * time.Second)

	sentAfter := transport.sentMessages(socket.cfg.Serializer)
	last := sentAfter[len(sentAfter)-1]
	if last.Ref == nil || first.Ref == nil || *last.Ref == *first.Ref {
		t.Errorf("resend() should use a fresh ref, got %v reused", first.Ref)
	}
}
