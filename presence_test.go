package phx

import (
	"context"
	"testing"
)

func newPresenceTestChannel(t *testing.T) (*Channel, *fakeTransport, *Socket) {
	t.Helper()
	exec := newFakeExecutor()
	reg := &fakeTransportRegistry{}
	socket := NewSocket("ws://example.test", WithDelayedExecutor(exec), WithTransportFactory(newFakeTransportFactory(reg)))
	if err := socket.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	ch := socket.Channel("room:lobby", Box(map[string]any{}))
	joinChannelNoTest(socket, ch, reg.transport())
	return ch, reg.transport(), socket
}

func TestPresence_InitialState(t *testing.T) {
	ch, transport, socket := newPresenceTestChannel(t)
	presence := NewPresence(ch)

	var synced bool
	presence.OnSync(func() { synced = true })

	transport.deliver(socket.cfg.Serializer, Message{
		Topic: "room:lobby",
		Event: "presence_state",
		Payload: Box(map[string]any{
			"user1": map[string]any{"metas": []map[string]any{{"phx_ref": "a"}}},
		}),
	})

	if !synced {
		t.Fatal("OnSync should fire after the initial presence_state")
	}

	keys := List(presence, func(key string, metas []BoxedJSON) string { return key })
	if len(keys) != 1 || keys[0] != "user1" {
		t.Errorf("List() keys = %v, want [user1]", keys)
	}
}

func TestPresence_Diff_JoinAndLeave(t *testing.T) {
	ch, transport, socket := newPresenceTestChannel(t)
	presence := NewPresence(ch)

	transport.deliver(socket.cfg.Serializer, Message{
		Topic:   "room:lobby",
		Event:   "presence_state",
		Payload: Box(map[string]any{}),
	})

	var joined, left []string
	presence.OnJoin(func(key string, current *PresenceEntry, newMeta PresenceEntry) { joined = append(joined, key) })
	presence.OnLeave(func(key string, current, leftMeta PresenceEntry) { left = append(left, key) })

	transport.deliver(socket.cfg.Serializer, Message{
		Topic: "room:lobby",
		Event: "presence_diff",
		Payload: Box(map[string]any{
			"joins":  map[string]any{"user1": map[string]any{"metas": []map[string]any{{"phx_ref": "a"}}}},
			"leaves": map[string]any{},
		}),
	})

	if len(joined) != 1 || joined[0] != "user1" {
		t.Fatalf("joined = %v, want [user1]", joined)
	}

	keysAfterJoin := List(presence, func(key string, metas []BoxedJSON) string { return key })
	if len(keysAfterJoin) != 1 {
		t.Fatalf("keys after join = %v, want 1 entry", keysAfterJoin)
	}

	transport.deliver(socket.cfg.Serializer, Message{
		Topic: "room:lobby",
		Event: "presence_diff",
		Payload: Box(map[string]any{
			"joins":  map[string]any{},
			"leaves": map[string]any{"user1": map[string]any{"metas": []map[string]any{{"phx_ref": "a"}}}},
		}),
	})

	if len(left) != 1 || left[0] != "user1" {
		t.Fatalf("left = %v, want [user1]", left)
	}

	keysAfterLeave := List(presence, func(key string, metas []BoxedJSON) string { return key })
	if len(keysAfterLeave) != 0 {
		t.Errorf("keys after leave = %v, want none", keysAfterLeave)
	}
}

func TestPresence_DiffBeforeState_IsQueued(t *testing.T) {
	ch, transport, socket := newPresenceTestChannel(t)
	presence := NewPresence(ch)

	// presence_diff arrives before the first presence_state.
	transport.deliver(socket.cfg.Serializer, Message{
		Topic: "room:lobby",
		Event: "presence_diff",
		Payload: Box(map[string]any{
			"joins":  map[string]any{"user1": map[string]any{"metas": []map[string]any{{"phx_ref": "a"}}}},
			"leaves": map[string]any{},
		}),
	})

	if len(presence.pendingDiffs) != 1 {
		t.Fatalf("pendingDiffs = %d, want 1 while awaiting the initial sync", len(presence.pendingDiffs))
	}

	transport.deliver(socket.cfg.Serializer, Message{
		Topic:   "room:lobby",
		Event:   "presence_state",
		Payload: Box(map[string]any{}),
	})

	keys := List(presence, func(key string, metas []BoxedJSON) string { return key })
	if len(keys) != 1 || keys[0] != "user1" {
		t.Errorf("keys after replaying queued diff = %v, want [user1]", keys)
	}
	if len(presence.pendingDiffs) != 0 {
		t.Errorf("pendingDiffs after sync = %d, want 0", len(presence.pendingDiffs))
	}
}
