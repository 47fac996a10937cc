package phx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockPhoenixServer speaks real Phoenix v2 array frames over a real
// loopback WebSocket, the same shape layr8-go-sdk's own tests use to
// exercise a live connect/join/reply cycle rather than mocking the
// transport interface.
type mockPhoenixServer struct {
	upgrader   websocket.Upgrader
	serializer Serializer

	mu       sync.Mutex
	received []Message
	conn     *websocket.Conn
	onMsg    func(Message)
}

func newMockPhoenixServer() *mockPhoenixServer {
	return &mockPhoenixServer{
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		serializer: NewSerializer(),
	}
}

func (s *mockPhoenixServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := s.serializer.Deserialize(string(data))
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		handler := s.onMsg
		s.mu.Unlock()

		if handler != nil {
			handler(msg)
		}
	}
}

func (s *mockPhoenixServer) sendToClient(msg Message) {
	data, err := s.serializer.Serialize(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.WriteMessage(websocket.TextMessage, []byte(data))
	}
}

func (s *mockPhoenixServer) replyOK(to Message, response map[string]any) {
	s.sendToClient(Message{
		JoinRef: to.Ref,
		Ref:     to.Ref,
		Topic:   to.Topic,
		Event:   EventReply,
		Payload: Box(map[string]any{"status": "ok", "response": response}),
	})
}

func (s *mockPhoenixServer) getReceived() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Message, len(s.received))
	copy(cp, s.received)
	return cp
}

func startMockServer(t *testing.T, onJoinOK func(join Message, srv *mockPhoenixServer)) (*mockPhoenixServer, string) {
	t.Helper()
	srv := newMockPhoenixServer()
	srv.onMsg = func(msg Message) {
		if msg.Event == EventJoin && onJoinOK != nil {
			onJoinOK(msg, srv)
		}
	}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return srv, wsURL
}

func TestSocketChannel_JoinAndReceive(t *testing.T) {
	srv, wsURL := startMockServer(t, func(join Message, s *mockPhoenixServer) {
		s.replyOK(join, map[string]any{})
	})

	socket := NewSocket(wsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := socket.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer socket.Disconnect(nil, 1000, "test done")

	ch := socket.Channel("room:lobby", Box(map[string]any{}))

	gotMsg := make(chan Message, 1)
	ch.On("new_msg", func(msg Message) { gotMsg <- msg })

	joined := make(chan struct{})
	push, err := ch.Join()
	if err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	push.Receive(StatusOK, func(BoxedJSON) { close(joined) })

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for join ok")
	}

	if ch.State() != ChannelJoined {
		t.Errorf("State() = %v, want ChannelJoined", ch.State())
	}

	srv.sendToClient(Message{Topic: "room:lobby", Event: "new_msg", Payload: Box(map[string]any{"text": "hi"})})

	select {
	case msg := <-gotMsg:
		body, _ := Unbox[map[string]string](msg.Payload)
		if body["text"] != "hi" {
			t.Errorf("payload text = %q, want %q", body["text"], "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for new_msg")
	}
}

func TestChannel_Join_ErrorReply_SetsErrored(t *testing.T) {
	_, wsURL := startMockServer(t, func(join Message, s *mockPhoenixServer) {
		s.sendToClient(Message{
			JoinRef: join.Ref,
			Ref:     join.Ref,
			Topic:   join.Topic,
			Event:   EventReply,
			Payload: Box(map[string]any{"status": "error", "response": map[string]any{"reason": "unauthorized"}}),
		})
	})

	socket := NewSocket(wsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := socket.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer socket.Disconnect(nil, 1000, "test done")

	ch := socket.Channel("room:lobby", Box(map[string]any{}))
	rejected := make(chan struct{})
	push, _ := ch.Join()
	push.Receive(StatusError, func(BoxedJSON) { close(rejected) })

	select {
	case <-rejected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for join error")
	}

	time.Sleep(20 * time.Millisecond)
	if ch.State() != ChannelErrored {
		t.Errorf("State() = %v, want ChannelErrored", ch.State())
	}
}

func TestChannel_Join_TwiceReturnsErrAlreadyJoined(t *testing.T) {
	_, wsURL := startMockServer(t, func(join Message, s *mockPhoenixServer) {
		s.replyOK(join, map[string]any{})
	})

	socket := NewSocket(wsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	socket.Connect(ctx)
	defer socket.Disconnect(nil, 1000, "test done")

	ch := socket.Channel("room:lobby", Box(map[string]any{}))
	if _, err := ch.Join(); err != nil {
		t.Fatalf("first Join() error: %v", err)
	}
	if _, err := ch.Join(); err != ErrAlreadyJoined {
		t.Errorf("second Join() = %v, want ErrAlreadyJoined", err)
	}
}

func TestChannel_Push_BeforeJoin_ReturnsErrNotJoined(t *testing.T) {
	_, wsURL := startMockServer(t, nil)
	socket := NewSocket(wsURL)
	ch := socket.Channel("room:lobby", Box(map[string]any{}))
	if _, err := ch.Push("shout", Box(map[string]any{})); err != ErrNotJoined {
		t.Errorf("Push() before Join() = %v, want ErrNotJoined", err)
	}
}

func TestChannel_Leave_TriggersClose(t *testing.T) {
	srv, wsURL := startMockServer(t, func(join Message, s *mockPhoenixServer) {
		s.replyOK(join, map[string]any{})
	})

	socket := NewSocket(wsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	socket.Connect(ctx)
	defer socket.Disconnect(nil, 1000, "test done")

	ch := socket.Channel("room:lobby", Box(map[string]any{}))
	joined := make(chan struct{})
	push, _ := ch.Join()
	push.Receive(StatusOK, func(BoxedJSON) { close(joined) })
	<-joined

	// Acknowledge the phx_leave the way a Phoenix server does, so the close
	// comes from the ok reply rather than from the leave push's timeout.
	srv.mu.Lock()
	srv.onMsg = func(msg Message) {
		if msg.Event == EventLeave {
			srv.sendToClient(Message{
				JoinRef: msg.JoinRef,
				Ref:     msg.Ref,
				Topic:   msg.Topic,
				Event:   EventReply,
				Payload: Box(map[string]any{"status": "ok", "response": map[string]any{}}),
			})
		}
	}
	srv.mu.Unlock()

	closed := make(chan struct{})
	ch.On(EventClose, func(Message) { close(closed) })
	ch.Leave()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for local close after leave")
	}
	if ch.State() != ChannelClosed {
		t.Errorf("State() after Leave() = %v, want ChannelClosed", ch.State())
	}
}
