package phx

import (
	"context"
	"sync"
)

// fakeTransport is a Transport test double that never touches the
// network: Connect succeeds synchronously and Send records frames for
// inspection, letting tests drive Socket/Channel/Push logic with a
// fakeExecutor instead of real sockets and real timers.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []string
	onOpen    func()
	onClose   func(code int, reason string)
	onError   func(error)
	onMessage func(data string)
	closed    bool
}

func newFakeTransportFactory(reg *fakeTransportRegistry) TransportFactory {
	return func() Transport {
		t := &fakeTransport{}
		reg.mu.Lock()
		reg.last = t
		reg.mu.Unlock()
		return t
	}
}

// fakeTransportRegistry hands the test a handle to the most recently
// created fakeTransport, since Socket creates it internally via the
// factory.
type fakeTransportRegistry struct {
	mu   sync.Mutex
	last *fakeTransport
}

func (r *fakeTransportRegistry) transport() *fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (t *fakeTransport) Connect(ctx context.Context, endpoint string, onOpen func(), onClose func(code int, reason string), onError func(error), onMessage func(data string)) error {
	t.onOpen = onOpen
	t.onClose = onClose
	t.onError = onError
	t.onMessage = onMessage
	onOpen()
	return nil
}

func (t *fakeTransport) Send(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrSocketClosed
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Closed implements the optional transportCloser extension Socket.Disconnect
// polls before invoking its callback.
func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sentMessages(s Serializer) []Message {
	t.mu.Lock()
	frames := append([]string(nil), t.sent...)
	t.mu.Unlock()

	out := make([]Message, 0, len(frames))
	for _, f := range frames {
		msg, err := s.Deserialize(f)
		if err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// deliver simulates the server sending data down to the client.
func (t *fakeTransport) deliver(s Serializer, msg Message) {
	data, _ := s.Serialize(msg)
	t.onMessage(data)
}
