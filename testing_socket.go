package libmux

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// fakeServer hands out in-memory sockets and plays the backend: every
// data frame written to a socket goes through handler.
type fakeServer struct {
	mu        sync.Mutex
	dials     int
	failDials func(attempt int) bool
	sockets   []*fakeSocket
	handler   func(s *fakeSocket, f wireFrame)

	opened chan *fakeSocket
}

func newFakeServer() *fakeServer {
	return &fakeServer{opened: make(chan *fakeSocket, 64)}
}

// echoReplies answers every response-expecting frame with its params.
func echoReplies(s *fakeSocket, f wireFrame) {
	if f.ExpectResponse {
		s.Reply(f.ID, f.Params)
	}
}

func (f *fakeServer) factory() SocketFactory {
	return func(_ context.Context, recv chan<- Message) Socket {
		return &fakeSocket{server: f, recv: recv, closeC: make(CloseChan)}
	}
}

func (f *fakeServer) setHandler(h func(s *fakeSocket, f wireFrame)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeServer) setFailDials(fail func(attempt int) bool) {
	f.mu.Lock()
	f.failDials = fail
	f.mu.Unlock()
}

func (f *fakeServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// last returns the most recently opened socket.
func (f *fakeServer) last() *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

type fakeSocket struct {
	server *fakeServer
	recv   chan<- Message

	mu      sync.Mutex
	written []Message

	closeC    CloseChan
	closeOnce sync.Once
	closeErr  error
}

func (s *fakeSocket) Open(context.Context) error {
	f := s.server
	f.mu.Lock()
	f.dials++
	attempt := f.dials
	fail := f.failDials != nil && f.failDials(attempt)
	if !fail {
		f.sockets = append(f.sockets, s)
	}
	f.mu.Unlock()

	if fail {
		return errors.Wrapf(ErrCannotConnect, "dial %d refused", attempt)
	}
	select {
	case f.opened <- s:
	default:
	}
	return nil
}

func (s *fakeSocket) Write(m Message) error {
	select {
	case <-s.closeC:
		return ErrConnectionClosed
	default:
	}

	s.mu.Lock()
	s.written = append(s.written, m)
	s.mu.Unlock()

	if !m.Type.IsData() {
		return nil
	}

	s.server.mu.Lock()
	h := s.server.handler
	s.server.mu.Unlock()
	if h == nil {
		return nil
	}
	for _, f := range decodeWireFrames(m.Data) {
		h(s, f)
	}
	return nil
}

func (s *fakeSocket) Close() {
	s.drop(ErrTerminated)
}

// Drop simulates the network going away.
func (s *fakeSocket) Drop() {
	s.drop(errors.Wrap(ErrConnectionClosed, "network unreachable"))
}

func (s *fakeSocket) drop(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closeC)
	})
}

func (s *fakeSocket) CloseErr() error {
	<-s.closeC
	return s.closeErr
}

func (s *fakeSocket) CloseChan() CloseChan {
	return s.closeC
}

// Deliver pushes a raw inbound message.
func (s *fakeSocket) Deliver(m Message) {
	select {
	case s.recv <- m:
	case <-s.closeC:
	}
}

func (s *fakeSocket) DeliverJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.Deliver(NewDataMessage(TextMessage, data))
}

func (s *fakeSocket) Reply(id string, result any) {
	s.DeliverJSON(map[string]any{"id": id, "result": result})
}

func (s *fakeSocket) ReplyError(id string, code int, message string) {
	s.DeliverJSON(map[string]any{"id": id, "error": map[string]any{"code": code, "message": message}})
}

func (s *fakeSocket) Event(typ string, data any) {
	s.DeliverJSON(map[string]any{"type": typ, "data": data})
}

// Frames returns every data message written so far, one entry per
// websocket message, each decoded into its frames.
func (s *fakeSocket) Frames() [][]wireFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]wireFrame
	for _, m := range s.written {
		if m.Type.IsData() {
			out = append(out, decodeWireFrames(m.Data))
		}
	}
	return out
}

// Written returns every message written so far.
func (s *fakeSocket) Written() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.written...)
}

func decodeWireFrames(data []byte) []wireFrame {
	var many []wireFrame
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &many); err != nil {
			panic(err)
		}
		return many
	}
	var one wireFrame
	if err := json.Unmarshal(data, &one); err != nil {
		panic(err)
	}
	return []wireFrame{one}
}
