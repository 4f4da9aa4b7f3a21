package libmux

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, srv *fakeServer, legacy LegacyRequester, mutate func(*Config)) *Service {
	t.Helper()

	cfg := DefaultConfig("ws://backend.test/socket")
	retries := 1
	cfg.Connection.MaxRetries = &retries
	cfg.Connection.ConnectTimeout = time.Second
	cfg.Connection.Backoff.Kind = BackoffFixed
	cfg.Connection.Backoff.Min = 5 * time.Millisecond
	cfg.Request.Timeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	opts := []ServiceOption{WithSocketFactory(srv.factory()), WithLogger(NopLogger())}
	if legacy != nil {
		opts = append(opts, WithLegacyRequester(legacy))
	}

	svc, err := NewService(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Destroy)
	return svc
}

var fileReply = map[string]any{"path": "a.txt", "content": "hello", "size": 5}

func readFileHandler(s *fakeSocket, f wireFrame) {
	if f.Method == MethodReadFile {
		s.Reply(f.ID, fileReply)
	}
}

func TestService_ReadFileOverConnection(t *testing.T) {
	srv := newFakeServer()
	srv.setHandler(readFileHandler)
	svc := newTestService(t, srv, nil, nil)

	assert.Equal(t, StateIdle, svc.State())

	fc, err := svc.ReadFile(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, FileContent{Path: "a.txt", Content: "hello", Size: 5}, fc)
	assert.True(t, svc.Connected())
	assert.Equal(t, StateOpen, svc.State())

	frames := srv.last().Frames()
	require.NotEmpty(t, frames)
	f := frames[0][0]
	assert.Equal(t, PriorityHigh.String(), f.Priority)
	assert.True(t, f.ExpectResponse)
	assert.Equal(t, map[string]any{"path": "a.txt"}, f.Params)
}

func TestService_LegacyFallbackKeepsResultShape(t *testing.T) {
	srv := newFakeServer()
	srv.setFailDials(func(int) bool { return true })

	legacy := &mockLegacyRequester{}
	legacy.On("Do", mock.Anything, MethodReadFile, pathParams{Path: "a.txt"}, mock.Anything).
		Return([]byte(`{"path":"a.txt","content":"hello","size":5}`), nil)

	svc := newTestService(t, srv, legacy, nil)

	var fallbacks atomic.Int32
	svc.On(EventFallback, func(ev Event) {
		fallbacks.Add(1)
		assert.Equal(t, MethodReadFile, ev.Method)
	})

	for i := 0; i < 2; i++ {
		fc, err := svc.ReadFile(context.Background(), "a.txt")
		require.NoError(t, err)
		assert.Equal(t, FileContent{Path: "a.txt", Content: "hello", Size: 5}, fc)
	}

	assert.Equal(t, int32(1), fallbacks.Load())
	assert.False(t, svc.Connected())
	legacy.AssertNumberOfCalls(t, "Do", 2)
}

func TestService_ReturnsToConnectionOnceOpen(t *testing.T) {
	srv := newFakeServer()
	srv.setHandler(readFileHandler)
	srv.setFailDials(func(attempt int) bool { return attempt == 1 })

	legacy := &mockLegacyRequester{}
	legacy.On("Do", mock.Anything, MethodReadFile, mock.Anything, mock.Anything).
		Return([]byte(`{"path":"a.txt","content":"from legacy","size":11}`), nil).
		Once()

	svc := newTestService(t, srv, legacy, nil)

	fc, err := svc.ReadFile(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "from legacy", fc.Content)

	require.Eventually(t, svc.Connected, waitFor, 5*time.Millisecond)

	fc, err = svc.ReadFile(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", fc.Content)
	legacy.AssertExpectations(t)
}

func TestService_FailedWithoutLegacy(t *testing.T) {
	srv := newFakeServer()
	srv.setFailDials(func(int) bool { return true })
	svc := newTestService(t, srv, nil, func(cfg *Config) {
		disabled := false
		cfg.Connection.AutoReconnect = &disabled
	})

	_, err := svc.ReadDirectory(context.Background(), "/")
	assert.ErrorIs(t, err, ErrCannotConnect)
	assert.Equal(t, StateClosed, svc.State())
}

func TestService_OperationFailedEvent(t *testing.T) {
	srv := newFakeServer()
	srv.setHandler(func(s *fakeSocket, f wireFrame) {
		if f.Method == MethodDeletePath {
			s.ReplyError(f.ID, 404, "no such path")
		}
	})
	svc := newTestService(t, srv, nil, nil)

	var (
		mu     sync.Mutex
		failed []Event
	)
	svc.On(EventOperationFailed, func(ev Event) {
		mu.Lock()
		failed = append(failed, ev)
		mu.Unlock()
	})

	err := svc.DeletePath(context.Background(), "missing")

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, 404, remote.Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.Equal(t, MethodDeletePath, failed[0].Method)
	assert.Equal(t, KindRemote, failed[0].Kind)
}

func TestService_CanceledCallIsNotReported(t *testing.T) {
	srv := newFakeServer()
	srv.setHandler(func(*fakeSocket, wireFrame) {})
	svc := newTestService(t, srv, nil, nil)

	var reported atomic.Int32
	svc.On(EventOperationFailed, func(Event) { reported.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := svc.ReadDirectory(ctx, "/")
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Zero(t, reported.Load())
}

func TestService_RetriesTimedOutRequest(t *testing.T) {
	srv := newFakeServer()
	var attempts atomic.Int32
	srv.setHandler(func(s *fakeSocket, f wireFrame) {
		if f.Method != MethodReadFile {
			return
		}
		if attempts.Add(1) > 1 {
			s.Reply(f.ID, fileReply)
		}
	})
	svc := newTestService(t, srv, nil, func(cfg *Config) {
		cfg.Request.Timeout = 50 * time.Millisecond
		retries := 1
		cfg.Request.Retries = &retries
	})

	fc, err := svc.ReadFile(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", fc.Content)
	assert.Equal(t, int32(2), attempts.Load())

	frames := srv.last().Frames()
	require.Len(t, frames, 2)
	assert.NotEqual(t, frames[0][0].ID, frames[1][0].ID)
}

func TestService_TimeoutBudgetExhausted(t *testing.T) {
	srv := newFakeServer()
	var attempts atomic.Int32
	srv.setHandler(func(_ *fakeSocket, f wireFrame) {
		if f.Method == MethodCommit {
			attempts.Add(1)
		}
	})
	svc := newTestService(t, srv, nil, func(cfg *Config) {
		cfg.Request.Timeout = 20 * time.Millisecond
		retries := 2
		cfg.Request.Retries = &retries
	})

	_, err := svc.Commit(context.Background(), "wip")
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestService_SubscribeConnectsLazily(t *testing.T) {
	srv := newFakeServer()
	svc := newTestService(t, srv, nil, nil)

	got := make(chan PathEvent, 1)
	sub, err := svc.Subscribe([]string{TopicPathCreated}, func(ev TopicEvent) {
		var pe PathEvent
		if ev.Decode(&pe) == nil {
			got <- pe
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var sock *fakeSocket
	select {
	case sock = <-srv.opened:
	case <-time.After(waitFor):
		t.Fatal("subscription did not open a connection")
	}
	require.Eventually(t, func() bool { return svc.State() == StateOpen }, waitFor, 5*time.Millisecond)

	frames := sock.Frames()
	require.NotEmpty(t, frames)
	assert.Equal(t, string(ControlSubscribe), frames[0][0].Type)
	assert.Equal(t, []string{TopicPathCreated}, frames[0][0].Topics)

	sock.Event(TopicPathCreated, map[string]any{"path": "new.txt", "isDir": false})

	select {
	case pe := <-got:
		assert.Equal(t, "new.txt", pe.Path)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
}

func TestService_Destroy(t *testing.T) {
	srv := newFakeServer()
	srv.setHandler(readFileHandler)
	svc := newTestService(t, srv, nil, nil)

	_, err := svc.ReadFile(context.Background(), "a.txt")
	require.NoError(t, err)

	svc.Destroy()
	svc.Destroy()

	assert.False(t, svc.Connected())
	_, err = svc.ReadFile(context.Background(), "a.txt")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = svc.Subscribe([]string{TopicStatusChanged}, func(TopicEvent) {})
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, svc.Reconnect(context.Background()), ErrConnectionClosed)
}

func TestNewService_RejectsInvalidConfig(t *testing.T) {
	_, err := NewService(DefaultConfig("http://backend.test"))
	assert.Error(t, err)

	_, err = NewService(nil)
	assert.Error(t, err)
}
