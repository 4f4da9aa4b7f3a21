package libmux

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type (
	serviceOptions struct {
		logger        logger
		socketFactory SocketFactory
		legacy        LegacyRequester
		header        http.Header
		dialer        *websocket.Dialer
	}

	ServiceOption func(*serviceOptions)

	// Service implements Client on top of one Connection, with an optional
	// legacy requester used while the connection is unavailable.
	Service struct {
		cfg     *Config
		conn    *Connection
		legacy  LegacyRequester
		emitter *EventEmitterCallback[EventType, Event]
		logger  logger

		connected atomic.Bool
		destroyed atomic.Bool
		mode      atomic.Uint32

		handles []*ListenerHandle
		wg      sync.WaitGroup
	}
)

var _ Client = (*Service)(nil)

func WithLogger(l logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// WithSocketFactory replaces the websocket transport.
func WithSocketFactory(f SocketFactory) ServiceOption {
	return func(o *serviceOptions) { o.socketFactory = f }
}

// WithLegacyRequester enables fallback through r, overriding the legacy
// section of the config.
func WithLegacyRequester(r LegacyRequester) ServiceOption {
	return func(o *serviceOptions) { o.legacy = r }
}

// WithHTTPHeader adds a header to every websocket handshake.
func WithHTTPHeader(key, value string) ServiceOption {
	return func(o *serviceOptions) { o.header.Add(key, value) }
}

func WithDialer(d *websocket.Dialer) ServiceOption {
	return func(o *serviceOptions) { o.dialer = d }
}

// NewService builds the facade. Nothing is dialed until the first call
// or subscription.
func NewService(cfg *Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := serviceOptions{header: http.Header{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	log := o.logger.WithField("service", cfg.ServiceType)

	connOpts := cfg.ConnectionOptions()
	connOpts.Logger = o.logger
	connOpts.SessionID = uuid.NewString()

	if o.socketFactory == nil {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "url")
		}
		repo := NewOpenConnectionParamsRepo(log, withSession(
			StaticOpenConnectionParams(*u, o.header),
			cfg.ServiceType,
			connOpts.SessionID,
		))
		o.socketFactory = NewWebsocketFactory(log, o.dialer, repo, ErrorAdapters{})
	}

	if o.legacy == nil && cfg.Legacy.Enabled {
		restOpts := []RESTOption{WithRESTLogger(log), WithRESTTimeout(cfg.Legacy.Timeout)}
		for k, v := range cfg.Legacy.Headers {
			restOpts = append(restOpts, WithRESTHeader(k, v))
		}
		o.legacy = NewRESTRequester(cfg.Legacy.BaseURL, restOpts...)
	}

	emitter := NewEventEmitter[EventType, Event]()

	s := &Service{
		cfg:     cfg,
		conn:    NewConnection(o.socketFactory, connOpts, emitter),
		legacy:  o.legacy,
		emitter: emitter,
		logger:  log,
	}

	s.handles = append(s.handles,
		emitter.On(EventConnected, func(Event) { s.connected.Store(true) }),
		emitter.On(EventDisconnected, func(Event) { s.connected.Store(false) }),
		emitter.On(EventFailed, func(ev Event) {
			s.connected.Store(false)
			s.logger.Errorf("connection failed, call Reconnect to retry: %v", ev.Err)
		}),
	)

	return s, nil
}

// Connection exposes the underlying connection.
func (s *Service) Connection() *Connection { return s.conn }

func (s *Service) envelope(method string, params any, opts ...EnvelopeOption) *Envelope {
	base := []EnvelopeOption{WithPriority(PriorityHigh), WithTimeout(s.cfg.Request.Timeout)}
	if s.cfg.Request.Retries != nil {
		base = append(base, WithRetries(*s.cfg.Request.Retries))
	}
	return NewEnvelope(method, params, append(base, opts...)...)
}

// do runs env on the selected transport, resubmitting it while the
// timeout retry budget lasts.
func (s *Service) do(ctx context.Context, env *Envelope) ([]byte, Codec, error) {
	for {
		t, err := s.selectTransport(ctx, env)
		if err != nil {
			return nil, nil, err
		}

		res, codec, err := t.roundTrip(ctx, env)
		if err == nil {
			return res, codec, nil
		}
		if errors.Is(err, ErrRequestTimeout) && env.Retries > 0 && ctx.Err() == nil {
			s.logger.Debugf("%s timed out on %s transport, %d retries left", env.Method, t.kind(), env.Retries)
			env = env.Retry()
			continue
		}
		return nil, nil, err
	}
}

// fail reports a terminally failed operation and returns err unchanged.
func (s *Service) fail(method string, err error) error {
	kind := KindOf(err)
	if kind == KindCanceled {
		return err
	}

	s.logger.Warnf("%s failed (%s): %s", method, kind, err)
	s.emitter.Emit(EventOperationFailed, Event{
		Type:         EventOperationFailed,
		ConnectionID: s.conn.ID(),
		At:           time.Now(),
		State:        s.conn.State(),
		Method:       method,
		Kind:         kind,
		Err:          err,
	})
	return err
}

func call[T any](ctx context.Context, s *Service, method string, params any, opts ...EnvelopeOption) (T, error) {
	var out T

	res, codec, err := s.do(ctx, s.envelope(method, params, opts...))
	if err != nil {
		return out, s.fail(method, err)
	}
	if err := codec.Unmarshal(res, &out); err != nil {
		return out, s.fail(method, errors.Wrapf(ErrProtocol, "decode %s result: %s", method, err))
	}
	return out, nil
}

// exec is call for methods whose result carries nothing.
func (s *Service) exec(ctx context.Context, method string, params any, opts ...EnvelopeOption) error {
	if _, _, err := s.do(ctx, s.envelope(method, params, opts...)); err != nil {
		return s.fail(method, err)
	}
	return nil
}

func (s *Service) ReadDirectory(ctx context.Context, path string) ([]FileEntry, error) {
	return call[[]FileEntry](ctx, s, MethodReadDirectory, pathParams{Path: path})
}

func (s *Service) ReadFile(ctx context.Context, path string) (FileContent, error) {
	return call[FileContent](ctx, s, MethodReadFile, pathParams{Path: path})
}

func (s *Service) WriteFile(ctx context.Context, path, content string) error {
	return s.exec(ctx, MethodWriteFile, writeParams{Path: path, Content: content})
}

func (s *Service) CreatePath(ctx context.Context, path string, directory bool) error {
	return s.exec(ctx, MethodCreatePath, createParams{Path: path, Directory: directory})
}

func (s *Service) DeletePath(ctx context.Context, path string) error {
	return s.exec(ctx, MethodDeletePath, pathParams{Path: path})
}

func (s *Service) MovePath(ctx context.Context, from, to string) error {
	return s.exec(ctx, MethodMovePath, moveParams{From: from, To: to})
}

func (s *Service) Stage(ctx context.Context, paths ...string) error {
	return s.exec(ctx, MethodStage, pathsParams{Paths: paths})
}

func (s *Service) Unstage(ctx context.Context, paths ...string) error {
	return s.exec(ctx, MethodUnstage, pathsParams{Paths: paths})
}

func (s *Service) Commit(ctx context.Context, message string) (CommitResult, error) {
	return call[CommitResult](ctx, s, MethodCommit, commitParams{Message: message})
}

// GitStatus is polled in the background, so it is low priority and may
// share a frame with other polls.
func (s *Service) GitStatus(ctx context.Context) (GitStatus, error) {
	return call[GitStatus](ctx, s, MethodGitStatus, nil, WithPriority(PriorityLow), WithBatchable())
}

// Subscribe registers listener and makes sure a connection is on its way,
// so the topics get subscribed on the backend once it opens.
func (s *Service) Subscribe(topics []string, listener Listener) (*Subscription, error) {
	if s.destroyed.Load() {
		return nil, ErrConnectionClosed
	}

	sub, err := s.conn.Subscribe(topics, listener)
	if err != nil {
		return nil, err
	}

	switch s.conn.State() {
	case StateIdle, StateClosed:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.conn.Connect(context.Background()); err != nil {
				s.logger.Warnf("lazy connect for subscription failed: %s", err)
			}
		}()
	}
	return sub, nil
}

func (s *Service) On(t EventType, fn func(Event)) *ListenerHandle {
	return s.emitter.On(t, fn)
}

func (s *Service) Connected() bool { return s.connected.Load() }

func (s *Service) State() State { return s.conn.State() }

func (s *Service) Health() HealthSnapshot { return s.conn.Health() }

func (s *Service) Reconnect(ctx context.Context) error {
	if s.destroyed.Load() {
		return ErrConnectionClosed
	}
	return s.conn.Reconnect(ctx)
}

func (s *Service) Destroy() {
	if s.destroyed.Swap(true) {
		return
	}

	s.conn.Disconnect()
	s.wg.Wait()

	for _, h := range s.handles {
		h.Off()
	}
	s.emitter.Close()
	s.logger.Infof("service destroyed")
}
