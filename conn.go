package libmux

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type (
	BatchOptions struct {
		MaxSize int
		MaxWait time.Duration
	}

	HealthOptions struct {
		// Interval between probes. Zero disables the monitor.
		Interval time.Duration
		// MaxMissed consecutive unanswered probes force a reconnect.
		MaxMissed int
		// ProbeMethod is the method name the backend acknowledges.
		ProbeMethod string
	}

	ConnectionOptions struct {
		ServiceType string
		// SessionID is kept across reconnects. Generated when empty.
		SessionID     string
		AutoReconnect bool
		// MaxRetries bounds consecutive reconnect attempts. Negative means
		// unlimited.
		MaxRetries int
		// Priority of the connection itself: high disables batching, low
		// halves the health monitor's probe rate.
		Priority       Priority
		ConnectTimeout time.Duration
		Backoff        backoffCalculator
		MaxQueueDepth  int
		MaxInFlight    int
		Batch          BatchOptions
		Health         HealthOptions
		Codec          Codec
		Logger         logger
	}
)

func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		ServiceType:    DefaultServiceType,
		AutoReconnect:  true,
		MaxRetries:     DefaultMaxRetries,
		Priority:       PriorityNormal,
		ConnectTimeout: DefaultConnectTimeout,
		Backoff:        DefaultBackoff().Calculator(),
		MaxQueueDepth:  DefaultMaxQueueDepth,
		MaxInFlight:    DefaultMaxInFlight,
		Batch:          BatchOptions{MaxSize: DefaultBatchMaxSize, MaxWait: DefaultBatchMaxWait},
		Health: HealthOptions{
			Interval:    DefaultHealthInterval,
			MaxMissed:   DefaultHealthMissed,
			ProbeMethod: DefaultProbeMethod,
		},
		Codec: JSONCodec,
	}
}

// session is the part of a Connection scoped to one physical socket.
type session struct {
	sock Socket
	recv chan Message
	done chan struct{}
}

// Connection owns one physical socket to one logical service endpoint,
// plus everything scoped to it: the dispatch queue, the batch buffer, the
// pending-request table and the topic bus. It survives socket loss by
// reconnecting, and is only torn down by Disconnect.
type Connection struct {
	id        string
	sessionID string
	opts      ConnectionOptions
	newSocket SocketFactory
	codec     Codec
	logger    logger
	emitter   *EventEmitterCallback[EventType, Event]
	bus       *TopicBus
	pending   *pendingTable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	stateC       chan struct{}
	terminated   bool
	socket       Socket
	forced       error
	retries      int
	reconnects   int
	lastErr      error
	lastActivity time.Time
	health       HealthSnapshot
	queue        *dispatchQueue
	batch        *batchBuffer
	outbox       []Event

	wake chan struct{}
}

// NewConnection builds an idle Connection. Nothing is dialed until
// Connect. The emitter may be shared with the owner; nil creates one.
func NewConnection(
	socketFactory SocketFactory,
	opts ConnectionOptions,
	emitter *EventEmitterCallback[EventType, Event],
) *Connection {
	defaults := DefaultConnectionOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.Backoff == nil {
		opts.Backoff = defaults.Backoff
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger()
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Health.ProbeMethod == "" {
		opts.Health.ProbeMethod = defaults.Health.ProbeMethod
	}
	if emitter == nil {
		emitter = NewEventEmitter[EventType, Event]()
	}

	id := uuid.NewString()
	log := opts.Logger.
		WithField("conn", id).
		WithField("service", opts.ServiceType)

	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:        id,
		sessionID: opts.SessionID,
		opts:      opts,
		newSocket: socketFactory,
		codec:     opts.Codec,
		logger:    log,
		emitter:   emitter,
		pending:   newPendingTable(log),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		stateC:    make(chan struct{}),
		queue:     newDispatchQueue(opts.MaxQueueDepth),
		wake:      make(chan struct{}, 1),
	}

	batchSize := opts.Batch.MaxSize
	if opts.Priority == PriorityHigh {
		batchSize = 0
	}
	c.batch = newBatchBuffer(batchSize, opts.Batch.MaxWait, c.batchDue)
	c.pending.onUnsent = c.dropUnsent
	c.pending.onRelease = c.notify
	c.bus = newTopicBus(log, c.codec, c.sendControl)
	emitter.OnPanic(func(t EventType, r any) {
		log.Errorf("%s listener panicked: %v", t, r)
	})

	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) SessionID() string { return c.sessionID }

func (c *Connection) ServiceType() string { return c.opts.ServiceType }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries is the number of reconnect attempts since the last open.
func (c *Connection) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// On registers fn for lifecycle events of type t.
func (c *Connection) On(t EventType, fn func(Event)) *ListenerHandle {
	return c.emitter.On(t, fn)
}

// Subscribe registers listener for topics on this connection's bus.
func (c *Connection) Subscribe(topics []string, listener Listener) (*Subscription, error) {
	return c.bus.Subscribe(topics, listener)
}

// Connect dials the socket unless the connection is already open. When
// another caller is already connecting, or a reconnect is in progress, it
// waits up to the connect timeout for the connection to open.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrConnectionClosed
	}

	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return c.awaitOpen(ctx)
	case StateClosing:
		c.mu.Unlock()
		return ErrConnectionClosed
	}

	c.retries = 0
	c.setState(StateConnecting)
	c.unlockAndEmit()

	s, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.terminated {
			c.mu.Unlock()
			return ErrConnectionClosed
		}
		c.lastErr = err
		reconnect := c.opts.AutoReconnect && c.opts.MaxRetries != 0
		if reconnect {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateClosed)
		}
		c.queueEvent(Event{Type: EventDisconnected, Kind: KindOf(err), Err: err})
		c.unlockAndEmit()

		c.logger.Warnf("cannot open connection: %s", err)
		if reconnect {
			c.startReconnect()
		}
		return err
	}

	return c.open(s, false)
}

// Reconnect restarts a connection that gave up (failed) or was closed
// cleanly. It is the explicit, caller-triggered recovery path.
func (c *Connection) Reconnect(ctx context.Context) error {
	return c.Connect(ctx)
}

func (c *Connection) awaitOpen(ctx context.Context) error {
	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		state, changed, terminated, lastErr := c.state, c.stateC, c.terminated, c.lastErr
		c.mu.Unlock()

		switch {
		case terminated:
			return ErrConnectionClosed
		case state == StateOpen:
			return nil
		case state == StateFailed:
			return errors.Wrapf(ErrRetriesExhausted, "%v", lastErr)
		case state == StateClosed || state == StateIdle:
			return errors.Wrapf(ErrConnectTimeout, "connection %s while waiting to open", state)
		}

		select {
		case <-changed:
		case <-timer.C:
			return errors.Wrapf(ErrConnectTimeout, "not open after %s", c.opts.ConnectTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) dial(ctx context.Context) (*session, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	recv := make(chan Message, 64)
	sock := c.newSocket(c.ctx, recv)

	if err := sock.Open(dctx); err != nil {
		sock.Close()
		switch {
		case errors.Is(dctx.Err(), context.DeadlineExceeded):
			return nil, errors.Wrapf(ErrConnectTimeout, "%s: %s", c.opts.ConnectTimeout, err)
		case errors.Is(err, ErrCannotConnect), errors.Is(err, ErrRateLimit):
			return nil, err
		default:
			return nil, errors.Wrap(ErrCannotConnect, err.Error())
		}
	}

	return &session{sock: sock, recv: recv, done: make(chan struct{})}, nil
}

// open installs a freshly dialed socket. Active topics are re-issued on
// the socket before the inbound loop starts, so no event for them can be
// processed ahead of the subscription.
func (c *Connection) open(s *session, reconnected bool) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		s.sock.Close()
		return ErrConnectionClosed
	}

	c.socket = s.sock
	c.forced = nil
	c.retries = 0
	c.lastErr = nil
	c.lastActivity = time.Now()
	if reconnected {
		c.reconnects++
	}
	c.setState(StateOpen)
	topics := c.bus.Topics()
	c.queueEvent(Event{Type: EventConnected, Reconnected: reconnected})
	// under c.mu: Disconnect waits on wg once terminated is set
	c.wg.Add(2)
	c.mu.Unlock()

	if len(topics) > 0 {
		if err := c.writeGroup(s.sock, []*Envelope{newControlEnvelope(ControlSubscribe, topics)}); err != nil {
			c.logger.Warnf("cannot re-issue subscriptions %v: %s", topics, err)
		} else {
			c.logger.Debugf("re-issued subscriptions %v", topics)
		}
	}

	go c.serve(s)
	go c.monitor(s)

	c.logger.Infof("connection open (session %s, reconnected=%t)", c.sessionID, reconnected)
	c.emitOutbox()
	c.notify()

	return nil
}

// serve is the only reader of inbound frames and the only writer of the
// socket for the lifetime of s.
func (c *Connection) serve(s *session) {
	defer c.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-s.recv:
			c.handleMessage(s, m)
		case <-c.wake:
			c.drain(s)
		case <-s.sock.CloseChan():
			c.flushInbound(s)
			c.handleSocketClosed(s)
			return
		}
	}
}

// flushInbound handles frames the socket delivered before it closed.
func (c *Connection) flushInbound(s *session) {
	for {
		select {
		case m := <-s.recv:
			c.handleMessage(s, m)
		default:
			return
		}
	}
}

func (c *Connection) handleMessage(s *session, m Message) {
	switch {
	case m.Type.IsPing():
		replyPingWithPong(s.sock, m)
	case m.Type.IsPong():
		c.touch()
	case m.Type.IsClose():
		c.logger.Debugf("peer sent close %d: %s", m.Code, m.Data)
	case m.Type.IsData():
		c.touch()
		frames, err := c.codec.DecodeFrame(m.Data)
		if err != nil {
			c.logger.Warnf("dropping inbound frame: %s", err)
			return
		}
		for _, in := range frames {
			if in.IsReply() {
				if !c.pending.resolve(in) {
					c.logger.Debugf("discarding unmatched reply %s", in.ID)
				}
				continue
			}
			c.bus.Dispatch(TopicEvent{
				Type:   in.Type,
				ID:     in.ID,
				Topics: in.Topics,
				Data:   in.Data,
				codec:  c.codec,
			})
		}
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// drain writes whatever the queue and batch allow, in dispatch order.
func (c *Connection) drain(s *session) {
	for {
		groups := c.nextGroups()
		if len(groups) == 0 {
			return
		}
		for _, g := range groups {
			if err := c.writeGroup(s.sock, g); err != nil {
				c.logger.Warnf("write failed, %d envelopes lost with the socket: %s", len(g), err)
				return
			}
		}
	}
}

// nextGroups pops the next frame(s) to write. Each group becomes one
// frame; a group of several envelopes is a flushed batch.
func (c *Connection) nextGroups() [][]*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return nil
	}

	if c.batch.due {
		return c.flushBatch(nil)
	}

	for {
		env := c.queue.peek()
		if env == nil {
			return nil
		}
		if c.atInFlightCap(env) {
			// heartbeats still go out on a saturated connection
			hb := c.queue.takeFirst(func(e *Envelope) bool { return e.heartbeat })
			if hb == nil {
				return nil
			}
			if !c.markSent(hb) {
				continue
			}
			return [][]*Envelope{{hb}}
		}
		c.queue.pop()

		if env.batchable() && c.batch.enabled() {
			if c.batch.add(env) || c.batch.due {
				return c.flushBatch(nil)
			}
			continue
		}

		// anything that bypasses batching flushes the open batch first
		if !c.markSent(env) {
			continue
		}
		return c.flushBatch([]*Envelope{env})
	}
}

// flushBatch closes the open batch (if any) and returns it ahead of tail.
func (c *Connection) flushBatch(tail []*Envelope) [][]*Envelope {
	var groups [][]*Envelope

	if c.batch.len() > 0 {
		members := c.batch.take()
		live := members[:0]
		for _, env := range members {
			if c.markSent(env) {
				live = append(live, env)
			}
		}
		if len(live) > 0 {
			groups = append(groups, live)
		}
	}
	if len(tail) > 0 {
		groups = append(groups, tail)
	}
	return groups
}

func (c *Connection) atInFlightCap(env *Envelope) bool {
	return env.ExpectResponse && !env.heartbeat &&
		c.opts.MaxInFlight > 0 && c.pending.inFlight() >= c.opts.MaxInFlight
}

func (c *Connection) markSent(env *Envelope) bool {
	if !env.ExpectResponse {
		return true
	}
	return c.pending.markSent(env.ID)
}

func (c *Connection) writeGroup(sock Socket, group []*Envelope) error {
	var payload any
	if len(group) == 1 {
		payload = group[0].frame()
	} else {
		frames := make([]wireFrame, len(group))
		for i, env := range group {
			frames[i] = env.frame()
		}
		payload = frames
	}

	data, err := c.codec.Marshal(payload)
	if err != nil {
		encErr := errors.Wrap(ErrProtocol, "encode frame: "+err.Error())
		for _, env := range group {
			if env.ExpectResponse {
				c.pending.reject(env.ID, encErr)
			}
		}
		c.logger.Errorf("%s", encErr)
		return nil
	}

	return sock.Write(NewDataMessage(c.codec.FrameType(), data))
}

func (c *Connection) handleSocketClosed(s *session) {
	reason := s.sock.CloseErr()

	c.mu.Lock()
	if c.terminated || c.socket != s.sock {
		c.mu.Unlock()
		return
	}
	c.socket = nil

	if c.forced != nil {
		reason = c.forced
	}
	if c.batch.len() > 0 {
		c.queue.pushFront(c.batch.take())
	}

	clean := reason == nil || (c.forced == nil && errors.Is(reason, ErrTerminated))
	c.lastErr = reason

	next := StateClosed
	if !clean && c.opts.AutoReconnect {
		next = StateReconnecting
	}
	c.setState(next)
	c.queueEvent(Event{Type: EventDisconnected, Kind: KindConnectionLost, Err: reason})
	c.mu.Unlock()

	lost := errors.Wrapf(ErrConnectionLost, "socket closed: %v", reason)
	if n := c.pending.rejectSent(lost); n > 0 {
		c.logger.Warnf("rejected %d in-flight requests: %s", n, lost)
	}
	c.logger.Infof("socket closed (clean=%t): %v", clean, reason)

	c.emitOutbox()

	if next == StateReconnecting {
		c.startReconnect()
	}
}

// ForceReconnect drops the current socket as if the network failed. With
// auto-reconnect the usual backoff loop takes over.
func (c *Connection) ForceReconnect(reason error) {
	if reason == nil {
		reason = ErrConnectionLost
	}

	c.mu.Lock()
	if c.state != StateOpen || c.socket == nil {
		c.mu.Unlock()
		return
	}
	c.forced = reason
	sock := c.socket
	c.mu.Unlock()

	c.logger.Warnf("forcing reconnect: %s", reason)
	sock.Close()
}

// Send accepts env for delivery and returns its pending call. Envelopes
// are queued while the connection is not open.
func (c *Connection) Send(env *Envelope) (*Call, error) {
	c.mu.Lock()
	if c.terminated || c.state == StateClosing {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.state == StateFailed {
		lastErr := c.lastErr
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrRetriesExhausted, "%v", lastErr)
	}

	var entry *pendingEntry
	if env.ExpectResponse {
		entry = c.pending.register(env)
	}
	dropped := c.queue.push(env)
	depth := c.queue.len()
	c.mu.Unlock()

	if err := c.rejectDropped(dropped, depth); err != nil && dropped == env {
		return nil, err
	}

	c.notify()
	return &Call{env: env, entry: entry, conn: c}, nil
}

// rejectDropped fails an envelope the queue evicted on overflow. It
// returns nil when nothing was dropped.
func (c *Connection) rejectDropped(dropped *Envelope, depth int) error {
	if dropped == nil {
		return nil
	}
	err := errors.Wrapf(ErrQueueOverflow, "queue depth %d reached, dropped %s %s (%s)",
		depth, dropped.name(), dropped.ID, dropped.Priority)
	c.logger.Warnf("%s", err)
	if dropped.ExpectResponse {
		c.pending.reject(dropped.ID, err)
	}
	return err
}

// Request sends env and waits for its reply.
func (c *Connection) Request(ctx context.Context, env *Envelope) ([]byte, error) {
	call, err := c.Send(env)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

func (c *Connection) cancelCall(env *Envelope, err error) {
	c.pending.reject(env.ID, err)
}

// dropUnsent pulls an expired or canceled envelope out of the queue or
// the open batch.
func (c *Connection) dropUnsent(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.queue.remove(env.ID) {
		c.batch.remove(env.ID)
	}
}

func (c *Connection) batchDue(gen uint64) {
	c.mu.Lock()
	due := c.batch.expire(gen)
	c.mu.Unlock()
	if due {
		c.notify()
	}
}

func (c *Connection) sendControl(ct ControlType, topics []string) {
	c.mu.Lock()
	if c.state != StateOpen {
		// re-issued by open()
		c.mu.Unlock()
		return
	}
	dropped := c.queue.push(newControlEnvelope(ct, topics))
	depth := c.queue.len()
	c.mu.Unlock()

	_ = c.rejectDropped(dropped, depth)
	c.notify()
}

func (c *Connection) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Disconnect tears the connection down for good: the socket is closed,
// every timer stopped and every outstanding request rejected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.setState(StateClosing)
	sock := c.socket
	c.socket = nil
	c.queue.drain()
	c.batch.take()
	c.unlockAndEmit()

	c.cancel()
	if sock != nil {
		sock.Close()
	}

	if n := c.pending.rejectAll(errors.Wrap(ErrConnectionClosed, "disconnected")); n > 0 {
		c.logger.Infof("rejected %d outstanding requests on disconnect", n)
	}

	c.wg.Wait()

	c.mu.Lock()
	c.setState(StateClosed)
	c.queueEvent(Event{Type: EventDisconnected, Kind: KindConnectionClosed, Err: ErrConnectionClosed})
	c.unlockAndEmit()

	c.logger.Infof("connection disconnected")
}

// setState must be called with c.mu held.
func (c *Connection) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	if !from.canTransition(to) {
		c.logger.Errorf("unexpected transition %s -> %s", from, to)
	}
	c.state = to
	close(c.stateC)
	c.stateC = make(chan struct{})
	c.queueEvent(Event{Type: EventStateChanged, State: to, Previous: from})
}

// queueEvent must be called with c.mu held. Events are emitted once the
// lock is released so listeners may call back into the connection.
func (c *Connection) queueEvent(ev Event) {
	ev.ConnectionID = c.id
	ev.At = time.Now()
	if ev.State == 0 && ev.Type != EventStateChanged {
		ev.State = c.state
	}
	c.outbox = append(c.outbox, ev)
}

func (c *Connection) unlockAndEmit() {
	c.mu.Unlock()
	c.emitOutbox()
}

func (c *Connection) emitOutbox() {
	c.mu.Lock()
	events := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, ev := range events {
		c.emitter.Emit(ev.Type, ev)
	}
}

// Call is the deferred result of a sent envelope.
type Call struct {
	env   *Envelope
	entry *pendingEntry
	conn  *Connection
}

func (c *Call) Envelope() *Envelope { return c.env }

// Done delivers the single Reply. Nil for fire-and-forget envelopes.
func (c *Call) Done() <-chan Reply {
	if c.entry == nil {
		return nil
	}
	return c.entry.done
}

// Wait blocks for the reply. Canceling ctx cancels the call: the pending
// entry is removed and, if the envelope was not written yet, it never
// will be.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	if c.entry == nil {
		return nil, nil
	}

	select {
	case r := <-c.entry.done:
		return r.Result, r.Err
	case <-ctx.Done():
		c.Cancel(ctx.Err())
		r := <-c.entry.done
		return r.Result, r.Err
	}
}

// Cancel rejects the call with err unless it already completed.
func (c *Call) Cancel(err error) {
	if c.entry == nil {
		return
	}
	if err == nil {
		err = context.Canceled
	}
	c.conn.cancelCall(c.env, err)
}
