package libmux

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Reply is the terminal outcome of a response-expecting envelope.
type Reply struct {
	ID     string
	Result []byte
	Err    error
}

type pendingEntry struct {
	env   *Envelope
	done  chan Reply
	timer *time.Timer
	sent  bool
}

// counted reports whether the entry occupies an in-flight slot.
func (e *pendingEntry) counted() bool {
	return e.sent && !e.env.heartbeat
}

// pendingTable correlates outbound envelopes with their replies. An entry
// leaves the table exactly once; whoever removes it delivers the Reply and
// stops its timer, so every other trigger turns into a no-op.
type pendingTable struct {
	mu       sync.Mutex
	entries  map[string]*pendingEntry
	inflight int

	// onUnsent runs when an entry that was never written is expired or
	// canceled, so the owner can pull the envelope out of its queue.
	onUnsent func(env *Envelope)
	// onRelease runs whenever a written entry leaves the table.
	onRelease func()

	logger logger
}

func newPendingTable(logger logger) *pendingTable {
	return &pendingTable{
		entries: make(map[string]*pendingEntry),
		logger:  logger.WithField("component", "pending"),
	}
}

// register adds env and arms its timeout. The deadline counts from here.
func (t *pendingTable) register(env *Envelope) *pendingEntry {
	e := &pendingEntry{env: env, done: make(chan Reply, 1)}

	t.mu.Lock()
	t.entries[env.ID] = e
	if env.Timeout > 0 {
		id := env.ID
		e.timer = time.AfterFunc(env.Timeout, func() { t.expire(id) })
	}
	t.mu.Unlock()

	return e
}

func (t *pendingTable) take(id string) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.counted() {
		t.inflight--
	}
	return e, true
}

func (t *pendingTable) finish(e *pendingEntry, r Reply) {
	e.done <- r

	if e.sent {
		if t.onRelease != nil {
			t.onRelease()
		}
	} else if t.onUnsent != nil {
		t.onUnsent(e.env)
	}
}

// markSent flags the entry as written. It reports false when the entry is
// already gone (expired or canceled while queued), in which case the
// envelope must not be written.
func (t *pendingTable) markSent(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return false
	}
	if !e.sent {
		e.sent = true
		if e.counted() {
			t.inflight++
		}
	}
	return true
}

// resolve completes the entry matching in.ID. Unknown ids are ignored.
func (t *pendingTable) resolve(in Inbound) bool {
	e, ok := t.take(in.ID)
	if !ok {
		return false
	}

	r := Reply{ID: in.ID, Result: in.Result}
	if in.Error != nil {
		remote := *in.Error
		remote.Method = e.env.Method
		r.Err = &remote
	}
	t.finish(e, r)
	return true
}

func (t *pendingTable) reject(id string, err error) bool {
	e, ok := t.take(id)
	if !ok {
		return false
	}
	t.finish(e, Reply{ID: id, Err: err})
	return true
}

func (t *pendingTable) expire(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return
	}

	err := errors.Wrapf(ErrRequestTimeout, "%s %s got no reply within %s", e.env.name(), id, e.env.Timeout)
	if t.reject(id, err) {
		t.logger.Debugf("request %s timed out", id)
	}
}

// rejectSent fails every entry already written to a socket that is gone.
// Queued entries stay, they will be written on the next socket.
func (t *pendingTable) rejectSent(err error) int {
	return t.rejectWhere(err, func(e *pendingEntry) bool { return e.sent })
}

// rejectAll fails every entry. Hooks are not run: the caller already
// cleared its queue.
func (t *pendingTable) rejectAll(err error) int {
	return t.rejectWhere(err, func(*pendingEntry) bool { return true })
}

func (t *pendingTable) rejectWhere(err error, match func(*pendingEntry) bool) int {
	t.mu.Lock()
	var victims []*pendingEntry
	for id, e := range t.entries {
		if !match(e) {
			continue
		}
		delete(t.entries, id)
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.sent {
			t.inflight--
		}
		victims = append(victims, e)
	}
	t.mu.Unlock()

	for _, e := range victims {
		e.done <- Reply{ID: e.env.ID, Err: err}
	}
	if len(victims) > 0 && t.onRelease != nil {
		t.onRelease()
	}
	return len(victims)
}

func (t *pendingTable) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
