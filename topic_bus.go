package libmux

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// WildcardTopic receives every event. It is local to the bus and never
// subscribed on the backend.
const WildcardTopic = "*"

// TopicEvent is a server-pushed event. Data stays encoded until Decode.
type TopicEvent struct {
	ID     string
	Type   string
	Topics []string
	Data   []byte

	codec Codec
}

// Decode unmarshals the event payload into v with the connection codec.
func (e TopicEvent) Decode(v any) error {
	codec := e.codec
	if codec == nil {
		codec = JSONCodec
	}
	if err := codec.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(ErrProtocol, "decode %s event: %s", e.Type, err)
	}
	return nil
}

type Listener func(TopicEvent)

type controlSender func(ct ControlType, topics []string)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id     uint64
	topics []string
	bus    *TopicBus
	once   sync.Once
}

func (s *Subscription) Topics() []string {
	return append([]string(nil), s.topics...)
}

// Unsubscribe removes this handle's listener. Other handles on the same
// topics are unaffected. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.id) })
}

type busEntry struct {
	id       uint64
	topics   map[string]struct{}
	listener Listener
}

// TopicBus fans server events out to local listeners and keeps the set of
// topics the backend must be subscribed to. Listeners run synchronously
// in subscription order; a panicking listener is logged and skipped.
type TopicBus struct {
	mu      sync.RWMutex
	entries []*busEntry
	refs    map[string]int
	nextID  uint64

	codec  Codec
	send   controlSender
	logger logger
}

func newTopicBus(logger logger, codec Codec, send controlSender) *TopicBus {
	return &TopicBus{
		refs:   make(map[string]int),
		codec:  codec,
		send:   send,
		logger: logger.WithField("component", "topic_bus"),
	}
}

// NewTopicBus builds a standalone bus that never talks to a backend.
func NewTopicBus(logger logger) *TopicBus {
	if logger == nil {
		logger = NopLogger()
	}
	return newTopicBus(logger, JSONCodec, nil)
}

func (b *TopicBus) Subscribe(topics []string, listener Listener) (*Subscription, error) {
	if listener == nil {
		return nil, errors.New("nil listener")
	}

	set := make(map[string]struct{}, len(topics))
	ordered := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		if _, ok := set[t]; ok {
			continue
		}
		set[t] = struct{}{}
		ordered = append(ordered, t)
	}
	if len(ordered) == 0 {
		return nil, errors.New("no topics to subscribe to")
	}

	b.mu.Lock()
	b.nextID++
	entry := &busEntry{id: b.nextID, topics: set, listener: listener}
	b.entries = append(b.entries, entry)

	var added []string
	for _, t := range ordered {
		if t == WildcardTopic {
			continue
		}
		b.refs[t]++
		if b.refs[t] == 1 {
			added = append(added, t)
		}
	}
	b.mu.Unlock()

	if len(added) > 0 && b.send != nil {
		b.send(ControlSubscribe, added)
	}
	b.logger.Debugf("subscription %d on %v", entry.id, ordered)

	return &Subscription{id: entry.id, topics: ordered, bus: b}, nil
}

func (b *TopicBus) remove(id uint64) {
	b.mu.Lock()
	var removed []string
	for i, e := range b.entries {
		if e.id != id {
			continue
		}
		next := make([]*busEntry, 0, len(b.entries)-1)
		next = append(next, b.entries[:i]...)
		next = append(next, b.entries[i+1:]...)
		b.entries = next

		for t := range e.topics {
			if t == WildcardTopic {
				continue
			}
			b.refs[t]--
			if b.refs[t] <= 0 {
				delete(b.refs, t)
				removed = append(removed, t)
			}
		}
		break
	}
	b.mu.Unlock()

	sort.Strings(removed)
	if len(removed) > 0 && b.send != nil {
		b.send(ControlUnsubscribe, removed)
	}
	b.logger.Debugf("subscription %d removed", id)
}

// Topics returns the sorted set of topics with at least one listener.
func (b *TopicBus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.refs))
	for t := range b.refs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Len returns the number of live subscriptions.
func (b *TopicBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Dispatch delivers ev to every subscription matching its type or one of
// its topics. Each listener gets the event at most once.
func (b *TopicBus) Dispatch(ev TopicEvent) int {
	if ev.codec == nil {
		ev.codec = b.codec
	}

	b.mu.RLock()
	entries := b.entries
	b.mu.RUnlock()

	delivered := 0
	for _, e := range entries {
		if !e.matches(ev) {
			continue
		}
		if b.deliver(e, ev) {
			delivered++
		}
	}
	if delivered == 0 {
		b.logger.Debugf("no listener for %s event", ev.Type)
	}
	return delivered
}

func (e *busEntry) matches(ev TopicEvent) bool {
	if _, ok := e.topics[WildcardTopic]; ok {
		return true
	}
	if _, ok := e.topics[ev.Type]; ok {
		return true
	}
	for _, t := range ev.Topics {
		if _, ok := e.topics[t]; ok {
			return true
		}
	}
	return false
}

func (b *TopicBus) deliver(e *busEntry, ev TopicEvent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("listener %d panicked on %s event: %s", e.id, ev.Type, fmt.Sprint(r))
			ok = false
		}
	}()
	e.listener(ev)
	return true
}
