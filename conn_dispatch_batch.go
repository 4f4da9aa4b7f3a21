package libmux

import "time"

// batchBuffer groups batchable envelopes until either maxSize members are
// collected or maxWait elapsed since the first one arrived. Like the
// dispatch queue it relies on the owning Connection for locking; the
// window timer only reports back through onDue.
type batchBuffer struct {
	maxSize int
	maxWait time.Duration
	items   []*Envelope
	timer   *time.Timer
	gen     uint64
	due     bool
	onDue   func(gen uint64)
}

func newBatchBuffer(maxSize int, maxWait time.Duration, onDue func(gen uint64)) *batchBuffer {
	return &batchBuffer{maxSize: maxSize, maxWait: maxWait, onDue: onDue}
}

func (b *batchBuffer) enabled() bool {
	return b.maxSize > 1
}

// add appends env and reports whether the size cap was reached.
func (b *batchBuffer) add(env *Envelope) bool {
	b.items = append(b.items, env)
	if len(b.items) == 1 && b.maxWait > 0 && b.onDue != nil {
		gen := b.gen
		b.timer = time.AfterFunc(b.maxWait, func() { b.onDue(gen) })
	}
	if b.maxWait <= 0 {
		b.due = true
	}
	return len(b.items) >= b.maxSize
}

// expire marks the window elapsed if gen still names the open batch.
func (b *batchBuffer) expire(gen uint64) bool {
	if gen != b.gen || len(b.items) == 0 {
		return false
	}
	b.due = true
	return true
}

// take closes the open batch and returns its members in arrival order.
func (b *batchBuffer) take() []*Envelope {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.items
	b.items = nil
	b.due = false
	b.gen++
	return items
}

func (b *batchBuffer) remove(id string) bool {
	for i, env := range b.items {
		if env.ID != id {
			continue
		}
		b.items = append(b.items[:i:i], b.items[i+1:]...)
		if len(b.items) == 0 {
			b.take()
		}
		return true
	}
	return false
}

func (b *batchBuffer) len() int {
	return len(b.items)
}
