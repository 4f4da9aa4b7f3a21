package libmux

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatchBuffer_SizeCap(t *testing.T) {
	b := newBatchBuffer(3, time.Hour, func(uint64) {})

	assert.True(t, b.enabled())
	assert.False(t, b.add(NewEnvelope("a", nil)))
	assert.False(t, b.add(NewEnvelope("b", nil)))
	assert.True(t, b.add(NewEnvelope("c", nil)))

	assert.Equal(t, []string{"a", "b", "c"}, ids(b.take()))
	assert.Zero(t, b.len())
}

func TestBatchBuffer_WindowStartsWithFirstMember(t *testing.T) {
	var fired atomic.Uint64
	fired.Store(^uint64(0))
	b := newBatchBuffer(10, 30*time.Millisecond, func(gen uint64) { fired.Store(gen) })

	b.add(NewEnvelope("a", nil))
	b.add(NewEnvelope("b", nil))

	assert.Eventually(t, func() bool { return fired.Load() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, b.expire(0))
	assert.True(t, b.due)
}

func TestBatchBuffer_StaleWindowIsIgnored(t *testing.T) {
	b := newBatchBuffer(10, time.Hour, func(uint64) {})
	b.add(NewEnvelope("a", nil))
	b.take()

	b.add(NewEnvelope("b", nil))
	assert.False(t, b.expire(0))
	assert.False(t, b.due)
	assert.True(t, b.expire(1))
}

func TestBatchBuffer_Disabled(t *testing.T) {
	assert.False(t, newBatchBuffer(1, time.Second, nil).enabled())
	assert.False(t, newBatchBuffer(0, time.Second, nil).enabled())
}

func TestBatchBuffer_Remove(t *testing.T) {
	b := newBatchBuffer(10, time.Hour, func(uint64) {})
	a := NewEnvelope("a", nil)
	b.add(a)

	assert.True(t, b.remove(a.ID))
	assert.False(t, b.remove(a.ID))
	assert.Zero(t, b.len())
	assert.False(t, b.expire(0))
}
