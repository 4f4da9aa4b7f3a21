package libmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(envs []*Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Method
	}
	return out
}

func TestDispatchQueue_PriorityThenFIFO(t *testing.T) {
	q := newDispatchQueue(0)

	q.push(NewEnvelope("low-1", nil, WithPriority(PriorityLow)))
	q.push(NewEnvelope("normal-1", nil))
	q.push(NewEnvelope("high-1", nil, WithPriority(PriorityHigh)))
	q.push(NewEnvelope("low-2", nil, WithPriority(PriorityLow)))
	q.push(NewEnvelope("high-2", nil, WithPriority(PriorityHigh)))
	q.push(NewEnvelope("normal-2", nil))

	assert.Equal(t, 6, q.len())
	assert.Equal(t,
		[]string{"high-1", "high-2", "normal-1", "normal-2", "low-1", "low-2"},
		ids(q.drain()),
	)
	assert.Zero(t, q.len())
	assert.Nil(t, q.pop())
}

func TestDispatchQueue_OverflowDropsOldestLowest(t *testing.T) {
	q := newDispatchQueue(3)

	low1 := NewEnvelope("low-1", nil, WithPriority(PriorityLow))
	require.Nil(t, q.push(low1))
	require.Nil(t, q.push(NewEnvelope("low-2", nil, WithPriority(PriorityLow))))
	require.Nil(t, q.push(NewEnvelope("normal-1", nil)))

	dropped := q.push(NewEnvelope("normal-2", nil))
	assert.Same(t, low1, dropped)
	assert.Equal(t, 3, q.len())
	assert.Equal(t, []string{"normal-1", "normal-2", "low-2"}, ids(q.drain()))
}

func TestDispatchQueue_OverflowRejectsLowerIncoming(t *testing.T) {
	q := newDispatchQueue(2)
	require.Nil(t, q.push(NewEnvelope("normal-1", nil)))
	require.Nil(t, q.push(NewEnvelope("normal-2", nil)))

	incoming := NewEnvelope("low-1", nil, WithPriority(PriorityLow))
	assert.Same(t, incoming, q.push(incoming))
	assert.Equal(t, []string{"normal-1", "normal-2"}, ids(q.drain()))
}

func TestDispatchQueue_HighIsNeverDropped(t *testing.T) {
	q := newDispatchQueue(2)
	require.Nil(t, q.push(NewEnvelope("high-1", nil, WithPriority(PriorityHigh))))
	require.Nil(t, q.push(NewEnvelope("high-2", nil, WithPriority(PriorityHigh))))

	normal := NewEnvelope("normal-1", nil)
	assert.Same(t, normal, q.push(normal))

	assert.Nil(t, q.push(NewEnvelope("high-3", nil, WithPriority(PriorityHigh))))
	assert.Equal(t, 3, q.len())
}

func TestDispatchQueue_PushFrontKeepsOrder(t *testing.T) {
	q := newDispatchQueue(0)
	q.push(NewEnvelope("normal-3", nil))

	q.pushFront([]*Envelope{
		NewEnvelope("normal-1", nil),
		NewEnvelope("low-1", nil, WithPriority(PriorityLow)),
		NewEnvelope("normal-2", nil),
	})

	assert.Equal(t, []string{"normal-1", "normal-2", "normal-3", "low-1"}, ids(q.drain()))
}

func TestDispatchQueue_Remove(t *testing.T) {
	q := newDispatchQueue(0)
	a := NewEnvelope("a", nil)
	b := NewEnvelope("b", nil)
	q.push(a)
	q.push(b)

	assert.True(t, q.remove(a.ID))
	assert.False(t, q.remove(a.ID))
	assert.Same(t, b, q.peek())
	assert.Equal(t, 1, q.len())
}
