package libmux

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitter_SingleListener(t *testing.T) {
	emitter := NewEventEmitter[EventType, Event]()
	var got []Event

	emitter.On(EventConnected, func(ev Event) {
		got = append(got, ev)
	})

	emitter.Emit(EventConnected, Event{Type: EventConnected, ConnectionID: "c1"})

	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ConnectionID)
}

func TestEventEmitter_RegistrationOrder(t *testing.T) {
	emitter := NewEventEmitter[string, int]()
	var order []int

	emitter.On("event", func(v int) { order = append(order, v) })
	emitter.On("event", func(v int) { order = append(order, v*2) })
	emitter.On("other", func(v int) { order = append(order, -1) })

	emitter.Emit("event", 10)

	assert.Equal(t, []int{10, 20}, order)
}

func TestEventEmitter_NoListeners(t *testing.T) {
	emitter := NewEventEmitter[string, int]()
	assert.NotPanics(t, func() { emitter.Emit("nonexistent", 100) })
}

func TestEventEmitter_Off(t *testing.T) {
	emitter := NewEventEmitter[string, int]()
	var a, b int

	ha := emitter.On("event", func(v int) { a += v })
	emitter.On("event", func(v int) { b += v })

	emitter.Emit("event", 1)
	ha.Off()
	ha.Off()
	emitter.Emit("event", 1)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, emitter.Len("event"))
}

func TestEventEmitter_ListenerMayRegisterListeners(t *testing.T) {
	emitter := NewEventEmitter[string, int]()
	calls := 0

	emitter.On("event", func(int) {
		calls++
		emitter.On("event", func(int) { calls++ })
	})

	emitter.Emit("event", 0)
	assert.Equal(t, 1, calls)

	emitter.Emit("event", 0)
	assert.Equal(t, 3, calls)
}

func TestEventEmitter_Close(t *testing.T) {
	emitter := NewEventEmitter[string, int]()
	called := false
	emitter.On("event", func(int) { called = true })

	emitter.Close()
	emitter.On("event", func(int) { called = true }).Off()
	emitter.Emit("event", 1)

	assert.False(t, called)
	assert.Zero(t, emitter.Len("event"))
}

func TestEventEmitter_Concurrent(t *testing.T) {
	emitter := NewEventEmitter[string, int]()
	var (
		mu      sync.Mutex
		results []int
		wg      sync.WaitGroup
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			emitter.On("event", func(data int) {
				mu.Lock()
				results = append(results, data+i)
				mu.Unlock()
			})
		}(i)
	}
	wg.Wait()

	for j := 0; j < 10; j++ {
		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			emitter.Emit("event", j)
		}(j)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, results, 100)
}

func TestEventEmitter_RecoversPanickingListener(t *testing.T) {
	emitter := NewEventEmitter[string, int]()
	var (
		recovered []any
		after     int
	)
	emitter.OnPanic(func(event string, r any) {
		assert.Equal(t, "event", event)
		recovered = append(recovered, r)
	})

	emitter.On("event", func(int) { panic("boom") })
	emitter.On("event", func(v int) { after += v })

	assert.NotPanics(t, func() { emitter.Emit("event", 3) })
	assert.Equal(t, 3, after)
	assert.Equal(t, []any{"boom"}, recovered)
}
