package libmux

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable_ResolveOnce(t *testing.T) {
	table := newPendingTable(NopLogger())
	env := NewEnvelope("fs.readFile", nil)
	entry := table.register(env)
	require.True(t, table.markSent(env.ID))
	assert.Equal(t, 1, table.inFlight())

	assert.True(t, table.resolve(Inbound{ID: env.ID, Result: []byte(`"ok"`)}))
	assert.False(t, table.resolve(Inbound{ID: env.ID, Result: []byte(`"late"`)}))
	assert.False(t, table.reject(env.ID, ErrConnectionLost))

	r := <-entry.done
	assert.NoError(t, r.Err)
	assert.Equal(t, `"ok"`, string(r.Result))
	assert.Zero(t, table.len())
	assert.Zero(t, table.inFlight())

	select {
	case r := <-entry.done:
		t.Fatalf("unexpected second outcome %+v", r)
	default:
	}
}

func TestPendingTable_Timeout(t *testing.T) {
	table := newPendingTable(NopLogger())
	env := NewEnvelope("fs.readFile", nil, WithTimeout(50*time.Millisecond))

	start := time.Now()
	entry := table.register(env)
	table.markSent(env.ID)

	r := <-entry.done
	elapsed := time.Since(start)

	assert.True(t, errors.Is(r.Err, ErrRequestTimeout))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	// a reply after the deadline is a no-op
	assert.False(t, table.resolve(Inbound{ID: env.ID}))
}

func TestPendingTable_RemoteErrorCarriesMethod(t *testing.T) {
	table := newPendingTable(NopLogger())
	env := NewEnvelope("git.commit", nil)
	entry := table.register(env)

	table.resolve(Inbound{ID: env.ID, Error: &RemoteError{Code: 409, Message: "nothing to commit"}})

	r := <-entry.done
	var remote *RemoteError
	require.True(t, errors.As(r.Err, &remote))
	assert.Equal(t, 409, remote.Code)
	assert.Equal(t, "git.commit", remote.Method)
	assert.Equal(t, KindRemote, KindOf(r.Err))
}

func TestPendingTable_UnsentExpiryRunsHook(t *testing.T) {
	table := newPendingTable(NopLogger())
	var (
		mu       sync.Mutex
		unsent   []string
		released int
	)
	table.onUnsent = func(env *Envelope) {
		mu.Lock()
		unsent = append(unsent, env.ID)
		mu.Unlock()
	}
	table.onRelease = func() {
		mu.Lock()
		released++
		mu.Unlock()
	}

	queued := NewEnvelope("a", nil)
	sent := NewEnvelope("b", nil)
	table.register(queued)
	table.register(sent)
	table.markSent(sent.ID)

	table.reject(queued.ID, ErrRequestTimeout)
	table.reject(sent.ID, ErrRequestTimeout)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{queued.ID}, unsent)
	assert.Equal(t, 1, released)

	assert.False(t, table.markSent(queued.ID))
}

func TestPendingTable_RejectSentKeepsQueued(t *testing.T) {
	table := newPendingTable(NopLogger())
	queued := NewEnvelope("a", nil)
	sent := NewEnvelope("b", nil)
	qe := table.register(queued)
	se := table.register(sent)
	table.markSent(sent.ID)

	assert.Equal(t, 1, table.rejectSent(ErrConnectionLost))

	r := <-se.done
	assert.True(t, errors.Is(r.Err, ErrConnectionLost))
	assert.Equal(t, 1, table.len())
	assert.Zero(t, table.inFlight())

	assert.Equal(t, 1, table.rejectAll(ErrConnectionClosed))
	r = <-qe.done
	assert.True(t, errors.Is(r.Err, ErrConnectionClosed))
}

func TestPendingTable_ConcurrentTriggersResolveOnce(t *testing.T) {
	table := newPendingTable(NopLogger())
	env := NewEnvelope("a", nil, WithTimeout(time.Millisecond))
	entry := table.register(env)
	table.markSent(env.ID)

	var wg sync.WaitGroup
	wins := make(chan bool, 3)
	wg.Add(3)
	go func() { defer wg.Done(); wins <- table.resolve(Inbound{ID: env.ID}) }()
	go func() { defer wg.Done(); wins <- table.reject(env.ID, ErrConnectionLost) }()
	go func() { defer wg.Done(); wins <- table.reject(env.ID, ErrConnectionClosed) }()
	wg.Wait()
	close(wins)

	<-entry.done
	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	// the timer may have won the race too
	assert.LessOrEqual(t, won, 1)
	assert.Zero(t, table.len())
}
