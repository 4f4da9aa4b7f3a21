package libmux

// dispatchQueue holds envelopes waiting to be written, one FIFO per
// priority tier. It is not safe for concurrent use; the owning
// Connection guards it.
type dispatchQueue struct {
	tiers    [priorityTiers][]*Envelope
	size     int
	maxDepth int
}

func newDispatchQueue(maxDepth int) *dispatchQueue {
	return &dispatchQueue{maxDepth: maxDepth}
}

// push appends env to its tier. When the queue is at maxDepth it returns
// the envelope sacrificed to stay within bounds: the oldest envelope of
// the lowest non-empty tier below high, or env itself when env ranks
// below everything droppable. High priority envelopes are never
// returned; if only high envelopes are queued the bound is exceeded.
func (q *dispatchQueue) push(env *Envelope) (dropped *Envelope) {
	if q.maxDepth > 0 && q.size >= q.maxDepth {
		victim := -1
		for p := PriorityLow; p < PriorityHigh; p++ {
			if len(q.tiers[p]) > 0 {
				victim = int(p)
				break
			}
		}

		switch {
		case victim < 0:
			if env.Priority != PriorityHigh {
				return env
			}
		case Priority(victim) > env.Priority:
			return env
		default:
			dropped = q.tiers[victim][0]
			q.tiers[victim][0] = nil
			q.tiers[victim] = q.tiers[victim][1:]
			q.size--
		}
	}

	q.tiers[env.Priority] = append(q.tiers[env.Priority], env)
	q.size++
	return dropped
}

// pushFront puts envs back at the head of their tiers keeping their
// relative order. Used for batches that never reached the wire.
func (q *dispatchQueue) pushFront(envs []*Envelope) {
	for i := len(envs) - 1; i >= 0; i-- {
		env := envs[i]
		tier := q.tiers[env.Priority]
		q.tiers[env.Priority] = append([]*Envelope{env}, tier...)
		q.size++
	}
}

func (q *dispatchQueue) peek() *Envelope {
	for p := int(PriorityHigh); p >= int(PriorityLow); p-- {
		if len(q.tiers[p]) > 0 {
			return q.tiers[p][0]
		}
	}
	return nil
}

func (q *dispatchQueue) pop() *Envelope {
	for p := int(PriorityHigh); p >= int(PriorityLow); p-- {
		if len(q.tiers[p]) > 0 {
			env := q.tiers[p][0]
			q.tiers[p][0] = nil
			q.tiers[p] = q.tiers[p][1:]
			q.size--
			return env
		}
	}
	return nil
}

func (q *dispatchQueue) remove(id string) bool {
	for p := range q.tiers {
		for i, env := range q.tiers[p] {
			if env.ID != id {
				continue
			}
			q.tiers[p] = append(q.tiers[p][:i:i], q.tiers[p][i+1:]...)
			q.size--
			return true
		}
	}
	return false
}

// takeFirst removes and returns the first envelope, in dispatch order,
// matching fn.
func (q *dispatchQueue) takeFirst(fn func(*Envelope) bool) *Envelope {
	for p := int(PriorityHigh); p >= int(PriorityLow); p-- {
		for i, env := range q.tiers[p] {
			if !fn(env) {
				continue
			}
			q.tiers[p] = append(q.tiers[p][:i:i], q.tiers[p][i+1:]...)
			q.size--
			return env
		}
	}
	return nil
}

// drain empties the queue returning its contents in dispatch order.
func (q *dispatchQueue) drain() []*Envelope {
	out := make([]*Envelope, 0, q.size)
	for env := q.pop(); env != nil; env = q.pop() {
		out = append(out, env)
	}
	return out
}

func (q *dispatchQueue) len() int {
	return q.size
}
