// Package flow implements the cooperative flow-control primitives used to
// pause outbound work and signal overload (spec.md §4.8): Latch and
// CircuitBreaker. Both follow the mutex-guarded-state idiom used by
// portal/corev2/routing/decision.go's DecisionMaker, with Prometheus gauges
// standing in for that package's ad hoc metrics fields.
package flow

import "sync"

// Latch is a cooperative, reenterable gate: it starts open, lock() closes
// it, and open() reopens it and releases every waiter (spec.md §4.8, and
// the resolved Open Question in §9: "open() clears the lock and wakes all
// waiters; lock() sets the lock and returns true iff this call transitioned
// the state").
type Latch struct {
	mu      sync.Mutex
	cond    *sync.Cond
	locked  bool
	waiting int

	name string
}

// NewLatch creates an open Latch. name is used only to label observability
// metrics and may be empty.
func NewLatch(name string) *Latch {
	l := &Latch{name: name}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock closes the latch. It returns true iff this call transitioned the
// latch from open to locked (a no-op call on an already-locked latch
// returns false).
func (l *Latch) Lock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return false
	}
	l.locked = true
	latchLockedGauge.WithLabelValues(l.name).Set(1)
	return true
}

// Open reopens the latch and wakes every waiter blocked in Exec.
func (l *Latch) Open() {
	l.mu.Lock()
	l.locked = false
	l.cond.Broadcast()
	l.mu.Unlock()
	latchLockedGauge.WithLabelValues(l.name).Set(0)
}

// Locked reports whether the latch is currently closed.
func (l *Latch) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Waiting returns the number of goroutines currently parked in Exec. It is
// observable per spec.md §4.8 but not semantically load-bearing.
func (l *Latch) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting
}

// Exec runs body once the latch is open, blocking the caller while it is
// locked. body is invoked with the lock released, so Open()/Lock() remain
// reentrant from within it.
func (l *Latch) Exec(body func()) {
	l.mu.Lock()
	for l.locked {
		l.waiting++
		latchWaitersGauge.WithLabelValues(l.name).Inc()
		l.cond.Wait()
		l.waiting--
		latchWaitersGauge.WithLabelValues(l.name).Dec()
	}
	l.mu.Unlock()
	body()
}
