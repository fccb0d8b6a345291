// Package queue implements the bounded, listener-observable FIFO
// (spec.md §4.2) used for back-pressure throughout asterisque: every Wire
// exposes one inbound and one outbound MessageQueue, and every Pipe holds a
// queue of its own for its inbound Blocks.
//
// The implementation follows the mutex-guarded-state + listener-list idiom
// used throughout the teacher repository's hub types (e.g.
// portal/reverse_hub.go's ReverseHub: a sync.Mutex-protected map plus
// registered callbacks, with sync.Once guarding close).
package queue

import (
	"container/list"
	"reflect"
	"sync"

	"github.com/rs/zerolog/log"
)

// PollableListener is notified once per empty<->non-empty transition.
type PollableListener func(q *Queue, pollable bool)

// OfferableListener is notified once per full<->non-full transition.
type OfferableListener func(q *Queue, offerable bool)

// Queue is a bounded FIFO of values with observable back-pressure
// transitions (spec.md §4.2). The zero value is not usable; construct with
// New.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    *list.List
	closed   bool

	pollableListeners  []PollableListener
	offerableListeners []OfferableListener
}

// New creates a Queue bounded to capacity items. A non-positive capacity
// means unbounded (used only in tests; production Wires always specify a
// concrete capacity per spec.md §6).
func New(capacity int) *Queue {
	return &Queue{capacity: capacity, items: list.New()}
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Offer appends msg to the queue. It returns false without enqueuing if the
// queue is closed or already at capacity.
func (q *Queue) Offer(msg interface{}) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.capacity > 0 && q.items.Len() >= q.capacity {
		q.mu.Unlock()
		return false
	}

	wasEmpty := q.items.Len() == 0
	q.items.PushBack(msg)
	becameFull := q.capacity > 0 && q.items.Len() == q.capacity
	pollableSnapshot := q.snapshotPollable()
	offerableSnapshot := q.snapshotOfferable()
	q.mu.Unlock()

	if wasEmpty {
		notifyPollable(pollableSnapshot, q, true)
	}
	if becameFull {
		notifyOfferable(offerableSnapshot, q, false)
	}
	return true
}

// Poll removes and returns the oldest item, or (nil, false) if the queue is
// empty. Polling is permitted even after Close, so any items buffered
// before close can still drain (spec.md §4.2).
func (q *Queue) Poll() (interface{}, bool) {
	q.mu.Lock()
	front := q.items.Front()
	if front == nil {
		q.mu.Unlock()
		return nil, false
	}
	wasFull := q.capacity > 0 && q.items.Len() == q.capacity
	q.items.Remove(front)
	becameEmpty := q.items.Len() == 0
	pollableSnapshot := q.snapshotPollable()
	offerableSnapshot := q.snapshotOfferable()
	if becameEmpty && q.closed {
		q.pollableListeners = nil
	}
	q.mu.Unlock()

	if becameEmpty {
		notifyPollable(pollableSnapshot, q, false)
	}
	if wasFull {
		notifyOfferable(offerableSnapshot, q, true)
	}
	return front.Value, true
}

// Close marks the queue closed: further Offer calls fail. No more items can
// become offerable, so offerable listeners are dropped immediately; pollable
// listeners are kept (unless the queue is already empty) so that draining
// any items buffered before close still fires the final
// messagePollable(_, false) once the queue empties (spec.md §4.2). Close
// itself is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.offerableListeners = nil
	if q.items.Len() == 0 {
		q.pollableListeners = nil
	}
	q.mu.Unlock()
}

// AddPollableListener registers fn to be notified on empty<->non-empty
// transitions. Safe to call from within a listener callback.
func (q *Queue) AddPollableListener(fn PollableListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pollableListeners = append(append([]PollableListener(nil), q.pollableListeners...), fn)
}

// RemovePollableListener unregisters fn. Listeners are matched by function
// code pointer (reflect.Value.Pointer), so closures created from the same
// function literal compare equal and are all removed together.
func (q *Queue) RemovePollableListener(fn PollableListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := make([]PollableListener, 0, len(q.pollableListeners))
	target := reflect.ValueOf(fn).Pointer()
	for _, l := range q.pollableListeners {
		if reflect.ValueOf(l).Pointer() != target {
			kept = append(kept, l)
		}
	}
	q.pollableListeners = kept
}

// AddOfferableListener registers fn to be notified on full<->non-full
// transitions.
func (q *Queue) AddOfferableListener(fn OfferableListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.offerableListeners = append(append([]OfferableListener(nil), q.offerableListeners...), fn)
}

// RemoveOfferableListener unregisters fn, matching listeners by function
// code pointer like RemovePollableListener.
func (q *Queue) RemoveOfferableListener(fn OfferableListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := make([]OfferableListener, 0, len(q.offerableListeners))
	target := reflect.ValueOf(fn).Pointer()
	for _, l := range q.offerableListeners {
		if reflect.ValueOf(l).Pointer() != target {
			kept = append(kept, l)
		}
	}
	q.offerableListeners = kept
}

// snapshotPollable/snapshotOfferable copy the listener slice under lock so
// notification happens outside the lock (spec.md §4.2: "Listener lists
// support add/remove during callbacks (copy-on-notify)").
func (q *Queue) snapshotPollable() []PollableListener {
	return append([]PollableListener(nil), q.pollableListeners...)
}

func (q *Queue) snapshotOfferable() []OfferableListener {
	return append([]OfferableListener(nil), q.offerableListeners...)
}

func notifyPollable(listeners []PollableListener, q *Queue, pollable bool) {
	for _, fn := range listeners {
		safeCallPollable(fn, q, pollable)
	}
}

func notifyOfferable(listeners []OfferableListener, q *Queue, offerable bool) {
	for _, fn := range listeners {
		safeCallOfferable(fn, q, offerable)
	}
}

// safeCallPollable/safeCallOfferable swallow and log panics raised by
// listener callbacks (spec.md §4.2 / §7: "exceptions thrown by listeners are
// logged and swallowed").
func safeCallPollable(fn PollableListener, q *Queue, pollable bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("queue: pollable listener panicked")
		}
	}()
	fn(q, pollable)
}

func safeCallOfferable(fn OfferableListener, q *Queue, offerable bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("queue: offerable listener panicked")
		}
	}()
	fn(q, offerable)
}
