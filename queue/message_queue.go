package queue

import "github.com/asterisque/asterisque/message"

// MessageQueue is a Queue specialized to message.Message, so call sites
// that know their payload type need no interface{} conversions or type
// assertions (Wire's inbound/outbound queues, spec.md §4.2/§6). Values are
// still stored as interface{} in the underlying Queue.
type MessageQueue struct {
	q *Queue
}

// NewMessageQueue constructs a MessageQueue bounded to capacity messages.
func NewMessageQueue(capacity int) *MessageQueue {
	return &MessageQueue{q: New(capacity)}
}

// Offer enqueues msg, returning false if the queue is closed or full.
func (mq *MessageQueue) Offer(msg message.Message) bool {
	return mq.q.Offer(msg)
}

// Poll dequeues the oldest message, if any.
func (mq *MessageQueue) Poll() (message.Message, bool) {
	v, ok := mq.q.Poll()
	if !ok {
		return message.Message{}, false
	}
	return v.(message.Message), true
}

// Len reports the number of buffered messages.
func (mq *MessageQueue) Len() int { return mq.q.Len() }

// Closed reports whether Close has been called.
func (mq *MessageQueue) Closed() bool { return mq.q.Closed() }

// Close closes the underlying queue.
func (mq *MessageQueue) Close() { mq.q.Close() }

// AddPollableListener registers a listener for empty<->non-empty transitions.
func (mq *MessageQueue) AddPollableListener(fn PollableListener) {
	mq.q.AddPollableListener(fn)
}

// AddOfferableListener registers a listener for full<->non-full transitions.
func (mq *MessageQueue) AddOfferableListener(fn OfferableListener) {
	mq.q.AddOfferableListener(fn)
}
