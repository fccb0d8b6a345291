// Package pipe implements the Pipe state machine (spec.md §4.7): per-call
// state (Pending/Running/Closing/Closed/Failed), its inbound Block stream
// with loss-aware back-pressure, and the saturating priority helpers used
// by the Wire driver's outbound scheduler.
//
// Grounded on portal/transport_pipe.go's bufferedPipeStream for the
// buffered-channel-plus-EOF-signal shape of a single stream direction,
// generalized here to carry asterisque's typed Block/Close protocol instead
// of raw bytes, and to track the five-state machine spec.md names rather
// than a plain open/closed flag.
package pipe

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/asterisque/asterisque/flow"
	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/queue"
)

// State is one node of the Pipe state machine.
type State int

const (
	StatePending State = iota
	StateRunning
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateRunning:
		return "Running"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrPipeClosed is returned by operations attempted on a closed pipe.
var ErrPipeClosed = errors.New("pipe: closed")

// CloseResult carries the outcome delivered with a Close message.
type CloseResult struct {
	Code   message.CloseCode
	Result message.Value
}

// Pipe is one asterisque call's local state: a priority, an inbound Block
// stream, an outbound Block stream, and the close result once it resolves.
type Pipe struct {
	ID         message.PipeID
	Priority   int8
	FunctionID uint16
	IsOriginator bool

	mu    sync.Mutex
	state State

	inbound     *queue.Queue // of message.Message (Block variants only)
	inboundEOF  bool
	outboundEOF bool
	closeSent   bool

	result     *CloseResult
	resultCh   chan struct{}
	resultOnce sync.Once

	// OutboundLatch is locked while the peer signals overload on this
	// pipe's outbound direction (spec.md §4.8's Latch usage example).
	OutboundLatch *flow.Latch

	sendFn func(message.Message) bool
}

// New constructs a Pipe in StatePending (for an originator) or StateRunning
// (for a responder entering directly from Open delivery, per spec.md
// §4.7's "responder enters directly from Open delivery"). inboundCapacity
// bounds the per-pipe Block buffer that backs the Session's
// messageOfferable back-pressure signal (spec.md §4.6).
func New(id message.PipeID, priority int8, functionID uint16, isOriginator bool, inboundCapacity int, sendFn func(message.Message) bool) *Pipe {
	initial := StatePending
	if !isOriginator {
		initial = StateRunning
	}
	return &Pipe{
		ID:            id,
		Priority:      priority,
		FunctionID:    functionID,
		IsOriginator:  isOriginator,
		state:         initial,
		inbound:       queue.New(inboundCapacity),
		resultCh:      make(chan struct{}),
		OutboundLatch: flow.NewLatch("pipe"),
		sendFn:        sendFn,
	}
}

// State returns the pipe's current state.
func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// InboundQueue exposes the raw Block buffer so a Session can register
// offerable listeners for resuming Wire drains (spec.md §4.6).
func (p *Pipe) InboundQueue() *queue.Queue { return p.inbound }

// DeliverInbound handles one inbound message addressed to this pipe: a
// non-Close message transitions Pending->Running for the originator
// (spec.md §4.7); a Block is buffered (dropped silently if the pipe has
// already seen its sender's EOF, or if it carries loss>0 and the buffer
// refuses it under pressure); a Close resolves the result and begins the
// Closing->Closed sequence.
//
// The return value is the back-pressure signal spec.md §4.6 names: true
// means the message was fully handled (delivered, or legitimately dropped
// as lossy/duplicate/post-EOF); false means m was a loss==0 Block or an eof
// Block that the bounded inbound buffer refused, and the caller (Session) must retry the
// same call — not advance to the next inbound message — until the buffer
// has room, per "pauses draining the Wire's inbound queue ... until
// messageOfferable fires on the per-pipe buffer."
func (p *Pipe) DeliverInbound(m message.Message) bool {
	p.mu.Lock()
	if p.state == StateClosed || p.state == StateFailed {
		p.mu.Unlock()
		return true
	}
	if p.IsOriginator && p.state == StatePending && m.Kind != message.KindCloseMsg {
		p.state = StateRunning
	}
	p.mu.Unlock()

	switch m.Kind {
	case message.KindBlockMsg:
		return p.deliverBlock(m)
	case message.KindCloseMsg:
		p.deliverClose(m)
	}
	return true
}

func (p *Pipe) deliverBlock(m message.Message) bool {
	p.mu.Lock()
	if p.inboundEOF {
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	if m.EOF {
		// eof markers are never dropped: if the buffer is full the caller
		// retries this same message, as for a loss==0 Block.
		if !p.inbound.Offer(m) {
			return false
		}
		p.mu.Lock()
		p.inboundEOF = true
		p.mu.Unlock()
		p.maybeTransitionToClosed()
		return true
	}

	if m.Loss > 0 {
		p.inbound.Offer(m) // best-effort: dropped silently if the buffer refuses
		return true
	}

	// loss==0 blocks must be delivered. Offer never blocks; if the bounded
	// queue is full the caller must retry this same message once
	// messageOfferable fires, rather than move on to the next inbound
	// message (spec.md §4.6).
	return p.inbound.Offer(m)
}

func (p *Pipe) deliverClose(m message.Message) {
	p.mu.Lock()
	if p.result == nil {
		p.result = &CloseResult{Code: m.Code, Result: m.Result}
		p.resultOnce.Do(func() { close(p.resultCh) })
	}
	if p.state == StateRunning || p.state == StatePending {
		p.state = StateClosing
	}
	p.mu.Unlock()

	p.sendCloseIfNeeded(m.Code, m.Result)
	p.maybeTransitionToClosed()
}

// Result blocks until the pipe's Close has been observed (locally or
// remotely) and returns the outcome.
func (p *Pipe) Result() *CloseResult {
	<-p.resultCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// ResultChan exposes the completion channel for select-based callers.
func (p *Pipe) ResultChan() <-chan struct{} { return p.resultCh }

// Finish transitions Running->Closing locally: the handler returned a
// result (or raised an error), so this pipe sends its own Close if it
// hasn't already (spec.md §4.7).
func (p *Pipe) Finish(code message.CloseCode, result message.Value) {
	p.mu.Lock()
	if p.result == nil {
		p.result = &CloseResult{Code: code, Result: result}
		p.resultOnce.Do(func() { close(p.resultCh) })
	}
	if p.state == StateRunning || p.state == StatePending {
		p.state = StateClosing
	}
	p.mu.Unlock()

	p.sendCloseIfNeeded(code, result)
	p.maybeTransitionToClosed()
}

// Cancel performs a local cancellation (spec.md §4.7): sends
// Close{Cancelled} and transitions to Closing; any subsequent inbound
// Block is dropped (DeliverInbound already refuses once inboundEOF or
// state is terminal, so Cancel additionally marks inboundEOF to drop
// blocks immediately rather than waiting for the peer's own EOF).
func (p *Pipe) Cancel() {
	p.mu.Lock()
	p.inboundEOF = true
	p.mu.Unlock()
	p.Finish(message.CloseCancelled, message.Null())
}

// SendBlock writes one outbound Block carrying payload. loss marks the
// block opportunistically droppable by the receiver (spec.md §4.7); eof
// must be the final call in this direction's sequence and payload must be
// empty when eof is true. Sending after this direction's own EOF, or after
// the pipe has reached a terminal state, returns ErrPipeClosed.
func (p *Pipe) SendBlock(payload []byte, loss uint8, eof bool) error {
	if len(payload) > message.MaxBlockPayload {
		return errors.Newf("pipe: block payload %d bytes exceeds max %d", len(payload), message.MaxBlockPayload)
	}

	p.mu.Lock()
	if p.outboundEOF || p.state == StateClosed || p.state == StateFailed {
		p.mu.Unlock()
		return ErrPipeClosed
	}
	if eof {
		p.outboundEOF = true
	}
	p.mu.Unlock()

	if p.sendFn != nil {
		p.sendFn(message.NewBlock(p.ID, loss, payload, eof))
	}
	return nil
}

func (p *Pipe) sendCloseIfNeeded(code message.CloseCode, result message.Value) {
	p.mu.Lock()
	if p.closeSent {
		p.mu.Unlock()
		return
	}
	p.closeSent = true
	p.outboundEOF = true
	p.mu.Unlock()

	if p.sendFn != nil {
		p.sendFn(message.NewClose(p.ID, code, result))
	}
}

func (p *Pipe) maybeTransitionToClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateClosing {
		return
	}
	if p.inboundEOF && p.closeSent {
		p.state = StateClosed
		p.inbound.Close()
	}
}

// PriorityUpper returns p escalated by one step, saturating at 127
// (spec.md §4.7: "priority.upper(p) ... yield saturating increments").
func PriorityUpper(p int8) int8 {
	if p == 127 {
		return p
	}
	return p + 1
}

// PriorityLower returns p de-escalated by one step, saturating at -128.
func PriorityLower(p int8) int8 {
	if p == -128 {
		return p
	}
	return p - 1
}
