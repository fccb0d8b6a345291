package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/pipe"
	"github.com/asterisque/asterisque/queue"
	"github.com/asterisque/asterisque/wire"
)

const pipeInboundCapacity = 64

// Session owns pipe-id allocation, routing, and service dispatch for one
// Wire (spec.md §4.6). Inbound dispatch runs on a single goroutine per
// Session so that per-pipe ordering (spec.md §5's I1) holds; handlers
// themselves run on the worker pool set by SetWorkerPool (one goroutine per
// call by default).
type Session struct {
	ID          uint64
	PeerService string
	wire        *wire.Wire
	service     *Service

	pingInterval   time.Duration
	sessionTimeout time.Duration

	mu            sync.Mutex
	pipes         map[message.PipeID]*pipe.Pipe
	nextPipeCounter uint16
	shuttingDown  bool

	workers func(func())

	lastInboundAt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func newSession(id uint64, peerService string, w *wire.Wire, svc *Service, pingInterval, sessionTimeout time.Duration) *Session {
	s := &Session{
		ID:             id,
		PeerService:    peerService,
		wire:           w,
		service:        svc,
		pingInterval:   pingInterval,
		sessionTimeout: sessionTimeout,
		pipes:          make(map[message.PipeID]*pipe.Pipe),
		workers:        func(fn func()) { go fn() },
		lastInboundAt:  time.Now(),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	return s
}

// ActivePipes reports the number of pipes currently open on this session.
func (s *Session) ActivePipes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pipes)
}

// SetWorkerPool overrides how service handlers are dispatched; the default
// spawns one goroutine per call, matching an unbounded worker pool (spec.md
// §4.6: "service handlers execute on an injected worker pool").
func (s *Session) SetWorkerPool(run func(func())) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = run
}

// Run starts the single-threaded inbound dispatch loop and the idle-timeout
// watchdog. It blocks until the Session closes.
func (s *Session) Run() {
	go s.timeoutWatchdog()
	s.dispatchLoop()
	close(s.doneCh)
}

// Done is closed once Run returns.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) dispatchLoop() {
	woken := make(chan struct{}, 1)
	notify := func(_ *queue.Queue, pollable bool) {
		if pollable {
			select {
			case woken <- struct{}{}:
			default:
			}
		}
	}
	s.wire.Inbound.AddPollableListener(notify)

	for {
		m, ok := s.wire.Inbound.Poll()
		if !ok {
			if s.wire.Inbound.Closed() {
				return
			}
			select {
			case <-woken:
				continue
			case <-s.stopCh:
				return
			}
		}

		s.mu.Lock()
		s.lastInboundAt = time.Now()
		s.mu.Unlock()

		s.route(m)
	}
}

func (s *Session) route(m message.Message) {
	switch m.Kind {
	case message.KindOpenMsg:
		s.handleOpen(m)
	case message.KindBlockMsg:
		s.handleBlock(m)
	case message.KindCloseMsg:
		s.handleClose(m)
	case message.KindControlMsg:
		s.handleControl(m)
	}
}

// handleOpen implements spec.md §4.6's inbound-Open routing: duplicate
// pipe ids are a protocol error that closes the wire; otherwise a Pipe is
// created, the function looked up, and the handler invoked on the worker
// pool.
func (s *Session) handleOpen(m message.Message) {
	s.mu.Lock()
	if _, exists := s.pipes[m.PipeID]; exists {
		s.mu.Unlock()
		s.wire.Close(ErrProtocol)
		return
	}

	send := s.sendFn()
	p := pipe.New(m.PipeID, m.Priority, m.FunctionID, false, pipeInboundCapacity, send)
	s.pipes[m.PipeID] = p
	svc := s.service
	s.mu.Unlock()

	if svc == nil {
		send(message.NewClose(m.PipeID, message.CloseServiceNotFound, message.Null()))
		s.removePipe(m.PipeID)
		return
	}
	handler, ok := svc.Functions[m.FunctionID]
	if !ok {
		send(message.NewClose(m.PipeID, message.CloseFunctionNotFound, message.Null()))
		s.removePipe(m.PipeID)
		return
	}

	s.workers(func() {
		result, err := handler(context.Background(), p, m.Params)
		if err != nil {
			p.Finish(message.CloseUnexpectedError, message.ErrorTuple(6, "handler error", err.Error()))
		} else {
			p.Finish(message.CloseSuccess, result)
		}
		s.removePipe(m.PipeID)
	})
}

// handleBlock routes a Block to its pipe. A loss==0 or eof Block that the
// pipe's bounded inbound buffer refuses is not dropped: this call stalls,
// pausing dispatchLoop's drain of the Wire's inbound queue (since
// dispatchLoop does not poll for the next message until route returns),
// until the per-pipe buffer reports room via its offerable listener
// (spec.md §4.6: "the Session pauses draining the Wire's inbound queue
// ... until messageOfferable fires on the per-pipe buffer").
func (s *Session) handleBlock(m message.Message) {
	s.mu.Lock()
	p, ok := s.pipes[m.PipeID]
	s.mu.Unlock()
	if !ok {
		return // unknown or already-closed pipe: drop silently, spec.md §4.6
	}

	if p.DeliverInbound(m) {
		return
	}

	q := p.InboundQueue()
	woken := make(chan struct{}, 1)
	notify := func(_ *queue.Queue, offerable bool) {
		if offerable {
			select {
			case woken <- struct{}{}:
			default:
			}
		}
	}
	q.AddOfferableListener(notify)
	defer q.RemoveOfferableListener(notify)

	for {
		if p.DeliverInbound(m) {
			return
		}
		select {
		case <-woken:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Session) handleClose(m message.Message) {
	s.mu.Lock()
	p, ok := s.pipes[m.PipeID]
	s.mu.Unlock()
	if !ok {
		return
	}
	p.DeliverInbound(m)
	s.removePipe(m.PipeID)
}

func (s *Session) handleControl(m message.Message) {
	if m.ControlKind == message.ControlClose {
		s.shutdown()
	}
}

func (s *Session) removePipe(id message.PipeID) {
	s.mu.Lock()
	delete(s.pipes, id)
	s.mu.Unlock()
}

// sendFn returns the function a Pipe uses to write its own Close/Block
// messages to the wire's outbound queue.
func (s *Session) sendFn() func(message.Message) bool {
	return func(m message.Message) bool {
		return s.wire.Outbound.Offer(m)
	}
}

// Call opens a new outbound pipe for functionID on the session's peer and
// returns a handle that resolves when the matching Close arrives (spec.md
// §4.6's "outbound call" path).
func (s *Session) Call(priority int8, functionID uint16, params message.Value) (*pipe.Pipe, error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil, ErrProtocol
	}
	id := s.allocatePipeIDLocked()
	send := s.sendFn()
	p := pipe.New(id, priority, functionID, true, pipeInboundCapacity, send)
	s.pipes[id] = p
	s.mu.Unlock()

	if !s.wire.Outbound.Offer(message.NewOpen(id, priority, functionID, params)) {
		s.removePipe(id)
		return nil, ErrProtocol
	}
	return p, nil
}

// allocatePipeIDLocked picks the next pipe id with the correct MSB for
// this wire's role, skipping ids already in the active set (spec.md
// §4.6: "primary: MSB=1, secondary: MSB=0; counter skips ids currently in
// the active set"). Callers must hold s.mu.
func (s *Session) allocatePipeIDLocked() message.PipeID {
	msb := message.PipeID(0)
	if s.wire.Role() == wire.RolePrimary {
		msb = 0x8000
	}
	for {
		s.nextPipeCounter++
		candidate := message.PipeID(s.nextPipeCounter&0x7FFF) | msb
		if _, exists := s.pipes[candidate]; !exists {
			return candidate
		}
	}
}

// shutdown performs Session shutdown on receipt of Control(Close)
// (spec.md §4.6): stop accepting new outbound opens, close every active pipe
// with SessionClosed (queuing each pipe's Close on the outbound queue), and
// close the wire. The outbound queue is not flushed first: closing the wire
// closes the queue and the connection at once, so queued messages the
// driver has not yet written are dropped.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	active := make([]*pipe.Pipe, 0, len(s.pipes))
	for _, p := range s.pipes {
		active = append(active, p)
	}
	s.mu.Unlock()

	var errs error
	for _, p := range active {
		p.Finish(message.CloseSessionClosed, message.Null())
	}
	close(s.stopCh)
	if err := s.wire.Close(errs); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		log.Error().Err(errs).Uint64("session_id", s.ID).Msg("session: errors during shutdown")
	}
}

// CancelAll cancels every active pipe (spec.md §4.7: "A session-wide
// timeout causes the Session to cancel every pipe").
func (s *Session) CancelAll() {
	s.mu.Lock()
	active := make([]*pipe.Pipe, 0, len(s.pipes))
	for _, p := range s.pipes {
		active = append(active, p)
	}
	s.mu.Unlock()

	for _, p := range active {
		p.Cancel()
	}
}

// timeoutWatchdog sends Control(Close) and closes the wire if no inbound
// traffic has been observed for sessionTimeout (spec.md §4.5: "A Session
// missing inbound traffic for sessionTimeout sends Control(Close) and
// closes the wire").
func (s *Session) timeoutWatchdog() {
	if s.sessionTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.sessionTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.wire.Inbound.Closed() {
				return
			}
			s.mu.Lock()
			idle := time.Since(s.lastInboundAt)
			s.mu.Unlock()
			if idle >= s.sessionTimeout {
				s.wire.Outbound.Offer(message.NewControlClose())
				s.shutdown()
				return
			}
		case <-s.stopCh:
			return
		}
	}
}
