package wire

import (
	"bufio"
	"bytes"
	"io"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/queue"
)

// Magic is the two-byte preamble written once at the start of every
// connection, before any framed message (spec.md §6's "wire magic"; see the
// resolved Open Question in DESIGN.md distinguishing this from the
// per-message Kind tag byte).
var Magic = []byte{0x2A, 0x51} // "*Q"

// ErrBadMagic is returned when a peer's stream does not begin with Magic.
var ErrBadMagic = errors.New("wire: bad magic preamble")

const readChunkSize = 64 * 1024

// Run starts the transport driver: it writes Magic, then runs the read and
// write loops until the Wire closes or the connection fails. Run blocks
// until the driver stops; callers typically invoke it in its own
// goroutine. The driver's responsibilities follow spec.md §4.3 exactly:
// continuously drain Outbound and encode onto the connection; continuously
// decode inbound bytes and offer to Inbound, pausing reads while Inbound
// refuses and pausing writes while the connection is unwritable.
func (w *Wire) Run() error {
	bw := bufio.NewWriter(w.conn)
	if _, err := bw.Write(Magic); err != nil {
		return w.Close(err)
	}
	if err := bw.Flush(); err != nil {
		return w.Close(err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- w.readLoop() }()
	go func() { errCh <- w.writeLoop(bw) }()

	err := <-errCh
	w.Close(err)
	<-errCh
	return err
}

// readLoop decodes frames from the connection and offers them to Inbound,
// pausing whenever Inbound is full (spec.md §4.3: "If inbound refuses
// (full), the driver pauses reads until messageOfferable(_, true) fires").
func (w *Wire) readLoop() error {
	br := bufio.NewReader(w.conn)

	magicBuf := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magicBuf); err != nil {
		return err
	}
	if !bytes.Equal(magicBuf, Magic) {
		return ErrBadMagic
	}

	var buf []byte
	chunk := make([]byte, readChunkSize)
	for {
		for {
			m, consumed, err := message.Decode(buf)
			if err == nil {
				w.offerInbound(m)
				buf = buf[consumed:]
				continue
			}
			if errors.Is(err, message.ErrUnsatisfied) {
				break
			}
			return err
		}

		n, err := br.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return err
		}
	}
}

// offerInbound blocks (respecting Inbound's own suspension semantics) until
// the message is accepted, implementing the driver's read-pause behavior
// via the queue's offerable-listener wakeups rather than a busy loop.
func (w *Wire) offerInbound(m message.Message) {
	if w.Inbound.Offer(m) {
		return
	}
	woken := make(chan struct{}, 1)
	notify := func(_ *queue.Queue, offerable bool) {
		if offerable {
			select {
			case woken <- struct{}{}:
			default:
			}
		}
	}
	w.Inbound.AddOfferableListener(notify)
	for {
		if w.Inbound.Offer(m) {
			return
		}
		if w.Inbound.Closed() {
			return
		}
		<-woken
	}
}

// writeLoop drains Outbound and encodes each message onto the connection,
// pausing whenever the connection write blocks (spec.md §4.3: "If the
// channel becomes unwritable, the driver pauses draining until it is
// writable again" — here modeled by bufio.Writer's Write itself blocking on
// a slow/full socket, which already suspends this goroutine exactly where
// spec.md's suspension-point list allows it, §4.6).
//
// Each flush first drains every message currently buffered in Outbound and
// reorders that batch by descending priority before writing any of it
// (spec.md §4.7: "the outbound scheduler in the Wire driver picks the
// highest-priority pending message on each flush"), so a high-priority Open
// or Block queued behind a burst of low-priority traffic is not stuck
// waiting for all of it to drain first.
func (w *Wire) writeLoop(bw *bufio.Writer) error {
	woken := make(chan struct{}, 1)
	notify := func(_ *queue.Queue, pollable bool) {
		if pollable {
			select {
			case woken <- struct{}{}:
			default:
			}
		}
	}
	w.Outbound.AddPollableListener(notify)

	pipePriority := make(map[message.PipeID]int8)

	for {
		batch := w.drainOutboundBatch(pipePriority)
		if len(batch) == 0 {
			if w.Outbound.Closed() {
				return nil
			}
			<-woken
			continue
		}

		for _, m := range batch {
			frame, err := message.Encode(m)
			if err != nil {
				return err
			}
			if _, err := bw.Write(frame); err != nil {
				return err
			}
			if err := bw.Flush(); err != nil {
				return err
			}
		}
	}
}

// drainOutboundBatch pulls every message currently buffered in Outbound and
// returns them ordered by descending priority, stable within a priority
// level. Priority is carried directly only on Open; a Block or Close
// inherits the priority last seen on its pipe's Open, and a message with no
// known pipe (e.g. Control) sorts at priority 0.
func (w *Wire) drainOutboundBatch(pipePriority map[message.PipeID]int8) []message.Message {
	var batch []message.Message
	var closedPipes []message.PipeID
	for {
		m, ok := w.Outbound.Poll()
		if !ok {
			break
		}
		switch m.Kind {
		case message.KindOpenMsg:
			pipePriority[m.PipeID] = m.Priority
		case message.KindCloseMsg:
			closedPipes = append(closedPipes, m.PipeID)
		}
		batch = append(batch, m)
	}

	if len(batch) > 1 {
		priorityOf := func(m message.Message) int8 {
			if m.Kind == message.KindOpenMsg {
				return m.Priority
			}
			return pipePriority[m.PipeID]
		}
		sort.SliceStable(batch, func(i, j int) bool {
			return priorityOf(batch[i]) > priorityOf(batch[j])
		})
	}

	for _, id := range closedPipes {
		delete(pipePriority, id)
	}
	return batch
}
