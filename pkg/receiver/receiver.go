// Package receiver implements the receiver half of the Simple Transport
// Protocol's state machine (spec §4.2): passive connection establishment,
// out-of-order reassembly with cumulative acknowledgement, and a timed
// close following the peer's FIN.
//
// As in pkg/sender, a single sync.Mutex embedded in the Receiver struct
// guards all shared state, and its listener and close timer run as named,
// panic-recovered goroutines under a dgroup.Group, following the teacher's
// pkg/vif/tcp handler.
package receiver

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"github.com/denniemok/simple-transport-protocol/pkg/eventlog"
	"github.com/denniemok/simple-transport-protocol/pkg/stpnet"
	"github.com/denniemok/simple-transport-protocol/pkg/stpseq"
	"github.com/denniemok/simple-transport-protocol/pkg/stpstats"
	"github.com/denniemok/simple-transport-protocol/pkg/stpwire"
)

// MSL is the maximum segment lifetime the close timer is scaled from
// (GLOSSARY: "close waits 2·MSL after FIN/ACK").
const MSL = time.Second

// noFileSizeSentinel disables stpseq.InvertPosition's last-partial-segment
// case for DATA inversion: a DATA segment's sequence number is always an
// exact multiple of MSS offsets from DSN regardless of the final segment's
// payload length, so that special case only matters to the sender's ACK
// handling (spec §4.1), never to the receiver's.
const noFileSizeSentinel = -1

// Receiver drives one inbound transfer from LISTEN through CLOSED.
type Receiver struct {
	mu sync.Mutex

	id     uuid.UUID
	ch     *stpnet.Channel
	events *eventlog.Logger
	stats  *stpstats.Counters

	dsn     stpseq.Seq
	buffer  map[int][]byte
	finSeen bool

	state state

	group        *dgroup.Group
	peerReset    chan struct{}
	abort        chan struct{}
	finished     chan struct{}
	closed       chan struct{}
	resetOnce    sync.Once
	abortOnce    sync.Once
	finishedOnce sync.Once
	closeOnce    sync.Once
	terminated   bool
}

// New builds a Receiver ready to run over ch.
func New(ch *stpnet.Channel, events *eventlog.Logger, stats *stpstats.Counters) *Receiver {
	return &Receiver{
		id:        uuid.New(),
		ch:        ch,
		events:    events,
		stats:     stats,
		buffer:    make(map[int][]byte),
		state:     stateListen,
		peerReset: make(chan struct{}),
		abort:     make(chan struct{}),
		finished:  make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Summary is returned by Run once the connection has closed.
type Summary struct {
	Reset bool
	Stats stpstats.Snapshot
}

// Run drives the receiver to completion and, on close, flushes the longest
// contiguous buffered prefix to out (spec §4.2 Close, §3 invariant 4).
func (r *Receiver) Run(ctx context.Context, out io.Writer) (Summary, error) {
	ctx = dlog.WithField(ctx, "conn", r.id.String())

	// The listener and the post-FIN close timer are supervised under one
	// dgroup.Group, named and panic-recovered exactly as handler.go's
	// processPackets/processResends are in the teacher; EnableWithSoftness
	// mirrors the soft/hard split service.go draws between its gRPC server
	// and its signal handler.
	r.group = dgroup.NewGroup(dcontext.WithSoftness(ctx), dgroup.GroupConfig{EnableWithSoftness: true})

	r.goNamed("listener", r.listenLoop)

	reset := false
	select {
	case <-ctx.Done():
	case <-r.peerReset:
	case <-r.abort:
		reset = true
	case <-r.finished:
	}

	if reset {
		r.emitReset(ctx)
	}
	r.setState(stateClosed)
	r.finalizeClose()
	if err := r.group.Wait(); err != nil {
		dlog.Errorf(ctx, "connection goroutines: %v", err)
	}

	if err := r.flush(out); err != nil {
		return Summary{}, err
	}

	snap := r.stats.Snapshot()
	r.events.Summary("receiver", snap)
	return Summary{Reset: reset, Stats: snap}, nil
}

// goNamed launches fn as a named, panic-recovered goroutine under the
// connection's dgroup.Group, exactly as handler.go's processPackets and
// processResends are launched in the teacher.
func (r *Receiver) goNamed(name string, fn func(ctx context.Context)) {
	r.group.Go(name, func(ctx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = derror.PanicToError(rec)
			}
		}()
		fn(ctx)
		return nil
	})
}

func (r *Receiver) listenLoop(ctx context.Context) {
	for {
		seg, dropped, err := r.ch.Receive()
		if err != nil {
			return
		}
		if dropped {
			r.stats.IncSegmentsDropped()
			r.events.Event(eventlog.Dropped, seg.Type, seg.Seqno, len(seg.Payload))
			continue
		}
		r.stats.IncSegmentsReceived()
		r.events.Event(eventlog.Received, seg.Type, seg.Seqno, len(seg.Payload))

		if r.isTerminated() {
			return
		}

		if seg.Type == stpwire.RESET {
			r.resetOnce.Do(func() { close(r.peerReset) })
			return
		}

		switch r.currentState() {
		case stateListen:
			r.handleListen(ctx, seg)
		case stateEstab:
			r.handleEstab(ctx, seg)
		case stateFinWait:
			r.handleFinWait(ctx, seg)
		}
	}
}

// handleListen implements spec §4.2 LISTEN.
func (r *Receiver) handleListen(ctx context.Context, seg stpwire.Segment) {
	if seg.Type != stpwire.SYN {
		dlog.Debugf(ctx, "unexpected segment %v in LISTEN", seg.Type)
		r.abortOnce.Do(func() { close(r.abort) })
		return
	}
	r.mu.Lock()
	r.dsn = stpseq.Add(stpseq.Seq(seg.Seqno), 1)
	r.state = stateEstab
	r.mu.Unlock()

	// Supplemented behavior (SPEC_FULL.md §C): a fresh SYN in LISTEN
	// rearms the event log's t=0 pivot.
	r.events.ResetPivot()
	r.sendSegment(ctx, stpwire.Segment{Type: stpwire.ACK, Seqno: uint16(r.dsn)})
}

// handleEstab implements spec §4.2 ESTAB.
func (r *Receiver) handleEstab(ctx context.Context, seg stpwire.Segment) {
	switch seg.Type {
	case stpwire.DATA:
		r.mu.Lock()
		if r.finSeen {
			r.mu.Unlock()
			dlog.Debugf(ctx, "DATA after FIN seen")
			r.abortOnce.Do(func() { close(r.abort) })
			return
		}
		ackSeq, ok := r.storeAndAckLocked(seg)
		r.mu.Unlock()
		if !ok {
			return
		}
		r.sendSegment(ctx, stpwire.Segment{Type: stpwire.ACK, Seqno: uint16(ackSeq)})

	case stpwire.FIN:
		r.handleFin(ctx, seg)

	default:
		dlog.Debugf(ctx, "unexpected segment %v in ESTAB", seg.Type)
		r.abortOnce.Do(func() { close(r.abort) })
	}
}

// handleFinWait implements the post-FIN portion of spec §4.2: further FINs
// are re-acked without re-arming the close timer; anything else (including
// DATA) is a protocol violation.
func (r *Receiver) handleFinWait(ctx context.Context, seg stpwire.Segment) {
	switch seg.Type {
	case stpwire.FIN:
		r.handleFin(ctx, seg)
	default:
		dlog.Debugf(ctx, "unexpected segment %v in FIN_WAIT", seg.Type)
		r.abortOnce.Do(func() { close(r.abort) })
	}
}

// handleFin acks the FIN and, on the first one observed, arms the single
// 2*MSL close timer (spec §4.2: "Further FINs are re-acked but do not
// re-arm").
func (r *Receiver) handleFin(ctx context.Context, seg stpwire.Segment) {
	ack := stpseq.Add(stpseq.Seq(seg.Seqno), 1)
	r.sendSegment(ctx, stpwire.Segment{Type: stpwire.ACK, Seqno: uint16(ack)})

	r.mu.Lock()
	first := !r.finSeen
	if first {
		r.finSeen = true
		r.state = stateFinWait
	}
	r.mu.Unlock()

	if first {
		r.goNamed("close-timer", r.closeTimer)
	}
}

// storeAndAckLocked stores seg's payload if its position is new, counts a
// duplicate otherwise, and computes the cumulative ACK sequence over the
// contiguous buffered prefix from position 0 (spec §4.2, §8 invariant 3).
// Caller must hold mu.
func (r *Receiver) storeAndAckLocked(seg stpwire.Segment) (stpseq.Seq, bool) {
	pos, ok := stpseq.InvertPosition(stpseq.Seq(seg.Seqno), r.dsn, stpwire.MSS, noFileSizeSentinel, stpseq.DefaultWrapBound)
	if !ok {
		return 0, false
	}
	if _, exists := r.buffer[pos]; !exists {
		r.buffer[pos] = seg.Payload
		r.stats.AddBytesTransferred(len(seg.Payload))
	} else {
		r.stats.IncDuplicateData()
	}

	total := 0
	for i := 0; ; i++ {
		b, exists := r.buffer[i]
		if !exists {
			break
		}
		total += len(b)
	}
	return stpseq.Add(r.dsn, total), true
}

func (r *Receiver) closeTimer(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-dcontext.HardContext(ctx).Done():
	case <-r.peerReset:
	case <-r.abort:
	case <-r.closed:
	case <-time.After(2 * MSL):
		r.finishedOnce.Do(func() { close(r.finished) })
	}
}

func (r *Receiver) emitReset(ctx context.Context) {
	r.sendSegment(ctx, stpwire.Segment{Type: stpwire.RESET, Seqno: 0})
}

func (r *Receiver) sendSegment(ctx context.Context, seg stpwire.Segment) {
	dropped, err := r.ch.Send(seg)
	if err != nil {
		if !r.isTerminated() {
			dlog.Errorf(ctx, "send: %v", err)
		}
		return
	}
	if dropped {
		r.stats.IncSegmentsDropped()
		r.events.Event(eventlog.Dropped, seg.Type, seg.Seqno, len(seg.Payload))
		return
	}
	r.stats.IncSegmentsSent()
	r.events.Event(eventlog.Sent, seg.Type, seg.Seqno, len(seg.Payload))
}

// flush writes the longest contiguous buffered prefix starting at position
// 0 to out (spec §3 invariant 4, §4.2 Close).
func (r *Receiver) flush(out io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; ; i++ {
		b, exists := r.buffer[i]
		if !exists {
			return nil
		}
		if _, err := out.Write(b); err != nil {
			return err
		}
	}
}

func (r *Receiver) setState(st state) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

func (r *Receiver) currentState() state {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) isTerminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

func (r *Receiver) finalizeClose() {
	r.mu.Lock()
	r.terminated = true
	r.mu.Unlock()
	r.closeOnce.Do(func() { close(r.closed) })
	r.ch.Close()
}
