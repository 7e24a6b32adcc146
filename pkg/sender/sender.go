// Package sender implements the sender half of the Simple Transport
// Protocol's state machine (spec §4.1): connection establishment, pipelined
// data transfer over a sliding window, and timed teardown.
//
// The concurrency shape follows the teacher's pkg/vif/tcp handler: a single
// sync.Mutex embedded in the Sender struct guards all shared state (window
// bounds, per-segment records, current phase), while a receive listener, a
// transmit scheduler, and one retransmission timer per armed position run
// as named goroutines under a dgroup.Group, exactly as handler.go's
// processPackets/processResends are supervised in the teacher.
package sender

import (
	"context"
	"math/rand"
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

// maxHandshakeRetries is the number of retransmissions allowed before
// ESTAB_PENDING/FIN_PENDING give up (spec §4.1: "After 3 retransmissions
// (4 total attempts) without progress").
const maxHandshakeRetries = 3

type segmentRecord struct {
	payload    []byte
	sent       bool
	acked      bool
	timerArmed bool
}

// Sender drives one file transfer from ESTAB_PENDING through CLOSED.
type Sender struct {
	mu sync.Mutex

	id     uuid.UUID
	ch     *stpnet.Channel
	events *eventlog.Logger
	stats  *stpstats.Counters
	rto    time.Duration

	isn stpseq.Seq
	dsn stpseq.Seq
	fsn stpseq.Seq

	data      []byte
	winSegs   int
	wrapBound int

	segments []segmentRecord
	lb, ub   int

	prevAck     stpseq.Seq
	havePrevAck bool
	dupAckCount map[int]int

	state   state
	onEstab chan struct{}
	onFin   chan struct{}

	group       *dgroup.Group
	rescan      chan struct{}
	sendingDone chan struct{}
	peerReset   chan struct{}
	abort       chan struct{}
	closed      chan struct{}
	resetOnce   sync.Once
	abortOnce   sync.Once
	doneOnce    sync.Once
	closeOnce   sync.Once
	terminated  bool
}

// New builds a Sender ready to run over ch, transferring data once
// established. maxWinBytes and rto come from the fixed CLI surface
// (spec §6).
func New(ch *stpnet.Channel, data []byte, maxWinBytes int, rto time.Duration, events *eventlog.Logger, stats *stpstats.Counters) *Sender {
	winSegs := maxWinBytes / stpwire.MSS
	if winSegs < 1 {
		winSegs = 1
	}
	return &Sender{
		id:          uuid.New(),
		ch:          ch,
		events:      events,
		stats:       stats,
		rto:         rto,
		isn:         stpseq.Seq(rand.Intn(1 << 16)),
		data:        data,
		winSegs:     winSegs,
		wrapBound:   stpseq.WrapBoundFor(len(data)),
		dupAckCount: make(map[int]int),
		state:       stateInit,
		rescan:      make(chan struct{}, 1),
		sendingDone: make(chan struct{}),
		peerReset:   make(chan struct{}),
		abort:       make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

// Summary is returned by Run once the connection has closed.
type Summary struct {
	Reset bool
	Stats stpstats.Snapshot
}

// Run drives the sender to completion: handshake, pipelined transfer,
// teardown, close. It returns once the connection has reached CLOSED,
// either cleanly or via RESET_PENDING.
func (s *Sender) Run(ctx context.Context) (Summary, error) {
	s.dsn = stpseq.Add(s.isn, 1)
	ctx = dlog.WithField(ctx, "conn", s.id.String())

	// Every goroutine this connection starts (listener, scheduler,
	// per-position timers) is supervised under one dgroup.Group, named and
	// panic-recovered exactly as handler.go's processPackets/processResends
	// are in the teacher. EnableWithSoftness lets a goroutine that must
	// outlive a graceful RESET/FIN-driven stop opt into dcontext.HardContext
	// instead of the group's (softened) ctx, mirroring the soft/hard split
	// service.go draws between its gRPC server and its signal handler.
	s.group = dgroup.NewGroup(dcontext.WithSoftness(ctx), dgroup.GroupConfig{EnableWithSoftness: true})

	s.goNamed("listener", s.listenLoop)

	reset := false
	result := s.runEstablish(ctx)
	switch result {
	case waitProgressed:
		dlog.Debugf(ctx, "established, dsn=%d", s.dsn)
		result = s.runSending(ctx)
		switch result {
		case waitProgressed:
			dlog.Debugf(ctx, "transfer complete, fsn=%d", s.fsn)
			result = s.runFinish(ctx)
			if result == waitProgressed {
				s.setState(stateFinished)
			} else if result != waitPeerReset {
				reset = true
			}
		case waitPeerReset:
		default:
			reset = true
		}
	case waitPeerReset:
	default:
		reset = true
	}

	if reset {
		s.emitReset(ctx)
	}
	s.setState(stateClosed)
	s.finalizeClose()
	if err := s.group.Wait(); err != nil {
		dlog.Errorf(ctx, "connection goroutines: %v", err)
	}

	snap := s.stats.Snapshot()
	s.events.Summary("sender", snap)
	return Summary{Reset: reset, Stats: snap}, nil
}

// goNamed launches fn as a named, panic-recovered goroutine under the
// connection's dgroup.Group, exactly as handler.go's processPackets and
// processResends are launched in the teacher. It may itself be called from
// a goroutine the group already started (the scheduler arms per-position
// timers this way).
func (s *Sender) goNamed(name string, fn func(ctx context.Context)) {
	s.group.Go(name, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = derror.PanicToError(r)
			}
		}()
		fn(ctx)
		return nil
	})
}

// waitResult is the outcome of waiting for a phase to complete.
type waitResult int

const (
	waitProgressed waitResult = iota
	waitPeerReset
	waitAbort
	waitCtxDone
	waitGiveUp
)

// retryPhase sends once via send, then waits up to rto after each attempt
// for progressed to close, resending on timeout, up to maxHandshakeRetries
// times (spec §4.1's "3 retransmissions, 4 total attempts" rule, shared by
// ESTAB_PENDING and FIN_PENDING).
func (s *Sender) retryPhase(ctx context.Context, send func(), progressed <-chan struct{}) waitResult {
	send()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return waitCtxDone
		case <-s.peerReset:
			return waitPeerReset
		case <-s.abort:
			return waitAbort
		case <-progressed:
			return waitProgressed
		case <-time.After(s.rto):
		}
		if attempt > maxHandshakeRetries {
			return waitGiveUp
		}
		send()
	}
}

func (s *Sender) runEstablish(ctx context.Context) waitResult {
	s.setState(stateEstabPending)
	progressed := make(chan struct{})
	s.mu.Lock()
	s.onEstab = progressed
	s.mu.Unlock()
	res := s.retryPhase(ctx, func() {
		s.sendSegment(ctx, stpwire.Segment{Type: stpwire.SYN, Seqno: uint16(s.isn)})
	}, progressed)
	s.mu.Lock()
	s.onEstab = nil
	s.mu.Unlock()
	return res
}

func (s *Sender) runSending(ctx context.Context) waitResult {
	s.prepareSegments()
	s.setState(stateSending)
	s.goNamed("scheduler", s.runScheduler)
	s.kick()
	select {
	case <-ctx.Done():
		return waitCtxDone
	case <-s.peerReset:
		return waitPeerReset
	case <-s.abort:
		return waitAbort
	case <-s.sendingDone:
		return waitProgressed
	}
}

func (s *Sender) runFinish(ctx context.Context) waitResult {
	s.setState(stateFinPending)
	progressed := make(chan struct{})
	s.mu.Lock()
	s.onFin = progressed
	s.mu.Unlock()
	res := s.retryPhase(ctx, func() {
		s.sendSegment(ctx, stpwire.Segment{Type: stpwire.FIN, Seqno: uint16(s.fsn)})
	}, progressed)
	s.mu.Lock()
	s.onFin = nil
	s.mu.Unlock()
	return res
}

// emitReset sends the single best-effort RESET datagram (spec §4.1
// RESET_PENDING, §7 "best-effort, not retried").
func (s *Sender) emitReset(ctx context.Context) {
	s.sendSegment(ctx, stpwire.Segment{Type: stpwire.RESET, Seqno: 0})
}

func (s *Sender) sendSegment(ctx context.Context, seg stpwire.Segment) {
	dropped, err := s.ch.Send(seg)
	if err != nil {
		if !s.isTerminated() {
			dlog.Errorf(ctx, "send: %v", err)
		}
		return
	}
	if dropped {
		s.stats.IncSegmentsDropped()
		s.events.Event(eventlog.Dropped, seg.Type, seg.Seqno, len(seg.Payload))
		return
	}
	s.stats.IncSegmentsSent()
	s.stats.AddBytesTransferred(len(seg.Payload))
	s.events.Event(eventlog.Sent, seg.Type, seg.Seqno, len(seg.Payload))
}

func (s *Sender) listenLoop(ctx context.Context) {
	for {
		seg, dropped, err := s.ch.Receive()
		if err != nil {
			return
		}
		if dropped {
			s.stats.IncSegmentsDropped()
			s.events.Event(eventlog.Dropped, seg.Type, seg.Seqno, len(seg.Payload))
			continue
		}
		s.stats.IncSegmentsReceived()
		s.events.Event(eventlog.Received, seg.Type, seg.Seqno, len(seg.Payload))

		if s.isTerminated() {
			return
		}
		switch seg.Type {
		case stpwire.RESET:
			s.resetOnce.Do(func() { close(s.peerReset) })
			return
		case stpwire.ACK:
			s.handleAck(ctx, seg)
		default:
			dlog.Debugf(ctx, "unexpected segment %v in %v", seg.Type, s.currentState())
			s.abortOnce.Do(func() { close(s.abort) })
		}
	}
}

func (s *Sender) setState(st state) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sender) currentState() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *Sender) finalizeClose() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	s.ch.Close()
}

func (s *Sender) kick() {
	select {
	case s.rescan <- struct{}{}:
	default:
	}
}

func (s *Sender) signalSendingDone() {
	s.doneOnce.Do(func() { close(s.sendingDone) })
}

// prepareSegments partitions the file into fixed-size records once ESTAB
// is reached (spec §3 Lifecycle: "Sender allocates per-segment records
// after reading the file during the established phase").
func (s *Sender) prepareSegments() {
	n := (len(s.data) + stpwire.MSS - 1) / stpwire.MSS

	s.mu.Lock()
	s.segments = make([]segmentRecord, n)
	for i := 0; i < n; i++ {
		start := i * stpwire.MSS
		end := start + stpwire.MSS
		if end > len(s.data) {
			end = len(s.data)
		}
		s.segments[i].payload = s.data[start:end]
	}
	s.lb = 0
	s.ub = min(s.winSegs-1, n-1)
	windowBytes := s.windowBytesLocked()
	s.mu.Unlock()
	s.stats.SetCurrentWindowBytes(windowBytes)

	if n == 0 {
		// Empty input file: straight to FIN after ESTAB (spec §8 Boundary
		// behaviors).
		s.fsn = s.dsn
		s.signalSendingDone()
	}
}

func (s *Sender) dataSegment(pos int) stpwire.Segment {
	s.mu.Lock()
	payload := s.segments[pos].payload
	s.mu.Unlock()
	return stpwire.Segment{
		Type:    stpwire.DATA,
		Seqno:   uint16(stpseq.Add(s.dsn, stpwire.MSS*pos)),
		Payload: payload,
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
