package sender

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dcontext"

	"github.com/denniemok/simple-transport-protocol/pkg/stpseq"
	"github.com/denniemok/simple-transport-protocol/pkg/stpwire"
)

// handleAck implements spec §4.1's ACK handling table, dispatching on the
// current phase: an ACK can complete ESTAB_PENDING, drive SENDING's window,
// or complete FIN_PENDING.
func (s *Sender) handleAck(ctx context.Context, seg stpwire.Segment) {
	switch s.currentState() {
	case stateEstabPending:
		if stpseq.Seq(seg.Seqno) == s.dsn {
			s.mu.Lock()
			ch := s.onEstab
			s.mu.Unlock()
			if ch != nil {
				select {
				case <-ch:
				default:
					close(ch)
				}
			}
		}
	case stateSending:
		s.onDataAck(ctx, seg)
	case stateFinPending:
		want := stpseq.Add(s.fsn, 1)
		if stpseq.Seq(seg.Seqno) == want {
			s.mu.Lock()
			ch := s.onFin
			s.mu.Unlock()
			if ch != nil {
				select {
				case <-ch:
				default:
					close(ch)
				}
			}
		}
	default:
		// Stray ACK outside a phase that expects one: ignored, matching
		// the "duplicate/stale" branch of the error taxonomy (spec §7).
	}
}

// onDataAck is the SENDING-phase ACK handler from spec §4.1.
func (s *Sender) onDataAck(ctx context.Context, seg stpwire.Segment) {
	seqS := stpseq.Seq(seg.Seqno)

	s.mu.Lock()
	n := len(s.segments)
	pos, ok := stpseq.InvertPosition(seqS, s.dsn, stpwire.MSS, len(s.data), s.wrapBound)
	if !ok {
		s.mu.Unlock()
		return
	}

	if s.havePrevAck && s.prevAck == seqS {
		s.dupAckCount[pos]++
	} else {
		s.dupAckCount = make(map[int]int)
	}
	s.prevAck = seqS
	s.havePrevAck = true

	switch {
	case pos == s.lb:
		fast := s.dupAckCount[pos] > 0 && s.dupAckCount[pos]%3 == 0
		var retransmit stpwire.Segment
		if fast {
			retransmit = s.dataSegmentLocked(pos)
			s.stats.IncFastRetransmits()
		}
		s.mu.Unlock()
		s.stats.IncDuplicateAcks()
		if fast {
			s.sendSegment(ctx, retransmit)
		}

	case pos > s.lb:
		for j := 0; j < pos && j < n; j++ {
			s.segments[j].acked = true
		}
		if pos == n {
			s.fsn = seqS
			s.state = stateFinPending
			s.mu.Unlock()
			s.stats.SetCurrentWindowBytes(0)
			s.signalSendingDone()
		} else {
			s.lb = pos
			s.ub = min(pos+s.winSegs-1, n-1)
			windowBytes := s.windowBytesLocked()
			s.mu.Unlock()
			s.stats.SetCurrentWindowBytes(windowBytes)
			s.kick()
		}

	default: // pos < lb: stale ACK, ignore (spec §7).
		s.mu.Unlock()
	}
}

// windowBytesLocked sums the payload size of every segment currently within
// [lb, ub], the quantity exposed as the current-window-size gauge (SPEC_FULL.md
// §B.3). Caller must hold mu.
func (s *Sender) windowBytesLocked() int {
	total := 0
	for i := s.lb; i <= s.ub && i < len(s.segments); i++ {
		total += len(s.segments[i].payload)
	}
	return total
}

// dataSegmentLocked builds the DATA segment for pos; caller must hold mu.
func (s *Sender) dataSegmentLocked(pos int) stpwire.Segment {
	return stpwire.Segment{
		Type:    stpwire.DATA,
		Seqno:   uint16(stpseq.Add(s.dsn, stpwire.MSS*pos)),
		Payload: s.segments[pos].payload,
	}
}

// runScheduler is the transmit scheduler task (spec §4.1 SENDING): it wakes
// on a rescan signal (window initialized or slid), snapshots (lb, ub), and
// scans every position in that range exactly once per wake, per the Open
// Question decision in SPEC_FULL.md §D.1.
func (s *Sender) runScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-dcontext.HardContext(ctx).Done():
			return
		case <-s.peerReset:
			return
		case <-s.abort:
			return
		case <-s.closed:
			return
		case <-s.rescan:
		}

		s.mu.Lock()
		if s.terminated || s.state != stateSending {
			s.mu.Unlock()
			return
		}
		lb, ub := s.lb, s.ub
		s.mu.Unlock()

		for i := lb; i <= ub; i++ {
			s.scanOne(ctx, i)
		}
	}
}

// scanOne implements one position's share of the scheduler's scan loop
// (spec §4.1 SENDING, second bullet).
func (s *Sender) scanOne(ctx context.Context, i int) {
	s.mu.Lock()
	if s.terminated || s.state != stateSending || i >= len(s.segments) {
		s.mu.Unlock()
		return
	}
	rec := &s.segments[i]
	lb := s.lb

	var seg stpwire.Segment
	send := false
	arm := false
	if !rec.sent {
		rec.sent = true
		seg = s.dataSegmentLocked(i)
		send = true
		if i == lb && !rec.timerArmed {
			rec.timerArmed = true
			arm = true
		}
	} else if i == lb && !rec.timerArmed {
		rec.timerArmed = true
		arm = true
	}
	s.mu.Unlock()

	if send {
		s.sendSegment(ctx, seg)
	}
	if arm {
		pos := i
		s.goNamed(fmt.Sprintf("timer-%d", pos), func(ctx context.Context) {
			s.runTimer(ctx, pos)
		})
	}
}
