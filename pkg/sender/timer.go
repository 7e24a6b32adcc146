package sender

import (
	"context"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dlog"
)

// runTimer is the per-position retransmission timer from spec §4.1: it
// sleeps rto, and on wake, if the position is still the unacked window
// lower bound, retransmits and restarts itself. Timers for a given
// position are singleton (invariant 2 in spec §8); a position that has
// slid out of the window or been acked simply lets its timer exit without
// retransmitting (spec §5 Cancellation).
func (s *Sender) runTimer(ctx context.Context, pos int) {
	for {
		select {
		case <-ctx.Done():
			s.disarm(pos)
			return
		case <-dcontext.HardContext(ctx).Done():
			s.disarm(pos)
			return
		case <-s.peerReset:
			s.disarm(pos)
			return
		case <-s.abort:
			s.disarm(pos)
			return
		case <-s.closed:
			s.disarm(pos)
			return
		case <-time.After(s.rto):
		}

		s.mu.Lock()
		if s.terminated || s.state != stateSending || pos >= len(s.segments) {
			s.mu.Unlock()
			return
		}
		if s.segments[pos].acked || pos != s.lb {
			s.segments[pos].timerArmed = false
			s.mu.Unlock()
			return
		}
		seg := s.dataSegmentLocked(pos)
		s.mu.Unlock()

		s.stats.IncRetransmits()
		s.sendSegment(ctx, seg)
		dlog.Tracef(ctx, "retransmit pos=%d", pos)
	}
}

func (s *Sender) disarm(pos int) {
	s.mu.Lock()
	if pos < len(s.segments) {
		s.segments[pos].timerArmed = false
	}
	s.mu.Unlock()
}
