// Package eventlog writes the wire-event log required by spec §6: one
// line per snd/rcv/drp event, whitespace-delimited, followed by summary
// counters at close. It is deliberately independent of the operational
// dlog-based trace (see pkg/stpconfig and SPEC_FULL.md §A.2): the wire log
// format must stay stable even if operational log verbosity or formatting
// changes.
package eventlog

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/denniemok/simple-transport-protocol/pkg/stpstats"
	"github.com/denniemok/simple-transport-protocol/pkg/stpwire"
)

// Action is one of the three event kinds spec §6 requires.
type Action string

const (
	Sent    Action = "snd"
	Received Action = "rcv"
	Dropped Action = "drp"
)

// Logger writes wire-format event lines to an underlying writer and tracks
// the monotonic pivot timestamp ("t_ms is monotonic milliseconds since the
// first logged event", spec §6).
type Logger struct {
	mu    sync.Mutex
	out   *logrus.Logger
	pivot time.Time
	armed bool
}

// New builds a Logger that writes to w.
func New(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&lineFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return &Logger{out: l}
}

// ResetPivot rearms the t=0 pivot so the next logged event becomes t_ms=0.
// The receiver calls this when a fresh SYN arrives in LISTEN, matching the
// original implementation's behavior of resetting its timestamp pivot
// whenever connection establishment restarts (SPEC_FULL.md §C).
func (l *Logger) ResetPivot() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armed = false
}

func (l *Logger) elapsedMs() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.armed {
		l.pivot = now
		l.armed = true
		return 0
	}
	return now.Sub(l.pivot).Milliseconds()
}

// Event logs one snd/rcv/drp line for the given segment.
func (l *Logger) Event(action Action, typ stpwire.Type, seqno uint16, size int) {
	l.out.WithFields(logrus.Fields{
		"action": string(action),
		"t_ms":   l.elapsedMs(),
		"type":   typ.String(),
		"seqno":  seqno,
		"size":   size,
	}).Info("")
}

// Summary writes the final per-connection counters (spec §6: "Followed by
// summary counters").
func (l *Logger) Summary(role string, s stpstats.Snapshot) {
	l.out.Info(fmt.Sprintf("%s: Bytes Transferred: %d", role, s.BytesTransferred))
	l.out.Info(fmt.Sprintf("%s: Segments Sent: %d", role, s.SegmentsSent))
	l.out.Info(fmt.Sprintf("%s: Segments Received: %d", role, s.SegmentsReceived))
	l.out.Info(fmt.Sprintf("%s: Duplicate Data Segments: %d", role, s.DuplicateData))
	l.out.Info(fmt.Sprintf("%s: Duplicate Acknowledgements: %d", role, s.DuplicateAcks))
	l.out.Info(fmt.Sprintf("%s: Segments Dropped: %d", role, s.SegmentsDropped))
	l.out.Info(fmt.Sprintf("%s: Retransmits: %d", role, s.Retransmits))
	l.out.Info(fmt.Sprintf("%s: Fast Retransmits: %d", role, s.FastRetransmits))
}

// lineFormatter renders the spec §6 wire-event format exactly, falling
// back to the plain message for non-event (summary) entries.
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	action, ok := e.Data["action"]
	if !ok {
		return []byte(e.Message + "\n"), nil
	}
	return []byte(fmt.Sprintf("%s %v %v %v %v\n",
		action, e.Data["t_ms"], e.Data["type"], e.Data["seqno"], e.Data["size"])), nil
}
