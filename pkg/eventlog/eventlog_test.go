package eventlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denniemok/simple-transport-protocol/pkg/stpstats"
	"github.com/denniemok/simple-transport-protocol/pkg/stpwire"
)

func TestEventLineFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Event(Sent, stpwire.SYN, 12345, 0)

	fields := strings.Fields(buf.String())
	require.Len(t, fields, 5)
	assert.Equal(t, "snd", fields[0])
	assert.Equal(t, "0", fields[1]) // first event establishes t=0
	assert.Equal(t, "SYN", fields[2])
	assert.Equal(t, "12345", fields[3])
	assert.Equal(t, "0", fields[4])
}

func TestResetPivotRearmsZero(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Event(Sent, stpwire.SYN, 1, 0)
	l.ResetPivot()
	buf.Reset()
	l.Event(Sent, stpwire.SYN, 1, 0)
	fields := strings.Fields(buf.String())
	require.Len(t, fields, 5)
	assert.Equal(t, "0", fields[1])
}

func TestSummaryWritesCounters(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Summary("sender", stpstats.Snapshot{BytesTransferred: 2500, SegmentsSent: 3, Retransmits: 1})
	out := buf.String()
	assert.Contains(t, out, "Bytes Transferred: 2500")
	assert.Contains(t, out, "Segments Sent: 3")
	assert.Contains(t, out, "Retransmits: 1")
}
