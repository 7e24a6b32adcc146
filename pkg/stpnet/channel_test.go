package stpnet

import (
	"math/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denniemok/simple-transport-protocol/pkg/stpwire"
)

func pipe(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestChannelRoundTripNoLoss(t *testing.T) {
	a, b := pipe(t)
	ca := New(a, b.LocalAddr())
	cb := New(b, a.LocalAddr())

	dropped, err := ca.Send(stpwire.Segment{Type: stpwire.SYN, Seqno: 7})
	require.NoError(t, err)
	assert.False(t, dropped)

	seg, dropped, err := cb.Receive()
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.Equal(t, stpwire.SYN, seg.Type)
	assert.Equal(t, uint16(7), seg.Seqno)
}

func TestChannelSendLossDropsDeterministically(t *testing.T) {
	a, b := pipe(t)
	ca := New(a, b.LocalAddr(), WithSendLoss(100), WithRandSource(rand.NewSource(1)))
	dropped, err := ca.Send(stpwire.Segment{Type: stpwire.DATA, Seqno: 1, Payload: []byte("x")})
	require.NoError(t, err)
	assert.True(t, dropped)
}

func TestChannelResetBypassesLoss(t *testing.T) {
	a, b := pipe(t)
	ca := New(a, b.LocalAddr(), WithSendLoss(100))
	dropped, err := ca.Send(stpwire.Segment{Type: stpwire.RESET})
	require.NoError(t, err)
	assert.False(t, dropped)
}

func TestChannelDropObserverInvoked(t *testing.T) {
	a, b := pipe(t)
	var seen []Direction
	ca := New(a, b.LocalAddr(), WithSendLoss(100), WithDropObserver(func(dir Direction, _ stpwire.Segment) {
		seen = append(seen, dir)
	}))
	_, _ = ca.Send(stpwire.Segment{Type: stpwire.ACK})
	require.Len(t, seen, 1)
	assert.Equal(t, Outbound, seen[0])
}
