// Package stpnet adapts a raw datagram socket into the channel abstraction
// the sender and receiver state machines use: a place to send and receive
// stpwire.Segment values, with an optional simulated-loss layer for test
// scaffolding (spec §4.4). Loss simulation is not protocol behavior; it
// exists so that higher levels can be exercised against a lossy channel
// without a real unreliable network.
package stpnet

import (
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/denniemok/simple-transport-protocol/pkg/stpwire"
)

// Direction distinguishes the two loss-simulation points: a segment being
// sent out, or one just read off the socket.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// DropObserver is notified whenever a segment is discarded by the
// simulated-loss layer, so callers can log and count it.
type DropObserver func(dir Direction, seg stpwire.Segment)

// Channel wraps a net.PacketConn bound to one local address and always
// talking to one fixed peer address (the protocol never multiplexes
// connections, per spec §1's Non-goals), and applies independent
// percentage-based loss on send and on receive.
type Channel struct {
	conn net.PacketConn
	peer net.Addr

	mu          sync.Mutex
	rng         *rand.Rand
	sendLossPct int
	recvLossPct int
	onDrop      DropObserver
}

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithSendLoss sets the percentage (0-100) of outbound non-RESET segments
// that are silently discarded instead of written to the socket.
func WithSendLoss(pct int) Option {
	return func(c *Channel) { c.sendLossPct = pct }
}

// WithRecvLoss sets the percentage (0-100) of inbound non-RESET segments
// that are silently discarded instead of being returned to the caller.
func WithRecvLoss(pct int) Option {
	return func(c *Channel) { c.recvLossPct = pct }
}

// WithDropObserver registers a callback invoked for every simulated drop.
func WithDropObserver(f DropObserver) Option {
	return func(c *Channel) { c.onDrop = f }
}

// WithRandSource overrides the pseudo-random source used to decide drops.
// Tests use this to make loss simulation deterministic.
func WithRandSource(src rand.Source) Option {
	return func(c *Channel) { c.rng = rand.New(src) }
}

// New wraps conn, always addressing peer, applying the given options.
func New(conn net.PacketConn, peer net.Addr, opts ...Option) *Channel {
	c := &Channel{
		conn: conn,
		peer: peer,
		rng:  rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LocalAddr returns the channel's bound local address.
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close releases the underlying socket.
func (c *Channel) Close() error { return c.conn.Close() }

// percentRoll draws an integer in [0, 100) using the channel's rng,
// serialized because math/rand.Rand is not safe for concurrent use and a
// Channel's Send and Receive run on different goroutines.
func (c *Channel) percentRoll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(100)
}

// Send writes seg to the peer, unless the simulated send-loss layer drops
// it first. RESET segments always bypass loss simulation (spec §4.4,
// invariant 5 in spec §8).
func (c *Channel) Send(seg stpwire.Segment) (dropped bool, err error) {
	if seg.Type != stpwire.RESET && c.sendLossPct > 0 && c.percentRoll() < c.sendLossPct {
		if c.onDrop != nil {
			c.onDrop(Outbound, seg)
		}
		return true, nil
	}
	_, err = c.conn.WriteTo(seg.Encode(), c.peer)
	return false, err
}

// Receive blocks until a segment arrives, decodes it, and applies the
// simulated receive-loss layer. It returns (seg, true, nil), with seg the
// decoded segment, when a segment was read but dropped by loss simulation,
// so the caller can log the drop and continue listening without treating
// it as an error.
func (c *Channel) Receive() (seg stpwire.Segment, dropped bool, err error) {
	buf := make([]byte, stpwire.MaxDatagram)
	n, _, err := c.conn.ReadFrom(buf)
	if err != nil {
		return stpwire.Segment{}, false, err
	}
	seg, err = stpwire.Decode(buf[:n])
	if err != nil {
		return stpwire.Segment{}, false, fmt.Errorf("stpnet: %w", err)
	}
	if seg.Type != stpwire.RESET && c.recvLossPct > 0 && c.percentRoll() < c.recvLossPct {
		if c.onDrop != nil {
			c.onDrop(Inbound, seg)
		}
		return seg, true, nil
	}
	return seg, false, nil
}
