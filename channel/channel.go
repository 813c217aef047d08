// Package channel implements one authenticated transport link to one
// relay: link authentication, cell framing hand-off, and the
// cooperative-task channel reactor that multiplexes many circuits onto
// the link (spec §4.2, §4.3).
package channel

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opaline-labs/coriander/cell"
)

// inboundQueueCap bounds each circuit's inbound cell queue. Overflow
// closes the offending circuit, not the channel (spec §4.3).
const inboundQueueCap = 64

// idGen hands out process-local channel IDs.
var idGen atomic.Uint64

// nextID returns a fresh process-local channel ID.
func nextID() uint64 { return idGen.Add(1) }

// circEntry is the channel reactor's bookkeeping for one live circuit:
// where to deliver cells arriving for that circuit-id, and how to tell
// the circuit reactor the channel went away.
type circEntry struct {
	inbound chan cell.Cell
	evict   chan struct{} // closed by the channel reactor when the circuit is force-dropped
}

// Channel is one authenticated link to one relay. All mutable state is
// owned by the single reactor goroutine started in Dial; every
// other accessor communicates with it over the channels below instead of
// touching fields directly (spec §5: "no locks protect a reactor's
// internal state from itself").
type Channel struct {
	ID       uint64
	Identity Identity
	Addr     string
	Version  uint16
	ClockSkew time.Duration

	logger *slog.Logger

	conn   *tls.Conn
	reader *cell.Reader
	writer *cell.Writer

	openCircuitReq chan openCircuitRequest
	sendReq        chan sendRequest
	closeReq       chan chan struct{}

	lastActivity       atomic.Int64 // unix nanos
	lastStreamActivity atomic.Int64

	closed   atomic.Bool
	closeCh  chan struct{}
	closeOnce sync.Once
}

type openCircuitRequest struct {
	hint  uint32 // 0 = allocate at random
	reply chan openCircuitResult
}

type openCircuitResult struct {
	circID  uint32
	inbound <-chan cell.Cell
	evict   <-chan struct{}
	err     error
}

type sendRequest struct {
	c     cell.Cell
	reply chan error
}

// touch marks link-level activity, used by the channel manager's idle
// expiration sweep.
func (ch *Channel) touch() { ch.lastActivity.Store(time.Now().UnixNano()) }

// touchStream marks stream-level activity (a circuit on this channel
// carried application data), used by the same idle sweep.
func (ch *Channel) touchStream() { ch.lastStreamActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the last time any cell crossed this channel.
func (ch *Channel) LastActivity() time.Time {
	return time.Unix(0, ch.lastActivity.Load())
}

// LastStreamActivity returns the last time a circuit on this channel
// carried application-stream data.
func (ch *Channel) LastStreamActivity() time.Time {
	return time.Unix(0, ch.lastStreamActivity.Load())
}

// IsClosed reports whether the reactor has exited.
func (ch *Channel) IsClosed() bool { return ch.closed.Load() }

// OpenCircuit allocates a fresh circuit-id and registers an inbound queue
// for it, returning a handle the circuit reactor reads from. hint, if
// nonzero, requests a specific identifier (used only by tests); normal
// callers pass 0 for random allocation per spec §4.3.
func (ch *Channel) OpenCircuit(hint uint32) (circID uint32, inbound <-chan cell.Cell, evict <-chan struct{}, err error) {
	reply := make(chan openCircuitResult, 1)
	select {
	case ch.openCircuitReq <- openCircuitRequest{hint: hint, reply: reply}:
	case <-ch.closeCh:
		return 0, nil, nil, fmt.Errorf("channel %d closed", ch.ID)
	}
	res := <-reply
	return res.circID, res.inbound, res.evict, res.err
}

// SendCell enqueues c for transmission on the link. It fails if the
// channel is closed (spec §4.3).
func (ch *Channel) SendCell(c cell.Cell) error {
	reply := make(chan error, 1)
	select {
	case ch.sendReq <- sendRequest{c: c, reply: reply}:
	case <-ch.closeCh:
		return fmt.Errorf("channel %d closed", ch.ID)
	}
	return <-reply
}

// Close drains pending outbound cells with bounded effort, then shuts
// down the reactor and closes the transport.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		done := make(chan struct{})
		select {
		case ch.closeReq <- done:
			<-done
		case <-ch.closeCh:
		}
	})
}

// Done returns a channel closed once the reactor has fully exited, for
// callers (e.g. the channel manager) that want to observe teardown
// without calling Close themselves.
func (ch *Channel) Done() <-chan struct{} { return ch.closeCh }
