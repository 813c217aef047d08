// Package circuit implements one multi-hop Tor circuit: the ntor/ntor-v3
// CREATE2 and EXTEND2 handshakes, onion-layered relay cell
// encrypt/decrypt, and the cooperative-task circuit reactor that
// multiplexes streams onto the circuit's hop chain (spec §4.5–§4.9).
package circuit

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opaline-labs/coriander/cell"
	"github.com/opaline-labs/coriander/channel"
	"github.com/opaline-labs/coriander/descriptor"
)

// streamQueueCap bounds each stream's inbound relay-data queue.
const streamQueueCap = 64

// idGen hands out process-local circuit handle ids (distinct from the
// wire-level circID, which is scoped to one channel).
var idGen atomic.Uint64

func nextID() uint64 { return idGen.Add(1) }

type streamEntry struct {
	inbound chan RelayMessage
	evict   chan struct{}
}

// RelayMessage is one decrypted relay message delivered to a stream:
// the inner relay command, its wire stream-id (0 for a circuit-level
// cell such as a circuit SENDME, fanned out to every open stream), and
// its data, already peeled of every hop's onion-encryption layer
// (spec §4.5, §4.7).
type RelayMessage struct {
	Cmd      uint8
	StreamID uint16
	Data     []byte
}

// Circuit is one established, possibly multi-hop, circuit over a
// Channel. All mutable state (hop list, stream table, RELAY_EARLY
// budget) is owned exclusively by the reactor goroutine started in
// newCircuit; every other accessor communicates with it over the
// channels below (spec §5).
type Circuit struct {
	HandleID uint64
	CircID   uint32

	ch     *channel.Channel
	logger *slog.Logger

	inbound <-chan cell.Cell
	evict   <-chan struct{}

	cmdReq   chan circuitCmd
	closeReq chan chan struct{}

	lastActivity atomic.Int64
	congested    atomic.Bool // true once the last hop negotiated congestion control

	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// circuitCmd is the sum type of requests the reactor select loop
// handles; exactly one of the embedded request fields is non-nil.
type circuitCmd struct {
	openStream  *openStreamReq
	closeStream *closeStreamReq
	sendRelay   *sendRelayReq
	extend      *extendReq
	addHop      *addHopReq
}

type openStreamReq struct {
	streamID uint16 // 0 = allocate
	reply    chan openStreamResult
}

type openStreamResult struct {
	streamID uint16
	inbound  <-chan RelayMessage
	evict    <-chan struct{}
	err      error
}

type closeStreamReq struct {
	streamID uint16
}

type sendRelayReq struct {
	relayCmd uint8
	streamID uint16
	data     []byte
	early    bool
	reply    chan error
}

type extendReq struct {
	relayInfo *descriptor.RelayInfo
	useV3     bool
	reply     chan error
}

type addHopReq struct {
	hop   *Hop
	reply chan error
}

// OpenStream allocates a stream-id on this circuit and registers an
// inbound queue for relay cells addressed to it (spec §4.7). streamID
// 0 requests random allocation; nonzero values are for tests.
func (c *Circuit) OpenStream(streamID uint16) (id uint16, inbound <-chan RelayMessage, evict <-chan struct{}, err error) {
	reply := make(chan openStreamResult, 1)
	select {
	case c.cmdReq <- circuitCmd{openStream: &openStreamReq{streamID: streamID, reply: reply}}:
	case <-c.closeCh:
		return 0, nil, nil, fmt.Errorf("circuit %d closed", c.CircID)
	}
	res := <-reply
	return res.streamID, res.inbound, res.evict, res.err
}

// CloseStream removes a stream's inbound registration. It does not send
// RELAY_END; callers that need a clean stream teardown send that first.
func (c *Circuit) CloseStream(streamID uint16) {
	select {
	case c.cmdReq <- circuitCmd{closeStream: &closeStreamReq{streamID: streamID}}:
	case <-c.closeCh:
	}
}

// SendRelay encrypts and transmits one relay message through every hop.
func (c *Circuit) SendRelay(relayCmd uint8, streamID uint16, data []byte) error {
	return c.sendRelay(relayCmd, streamID, data, false)
}

// SendRelayEarly is identical to SendRelay but transmitted as
// RELAY_EARLY, subject to the circuit's RELAY_EARLY budget (spec §4.6).
func (c *Circuit) SendRelayEarly(relayCmd uint8, streamID uint16, data []byte) error {
	return c.sendRelay(relayCmd, streamID, data, true)
}

func (c *Circuit) sendRelay(relayCmd uint8, streamID uint16, data []byte, early bool) error {
	reply := make(chan error, 1)
	select {
	case c.cmdReq <- circuitCmd{sendRelay: &sendRelayReq{relayCmd: relayCmd, streamID: streamID, data: data, early: early, reply: reply}}:
	case <-c.closeCh:
		return fmt.Errorf("circuit %d closed", c.CircID)
	}
	return <-reply
}

// Extend grows the circuit by one hop through an EXTEND2/EXTENDED2
// exchange with the current last hop (spec §4.6). useV3 requests the
// ntor-v3 handshake with congestion control; the relay's acceptance is
// recorded on the new Hop.
func (c *Circuit) Extend(relayInfo *descriptor.RelayInfo, useV3 bool) error {
	reply := make(chan error, 1)
	select {
	case c.cmdReq <- circuitCmd{extend: &extendReq{relayInfo: relayInfo, useV3: useV3, reply: reply}}:
	case <-c.closeCh:
		return fmt.Errorf("circuit %d closed", c.CircID)
	}
	return <-reply
}

// AddHop appends an already-keyed Hop directly, bypassing EXTEND2 — used
// for the virtual hop added after a hidden-service RENDEZVOUS2 (spec
// §4.6 supplement).
func (c *Circuit) AddHop(hop *Hop) error {
	reply := make(chan error, 1)
	select {
	case c.cmdReq <- circuitCmd{addHop: &addHopReq{hop: hop, reply: reply}}:
	case <-c.closeCh:
		return fmt.Errorf("circuit %d closed", c.CircID)
	}
	return <-reply
}

// Close tears down the circuit: sends DESTROY on the underlying channel,
// evicts every registered stream, and exits the reactor.
func (c *Circuit) Close() {
	c.closeOnce.Do(func() {
		done := make(chan struct{})
		select {
		case c.closeReq <- done:
			<-done
		case <-c.closeCh:
		}
	})
}

// Done returns a channel closed once the reactor exits.
func (c *Circuit) Done() <-chan struct{} { return c.closeCh }

// IsClosed reports whether the reactor has exited.
func (c *Circuit) IsClosed() bool { return c.closed.Load() }

// LastActivity returns the last time a cell crossed this circuit,
// used by the circuit manager to prefer the most recently used of
// several compatible circuits (spec §4.10).
func (c *Circuit) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// CongestionControlled reports whether the current last hop negotiated
// congestion control during its CREATE2/EXTEND2 handshake. The stream
// layer uses this to pick between the legacy sendme window and XON/XOFF
// flow control (spec §4.8).
func (c *Circuit) CongestionControlled() bool { return c.congested.Load() }

func (c *Circuit) touch() { c.lastActivity.Store(time.Now().UnixNano()) }
