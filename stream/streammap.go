package stream

import (
	"fmt"
	"sync"

	"github.com/opaline-labs/coriander/circuit"
)

// State is a stream's position in the command-checker state machine
// (spec §4.7): {awaiting-connected, open, half-closed, terminated}.
type State uint8

const (
	StateAwaitingConnected State = iota
	StateOpen
	StateHalfClosed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnected:
		return "awaiting-connected"
	case StateOpen:
		return "open"
	case StateHalfClosed:
		return "half-closed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// commandChecker enforces which relay commands are legal to receive in
// each stream state, rejecting a protocol violation rather than letting
// a stream accept data the peer had no business sending it (spec §4.7).
type commandChecker struct {
	state State
}

// accept validates relayCmd against the checker's current state,
// advances the state machine, and returns the resulting state.
func (c *commandChecker) accept(relayCmd uint8) (State, error) {
	switch c.state {
	case StateAwaitingConnected:
		switch relayCmd {
		case circuit.RelayConnected:
			c.state = StateOpen
		case circuit.RelayEnd:
			c.state = StateTerminated
		default:
			return c.state, fmt.Errorf("relay command %d illegal while awaiting CONNECTED", relayCmd)
		}
	case StateOpen:
		switch relayCmd {
		case circuit.RelayData, circuit.RelaySendMe, circuit.RelayXon, circuit.RelayXoff:
			// no transition
		case circuit.RelayEnd:
			c.state = StateHalfClosed
		default:
			return c.state, fmt.Errorf("relay command %d illegal on an open stream", relayCmd)
		}
	case StateHalfClosed:
		switch relayCmd {
		case circuit.RelayData, circuit.RelaySendMe:
			// the peer may still drain buffered data after its END
		default:
			return c.state, fmt.Errorf("relay command %d illegal on a half-closed stream", relayCmd)
		}
	case StateTerminated:
		return c.state, fmt.Errorf("stream already terminated")
	}
	return c.state, nil
}

// closeLocally records that this side sent RELAY_END, independent of
// anything received from the peer. A stream already half-closed by the
// peer becomes fully Terminated; one still open becomes half-closed.
func (c *commandChecker) closeLocally() {
	switch c.state {
	case StateHalfClosed:
		c.state = StateTerminated
	case StateTerminated:
	default:
		c.state = StateHalfClosed
	}
}

// Map is the per-circuit table of live streams the application side has
// opened, keyed by stream-id (spec §4.7). Stream-id allocation itself
// happens one level down in circuit.Circuit.OpenStream, which already
// picks a random non-zero id with collision retry (spec §4.7's
// allocation rule) — Map's job is tracking each id's command-checker
// state and flow-control block once the application holds the id.
//
// Mutex-protected rather than reactor-owned because, per spec §5, two
// different sub-futures of the circuit reactor may touch it: the
// inbound delivery path and a per-stream flow-control scanner. On one
// circuit that contention is negligible since both belong to the same
// task; Map itself makes no assumption about which goroutine calls it.
type Map struct {
	mu      sync.Mutex
	streams map[uint16]*mapEntry
}

type mapEntry struct {
	checker commandChecker
	flow    *xonXoffReceiver
}

// NewMap returns an empty stream map.
func NewMap() *Map {
	return &Map{streams: make(map[uint16]*mapEntry)}
}

// Register adds id in StateAwaitingConnected, with XON/XOFF tracking
// enabled if congestionControlled is true (spec §4.8).
func (m *Map) Register(id uint16, cfg flowConfig, congestionControlled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &mapEntry{}
	if congestionControlled {
		e.flow = newXonXoffReceiver(cfg)
	}
	m.streams[id] = e
}

// Forget removes id from the map, e.g. once its Stream is closed.
func (m *Map) Forget(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}

// Accept runs id's command-checker over an inbound relayCmd.
func (m *Map) Accept(id uint16, relayCmd uint8) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[id]
	if !ok {
		return StateTerminated, fmt.Errorf("unknown stream id %d", id)
	}
	return e.checker.accept(relayCmd)
}

// CloseLocally records a locally-initiated RELAY_END for id.
func (m *Map) CloseLocally(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.streams[id]; ok {
		e.checker.closeLocally()
	}
}

// State reports id's current command-checker state.
func (m *Map) State(id uint16) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[id]
	if !ok {
		return StateTerminated, false
	}
	return e.checker.state, true
}

// Flow returns id's XON/XOFF receiver, or nil if id isn't
// congestion-controlled (falls back to the legacy sendme window).
func (m *Map) Flow(id uint16) *xonXoffReceiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[id]
	if !ok {
		return nil
	}
	return e.flow
}

// Len reports how many streams are currently tracked.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
