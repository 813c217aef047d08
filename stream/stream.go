// Package stream is the application-facing stream abstraction built on
// top of circuit.Circuit: opening a stream (RELAY_BEGIN/CONNECTED),
// reading and writing RELAY_DATA under whichever flow-control regime
// the circuit negotiated, and tearing it down (spec §4.7, §4.8).
package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opaline-labs/coriander/circuit"
	"github.com/opaline-labs/coriander/config"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

const relayEndReasonDone = 6

// Stream is one application stream multiplexed over a circuit. Only the
// goroutine that calls Read/Write on a given Stream touches its buffer
// and window fields — concurrent use of one Stream from multiple
// goroutines is not supported, matching the circuit reactor's "owned by
// one task" model (spec §5).
type Stream struct {
	ID      uint16
	Circuit *circuit.Circuit

	// CircWindow and StreamWindow are the legacy sendme-window send-side
	// counters (spec §4.8), meaningful only when congestionControlled is
	// false.
	CircWindow   int
	StreamWindow int

	congestionControlled bool
	limiter              *RateLimit
	flow                 *xonXoffReceiver
	lastDrain            time.Time

	checker commandChecker

	inbound <-chan circuit.RelayMessage
	evict   <-chan struct{}

	buf    []byte
	closed bool
	eof    bool

	circDataReceived   int
	streamDataReceived int
}

// Begin opens a new stream to target (host:port) over circ: allocates a
// stream-id (circuit.Circuit.OpenStream picks a random non-zero id with
// collision retry, spec §4.7), sends RELAY_BEGIN, and waits for
// RELAY_CONNECTED. cfg supplies the XON/XOFF water marks used if circ
// negotiated congestion control with its last hop.
func Begin(ctx context.Context, circ *circuit.Circuit, target string, cfg config.Config) (*Stream, error) {
	id, inbound, evict, err := circ.OpenStream(0)
	if err != nil {
		return nil, fmt.Errorf("allocate stream: %w", err)
	}

	s := &Stream{
		ID:           id,
		Circuit:      circ,
		CircWindow:   initCircWindow,
		StreamWindow: initStreamWindow,
		inbound:      inbound,
		evict:        evict,
		lastDrain:    time.Now(),
	}

	// RELAY_BEGIN payload: "host:port\0" + flags(4 bytes, all zero).
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)

	if err := circ.SendRelay(circuit.RelayBegin, id, payload); err != nil {
		circ.CloseStream(id)
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return nil, fmt.Errorf("stream %d closed before CONNECTED", id)
			}
			if _, err := s.checker.accept(msg.Cmd); err != nil {
				circ.CloseStream(id)
				return nil, err
			}
			switch msg.Cmd {
			case circuit.RelayConnected:
				s.congestionControlled = circ.CongestionControlled()
				if s.congestionControlled {
					s.limiter = NewRateLimit(0)
					s.flow = newXonXoffReceiver(flowConfig{
						HighWaterMark: cfg.XonHighWaterMark,
						LowWaterMark:  cfg.XonLowWaterMark,
					})
				}
				return s, nil
			case circuit.RelayEnd:
				reason := uint8(0)
				if len(msg.Data) > 0 {
					reason = msg.Data[0]
				}
				circ.CloseStream(id)
				return nil, fmt.Errorf("stream rejected: RELAY_END reason=%d", reason)
			default:
				circ.CloseStream(id)
				return nil, fmt.Errorf("unexpected relay command %d while awaiting CONNECTED", msg.Cmd)
			}
		case <-evict:
			return nil, fmt.Errorf("circuit evicted stream %d before CONNECTED", id)
		case <-circ.Done():
			return nil, fmt.Errorf("circuit closed before CONNECTED")
		case <-ctx.Done():
			circ.CloseStream(id)
			return nil, ctx.Err()
		}
	}
}

// Write sends p as RELAY_DATA cells of up to circuit.MaxRelayDataLen
// bytes each. On a congestion-controlled circuit it paces writes
// through the XON/XOFF RateLimit; otherwise it respects the legacy
// sendme-window counters and errors once either is exhausted.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}

		if s.congestionControlled {
			if err := s.limiter.Wait(context.Background(), len(chunk)); err != nil {
				return total, fmt.Errorf("xon/xoff rate wait: %w", err)
			}
		} else if s.CircWindow <= 0 || s.StreamWindow <= 0 {
			return total, fmt.Errorf("send window exhausted (circ=%d, stream=%d)", s.CircWindow, s.StreamWindow)
		}

		if err := s.Circuit.SendRelay(circuit.RelayData, s.ID, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		if !s.congestionControlled {
			s.CircWindow--
			s.StreamWindow--
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read returns application bytes carried by RELAY_DATA cells, handling
// SENDME/XON/XOFF bookkeeping transparently and enforcing the §4.7
// command-checker state machine on every relay command it sees.
func (s *Stream) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}

	for {
		select {
		case msg, ok := <-s.inbound:
			if !ok {
				s.eof = true
				return 0, io.EOF
			}
			if _, err := s.checker.accept(msg.Cmd); err != nil {
				return 0, err
			}
			switch msg.Cmd {
			case circuit.RelayData:
				if err := s.handleDataReceived(len(msg.Data), msg.StreamID == 0); err != nil {
					return 0, err
				}
				n := copy(p, msg.Data)
				if n < len(msg.Data) {
					s.buf = append(s.buf, msg.Data[n:]...)
				}
				return n, nil
			case circuit.RelayEnd:
				s.eof = true
				return 0, io.EOF
			case circuit.RelaySendMe:
				s.applySendMe(msg.StreamID == 0)
			case circuit.RelayXon:
				if s.limiter != nil {
					s.limiter.SetRate(decodeXonRate(msg.Data))
				}
			case circuit.RelayXoff:
				if s.limiter != nil {
					s.limiter.SetRate(0)
				}
			default:
				return 0, fmt.Errorf("unexpected relay command %d on stream", msg.Cmd)
			}
		case <-s.evict:
			s.eof = true
			return 0, io.EOF
		case <-s.Circuit.Done():
			s.eof = true
			return 0, io.EOF
		}
	}
}

// Close sends RELAY_END to close the stream and marks it locally
// terminated; idempotent.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.checker.closeLocally()
	s.Circuit.CloseStream(s.ID)
	return s.Circuit.SendRelay(circuit.RelayEnd, s.ID, []byte{relayEndReasonDone})
}

// State reports the stream's current command-checker state (spec §4.7).
func (s *Stream) State() State { return s.checker.state }
