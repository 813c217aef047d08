package stream

import (
	"fmt"
	"time"

	"github.com/opaline-labs/coriander/circuit"
)

const (
	// circSendMeWindow and streamSendMeWindow are the legacy SENDME cadence:
	// send one SENDME per this many RELAY_DATA cells received (spec §4.8).
	circSendMeWindow   = 100
	streamSendMeWindow = 50

	initCircWindow   = 1000
	initStreamWindow = 500
	circWindowInc    = 100
	streamWindowInc  = 50
)

// handleDataReceived runs the inbound side of flow control for one
// RELAY_DATA cell of n bytes. On a legacy circuit it counts toward the
// circuit- and stream-level SENDME cadence; on a congestion-controlled
// circuit it instead feeds the XON/XOFF receive-buffer tracker, which
// has no digest dependency (unlike the legacy SENDME v1 scheme, Circuit
// exposes no per-direction digest accessor, nor does the spec ask for
// one on a congestion-controlled circuit). circLevel reports whether
// the triggering message carried wire stream-id 0.
func (s *Stream) handleDataReceived(n int, circLevel bool) error {
	if s.congestionControlled {
		return s.handleDataReceivedCongested(n)
	}
	return s.handleDataReceivedLegacy(circLevel)
}

func (s *Stream) handleDataReceivedLegacy(circLevel bool) error {
	s.circDataReceived++
	s.streamDataReceived++

	if s.circDataReceived >= circSendMeWindow {
		// Legacy SENDME carries an empty payload once the digest-binding
		// "SENDME v1" authenticator is dropped (spec §4.8 doesn't require
		// it for this client, and Circuit keeps no digest accessor).
		if err := s.Circuit.SendRelay(circuit.RelaySendMe, 0, nil); err != nil {
			return fmt.Errorf("send circuit SENDME: %w", err)
		}
		s.circDataReceived = 0
	}

	if s.streamDataReceived >= streamSendMeWindow {
		if err := s.Circuit.SendRelay(circuit.RelaySendMe, s.ID, nil); err != nil {
			return fmt.Errorf("send stream SENDME: %w", err)
		}
		s.streamDataReceived = 0
	}

	return nil
}

func (s *Stream) handleDataReceivedCongested(n int) error {
	if s.flow == nil {
		return nil
	}
	if s.flow.noteEnqueued(n) {
		if err := s.Circuit.SendRelay(circuit.RelayXoff, s.ID, nil); err != nil {
			return fmt.Errorf("send XOFF: %w", err)
		}
	}

	now := time.Now()
	elapsed := now.Sub(s.lastDrain)
	s.lastDrain = now
	if send, rate := s.flow.noteDrained(n, elapsed); send {
		if err := s.Circuit.SendRelay(circuit.RelayXon, s.ID, encodeXonRate(rate)); err != nil {
			return fmt.Errorf("send XON: %w", err)
		}
	}
	return nil
}

// applySendMe applies an inbound SENDME to the legacy send-side windows.
// circLevel reports whether the SENDME carried wire stream-id 0 (a
// circuit-level SENDME, which replenishes every stream's circuit window
// equally — spec §4.8); otherwise it replenishes this stream's own
// window only. A congestion-controlled circuit never sees SENDME
// (it uses XON/XOFF instead), so this is a no-op there.
func (s *Stream) applySendMe(circLevel bool) {
	if s.congestionControlled {
		return
	}
	if circLevel {
		s.CircWindow += circWindowInc
		return
	}
	s.StreamWindow += streamWindowInc
}
