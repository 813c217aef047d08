package stream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opaline-labs/coriander/circuit"
)

// flowConfig carries only the two XON/XOFF knobs this package needs out
// of config.Config, so streammap.go doesn't have to import the config
// package just to pass two integers through.
type flowConfig struct {
	HighWaterMark int
	LowWaterMark  int
}

// xonXoffReceiver tracks one stream's receive-buffer occupancy under
// XON/XOFF flow control (spec §4.8): it decides when buffered-but-
// undelivered bytes cross the high-water mark (send XOFF) and when they
// drain back below the low-water mark (send XON, advertising the
// recent drain rate). It only applies to congestion-controlled
// circuits; legacy circuits keep the sendme window instead.
type xonXoffReceiver struct {
	cfg      flowConfig
	buffered int
	xoffSent bool
}

func newXonXoffReceiver(cfg flowConfig) *xonXoffReceiver {
	return &xonXoffReceiver{cfg: cfg}
}

// noteEnqueued records n freshly buffered bytes and reports whether an
// XOFF should now be sent (buffer just crossed the high-water mark).
func (x *xonXoffReceiver) noteEnqueued(n int) bool {
	x.buffered += n
	if !x.xoffSent && x.buffered >= x.cfg.HighWaterMark {
		x.xoffSent = true
		return true
	}
	return false
}

// noteDrained records n bytes handed to the application over the given
// duration, and reports whether an XON should now be sent along with
// the drain rate (bytes/sec) to advertise in it.
func (x *xonXoffReceiver) noteDrained(n int, elapsed time.Duration) (send bool, bytesPerSec int) {
	x.buffered -= n
	if x.buffered < 0 {
		x.buffered = 0
	}
	if elapsed > 0 {
		bytesPerSec = int(float64(n) / elapsed.Seconds())
	}
	if x.xoffSent && x.buffered <= x.cfg.LowWaterMark {
		x.xoffSent = false
		return true, bytesPerSec
	}
	return false, bytesPerSec
}

// RateLimit wraps a byte-rate advertised by the most recent XON, sizing
// a token bucket the sender drains one relay cell's worth of bytes at a
// time (spec §4.8; supplemented from Arti's flow_ctrl/state.rs
// StreamRateLimit). A RateLimit with no rate set never blocks; Begin
// gives each congestion-controlled stream one until an XON sets a rate.
type RateLimit struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewRateLimit builds a RateLimit admitting bytesPerSec sustained,
// bursting up to one maximum relay-data cell's worth of bytes.
func NewRateLimit(bytesPerSec int) *RateLimit {
	r := &RateLimit{}
	if bytesPerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), circuit.MaxRelayDataLen)
	}
	return r
}

// Wait blocks until n bytes may be sent, or ctx is done. A RateLimit
// with no rate set (XON/XOFF not in force) never blocks.
func (r *RateLimit) Wait(ctx context.Context, n int) error {
	r.mu.Lock()
	l := r.limiter
	r.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.WaitN(ctx, n)
}

// SetRate updates the advertised rate on a fresh XON (spec §4.8: "XON
// ... carrying an advertised rate in kB/s ... when the drain rate
// changes significantly"). A non-positive rate clears the limit.
func (r *RateLimit) SetRate(bytesPerSec int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bytesPerSec <= 0 {
		r.limiter = nil
		return
	}
	if r.limiter == nil {
		r.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), circuit.MaxRelayDataLen)
		return
	}
	r.limiter.SetLimit(rate.Limit(bytesPerSec))
}

// encodeXonRate packs an advertised rate in kB/s into an XON payload,
// and decodeXonRate reverses it (tor-spec.txt proposal 324's XON/XOFF
// cell format: a 4-byte big-endian rate field in kB/s following a
// version byte).
func encodeXonRate(bytesPerSec int) []byte {
	kbps := uint32(bytesPerSec / 1000)
	return []byte{1, byte(kbps >> 24), byte(kbps >> 16), byte(kbps >> 8), byte(kbps)}
}

func decodeXonRate(payload []byte) int {
	if len(payload) < 5 {
		return 0
	}
	kbps := uint32(payload[1])<<24 | uint32(payload[2])<<16 | uint32(payload[3])<<8 | uint32(payload[4])
	return int(kbps) * 1000
}
