// Package congestion implements the circuit-level congestion window and
// RTT estimator used by flow control on congestion-control-negotiated
// circuits (spec §4.9), grounded on the reference congestion-control
// algorithm's slow-start/steady-state window and fullness tracking.
package congestion

// State is the congestion window's current phase.
type State uint8

const (
	StateSlowStart State = iota
	StateSteady
)

// Params bundles the fixed, negotiated-at-circuit-build-time knobs a
// Window is configured with (spec §4.9).
type Params struct {
	CwndInitial  uint32 // starting window, in cells
	CwndIncrement uint32 // additive increase per ack in steady state
	CwndIncRate   uint32 // number of acked SENDME-windows per increment in slow start (RFC3742-style)
	SendmeInc     uint32 // cells acked per SENDME
	CwndMin       uint32
	CwndMax       uint32
}

// DefaultParams mirrors the reference implementation's prop324 constants.
func DefaultParams() Params {
	return Params{
		CwndInitial:   124,
		CwndIncrement: 1,
		CwndIncRate:   31,
		SendmeInc:     31,
		CwndMin:       124,
		CwndMax:       1 << 20,
	}
}

// Window is a per-hop congestion window: the number of unacknowledged
// cells a circuit hop is permitted to have in flight. It is owned
// exclusively by the circuit reactor that uses it — no locking.
type Window struct {
	params Params
	value  uint32
	state  State
	isFull bool

	// sentSinceCheckpoint counts cells sent between fullness
	// re-evaluations; no Window method reads or updates it.
	sentSinceCheckpoint uint32
}

// NewWindow creates a window at its initial value, in slow start.
func NewWindow(p Params) *Window {
	return &Window{params: p, value: p.CwndInitial, state: StateSlowStart}
}

// Get returns the current window size in cells.
func (w *Window) Get() uint32 { return w.value }

// State reports whether the window is still in slow start.
func (w *Window) State() State { return w.state }

// IsFull reports whether the window was found full at the last fullness
// evaluation (spec §4.9: "is_full").
func (w *Window) IsFull() bool { return w.isFull }

// ResetFull clears the full flag; called once a hop has data ready to
// send again after having been empty.
func (w *Window) ResetFull() { w.isFull = false }

// SendmePerCwnd returns how many SENDMEs the current window spans
// (window / SendmeInc), or the window itself when SendmeInc is zero.
func (w *Window) SendmePerCwnd() uint32 {
	if w.params.SendmeInc == 0 {
		return w.value
	}
	return w.value / w.params.SendmeInc
}

// OnSendmeReceived processes one authenticated SENDME, growing the
// window per the active algorithm and re-evaluating fullness.
func (w *Window) OnSendmeReceived(inFlight uint32, minPct float64, gap uint32) {
	switch w.state {
	case StateSlowStart:
		w.rfc3742Increment()
	case StateSteady:
		w.increment()
	}
	w.set(clamp(w.value, w.params.CwndMin, w.params.CwndMax))
	w.evalFullness(inFlight, minPct, gap)
}

// rfc3742Increment implements the slow-start growth rule: grow by
// cwnd_inc*sendme_inc per SENDME while below cwnd_inc_rate*sendme_inc, then switch
// to the steady-state increment and exit slow start.
func (w *Window) rfc3742Increment() {
	threshold := w.params.CwndIncRate * w.params.SendmeInc
	if w.value < threshold {
		w.value += w.params.CwndIncrement * w.params.SendmeInc
		return
	}
	w.increment()
	w.state = StateSteady
}

func (w *Window) increment() {
	w.value += w.params.CwndIncrement
}

// Dec shrinks the window, used by algorithms that react to XOFF/ECN-like
// congestion signals (Vegas/NOLA-style backoff lives above this type; Dec
// is the mechanical primitive both build on).
func (w *Window) Dec(amount uint32) {
	if amount > w.value {
		amount = w.value
	}
	w.set(clamp(w.value-amount, w.params.CwndMin, w.params.CwndMax))
}

func (w *Window) set(v uint32) { w.value = v }

// EvalFullness recomputes IsFull from how much of the window is
// currently occupied by in-flight cells, using minPct/gap per spec §4.9
// ("a window counts as full once in-flight cells are within gap cells of
// the window, or occupy at least minPct of it").
func (w *Window) EvalFullness(inFlight uint32, minPct float64, gap uint32) {
	w.evalFullness(inFlight, minPct, gap)
}

func (w *Window) evalFullness(inFlight uint32, minPct float64, gap uint32) {
	if w.value == 0 {
		w.isFull = true
		return
	}
	if inFlight+gap >= w.value {
		w.isFull = true
		return
	}
	pct := float64(inFlight) / float64(w.value)
	w.isFull = pct >= minPct
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
