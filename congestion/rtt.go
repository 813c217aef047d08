package congestion

import "time"

// RTTParams configures the EWMA estimator (spec §4.9).
type RTTParams struct {
	// EWMACeiling/EWMAFloor bound the weight given to new samples.
	EWMACeiling uint32
	EWMAFloor   uint32
	// SlowStartExitThreshold: once N consecutive RTT samples fail to set
	// a new minimum, slow start ends even without a full window.
	SlowStartExitThreshold int
}

// DefaultRTTParams mirrors the reference implementation's tuning.
func DefaultRTTParams() RTTParams {
	return RTTParams{EWMACeiling: 100, EWMAFloor: 2, SlowStartExitThreshold: 5}
}

// Estimator tracks a circuit hop's round-trip time as an exponentially
// weighted moving average, plus the minimum observed RTT, and signals
// when slow start should end because RTT has stopped improving
// (spec §4.9).
type Estimator struct {
	params RTTParams

	current time.Duration
	min     time.Duration
	nSamples int

	staleSinceMin int
}

// NewEstimator constructs an Estimator with no samples yet.
func NewEstimator(p RTTParams) *Estimator {
	return &Estimator{params: p}
}

// Update records a new RTT sample and returns the updated EWMA value.
func (e *Estimator) Update(sample time.Duration) time.Duration {
	e.nSamples++
	if e.nSamples == 1 {
		e.current = sample
		e.min = sample
		return e.current
	}

	weight := e.params.EWMACeiling
	if e.nSamples < int(weight) {
		weight = uint32(e.nSamples)
	}
	if weight < e.params.EWMAFloor {
		weight = e.params.EWMAFloor
	}

	// current = ((weight-1)*current + sample) / weight
	e.current = time.Duration((int64(weight-1)*int64(e.current) + int64(sample)) / int64(weight))

	if sample < e.min || e.min == 0 {
		e.min = sample
		e.staleSinceMin = 0
	} else {
		e.staleSinceMin++
	}
	return e.current
}

// Current returns the current EWMA RTT estimate.
func (e *Estimator) Current() time.Duration { return e.current }

// Min returns the lowest RTT sample observed so far.
func (e *Estimator) Min() time.Duration { return e.min }

// ShouldExitSlowStart reports whether RTT has gone stale long enough
// that slow start should end even though the window is not yet full
// (spec §4.9 supplemented from the reference RTT estimator).
func (e *Estimator) ShouldExitSlowStart() bool {
	return e.staleSinceMin >= e.params.SlowStartExitThreshold
}
