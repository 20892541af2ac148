package thermostat

import (
	"math"
	"time"
)

type ControlParameters struct {
	Kp               float64
	Ki               float64
	Kd               float64
	StartingIntegral float64
	MinIntegral      float64
	MaxIntegral      float64

	DerivativeSamples int // derivative averaging window
	OutputSamples     int // output averaging window
}

func DefaultControlParameters() ControlParameters {
	return ControlParameters{
		MinIntegral:       -1,
		MaxIntegral:       1,
		DerivativeSamples: 1,
		OutputSamples:     1,
	}
}

func (params *ControlParameters) Validate() error {
	for _, v := range []float64{params.Kp, params.Ki, params.Kd, params.StartingIntegral} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidGain
		}
	}
	if params.MinIntegral > params.MaxIntegral {
		return ErrInvalidIntegralLimits
	}
	if params.DerivativeSamples < 1 || params.OutputSamples < 1 {
		return ErrInvalidWindowSize
	}
	return nil
}

// PIDTerms is the breakdown of the last computed output.
type PIDTerms struct {
	Error        float64
	Proportional float64
	Integral     float64
	Derivative   float64
}

type PIDEngine struct {
	params ControlParameters

	integral   float64
	derivative *movingAverage
	output     *movingAverage

	prevMeasurement float64
	primed          bool

	terms PIDTerms
	last  float64
}

func NewPIDEngine(params ControlParameters) *PIDEngine {
	e := &PIDEngine{}
	e.Replace(params)
	return e
}

// Replace installs params wholesale: the accumulator restarts from the
// starting integral and both averaging windows are cleared.
func (e *PIDEngine) Replace(params ControlParameters) {
	e.params = params
	e.integral = clamp(params.StartingIntegral, params.MinIntegral, params.MaxIntegral)
	e.derivative = newMovingAverage(params.DerivativeSamples)
	e.output = newMovingAverage(params.OutputSamples)
	e.primed = false
	e.terms = PIDTerms{}
}

func (e *PIDEngine) ResetIntegral() {
	e.integral = clamp(e.params.StartingIntegral, e.params.MinIntegral, e.params.MaxIntegral)
}

// Reprime forgets the previous measurement so the next update does not
// compute a derivative across a gap.
func (e *PIDEngine) Reprime() {
	e.primed = false
}

func (e *PIDEngine) Params() ControlParameters { return e.params }
func (e *PIDEngine) Integral() float64         { return e.integral }
func (e *PIDEngine) Output() float64           { return e.last }
func (e *PIDEngine) Terms() PIDTerms           { return e.terms }

// Update runs one control step and returns the smoothed output in [-1, 1].
// dt is ignored on the first step after (re)priming. A non-positive dt
// afterwards leaves the engine untouched and returns the held output.
func (e *PIDEngine) Update(setpoint, measurement float64, dt time.Duration, adj Adjustment) (float64, error) {
	if e.primed && dt <= 0 {
		return e.last, ErrClockAnomaly
	}
	seconds := dt.Seconds()
	err := setpoint - measurement

	p := e.params.Kp*adj.KpMultiplier*err + adj.ProportionalOffset*e.params.Kp

	if e.primed {
		e.integral += e.params.Ki * adj.KiMultiplier * err * seconds
		e.integral = clamp(e.integral, e.params.MinIntegral, e.params.MaxIntegral)
	}

	var d float64
	if e.primed {
		rate := e.derivative.Add((measurement - e.prevMeasurement) / seconds)
		// derivative on measurement: setpoint jumps do not kick
		d = -e.params.Kd * adj.KdMultiplier * rate
	}

	e.prevMeasurement = measurement
	e.primed = true
	e.terms = PIDTerms{Error: err, Proportional: p, Integral: e.integral, Derivative: d}

	raw := clamp(p+e.integral+d, -1, 1)
	e.output.Resize(adj.OutputSamples)
	e.last = clamp(e.output.Add(raw), -1, 1)
	return e.last, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
