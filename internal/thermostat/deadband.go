package thermostat

// DeadbandParameters attenuate the gains while measurement-setpoint lies
// within [ThresholdLow, ThresholdHigh].
type DeadbandParameters struct {
	ThresholdHigh float64
	ThresholdLow  float64
	KpMultiplier  float64
	KiMultiplier  float64
	KdMultiplier  float64
	OutputSamples int
}

func DefaultDeadbandParameters(low, high float64) DeadbandParameters {
	return DeadbandParameters{
		ThresholdHigh: high,
		ThresholdLow:  low,
		KpMultiplier:  0.1,
		OutputSamples: 1,
	}
}

func (params *DeadbandParameters) Validate() error {
	if params.ThresholdLow > params.ThresholdHigh {
		return ErrInvalidDeadbandThresholds
	}
	if params.KpMultiplier < 0 || params.KiMultiplier < 0 || params.KdMultiplier < 0 {
		return ErrInvalidDeadbandMultipliers
	}
	if params.OutputSamples < 1 {
		return ErrInvalidWindowSize
	}
	return nil
}

// Adjustment is what the arbiter hands to the PID engine for one tick.
type Adjustment struct {
	KpMultiplier float64
	KiMultiplier float64
	KdMultiplier float64
	// ProportionalOffset is added to the error before kp is applied.
	ProportionalOffset float64
	OutputSamples      int
}

func fullGain(params ControlParameters) Adjustment {
	return Adjustment{
		KpMultiplier:  1,
		KiMultiplier:  1,
		KdMultiplier:  1,
		OutputSamples: params.OutputSamples,
	}
}

type DeadbandArbiter struct {
	params *DeadbandParameters
	state  DeadbandState
}

// NewDeadbandArbiter with nil params always arbitrates to full gain.
func NewDeadbandArbiter(params *DeadbandParameters) *DeadbandArbiter {
	return &DeadbandArbiter{params: params}
}

func (a *DeadbandArbiter) State() DeadbandState { return a.state }

func (a *DeadbandArbiter) Enabled() bool { return a.params != nil }

// Arbitrate updates the band state for this sample and returns the gain
// adjustment. The integral accumulator is never touched here.
func (a *DeadbandArbiter) Arbitrate(setpoint, measurement float64, params ControlParameters) Adjustment {
	if a.params == nil {
		a.state = DeadbandNormal
		return fullGain(params)
	}
	db := a.params
	offset := measurement - setpoint

	if offset >= db.ThresholdLow && offset <= db.ThresholdHigh {
		if offset >= 0 {
			a.state = DeadbandHighSide
		} else {
			a.state = DeadbandLowSide
		}
		return Adjustment{
			KpMultiplier:  db.KpMultiplier,
			KiMultiplier:  db.KiMultiplier,
			KdMultiplier:  db.KdMultiplier,
			OutputSamples: db.OutputSamples,
		}
	}

	a.state = DeadbandNormal
	adj := fullGain(params)
	// Shift P so it meets the attenuated value at the band edge it left by.
	// error = -offset, so the crossed edge is the one on the offset side.
	threshold := db.ThresholdLow
	if offset > db.ThresholdHigh {
		threshold = db.ThresholdHigh
	}
	adj.ProportionalOffset = threshold - db.KpMultiplier*threshold
	return adj
}
