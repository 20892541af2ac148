package thermostat

import "math"

// SampleSource supplies the controlled variable once per tick.
type SampleSource interface {
	Read() (value float64, valid bool)
}

// OutputDriver consumes a duty fraction in [0, 1].
type OutputDriver interface {
	SetDuty(fraction float64)
}

const idleEpsilon = 1e-6

// OutputDispatcher maps a signed control value onto the heat and cool
// actuators. Both are never driven at the same time.
type OutputDispatcher struct {
	heat OutputDriver
	cool OutputDriver

	heatDuty float64
	coolDuty float64
}

func NewOutputDispatcher(heat, cool OutputDriver) (*OutputDispatcher, error) {
	if heat == nil && cool == nil {
		return nil, ErrNoOutputs
	}
	return &OutputDispatcher{heat: heat, cool: cool}, nil
}

func (d *OutputDispatcher) SupportsHeat() bool { return d.heat != nil }
func (d *OutputDispatcher) SupportsCool() bool { return d.cool != nil }

// Dispatch drives the actuators for output in [-1, 1] under mode and
// returns the duties actually commanded.
func (d *OutputDispatcher) Dispatch(output float64, mode Mode) (heat, cool float64) {
	output = clamp(output, -1, 1)
	if math.IsNaN(output) || math.Abs(output) < idleEpsilon {
		output = 0
	}
	switch {
	case output > 0 && (mode == ModeHeat || mode == ModeHeatCool) && d.heat != nil:
		heat = output
	case output < 0 && (mode == ModeCool || mode == ModeHeatCool) && d.cool != nil:
		cool = -output
	}

	if d.heat != nil {
		d.heat.SetDuty(heat)
	}
	if d.cool != nil {
		d.cool.SetDuty(cool)
	}
	d.heatDuty, d.coolDuty = heat, cool
	return heat, cool
}

func (d *OutputDispatcher) Duties() (heat, cool float64) {
	return d.heatDuty, d.coolDuty
}
