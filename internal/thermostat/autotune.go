package thermostat

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// AutotuneOptions configure a relay-feedback tuning session.
type AutotuneOptions struct {
	Noiseband      float64
	PositiveOutput float64
	NegativeOutput float64

	// MaxTicksPerPhase bounds how long the relay may wait for a threshold crossing.
	MaxTicksPerPhase int
	// MaxPhases bounds how many relay switches may happen before the
	// oscillation has to be stable.
	MaxPhases int
	// Tolerance is the relative spread allowed on periods and swings.
	Tolerance float64
}

func DefaultAutotuneOptions() AutotuneOptions {
	return AutotuneOptions{
		Noiseband:        0.25,
		PositiveOutput:   1,
		NegativeOutput:   -1,
		MaxTicksPerPhase: 3600,
		MaxPhases:        24,
		Tolerance:        0.1,
	}
}

func (o *AutotuneOptions) Validate() error {
	if !(o.Noiseband > 0) {
		return ErrInvalidNoiseband
	}
	if o.PositiveOutput > 1 || o.NegativeOutput < -1 || o.PositiveOutput <= o.NegativeOutput {
		return ErrInvalidRelayOutput
	}
	return nil
}

func (o AutotuneOptions) withDefaults() AutotuneOptions {
	def := DefaultAutotuneOptions()
	if o.MaxTicksPerPhase <= 0 {
		o.MaxTicksPerPhase = def.MaxTicksPerPhase
	}
	if o.MaxPhases <= 0 {
		o.MaxPhases = def.MaxPhases
	}
	if o.Tolerance <= 0 {
		o.Tolerance = def.Tolerance
	}
	return o
}

// RelayPhase is the side the relay is currently driving.
type RelayPhase int

const (
	RampingUp RelayPhase = iota
	RampingDown
)

func (p RelayPhase) String() string {
	if p == RampingDown {
		return "ramping_down"
	}
	return "ramping_up"
}

// AutotuneResult holds the identified process and the derived gains.
type AutotuneResult struct {
	Ku        float64
	Pu        float64 // seconds
	Amplitude float64 // mean peak-to-trough swing
	Kp        float64
	Ki        float64
	Kd        float64
}

const autotuneHistory = 8

type extremum struct {
	value float64
	at    time.Time
}

type AutotuneSession struct {
	opts AutotuneOptions

	started  bool
	setpoint float64
	phase    RelayPhase

	current extremum // running extremum of the current phase
	extrema []extremum
	rising  []time.Time // switches to the negative output
	falling []time.Time // switches to the positive output
	phases  int
	ticks   int
}

func NewAutotuneSession(opts AutotuneOptions) (*AutotuneSession, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &AutotuneSession{opts: opts.withDefaults()}, nil
}

func (s *AutotuneSession) Options() AutotuneOptions { return s.opts }
func (s *AutotuneSession) Phase() RelayPhase        { return s.phase }
func (s *AutotuneSession) Cycles() int              { return s.phases }
func (s *AutotuneSession) Setpoint() float64        { return s.setpoint }
func (s *AutotuneSession) Started() bool            { return s.started }

func (s *AutotuneSession) output() float64 {
	if s.phase == RampingDown {
		return s.opts.NegativeOutput
	}
	return s.opts.PositiveOutput
}

// Update feeds one sample and returns the relay output. A non-nil result
// means the session converged; ErrAutotuneTimeout means it gave up.
func (s *AutotuneSession) Update(setpoint, measurement float64, now time.Time) (float64, *AutotuneResult, error) {
	nb := s.opts.Noiseband
	if !s.started {
		s.started = true
		s.phase = RampingUp
		if measurement > setpoint+nb {
			s.phase = RampingDown
		}
		s.current = extremum{value: measurement, at: now}
	}
	s.setpoint = setpoint
	s.ticks++

	switched := false
	switch s.phase {
	case RampingUp:
		if measurement < s.current.value {
			s.current = extremum{value: measurement, at: now}
		}
		if measurement > setpoint+nb {
			s.rising = pushBounded(s.rising, now)
			s.switchTo(RampingDown, measurement, now)
			switched = true
		}
	case RampingDown:
		if measurement > s.current.value {
			s.current = extremum{value: measurement, at: now}
		}
		if measurement < setpoint-nb {
			s.falling = pushBounded(s.falling, now)
			s.switchTo(RampingUp, measurement, now)
			switched = true
		}
	}

	out := s.output()
	if switched {
		if res, ok := s.converged(); ok {
			return out, &res, nil
		}
		if s.phases >= s.opts.MaxPhases {
			return out, nil, ErrAutotuneTimeout
		}
	} else if s.ticks > s.opts.MaxTicksPerPhase {
		return out, nil, ErrAutotuneTimeout
	}
	return out, nil, nil
}

func (s *AutotuneSession) switchTo(phase RelayPhase, measurement float64, now time.Time) {
	s.phases++
	// the first half-cycle starts from wherever the process was
	if s.phases > 1 {
		s.extrema = pushBounded(s.extrema, s.current)
	}
	s.phase = phase
	s.current = extremum{value: measurement, at: now}
	s.ticks = 0
}

func (s *AutotuneSession) converged() (AutotuneResult, bool) {
	if len(s.extrema) < 4 || len(s.rising) < 3 || len(s.falling) < 3 {
		return AutotuneResult{}, false
	}
	// the last two full cycles in each direction, the same span as the
	// swings below
	up := intervals(s.rising[len(s.rising)-3:])
	down := intervals(s.falling[len(s.falling)-3:])
	meanUp, meanDown := stat.Mean(up, nil), stat.Mean(down, nil)
	if meanUp <= 0 || meanDown <= 0 {
		return AutotuneResult{}, false
	}
	if math.Abs(meanUp/meanDown-1) > s.opts.Tolerance {
		return AutotuneResult{}, false
	}
	periods := make([]float64, 0, len(up)+len(down))
	periods = append(append(periods, up...), down...)
	pu, jitter := stat.MeanStdDev(periods, nil)
	if jitter/pu > s.opts.Tolerance {
		return AutotuneResult{}, false
	}

	recent := s.extrema[len(s.extrema)-4:]
	swings := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		swings = append(swings, math.Abs(recent[i].value-recent[i-1].value))
	}
	amplitude, spread := stat.MeanStdDev(swings, nil)
	if amplitude <= 0 || spread/amplitude > s.opts.Tolerance {
		return AutotuneResult{}, false
	}

	d := (s.opts.PositiveOutput - s.opts.NegativeOutput) / 2
	return RelayFeedbackGains(d, amplitude, pu), true
}

// RelayFeedbackGains derives PID gains from a relay experiment: d is the
// relay half-amplitude, a the peak-to-trough swing and pu the period in seconds.
func RelayFeedbackGains(d, a, pu float64) AutotuneResult {
	ku := 4 * d / (math.Pi * a)
	kp := 0.6 * ku
	return AutotuneResult{
		Ku:        ku,
		Pu:        pu,
		Amplitude: a,
		Kp:        kp,
		Ki:        2 * kp / pu,
		Kd:        kp * pu / 8,
	}
}

func intervals(ts []time.Time) []float64 {
	out := make([]float64, 0, len(ts))
	for i := 1; i < len(ts); i++ {
		out = append(out, ts[i].Sub(ts[i-1]).Seconds())
	}
	return out
}

func pushBounded[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > autotuneHistory {
		s = s[len(s)-autotuneHistory:]
	}
	return s
}
