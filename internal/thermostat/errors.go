package thermostat

import "errors"

var (
	ErrInvalidMode                = errors.New("invalid mode")
	ErrInvalidSetpoint            = errors.New("invalid temperature setpoint")
	ErrInvalidMinMax              = errors.New("invalid min/max setpoints")
	ErrSetpointOutOfRange         = errors.New("setpoint out of range")
	ErrInvalidPreset              = errors.New("invalid preset")
	ErrDuplicatePreset            = errors.New("duplicate preset")
	ErrInvalidTargetBounds        = errors.New("preset target outside temperature bounds")
	ErrInvalidIntegralLimits      = errors.New("min integral must not exceed max integral")
	ErrInvalidWindowSize          = errors.New("averaging window size must be at least 1")
	ErrInvalidGain                = errors.New("control gains must be finite")
	ErrInvalidDeadbandThresholds  = errors.New("deadband low threshold must not exceed high threshold")
	ErrInvalidDeadbandMultipliers = errors.New("deadband multipliers must be greater or equal to zero")
	ErrNoOutputs                  = errors.New("at least one of heat or cool output is required")
	ErrNoSampleSource             = errors.New("sample source is required")

	ErrInvalidNoiseband       = errors.New("autotune noiseband must be strictly positive")
	ErrInvalidRelayOutput     = errors.New("autotune outputs must be within [-1, 1] and positive > negative")
	ErrAutotuneAlreadyRunning = errors.New("autotune already running")
	ErrAutotuneNotRunning     = errors.New("autotune not running")
	ErrAutotuneTimeout        = errors.New("autotune timed out without a stable oscillation")
	ErrRequestPending         = errors.New("control parameter update pending")

	ErrSensorInvalid = errors.New("sensor reading invalid")
	ErrClockAnomaly  = errors.New("clock anomaly")
)
