package device

import (
	"errors"
	"time"
)

var (
	ErrNegativeHeatLossCoefficient = errors.New("heat loss coefficient must be greater or equal to zero")
	ErrNegativeActuatorRate        = errors.New("actuator rates must be greater or equal to zero")
)

type HeatLossParams struct {
	OutdoorTemperature float64
	Coefficient        float64 // >= 0, 1/s. 0 for no loss.
}

func (params *HeatLossParams) Validate() error {
	if params.Coefficient < 0 {
		return ErrNegativeHeatLossCoefficient
	}
	return nil
}

// DeltaTemperature is the change caused by losses to the outside over dt.
func (params *HeatLossParams) DeltaTemperature(indoorTemperature float64, dt time.Duration) float64 {
	diff := params.OutdoorTemperature - indoorTemperature
	return params.Coefficient * diff * dt.Seconds()
}
