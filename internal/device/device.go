// Package device simulates the hardware a thermostat drives: a room with
// heat losses, a temperature sensor and heat/cool actuators.
package device

import (
	"sync"
	"time"
)

type RoomParams struct {
	InitialTemperature float64
	HeatLoss           HeatLossParams
	HeatRate           float64 // °C/s at full heating duty
	CoolRate           float64 // °C/s at full cooling duty
}

func (params *RoomParams) Validate() error {
	if err := params.HeatLoss.Validate(); err != nil {
		return err
	}
	if params.HeatRate < 0 || params.CoolRate < 0 {
		return ErrNegativeActuatorRate
	}
	return nil
}

// Room is a first-order thermal process. With a loss coefficient c and a
// heat rate h, its gain at full heating duty is h/c and its time constant 1/c.
type Room struct {
	mu          sync.Mutex
	params      RoomParams
	temperature float64
	heatDuty    float64
	coolDuty    float64
	faulty      bool
}

func NewRoom(params RoomParams) (*Room, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Room{params: params, temperature: params.InitialTemperature}, nil
}

// Read implements the thermostat sample source.
func (r *Room) Read() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.faulty {
		return 0, false
	}
	return r.temperature, true
}

// SetFault makes the sensor report invalid readings until cleared.
func (r *Room) SetFault(faulty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faulty = faulty
}

func (r *Room) Temperature() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.temperature
}

func (r *Room) Duties() (heat, cool float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heatDuty, r.coolDuty
}

// Advance integrates the room temperature over dt with the current duties.
func (r *Room) Advance(dt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delta := r.params.HeatLoss.DeltaTemperature(r.temperature, dt)
	delta += (r.heatDuty*r.params.HeatRate - r.coolDuty*r.params.CoolRate) * dt.Seconds()
	r.temperature += delta
}

// Run advances the room in real time every interval until stop is closed.
func (r *Room) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Advance(interval)
		}
	}
}

func (r *Room) HeatOutput() *Actuator { return &Actuator{room: r, heat: true} }
func (r *Room) CoolOutput() *Actuator { return &Actuator{room: r} }

// Actuator is one side of the room's HVAC, driven by a duty fraction.
type Actuator struct {
	room *Room
	heat bool
}

func (a *Actuator) SetDuty(fraction float64) {
	fraction = min(max(fraction, 0), 1)
	a.room.mu.Lock()
	defer a.room.mu.Unlock()
	if a.heat {
		a.room.heatDuty = fraction
	} else {
		a.room.coolDuty = fraction
	}
}
