package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Agrid-Dev/thermopid/internal/device"
	"github.com/Agrid-Dev/thermopid/internal/thermostat"
)

// Scenario is a simulated run: a room, the controller settings and a list
// of operator events.
type Scenario struct {
	Duration time.Duration `yaml:"duration"`
	Step     time.Duration `yaml:"step"`

	Room struct {
		InitialTemperature float64 `yaml:"initial_temperature"`
		OutdoorTemperature float64 `yaml:"outdoor_temperature"`
		LossCoefficient    float64 `yaml:"loss_coefficient"`
		HeatRate           float64 `yaml:"heat_rate"`
		CoolRate           float64 `yaml:"cool_rate"`
	} `yaml:"room"`

	Setpoint float64 `yaml:"setpoint"`
	Kp       float64 `yaml:"kp"`
	Ki       float64 `yaml:"ki"`
	Kd       float64 `yaml:"kd"`
	Deadband float64 `yaml:"deadband"` // half-width, 0 disables

	Events []Event `yaml:"events"`
}

type Event struct {
	At          time.Duration `yaml:"at"`
	Setpoint    *float64      `yaml:"setpoint"`
	Autotune    bool          `yaml:"autotune"`
	Noiseband   float64       `yaml:"noiseband"`
	Reset       bool          `yaml:"reset_integral"`
	SensorFault *bool         `yaml:"sensor_fault"`
}

const defaultScenario = `
duration: 3h
step: 1s
room:
  initial_temperature: 15
  outdoor_temperature: 5
  loss_coefficient: 0.001
  heat_rate: 0.03
  cool_rate: 0.03
setpoint: 20
kp: 0.5
ki: 0.002
deadband: 0.2
events:
  - at: 40m
    setpoint: 22
  - at: 70m
    autotune: true
    noiseband: 0.25
  - at: 150m
    sensor_fault: true
  - at: 155m
    sensor_fault: false
`

func loadScenario(path string) (Scenario, error) {
	var sc Scenario
	data := []byte(defaultScenario)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return sc, fmt.Errorf("read scenario: %w", err)
		}
		data = b
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Step <= 0 || sc.Duration <= 0 {
		return sc, fmt.Errorf("scenario needs a positive step and duration")
	}
	return sc, nil
}

func SimulateThermostat(sc Scenario, out io.Writer) error {
	room, err := device.NewRoom(device.RoomParams{
		InitialTemperature: sc.Room.InitialTemperature,
		HeatLoss: device.HeatLossParams{
			OutdoorTemperature: sc.Room.OutdoorTemperature,
			Coefficient:        sc.Room.LossCoefficient,
		},
		HeatRate: sc.Room.HeatRate,
		CoolRate: sc.Room.CoolRate,
	})
	if err != nil {
		return fmt.Errorf("failed to create room: %v", err)
	}

	control := thermostat.DefaultControlParameters()
	control.Kp, control.Ki, control.Kd = sc.Kp, sc.Ki, sc.Kd
	cfg := thermostat.Config{
		Mode:                   thermostat.ModeHeatCool,
		DefaultTarget:          sc.Setpoint,
		TemperatureSetpointMin: -50,
		TemperatureSetpointMax: 100,
		Control:                control,
	}
	if sc.Deadband > 0 {
		db := thermostat.DefaultDeadbandParameters(-sc.Deadband, sc.Deadband)
		cfg.Deadband = &db
	}

	th, err := thermostat.New(cfg, room, room.HeatOutput(), room.CoolOutput(),
		thermostat.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	if err != nil {
		return fmt.Errorf("failed to create thermostat: %v", err)
	}

	writer := csv.NewWriter(out)
	defer writer.Flush()

	if err := writer.Write([]string{"Seconds", "Temperature", "Setpoint", "Output", "HeatDuty", "CoolDuty",
		"Proportional", "Integral", "Derivative", "Deadband", "Loop"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next := 0
	for elapsed := time.Duration(0); elapsed <= sc.Duration; elapsed += sc.Step {
		for next < len(sc.Events) && sc.Events[next].At <= elapsed {
			if err := apply(th, room, sc.Events[next]); err != nil {
				return fmt.Errorf("event at %v: %v", sc.Events[next].At, err)
			}
			next++
		}

		// tick errors (invalid sensor) are reported in the log and leave
		// the outputs where they were
		_ = th.Tick(start.Add(elapsed))
		s := th.Get()

		if err := writer.Write([]string{
			fmt.Sprintf("%.0f", elapsed.Seconds()),
			fmt.Sprintf("%.3f", room.Temperature()),
			fmt.Sprintf("%.2f", s.TemperatureSetpoint),
			fmt.Sprintf("%.4f", s.Output),
			fmt.Sprintf("%.4f", s.HeatDuty),
			fmt.Sprintf("%.4f", s.CoolDuty),
			fmt.Sprintf("%.4f", s.Terms.Proportional),
			fmt.Sprintf("%.4f", s.Terms.Integral),
			fmt.Sprintf("%.4f", s.Terms.Derivative),
			s.Deadband.String(),
			s.Loop.String(),
		}); err != nil {
			return fmt.Errorf("failed to write CSV record: %v", err)
		}

		room.Advance(sc.Step)
	}
	return nil
}

func apply(th *thermostat.Thermostat, room *device.Room, ev Event) error {
	if ev.Setpoint != nil {
		if err := th.SetTargetTemperature(*ev.Setpoint); err != nil {
			return err
		}
	}
	if ev.Reset {
		th.ResetIntegralTerm()
	}
	if ev.SensorFault != nil {
		room.SetFault(*ev.SensorFault)
	}
	if ev.Autotune {
		opts := th.AutotuneDefaults()
		if ev.Noiseband > 0 {
			opts.Noiseband = ev.Noiseband
		}
		return th.StartAutotune(opts)
	}
	return nil
}

func main() {
	var scenarioPath, outPath string
	flag.StringVar(&scenarioPath, "scenario", "", "scenario file (.yaml), built-in scenario if empty")
	flag.StringVar(&outPath, "out", "thermopid.csv", "CSV output path")
	flag.Parse()

	sc, err := loadScenario(scenarioPath)
	if err != nil {
		log.Fatal(err)
	}

	file, err := os.Create(outPath)
	if err != nil {
		log.Fatalf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	if err := SimulateThermostat(sc, file); err != nil {
		log.Fatal(err)
	}
}
