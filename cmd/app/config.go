package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Agrid-Dev/thermopid/internal/device"
	"github.com/Agrid-Dev/thermopid/internal/thermostat"
)

const EnvPrefix = "THERMOPID_"

type Config struct {
	DeviceID    string            `koanf:"device_id"`
	Log         LogConfig         `koanf:"log"`
	Controllers ControllersConfig `koanf:"controllers"`
	Thermostat  ThermostatConfig  `koanf:"thermostat"`
	Regulator   RegulatorConfig   `koanf:"regulator"`
	HeatLoss    HeatLossConfig    `koanf:"heat_loss"`
	Simulator   SimulatorConfig   `koanf:"simulator"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // "debug" | "info" | "warn" | "error"
	Format string `koanf:"format"` // "text" | "json"
}

type ControllersConfig struct {
	HTTP   HTTPConfig   `koanf:"http"`
	MQTT   MQTTConfig   `koanf:"mqtt"`
	MODBUS ModbusConfig `koanf:"modbus"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled"`
	BrokerURL       string        `koanf:"broker_url"`
	ClientID        string        `koanf:"client_id"`
	BaseTopic       string        `koanf:"base_topic"`
	QoS             byte          `koanf:"qos"`
	RetainSnapshot  bool          `koanf:"retain_snapshot"`
	PublishInterval time.Duration `koanf:"publish_interval"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
}

type ModbusConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Addr         string        `koanf:"addr"`
	UnitID       byte          `koanf:"unit_id"`
	SyncInterval time.Duration `koanf:"sync_interval"`
}

type ThermostatConfig struct {
	Mode                     string         `koanf:"mode"` // "off" | "heat" | "cool" | "heat_cool"
	DefaultTargetTemperature float64        `koanf:"default_target_temperature"`
	VisualMinTemperature     float64        `koanf:"visual_min_temperature"`
	VisualMaxTemperature     float64        `koanf:"visual_max_temperature"`
	DefaultPreset            string         `koanf:"default_preset"`
	Presets                  []PresetConfig `koanf:"presets"`

	// Which actuators are bound. At least one is required.
	HeatOutput bool `koanf:"heat_output"`
	CoolOutput bool `koanf:"cool_output"`

	ControlParameters  ControlParametersConfig  `koanf:"control_parameters"`
	DeadbandParameters DeadbandParametersConfig `koanf:"deadband_parameters"`
	Autotune           AutotuneConfig           `koanf:"autotune"`
	MaxTickInterval    time.Duration            `koanf:"max_tick_interval"`
}

type PresetConfig struct {
	Name                     string  `koanf:"name"`
	Mode                     string  `koanf:"mode"` // optional
	DefaultTargetTemperature float64 `koanf:"default_target_temperature"`
}

type ControlParametersConfig struct {
	Kp                float64 `koanf:"kp"`
	Ki                float64 `koanf:"ki"`
	Kd                float64 `koanf:"kd"`
	StartingIntegral  float64 `koanf:"starting_integral_term"`
	MinIntegral       float64 `koanf:"min_integral"`
	MaxIntegral       float64 `koanf:"max_integral"`
	DerivativeSamples int     `koanf:"derivative_averaging_samples"`
	OutputSamples     int     `koanf:"output_averaging_samples"`
}

type DeadbandParametersConfig struct {
	Enabled       bool    `koanf:"enabled"`
	ThresholdHigh float64 `koanf:"threshold_high"`
	ThresholdLow  float64 `koanf:"threshold_low"`
	KpMultiplier  float64 `koanf:"kp_multiplier"`
	KiMultiplier  float64 `koanf:"ki_multiplier"`
	KdMultiplier  float64 `koanf:"kd_multiplier"`
	OutputSamples int     `koanf:"deadband_output_averaging_samples"`
}

type AutotuneConfig struct {
	Noiseband      float64 `koanf:"noiseband"`
	PositiveOutput float64 `koanf:"positive_output"`
	NegativeOutput float64 `koanf:"negative_output"`
}

type RegulatorConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type HeatLossConfig struct {
	OutdoorTemperature float64 `koanf:"outdoor_temperature"`
	Coefficient        float64 `koanf:"coefficient"`
}

type SimulatorConfig struct {
	InitialTemperature float64       `koanf:"initial_temperature"`
	HeatRate           float64       `koanf:"heat_rate"`
	CoolRate           float64       `koanf:"cool_rate"`
	Interval           time.Duration `koanf:"interval"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	control := thermostat.DefaultControlParameters()
	deadband := thermostat.DefaultDeadbandParameters(-0.5, 0.5)
	autotune := thermostat.DefaultAutotuneOptions()
	return Config{
		DeviceID: "default",
		Log:      LogConfig{Level: "info", Format: "text"},
		Controllers: ControllersConfig{
			HTTP: HTTPConfig{Enabled: true, Addr: ":8080"},
			MQTT: MQTTConfig{
				BrokerURL:       "tcp://localhost:1883",
				PublishInterval: time.Second,
			},
			MODBUS: ModbusConfig{Addr: "0.0.0.0:1502", UnitID: 1},
		},
		Thermostat: ThermostatConfig{
			Mode:                     "heat_cool",
			DefaultTargetTemperature: 21,
			VisualMinTemperature:     10,
			VisualMaxTemperature:     30,
			HeatOutput:               true,
			CoolOutput:               true,
			ControlParameters: ControlParametersConfig{
				Kp:                0.5,
				MinIntegral:       control.MinIntegral,
				MaxIntegral:       control.MaxIntegral,
				DerivativeSamples: control.DerivativeSamples,
				OutputSamples:     control.OutputSamples,
			},
			DeadbandParameters: DeadbandParametersConfig{
				ThresholdHigh: deadband.ThresholdHigh,
				ThresholdLow:  deadband.ThresholdLow,
				KpMultiplier:  deadband.KpMultiplier,
				OutputSamples: deadband.OutputSamples,
			},
			Autotune: AutotuneConfig{
				Noiseband:      autotune.Noiseband,
				PositiveOutput: autotune.PositiveOutput,
				NegativeOutput: autotune.NegativeOutput,
			},
			MaxTickInterval: thermostat.DefaultMaxTickInterval,
		},
		Regulator: RegulatorConfig{Interval: time.Second},
		HeatLoss:  HeatLossConfig{OutdoorTemperature: 10, Coefficient: 1e-3},
		Simulator: SimulatorConfig{
			InitialTemperature: 18,
			HeatRate:           0.02,
			CoolRate:           0.02,
			Interval:           time.Second,
		},
	}
}

// LoadConfig layers defaults, the config file (if any) and THERMOPID_*
// environment variables, in that order.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			parser, err := parserFor(path)
			if err != nil {
				return Config{}, err
			}
			if err := k.Load(file.Provider(path), parser); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// Config file missing → use defaults
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	// PORT is common in containers; an explicit addr still wins.
	if v := os.Getenv("PORT"); v != "" && !envSet(EnvPrefix+"CONTROLLERS_HTTP_ADDR") {
		_ = k.Set("controllers.http.addr", ":"+v)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config extension %q", ext)
	}
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

// envKeyTransform maps SECTION_KEY_NAME to section.key_name. Controllers are
// two levels deep, as are the thermostat's parameter blocks.
func envKeyTransform(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	if k == "" {
		return ""
	}

	if strings.HasPrefix(k, "controllers_") {
		parts := strings.SplitN(k, "_", 3)
		if len(parts) < 3 {
			return k
		}
		return parts[0] + "." + parts[1] + "." + parts[2]
	}

	if rest, ok := strings.CutPrefix(k, "thermostat_"); ok {
		for _, sub := range []string{"control_parameters", "deadband_parameters", "autotune"} {
			if key, ok := strings.CutPrefix(rest, sub+"_"); ok {
				return "thermostat." + sub + "." + key
			}
		}
		return "thermostat." + rest
	}

	for _, section := range []string{"regulator", "heat_loss", "simulator", "log"} {
		if key, ok := strings.CutPrefix(k, section+"_"); ok {
			return section + "." + key
		}
	}
	return k
}

// ThermostatConfig converts the file representation into the control
// loop's configuration.
func (c Config) ThermostatConfig() (thermostat.Config, error) {
	tc := c.Thermostat
	mode, err := thermostat.ParseMode(tc.Mode)
	if err != nil {
		return thermostat.Config{}, err
	}

	presets := make([]thermostat.PresetConfig, 0, len(tc.Presets))
	for _, p := range tc.Presets {
		target := thermostat.TargetTempConfig{Temperature: p.DefaultTargetTemperature}
		if p.Mode != "" {
			m, err := thermostat.ParseMode(p.Mode)
			if err != nil {
				return thermostat.Config{}, fmt.Errorf("preset %q: %w", p.Name, err)
			}
			target.Mode = &m
		}
		presets = append(presets, thermostat.PresetConfig{Name: p.Name, Target: target})
	}

	cp := tc.ControlParameters
	out := thermostat.Config{
		Mode:                   mode,
		DefaultTarget:          tc.DefaultTargetTemperature,
		TemperatureSetpointMin: tc.VisualMinTemperature,
		TemperatureSetpointMax: tc.VisualMaxTemperature,
		DefaultPreset:          tc.DefaultPreset,
		Presets:                presets,
		Control: thermostat.ControlParameters{
			Kp:                cp.Kp,
			Ki:                cp.Ki,
			Kd:                cp.Kd,
			StartingIntegral:  cp.StartingIntegral,
			MinIntegral:       cp.MinIntegral,
			MaxIntegral:       cp.MaxIntegral,
			DerivativeSamples: cp.DerivativeSamples,
			OutputSamples:     cp.OutputSamples,
		},
		Autotune:        c.AutotuneOptions(),
		MaxTickInterval: tc.MaxTickInterval,
	}
	if db := tc.DeadbandParameters; db.Enabled {
		out.Deadband = &thermostat.DeadbandParameters{
			ThresholdHigh: db.ThresholdHigh,
			ThresholdLow:  db.ThresholdLow,
			KpMultiplier:  db.KpMultiplier,
			KiMultiplier:  db.KiMultiplier,
			KdMultiplier:  db.KdMultiplier,
			OutputSamples: db.OutputSamples,
		}
	}
	if err := out.Validate(); err != nil {
		return thermostat.Config{}, err
	}
	if !tc.HeatOutput && !tc.CoolOutput {
		return thermostat.Config{}, thermostat.ErrNoOutputs
	}
	return out, nil
}

// AutotuneOptions are the relay settings used when a start request carries none.
func (c Config) AutotuneOptions() thermostat.AutotuneOptions {
	opts := thermostat.DefaultAutotuneOptions()
	opts.Noiseband = c.Thermostat.Autotune.Noiseband
	opts.PositiveOutput = c.Thermostat.Autotune.PositiveOutput
	opts.NegativeOutput = c.Thermostat.Autotune.NegativeOutput
	return opts
}

func (c Config) RoomParams() device.RoomParams {
	return device.RoomParams{
		InitialTemperature: c.Simulator.InitialTemperature,
		HeatLoss: device.HeatLossParams{
			OutdoorTemperature: c.HeatLoss.OutdoorTemperature,
			Coefficient:        c.HeatLoss.Coefficient,
		},
		HeatRate: c.Simulator.HeatRate,
		CoolRate: c.Simulator.CoolRate,
	}
}

// Logger builds the process logger described by the log section.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Log.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
}
