package modbusctrl

import (
	"encoding/binary"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"

	"github.com/Agrid-Dev/thermopid/internal/thermostat"
)

// fake service for tests
type spyThermostatService struct {
	mu sync.Mutex
	s  thermostat.Snapshot

	// record calls
	setTargetCalls []float64
	setModeCalls   []thermostat.Mode
	setPresetCalls []string
	setParamsCalls [][3]float64
	resetCalls     int
	autotuneStarts []thermostat.AutotuneOptions
	autotuneStops  int
}

func (f *spyThermostatService) Get() thermostat.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}
func (f *spyThermostatService) Presets() []string { return []string{"home", "away", "Vacation"} }
func (f *spyThermostatService) SetMode(m thermostat.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !m.Valid() {
		return thermostat.ErrInvalidMode
	}
	f.s.Mode = m
	f.setModeCalls = append(f.setModeCalls, m)
	return nil
}
func (f *spyThermostatService) SetPreset(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.Preset = thermostat.KeyFor(name)
	f.setPresetCalls = append(f.setPresetCalls, name)
	return nil
}
func (f *spyThermostatService) SetTargetTemperature(v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v < f.s.TemperatureSetpointMin || v > f.s.TemperatureSetpointMax {
		return thermostat.ErrSetpointOutOfRange
	}
	f.s.TemperatureSetpoint = v
	f.s.Preset = thermostat.PresetKey{}
	f.setTargetCalls = append(f.setTargetCalls, v)
	return nil
}
func (f *spyThermostatService) SetControlParameters(kp, ki, kd float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.Params.Kp, f.s.Params.Ki, f.s.Params.Kd = kp, ki, kd
	f.setParamsCalls = append(f.setParamsCalls, [3]float64{kp, ki, kd})
	return nil
}
func (f *spyThermostatService) ResetIntegralTerm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
}
func (f *spyThermostatService) AutotuneDefaults() thermostat.AutotuneOptions {
	return thermostat.DefaultAutotuneOptions()
}
func (f *spyThermostatService) StartAutotune(opts thermostat.AutotuneOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s.Loop == thermostat.LoopAutotuning {
		return thermostat.ErrAutotuneAlreadyRunning
	}
	f.s.Loop = thermostat.LoopAutotuning
	f.autotuneStarts = append(f.autotuneStarts, opts)
	return nil
}
func (f *spyThermostatService) StopAutotune() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s.Loop != thermostat.LoopAutotuning {
		return thermostat.ErrAutotuneNotRunning
	}
	f.s.Loop = thermostat.LoopRunning
	f.autotuneStops++
	return nil
}
func (f *spyThermostatService) OnPresetChange(func(thermostat.PresetKey)) {}
func (f *spyThermostatService) OnFault(func(error))                       {}

func findFreeTCPAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	a := l.Addr().String()
	_ = l.Close()
	return a
}

const SyncInterval = 50 * time.Millisecond

func startController(t *testing.T, fs *spyThermostatService) modbus.Client {
	t.Helper()
	addr := findFreeTCPAddr(t)

	ctrl, err := New(fs, Config{
		DeviceID:     "dev",
		Addr:         addr,
		UnitID:       1,
		SyncInterval: SyncInterval,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := t.Context()
	go func() {
		_ = ctrl.Run(ctx)
	}()

	time.Sleep(SyncInterval)

	handler := modbus.NewTCPClientHandler(addr)
	if err := handler.Connect(); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = handler.Close() })
	return modbus.NewClient(handler)
}

func newSpy() *spyThermostatService {
	fs := &spyThermostatService{}
	fs.s = thermostat.Snapshot{
		Mode:                   thermostat.ModeHeatCool,
		TemperatureSetpoint:    22.5,
		TemperatureSetpointMin: 10,
		TemperatureSetpointMax: 30,
		Preset:                 thermostat.PresetKey{Standard: thermostat.PresetAway},
		Measurement:            21.25,
		Output:                 -0.125,
		CoolDuty:               0.125,
		Terms:                  thermostat.PIDTerms{Integral: 0.5},
		Params:                 thermostat.ControlParameters{Kp: 0.382, Ki: 0.0127, Kd: 2.86},
	}
	return fs
}

func words(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[i*2 : i*2+2])
	}
	return out
}

func TestModbusHoldingRegisters(t *testing.T) {
	fs := newSpy()
	client := startController(t, fs)

	res, err := client.ReadHoldingRegisters(0, hrCount)
	if err != nil {
		t.Fatalf("read holding: %v", err)
	}
	regs := words(res)
	if regs[HRTargetTemperature] != encodeTemp(22.5) {
		t.Fatalf("setpoint mismatch: %d", regs[HRTargetTemperature])
	}
	if regs[HRMode] != uint16(thermostat.ModeHeatCool) {
		t.Fatalf("mode mismatch: %d", regs[HRMode])
	}
	if regs[HRPreset] != 2 {
		t.Fatalf("expected preset index 2 (away), got %d", regs[HRPreset])
	}
	if got := getFloat(regs[HRKd:]); math.Abs(got-2.86) > 1e-6 {
		t.Fatalf("kd mismatch: %v", got)
	}
	if got := decodeTemp(regs[HRNoiseband]); got != 0.25 {
		t.Fatalf("expected default noiseband 0.25, got %v", got)
	}

	// Write target register
	if _, err := client.WriteSingleRegister(HRTargetTemperature, encodeTemp(25.75)); err != nil {
		t.Fatalf("write register: %v", err)
	}
	fs.mu.Lock()
	if len(fs.setTargetCalls) != 1 || fs.setTargetCalls[0] != 25.75 {
		fs.mu.Unlock()
		t.Fatalf("SetTargetTemperature not called: %v", fs.setTargetCalls)
	}
	fs.mu.Unlock()

	// Out of range target is refused by the service
	if _, err := client.WriteSingleRegister(HRTargetTemperature, encodeTemp(45)); err == nil {
		t.Fatal("expected exception for out of range target")
	}

	// Preset by index
	if _, err := client.WriteSingleRegister(HRPreset, 3); err != nil {
		t.Fatalf("write preset: %v", err)
	}
	fs.mu.Lock()
	if len(fs.setPresetCalls) != 1 || fs.setPresetCalls[0] != "Vacation" {
		fs.mu.Unlock()
		t.Fatalf("SetPreset not called: %v", fs.setPresetCalls)
	}
	fs.mu.Unlock()
	if _, err := client.WriteSingleRegister(HRPreset, 9); err == nil {
		t.Fatal("expected exception for unknown preset index")
	}

	// Half a float is refused
	if _, err := client.WriteSingleRegister(HRKp, 1); err == nil {
		t.Fatal("expected exception for single gain register write")
	}
}

func TestModbusWriteGains(t *testing.T) {
	fs := newSpy()
	client := startController(t, fs)

	regs := make([]uint16, 6)
	putFloat(regs[0:], 0.5)
	putFloat(regs[2:], 0.25)
	putFloat(regs[4:], 2)
	payload := make([]byte, 12)
	for i, r := range regs {
		binary.BigEndian.PutUint16(payload[i*2:], r)
	}
	if _, err := client.WriteMultipleRegisters(HRKp, 6, payload); err != nil {
		t.Fatalf("write gains: %v", err)
	}
	fs.mu.Lock()
	if len(fs.setParamsCalls) != 1 || fs.setParamsCalls[0] != [3]float64{0.5, 0.25, 2} {
		fs.mu.Unlock()
		t.Fatalf("SetControlParameters not called once: %v", fs.setParamsCalls)
	}
	fs.mu.Unlock()

	// partial overlap with the gains block
	if _, err := client.WriteMultipleRegisters(HRKi, 2, payload[:4]); err == nil {
		t.Fatal("expected exception for partial gains write")
	}
}

func TestModbusInputRegisters(t *testing.T) {
	fs := newSpy()
	client := startController(t, fs)

	res, err := client.ReadInputRegisters(0, irCount)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	regs := words(res)
	if decodeTemp(regs[IRMeasurement]) != 21.25 {
		t.Fatalf("measurement mismatch: %d", regs[IRMeasurement])
	}
	if int16(regs[IROutput]) != -125 {
		t.Fatalf("output mismatch: %d", int16(regs[IROutput]))
	}
	if regs[IRCoolDuty] != 125 || regs[IRHeatDuty] != 0 {
		t.Fatalf("duty mismatch: heat=%d cool=%d", regs[IRHeatDuty], regs[IRCoolDuty])
	}
	if getFloat(regs[IRIntegral:]) != 0.5 {
		t.Fatalf("integral mismatch: %v", getFloat(regs[IRIntegral:]))
	}

	if _, err := client.ReadInputRegisters(irCount-1, 2); err == nil {
		t.Fatal("expected exception past the last input register")
	}
}

func TestModbusCoils(t *testing.T) {
	fs := newSpy()
	client := startController(t, fs)

	if _, err := client.WriteSingleCoil(CoilResetIntegral, 0xFF00); err != nil {
		t.Fatalf("write reset coil: %v", err)
	}

	if _, err := client.WriteSingleRegister(HRNoiseband, encodeTemp(0.5)); err != nil {
		t.Fatalf("write noiseband: %v", err)
	}
	if _, err := client.WriteSingleCoil(CoilAutotune, 0xFF00); err != nil {
		t.Fatalf("start autotune: %v", err)
	}
	res, err := client.ReadCoils(0, coilCount)
	if err != nil {
		t.Fatalf("read coils: %v", err)
	}
	if res[0] != 0x02 {
		t.Fatalf("expected autotune coil set, got %08b", res[0])
	}
	if _, err := client.WriteSingleCoil(CoilAutotune, 0xFF00); err == nil {
		t.Fatal("expected exception when autotune already runs")
	}
	if _, err := client.WriteSingleCoil(CoilAutotune, 0x0000); err != nil {
		t.Fatalf("stop autotune: %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.resetCalls != 1 {
		t.Fatalf("expected 1 reset, got %d", fs.resetCalls)
	}
	if len(fs.autotuneStarts) != 1 || fs.autotuneStarts[0].Noiseband != 0.5 {
		t.Fatalf("expected one start with noiseband 0.5, got %+v", fs.autotuneStarts)
	}
	if fs.autotuneStops != 1 {
		t.Fatalf("expected 1 stop, got %d", fs.autotuneStops)
	}
}

func TestEncodeTempSaturates(t *testing.T) {
	if got := int16(encodeTemp(1000)); got != math.MaxInt16 {
		t.Fatalf("expected saturation at %d, got %d", math.MaxInt16, got)
	}
	if got := decodeTemp(encodeTemp(-12.34)); got != -12.34 {
		t.Fatalf("round trip mismatch: %v", got)
	}
}
