package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	mbserver "github.com/tbrandon/mbserver"

	"github.com/Agrid-Dev/thermopid/internal/ports"
	"github.com/Agrid-Dev/thermopid/internal/thermostat"
)

// Coils
const (
	CoilResetIntegral = 0 // write ON to reset, always reads OFF
	CoilAutotune      = 1 // reads the loop state, ON starts and OFF stops autotune
	coilCount         = 2
)

// Holding registers
const (
	HRTargetTemperature = 0 // int16, x TemperatureScale
	HRMode              = 1
	HRPreset            = 2 // 0 = none, n = n-th configured preset
	HRKp                = 3 // float32, two registers, high word first
	HRKi                = 5
	HRKd                = 7
	HRNoiseband         = 9 // autotune noiseband, x TemperatureScale
	hrCount             = 10
)

// Input registers
const (
	IRMeasurement    = 0 // x TemperatureScale
	IROutput         = 1 // x DutyScale, signed
	IRHeatDuty       = 2 // x DutyScale
	IRCoolDuty       = 3 // x DutyScale
	IRSetpointMin    = 4 // x TemperatureScale
	IRSetpointMax    = 5 // x TemperatureScale
	IRDeadband       = 6
	IRLoop           = 7
	IRAutotunePhase  = 8
	IRAutotuneCycles = 9
	IRIntegral       = 10 // float32, two registers
	irCount          = 12
)

// Config for the Modbus controller.
type Config struct {
	DeviceID string
	Addr     string
	UnitID   byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.
	// SyncInterval retained in config to preserve API but unused when reads are handled by custom handlers.
	SyncInterval time.Duration
}

type Controller struct {
	svc ports.ThermostatService
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	noiseband float64

	serv *mbserver.Server
}

func New(svc ports.ThermostatService, cfg Config) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	return &Controller{
		svc:       svc,
		cfg:       cfg,
		log:       slog.Default().With("controller", "modbus", "device_id", cfg.DeviceID),
		noiseband: svc.AutotuneDefaults().Noiseband,
	}, nil
}

// Run starts the Modbus server and registers handlers that apply writes immediately and
// provide reads directly from the thermostat service. It blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.
	serv.RegisterFunctionHandler(1, c.readCoils)
	serv.RegisterFunctionHandler(3, c.readHoldingRegisters)
	serv.RegisterFunctionHandler(4, c.readInputRegisters)
	serv.RegisterFunctionHandler(5, c.writeSingleCoil)
	serv.RegisterFunctionHandler(6, c.writeSingleRegister)
	serv.RegisterFunctionHandler(16, c.writeMultipleRegisters)

	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}
	c.log.Info("listening", "addr", c.cfg.Addr, "unit_id", c.cfg.UnitID)

	// Block until ctx.Done()
	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// ---- reads ----

func (c *Controller) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(frame.GetData(), 2000, coilCount)
	if exc != nil {
		return []byte{}, exc
	}
	snap := c.svc.Get()
	var bits byte
	for i := 0; i < qty; i++ {
		if start+i == CoilAutotune && snap.Loop == thermostat.LoopAutotuning {
			bits |= 1 << i
		}
	}
	// response: byte count (1) + coil bytes
	return []byte{1, bits}, &mbserver.Success
}

func (c *Controller) readHoldingRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(frame.GetData(), 125, hrCount)
	if exc != nil {
		return []byte{}, exc
	}
	return registersResponse(c.holdingRegisters()[start : start+qty]), &mbserver.Success
}

func (c *Controller) holdingRegisters() []uint16 {
	snap := c.svc.Get()
	c.mu.Lock()
	noiseband := c.noiseband
	c.mu.Unlock()

	regs := make([]uint16, hrCount)
	regs[HRTargetTemperature] = encodeTemp(snap.TemperatureSetpoint)
	regs[HRMode] = uint16(snap.Mode)
	regs[HRPreset] = c.presetIndex(snap.Preset)
	putFloat(regs[HRKp:], snap.Params.Kp)
	putFloat(regs[HRKi:], snap.Params.Ki)
	putFloat(regs[HRKd:], snap.Params.Kd)
	regs[HRNoiseband] = encodeTemp(noiseband)
	return regs
}

func (c *Controller) readInputRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(frame.GetData(), 125, irCount)
	if exc != nil {
		return []byte{}, exc
	}
	snap := c.svc.Get()
	regs := make([]uint16, irCount)
	regs[IRMeasurement] = encodeTemp(snap.Measurement)
	regs[IROutput] = encodeScaled(snap.Output, DutyScale)
	regs[IRHeatDuty] = encodeScaled(snap.HeatDuty, DutyScale)
	regs[IRCoolDuty] = encodeScaled(snap.CoolDuty, DutyScale)
	regs[IRSetpointMin] = encodeTemp(snap.TemperatureSetpointMin)
	regs[IRSetpointMax] = encodeTemp(snap.TemperatureSetpointMax)
	regs[IRDeadband] = uint16(snap.Deadband)
	regs[IRLoop] = uint16(snap.Loop)
	regs[IRAutotunePhase] = uint16(snap.AutotunePhase)
	regs[IRAutotuneCycles] = uint16(snap.AutotuneCycles)
	putFloat(regs[IRIntegral:], snap.Terms.Integral)
	return registersResponse(regs[start : start+qty]), &mbserver.Success
}

// ---- writes ----

func (c *Controller) writeSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	var on bool
	switch value {
	case 0x0000:
		on = false
	case 0xFF00:
		on = true
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}

	var err error
	switch addr {
	case CoilResetIntegral:
		if on {
			c.svc.ResetIntegralTerm()
		}
	case CoilAutotune:
		if on {
			opts := c.svc.AutotuneDefaults()
			c.mu.Lock()
			opts.Noiseband = c.noiseband
			c.mu.Unlock()
			err = c.svc.StartAutotune(opts)
		} else {
			err = c.svc.StopAutotune()
		}
	default:
		return []byte{}, &mbserver.IllegalDataAddress
	}
	if err != nil {
		c.log.Warn("coil write rejected", "coil", addr, "err", err)
		return []byte{}, &mbserver.IllegalDataValue
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (c *Controller) writeSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])

	if addr >= HRKp && addr < HRNoiseband {
		// a float cannot be written one half at a time
		return []byte{}, &mbserver.IllegalDataAddress
	}
	if exc := c.applyRegister(addr, value); exc != nil {
		return []byte{}, exc
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (c *Controller) writeMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	d := frame.GetData()
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	end := int(start) + int(quantity)

	// gains are applied together, so the write must cover all of them or none
	gainsTouched := int(start) < HRNoiseband && end > HRKp
	if gainsTouched && (int(start) > HRKp || end < HRNoiseband) {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	regs := make([]uint16, hrCount)
	for i := 0; i < int(quantity); i++ {
		addr := int(start) + i
		if addr >= hrCount {
			return []byte{}, &mbserver.IllegalDataAddress
		}
		regs[addr] = binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
	}
	for addr := int(start); addr < end; addr++ {
		if addr >= HRKp && addr < HRNoiseband {
			continue
		}
		if exc := c.applyRegister(addr, regs[addr]); exc != nil {
			return []byte{}, exc
		}
	}
	if gainsTouched {
		kp, ki, kd := getFloat(regs[HRKp:]), getFloat(regs[HRKi:]), getFloat(regs[HRKd:])
		if err := c.svc.SetControlParameters(kp, ki, kd); err != nil {
			c.log.Warn("control parameters rejected", "err", err)
			return []byte{}, &mbserver.IllegalDataValue
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (c *Controller) applyRegister(addr int, value uint16) *mbserver.Exception {
	var err error
	switch addr {
	case HRTargetTemperature:
		err = c.svc.SetTargetTemperature(decodeTemp(value))
	case HRMode:
		err = c.svc.SetMode(thermostat.Mode(value))
	case HRPreset:
		names := c.svc.Presets()
		if value == 0 || int(value) > len(names) {
			return &mbserver.IllegalDataValue
		}
		err = c.svc.SetPreset(names[value-1])
	case HRNoiseband:
		nb := decodeTemp(value)
		if nb <= 0 {
			return &mbserver.IllegalDataValue
		}
		c.mu.Lock()
		c.noiseband = nb
		c.mu.Unlock()
	default:
		return &mbserver.IllegalDataAddress
	}
	if err != nil {
		c.log.Warn("register write rejected", "register", addr, "err", err)
		return &mbserver.IllegalDataValue
	}
	return nil
}

func (c *Controller) presetIndex(key thermostat.PresetKey) uint16 {
	if key.IsZero() {
		return 0
	}
	for i, name := range c.svc.Presets() {
		if thermostat.KeyFor(name) == key {
			return uint16(i + 1)
		}
	}
	return 0
}

// ---- encoding ----

func readRange(data []byte, maxQty, size int) (start, qty int, exc *mbserver.Exception) {
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start = int(binary.BigEndian.Uint16(data[0:2]))
	qty = int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > maxQty {
		return 0, 0, &mbserver.IllegalDataValue
	}
	if start+qty > size {
		return 0, 0, &mbserver.IllegalDataAddress
	}
	return start, qty, nil
}

func registersResponse(regs []uint16) []byte {
	byteCount := len(regs) * 2
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:1+i*2+2], r)
	}
	return resp
}

const (
	TemperatureScale int = 100
	DutyScale        int = 1000
)

func encodeScaled(v float64, scale int) uint16 {
	r := min(max(int(math.Round(v*float64(scale))), math.MinInt16), math.MaxInt16)
	return uint16(int16(r))
}

func encodeTemp(v float64) uint16 { return encodeScaled(v, TemperatureScale) }

func decodeTemp(u uint16) float64 {
	i := int16(u)
	return float64(i) / float64(TemperatureScale)
}

func putFloat(regs []uint16, v float64) {
	bits := math.Float32bits(float32(v))
	regs[0] = uint16(bits >> 16)
	regs[1] = uint16(bits)
}

func getFloat(regs []uint16) float64 {
	return float64(math.Float32frombits(uint32(regs[0])<<16 | uint32(regs[1])))
}
