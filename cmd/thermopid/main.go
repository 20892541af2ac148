package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/run"

	"github.com/Agrid-Dev/thermopid/cmd/app"
	httpctrl "github.com/Agrid-Dev/thermopid/internal/controllers/http"
	modbusctrl "github.com/Agrid-Dev/thermopid/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/thermopid/internal/controllers/mqtt"
	"github.com/Agrid-Dev/thermopid/internal/device"
	"github.com/Agrid-Dev/thermopid/internal/thermostat"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")
	flag.Parse()

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		log.Fatal(err)
	}
	slog.SetDefault(logger.With("device_id", cfg.DeviceID))

	tcfg, err := cfg.ThermostatConfig()
	if err != nil {
		log.Fatal(err)
	}

	// No hardware binding yet: the loop drives a simulated room.
	room, err := device.NewRoom(cfg.RoomParams())
	if err != nil {
		log.Fatal(err)
	}
	var heat, cool thermostat.OutputDriver
	if cfg.Thermostat.HeatOutput {
		heat = room.HeatOutput()
	}
	if cfg.Thermostat.CoolOutput {
		cool = room.CoolOutput()
	}

	th, err := thermostat.New(tcfg, room, heat, cool, thermostat.WithLogger(slog.Default()))
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var g run.Group
	addContext(ctx, &g, "regulator", func(ctx context.Context) error {
		return th.Run(ctx, cfg.Regulator.Interval)
	})
	{
		stop := make(chan struct{})
		g.Add(func() error {
			room.Run(stop, cfg.Simulator.Interval)
			return nil
		}, func(error) {
			close(stop)
		})
	}

	if cfg.Controllers.HTTP.Enabled {
		srv := httpctrl.New(th, cfg.Controllers.HTTP.Addr, cfg.DeviceID)
		addContext(ctx, &g, "http", srv.Run)
	}
	if c := cfg.Controllers.MQTT; c.Enabled {
		ctrl, err := mqttctrl.New(th, mqttctrl.Config{
			DeviceID:        cfg.DeviceID,
			BrokerURL:       c.BrokerURL,
			ClientID:        c.ClientID,
			BaseTopic:       c.BaseTopic,
			QoS:             c.QoS,
			RetainSnapshot:  c.RetainSnapshot,
			PublishInterval: c.PublishInterval,
			Username:        c.Username,
			Password:        c.Password,
		})
		if err != nil {
			log.Fatal(err)
		}
		addContext(ctx, &g, "mqtt", ctrl.Run)
	}
	if c := cfg.Controllers.MODBUS; c.Enabled {
		ctrl, err := modbusctrl.New(th, modbusctrl.Config{
			DeviceID:     cfg.DeviceID,
			Addr:         c.Addr,
			UnitID:       c.UnitID,
			SyncInterval: c.SyncInterval,
		})
		if err != nil {
			log.Fatal(err)
		}
		addContext(ctx, &g, "modbus", ctrl.Run)
	}

	slog.Info("thermopid started", "mode", tcfg.Mode, "setpoint", tcfg.DefaultTarget,
		"interval", cfg.Regulator.Interval)
	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("exited", "err", err)
		os.Exit(1)
	}
}

// addContext runs fn until ctx is done or another actor stops the group.
func addContext(ctx context.Context, g *run.Group, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		err := fn(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("actor stopped", "actor", name, "err", err)
		}
		return err
	}, func(error) {
		cancel()
	})
}
