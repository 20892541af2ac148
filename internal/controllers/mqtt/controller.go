package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/Agrid-Dev/thermopid/internal/ports"
	"github.com/Agrid-Dev/thermopid/internal/thermostat"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainSnapshot  bool
	PublishInterval time.Duration

	Username string
	Password string
}

type Controller struct {
	svc ports.ThermostatService
	cfg Config
	log *slog.Logger

	client mqtt.Client
}

func New(svc ports.ThermostatService, cfg Config) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "thermopid/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		// two processes sharing a device id must not evict each other
		cfg.ClientID = "thermopid-" + cfg.DeviceID + "-" + uuid.NewString()[:8]
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	return &Controller{
		svc: svc,
		cfg: cfg,
		log: slog.Default().With("controller", "mqtt", "device_id", cfg.DeviceID),
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		topic := c.topic("set/+")
		token := cl.Subscribe(topic, c.cfg.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error("subscribe failed", "topic", topic, "err", err)
			return
		}
		c.log.Info("connected", "broker", c.cfg.BrokerURL, "topic", topic)
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.svc.OnPresetChange(c.publishPresetChanged)
	c.svc.OnFault(c.publishFault)

	// Publish loop: publish snapshot on interval, and only when changed.
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	var last thermostat.Snapshot
	first := true

	// publish immediately once
	c.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			cur := c.svc.Get()
			if first || !reflect.DeepEqual(cur, last) {
				c.publishSnapshot()
				last = cur
				first = false
			}
		}
	}
}

func (c *Controller) publishSnapshot() {
	b, _ := json.Marshal(ports.NewSnapshotDTO(c.cfg.DeviceID, c.svc.Get()))
	c.client.Publish(c.topic("snapshot"), c.cfg.QoS, c.cfg.RetainSnapshot, b)
}

// publishPresetChanged emits the preset change event; it is never retained.
func (c *Controller) publishPresetChanged(key thermostat.PresetKey) {
	b, _ := json.Marshal(map[string]string{"preset": key.String()})
	c.client.Publish(c.topic("event/preset_changed"), c.cfg.QoS, false, b)
}

func (c *Controller) publishFault(err error) {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	c.client.Publish(c.topic("event/fault"), c.cfg.QoS, false, b)
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<field>
	t := msg.Topic()
	prefix := c.cfg.BaseTopic + "/set/"
	if !strings.HasPrefix(t, prefix) {
		return
	}
	field := strings.TrimPrefix(t, prefix)

	if err := c.dispatch(field, msg.Payload()); err != nil {
		c.log.Warn("command rejected", "field", field, "err", err)
	}
}

func (c *Controller) dispatch(field string, payload []byte) error {
	switch field {
	case "mode":
		s, err := decodeValueStrict[string](payload)
		if err != nil {
			return err
		}
		m, err := thermostat.ParseMode(s)
		if err != nil {
			return err
		}
		return c.svc.SetMode(m)

	case "preset":
		s, err := decodeValueStrict[string](payload)
		if err != nil {
			return err
		}
		return c.svc.SetPreset(s)

	case "target_temperature":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		return c.svc.SetTargetTemperature(v)

	case "control_parameters":
		req, err := decodeStrict[ports.ControlParametersRequest](payload)
		if err != nil {
			return err
		}
		kp, ki, kd, ok := req.Gains()
		if !ok {
			return errors.New("missing field 'kp'")
		}
		return c.svc.SetControlParameters(kp, ki, kd)

	case "reset_integral":
		c.svc.ResetIntegralTerm()
		return nil

	case "autotune_start":
		var req ports.AutotuneRequest // empty payload: configured defaults
		if len(bytes.TrimSpace(payload)) > 0 {
			var err error
			if req, err = decodeStrict[ports.AutotuneRequest](payload); err != nil {
				return err
			}
		}
		return c.svc.StartAutotune(req.Options(c.svc.AutotuneDefaults()))

	case "autotune_stop":
		return c.svc.StopAutotune()

	default:
		return fmt.Errorf("unknown command %q", field)
	}
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeStrict[T any](b []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	return v, err
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	req, err := decodeStrict[valueReq[T]](b)
	if err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
