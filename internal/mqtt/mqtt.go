// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for every Protect and temperature sensor, relays
// command topics to the cloud write path, and forwards cache updates.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Jastroger/ha-nest-protect/internal/core/state"
	"github.com/Jastroger/ha-nest-protect/internal/core/stream"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends device state to an MQTT broker.
type Publisher interface {
	// Start begins publishing cache updates.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	BridgeID    string `yaml:"bridge_id"`
}

// ---------------------------------------------------------------------------
// Commander – abstraction over the cloud write path
// ---------------------------------------------------------------------------

// Commander writes Protect settings back to the cloud without importing the
// synchronizer package directly.
type Commander interface {
	SetNightLight(ctx context.Context, objectKey string, on bool) error
	SetNightLightBrightness(ctx context.Context, objectKey string, level int) error
	SetGreenLED(ctx context.Context, objectKey string, on bool) error
	SetHeadsUp(ctx context.Context, objectKey string, on bool) error
	SetSteamCheck(ctx context.Context, objectKey string, on bool) error
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// Pathlight brightness presets exposed on the select entity.
var brightnessToPreset = map[int]string{1: "low", 2: "medium", 3: "high"}
var presetToBrightness = map[string]int{"low": 1, "medium": 2, "high": 3}

// HAPublisher publishes Home Assistant auto-discovery configs per device,
// subscribes to command topics and relays them to the cloud write path, and
// forwards cache changes as retained state topics.
type HAPublisher struct {
	cfg   Config
	cmd   Commander
	cache *state.Cache
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	// devices maps serial -> object key for command routing; guarded by mu.
	mu      sync.Mutex
	devices map[string]string

	watcher *state.Watcher
	unsub   func() // EventBus unsubscribe
	stopC   chan struct{}
	wg      sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, cmd Commander, cache *state.Cache, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "nest_protect"
	}
	if cfg.BridgeID == "" {
		cfg.BridgeID = "nest_protect_bridge"
	}
	return &HAPublisher{
		cfg:     cfg,
		cmd:     cmd,
		cache:   cache,
		bus:     bus,
		log:     log,
		devices: make(map[string]string),
		stopC:   make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to command topics, publishes initial state, and starts forwarding cache
// changes.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("bridge/state")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("protectd-%s", p.cfg.BridgeID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.watcher = p.cache.Watch()
	evtCh, unsub := p.bus.Subscribe(64)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)

	if p.watcher != nil {
		p.watcher.Close()
	}
	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("bridge/state"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish online availability (retained).
	p.publish(p.topic("bridge/state"), "online", true)

	// 2. Publish bridge-level and per-device discovery configs.
	p.publishBridgeDiscovery()
	p.publishAllDevices()

	// 3. Subscribe to command topics: {prefix}/{serial}/{object}/set.
	token := p.client.Subscribe(p.topic("+/+/set"), 1, p.handleCommand)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topics", "error", err)
	}

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishBridgeDiscovery()
			p.publishAllDevices()
		}
	})

	// 5. Publish the bridge connectivity state.
	p.publish(p.topic("bridge/connection/state"), "OFF", true)
}

// publishAllDevices walks the cache and (re)discovers every supported device.
func (p *HAPublisher) publishAllDevices() {
	for _, rec := range p.cache.ByBucket(stream.BucketTopaz) {
		p.publishProtect(rec)
	}
	for _, rec := range p.cache.ByBucket(stream.BucketKryptonite) {
		p.publishTemperatureSensor(rec)
	}
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, serial, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, serial, objectID)
}

// serialOf returns the device serial used in topics, falling back to the
// object ID when the payload lacks one.
func serialOf(rec state.Record) string {
	if s, ok := rec.String("serial_number"); ok && s != "" {
		return s
	}
	_, objectID := stream.SplitObjectKey(rec.ObjectKey)
	return objectID
}

// deviceInfo returns the shared HA device block for one physical unit.
func (p *HAPublisher) deviceInfo(rec state.Record, serial, fallbackModel string) map[string]any {
	model := fallbackModel
	if m, ok := rec.String("model"); ok && m != "" {
		model = m
	}
	name := fallbackModel
	if room := p.cache.WhereName(rec.StructureID, rec.WhereID); room != "" {
		name = fmt.Sprintf("%s %s", fallbackModel, room)
	}

	dev := map[string]any{
		"identifiers":  []string{serial},
		"name":         name,
		"manufacturer": "Nest",
		"model":        model,
	}
	if room := p.cache.WhereName(rec.StructureID, rec.WhereID); room != "" {
		dev["suggested_area"] = room
	}
	return dev
}

func (p *HAPublisher) availability() map[string]any {
	return map[string]any{"topic": p.topic("bridge/state")}
}

// publishProtect publishes discovery and state for one Protect unit.
func (p *HAPublisher) publishProtect(rec state.Record) {
	serial := serialOf(rec)
	p.trackDevice(serial, rec.ObjectKey)

	dev := p.deviceInfo(rec, serial, "Nest Protect")
	avail := p.availability()

	// --- Binary sensors ---
	for _, bs := range []struct {
		objectID    string
		name        string
		deviceClass string
	}{
		{"smoke", "Smoke", "smoke"},
		{"co", "Carbon Monoxide", "co"},
		{"heat", "Heat", "heat"},
		{"battery", "Battery Problem", "battery"},
	} {
		p.publishDiscoveryConfig("binary_sensor", serial, bs.objectID, map[string]any{
			"name":         bs.name,
			"unique_id":    fmt.Sprintf("%s_%s", serial, bs.objectID),
			"state_topic":  p.topic(fmt.Sprintf("%s/%s/state", serial, bs.objectID)),
			"device_class": bs.deviceClass,
			"payload_on":   "ON",
			"payload_off":  "OFF",
			"device":       dev,
			"availability": avail,
		})
	}

	// --- Sensors ---
	p.publishDiscoveryConfig("sensor", serial, "battery_voltage", map[string]any{
		"name":                "Battery Voltage",
		"unique_id":           fmt.Sprintf("%s_battery_voltage", serial),
		"state_topic":         p.topic(fmt.Sprintf("%s/battery_voltage/state", serial)),
		"unit_of_measurement": "V",
		"device_class":        "voltage",
		"state_class":         "measurement",
		"entity_category":     "diagnostic",
		"device":              dev,
		"availability":        avail,
	})
	p.publishDiscoveryConfig("sensor", serial, "replace_by", map[string]any{
		"name":            "Replace By",
		"unique_id":       fmt.Sprintf("%s_replace_by", serial),
		"state_topic":     p.topic(fmt.Sprintf("%s/replace_by/state", serial)),
		"device_class":    "timestamp",
		"entity_category": "diagnostic",
		"device":          dev,
		"availability":    avail,
	})

	// --- Switches ---
	for _, sw := range []struct {
		objectID string
		name     string
		icon     string
	}{
		{"pathlight", "Pathlight", "mdi:weather-night"},
		{"nightly_promise", "Nightly Promise", "mdi:led-off"},
		{"heads_up", "Heads-Up", "mdi:exclamation-thick"},
		{"steam_check", "Steam Check", "mdi:pot-steam"},
	} {
		p.publishDiscoveryConfig("switch", serial, sw.objectID, map[string]any{
			"name":            sw.name,
			"unique_id":       fmt.Sprintf("%s_%s", serial, sw.objectID),
			"state_topic":     p.topic(fmt.Sprintf("%s/%s/state", serial, sw.objectID)),
			"command_topic":   p.topic(fmt.Sprintf("%s/%s/set", serial, sw.objectID)),
			"payload_on":      "ON",
			"payload_off":     "OFF",
			"icon":            sw.icon,
			"entity_category": "config",
			"device":          dev,
			"availability":    avail,
		})
	}

	// --- Select (Pathlight brightness) ---
	p.publishDiscoveryConfig("select", serial, "pathlight_brightness", map[string]any{
		"name":            "Pathlight Brightness",
		"unique_id":       fmt.Sprintf("%s_pathlight_brightness", serial),
		"state_topic":     p.topic(fmt.Sprintf("%s/pathlight_brightness/state", serial)),
		"command_topic":   p.topic(fmt.Sprintf("%s/pathlight_brightness/set", serial)),
		"options":         []string{"low", "medium", "high"},
		"icon":            "mdi:lightbulb-on",
		"entity_category": "config",
		"device":          dev,
		"availability":    avail,
	})

	p.publishProtectState(serial, rec)
}

// publishTemperatureSensor publishes discovery and state for one kryptonite
// temperature sensor.
func (p *HAPublisher) publishTemperatureSensor(rec state.Record) {
	serial := serialOf(rec)
	p.trackDevice(serial, rec.ObjectKey)

	dev := p.deviceInfo(rec, serial, "Nest Temperature Sensor")
	avail := p.availability()

	p.publishDiscoveryConfig("sensor", serial, "temperature", map[string]any{
		"name":                "Temperature",
		"unique_id":           fmt.Sprintf("%s_temperature", serial),
		"state_topic":         p.topic(fmt.Sprintf("%s/temperature/state", serial)),
		"unit_of_measurement": "°C",
		"device_class":        "temperature",
		"state_class":         "measurement",
		"device":              dev,
		"availability":        avail,
	})
	p.publishDiscoveryConfig("sensor", serial, "battery", map[string]any{
		"name":                "Battery",
		"unique_id":           fmt.Sprintf("%s_battery", serial),
		"state_topic":         p.topic(fmt.Sprintf("%s/battery/state", serial)),
		"unit_of_measurement": "%",
		"device_class":        "battery",
		"state_class":         "measurement",
		"entity_category":     "diagnostic",
		"device":              dev,
		"availability":        avail,
	})

	p.publishTemperatureState(serial, rec)
}

// publishBridgeDiscovery publishes the bridge's own connectivity and
// reauthentication entities.
func (p *HAPublisher) publishBridgeDiscovery() {
	dev := map[string]any{
		"identifiers":  []string{p.cfg.BridgeID},
		"name":         "Nest Protect Bridge",
		"manufacturer": "Nest",
		"model":        "protectd",
	}

	p.publishDiscoveryConfig("binary_sensor", p.cfg.BridgeID, "connection", map[string]any{
		"name":         "Cloud Connection",
		"unique_id":    fmt.Sprintf("%s_connection", p.cfg.BridgeID),
		"state_topic":  p.topic("bridge/connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
	})
	p.publishDiscoveryConfig("binary_sensor", p.cfg.BridgeID, "reauth_required", map[string]any{
		"name":            "Reauthentication Required",
		"unique_id":       fmt.Sprintf("%s_reauth_required", p.cfg.BridgeID),
		"state_topic":     p.topic("bridge/reauth/state"),
		"device_class":    "problem",
		"payload_on":      "ON",
		"payload_off":     "OFF",
		"entity_category": "diagnostic",
		"device":          dev,
	})
}

func (p *HAPublisher) publishDiscoveryConfig(component, serial, objectID string, payload map[string]any) {
	topic := discoveryTopic(component, serial, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

func (p *HAPublisher) trackDevice(serial, objectKey string) {
	p.mu.Lock()
	p.devices[serial] = objectKey
	p.mu.Unlock()
}

func (p *HAPublisher) objectKeyFor(serial string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.devices[serial]
	return key, ok
}

func (p *HAPublisher) knownDevice(serial string) bool {
	_, ok := p.objectKeyFor(serial)
	return ok
}

// ---------------------------------------------------------------------------
// Command handling
// ---------------------------------------------------------------------------

// handleCommand routes {prefix}/{serial}/{object}/set payloads to the cloud
// write path.
func (p *HAPublisher) handleCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	// prefix may itself contain slashes; the command segments are the last
	// three: serial/object/set.
	if len(parts) < 3 {
		return
	}
	serial := parts[len(parts)-3]
	object := parts[len(parts)-2]
	payload := strings.TrimSpace(string(msg.Payload()))

	objectKey, ok := p.objectKeyFor(serial)
	if !ok {
		p.log.Warn("command for unknown device", "serial", serial, "topic", msg.Topic())
		return
	}

	p.log.Info("MQTT command", "serial", serial, "object", object, "payload", payload)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch object {
	case "pathlight":
		err = p.cmd.SetNightLight(ctx, objectKey, isOn(payload))
	case "nightly_promise":
		err = p.cmd.SetGreenLED(ctx, objectKey, isOn(payload))
	case "heads_up":
		err = p.cmd.SetHeadsUp(ctx, objectKey, isOn(payload))
	case "steam_check":
		err = p.cmd.SetSteamCheck(ctx, objectKey, isOn(payload))
	case "pathlight_brightness":
		level, ok := presetToBrightness[strings.ToLower(payload)]
		if !ok {
			p.log.Warn("unknown brightness preset", "payload", payload)
			return
		}
		err = p.cmd.SetNightLightBrightness(ctx, objectKey, level)
	default:
		p.log.Debug("unhandled command object", "object", object)
		return
	}
	if err != nil {
		p.log.Error("command failed", "serial", serial, "object", object, "error", err)
	}
}

func isOn(payload string) bool {
	return strings.EqualFold(payload, "ON")
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishProtectState publishes all retained state topics for one Protect.
func (p *HAPublisher) publishProtectState(serial string, rec state.Record) {
	for field, objectID := range map[string]string{
		"smoke_status":         "smoke",
		"co_status":            "co",
		"heat_status":          "heat",
		"battery_health_state": "battery",
	} {
		if v, ok := rec.Float(field); ok {
			p.publish(p.topic(fmt.Sprintf("%s/%s/state", serial, objectID)), boolToOnOff(v != 0), true)
		}
	}

	if v, ok := rec.Float("battery_level"); ok {
		// battery_level is millivolts on the wire.
		p.publish(p.topic(fmt.Sprintf("%s/battery_voltage/state", serial)), fmt.Sprintf("%.3f", v/1000), true)
	}
	if v, ok := rec.Float("replace_by_date_utc_secs"); ok && v > 0 {
		ts := time.Unix(int64(v), 0).UTC().Format(time.RFC3339)
		p.publish(p.topic(fmt.Sprintf("%s/replace_by/state", serial)), ts, true)
	}

	for field, objectID := range map[string]string{
		"night_light_enable":     "pathlight",
		"ntp_green_led_enable":   "nightly_promise",
		"heads_up_enable":        "heads_up",
		"steam_detection_enable": "steam_check",
	} {
		if v, ok := rec.Bool(field); ok {
			p.publish(p.topic(fmt.Sprintf("%s/%s/state", serial, objectID)), boolToOnOff(v), true)
		}
	}

	if v, ok := rec.Float("night_light_brightness"); ok {
		if preset, ok := brightnessToPreset[int(v)]; ok {
			p.publish(p.topic(fmt.Sprintf("%s/pathlight_brightness/state", serial)), preset, true)
		}
	}
}

// publishTemperatureState publishes state topics for one temperature sensor.
func (p *HAPublisher) publishTemperatureState(serial string, rec state.Record) {
	if v, ok := rec.Float("current_temperature"); ok {
		p.publish(p.topic(fmt.Sprintf("%s/temperature/state", serial)), fmt.Sprintf("%.1f", v), true)
	}
	if v, ok := rec.Float("battery_level"); ok {
		p.publish(p.topic(fmt.Sprintf("%s/battery/state", serial)), fmt.Sprintf("%.0f", v), true)
	}
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(evtCh <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case <-p.watcher.Changes():
			p.handleChangedKeys(p.watcher.Take())
		case evt, ok := <-evtCh:
			if !ok {
				return
			}
			p.handleLifecycleEvent(evt)
		}
	}
}

// handleChangedKeys pushes final state for every changed device, running
// discovery first for devices seen for the first time.
func (p *HAPublisher) handleChangedKeys(keys []string) {
	for _, key := range keys {
		bucketType, _ := stream.SplitObjectKey(key)

		rec, ok := p.cache.Get(key)
		if !ok {
			// Removed from the cloud; retained discovery stays until the
			// next full re-discovery prunes it.
			continue
		}

		switch bucketType {
		case stream.BucketTopaz:
			serial := serialOf(rec)
			if !p.knownDevice(serial) {
				p.publishProtect(rec)
				continue
			}
			p.publishProtectState(serial, rec)
		case stream.BucketKryptonite:
			serial := serialOf(rec)
			if !p.knownDevice(serial) {
				p.publishTemperatureSensor(rec)
				continue
			}
			p.publishTemperatureState(serial, rec)
		}
	}
}

func (p *HAPublisher) handleLifecycleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventConnected:
		p.publish(p.topic("bridge/connection/state"), "ON", true)
		p.publish(p.topic("bridge/reauth/state"), "OFF", true)
	case state.EventDisconnected:
		p.publish(p.topic("bridge/connection/state"), "OFF", true)
	case state.EventAuthRequired:
		p.publish(p.topic("bridge/reauth/state"), "ON", true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.cfg.TopicPrefix, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
