package main

import (
	"log/slog"

	"github.com/Jastroger/ha-nest-protect/internal/config"
	"github.com/Jastroger/ha-nest-protect/internal/core/observe"
	"github.com/Jastroger/ha-nest-protect/internal/core/state"
	"github.com/Jastroger/ha-nest-protect/internal/mqtt"
)

// newPublisher wires the Home Assistant publisher, or a stub when MQTT is
// disabled.
func newPublisher(cfg config.Config, sync *observe.Synchronizer, cache *state.Cache, bus *state.EventBus, log *slog.Logger) mqtt.Publisher {
	mqttLog := log.With("component", "mqtt")
	if !cfg.MQTT.Enabled {
		return mqtt.NewStubPublisher(mqttLog)
	}
	return mqtt.NewHAPublisher(mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		BridgeID:    cfg.MQTT.BridgeID,
	}, sync, cache, bus, mqttLog)
}
