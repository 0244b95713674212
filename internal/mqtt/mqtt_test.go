package mqtt

import (
	"context"
	"log/slog"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/Jastroger/ha-nest-protect/internal/core/state"
)

type fakeCommander struct {
	calls []string
	key   string
	level int
	on    bool
}

func (f *fakeCommander) SetNightLight(_ context.Context, key string, on bool) error {
	f.calls = append(f.calls, "night_light")
	f.key, f.on = key, on
	return nil
}

func (f *fakeCommander) SetNightLightBrightness(_ context.Context, key string, level int) error {
	f.calls = append(f.calls, "brightness")
	f.key, f.level = key, level
	return nil
}

func (f *fakeCommander) SetGreenLED(_ context.Context, key string, on bool) error {
	f.calls = append(f.calls, "green_led")
	f.key, f.on = key, on
	return nil
}

func (f *fakeCommander) SetHeadsUp(_ context.Context, key string, on bool) error {
	f.calls = append(f.calls, "heads_up")
	f.key, f.on = key, on
	return nil
}

func (f *fakeCommander) SetSteamCheck(_ context.Context, key string, on bool) error {
	f.calls = append(f.calls, "steam_check")
	f.key, f.on = key, on
	return nil
}

type fakeMessage struct {
	topic   string
	payload string
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return []byte(m.payload) }
func (m *fakeMessage) Ack()              {}

var _ pahomqtt.Message = (*fakeMessage)(nil)

func newTestPublisher(cmd Commander) *HAPublisher {
	log := slog.Default()
	cache := state.NewCache(log)
	bus := state.NewEventBus(log)
	return NewHAPublisher(Config{TopicPrefix: "nest_protect"}, cmd, cache, bus, log)
}

func TestHandleCommand_Routing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		object  string
		payload string
		want    string
		wantOn  bool
	}{
		{"pathlight", "ON", "night_light", true},
		{"pathlight", "OFF", "night_light", false},
		{"nightly_promise", "on", "green_led", true},
		{"heads_up", "ON", "heads_up", true},
		{"steam_check", "OFF", "steam_check", false},
	}
	for _, tt := range tests {
		t.Run(tt.object+"_"+tt.payload, func(t *testing.T) {
			t.Parallel()

			cmd := &fakeCommander{}
			p := newTestPublisher(cmd)
			p.trackDevice("serial-1", "topaz.abc")

			p.handleCommand(nil, &fakeMessage{
				topic:   "nest_protect/serial-1/" + tt.object + "/set",
				payload: tt.payload,
			})

			require.Equal(t, []string{tt.want}, cmd.calls)
			require.Equal(t, "topaz.abc", cmd.key)
			require.Equal(t, tt.wantOn, cmd.on)
		})
	}
}

func TestHandleCommand_BrightnessPresets(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{}
	p := newTestPublisher(cmd)
	p.trackDevice("serial-1", "topaz.abc")

	p.handleCommand(nil, &fakeMessage{topic: "nest_protect/serial-1/pathlight_brightness/set", payload: "Medium"})
	require.Equal(t, []string{"brightness"}, cmd.calls)
	require.Equal(t, 2, cmd.level)

	// Unknown presets never reach the cloud.
	cmd.calls = nil
	p.handleCommand(nil, &fakeMessage{topic: "nest_protect/serial-1/pathlight_brightness/set", payload: "max"})
	require.Empty(t, cmd.calls)
}

func TestHandleCommand_UnknownDeviceIgnored(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{}
	p := newTestPublisher(cmd)

	p.handleCommand(nil, &fakeMessage{topic: "nest_protect/nope/pathlight/set", payload: "ON"})
	require.Empty(t, cmd.calls)
}

func TestHandleCommand_SlashedPrefix(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{}
	p := newTestPublisher(cmd)
	p.trackDevice("serial-1", "topaz.abc")

	// The command segments are always the last three, whatever the prefix.
	p.handleCommand(nil, &fakeMessage{topic: "home/nest_protect/serial-1/pathlight/set", payload: "ON"})
	require.Equal(t, []string{"night_light"}, cmd.calls)
}

func TestSerialOf(t *testing.T) {
	t.Parallel()

	rec := state.Record{ObjectKey: "topaz.abc", Fields: map[string]any{"serial_number": "06AA01AC"}}
	require.Equal(t, "06AA01AC", serialOf(rec))

	// Fall back to the object ID when no serial is present.
	rec = state.Record{ObjectKey: "kryptonite.def", Fields: map[string]any{}}
	require.Equal(t, "def", serialOf(rec))
}

func TestDiscoveryTopic(t *testing.T) {
	t.Parallel()

	require.Equal(t, "homeassistant/binary_sensor/06AA_smoke/config", discoveryTopic("binary_sensor", "06AA", "smoke"))
}

func TestBrightnessPresetMapsInverse(t *testing.T) {
	t.Parallel()

	for level, preset := range brightnessToPreset {
		require.Equal(t, level, presetToBrightness[preset])
	}
	require.Len(t, brightnessToPreset, 3)
}
