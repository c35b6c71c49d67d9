package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/char5742/keyball-trackball/internal/config"
	"github.com/char5742/keyball-trackball/internal/log"
	"github.com/char5742/keyball-trackball/internal/motion"
)

func TestParseLayerPayload(t *testing.T) {
	cases := []struct {
		payload string
		want    motion.LayerState
	}{
		{`{"state":9}`, motion.LayerState(9)},
		{`{"layer":3}`, motion.LayerStateOf(3)},
		{`{"layer":0}`, motion.LayerStateOf(0)},
		{" 7\n", motion.LayerStateOf(7)},
		{`{"state":0}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.payload, func(t *testing.T) {
			got, err := ParseLayerPayload([]byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseLayerPayload_Invalid(t *testing.T) {
	for _, payload := range []string{"", "   ", "abc", `{"mode":1}`, `{"layer":32}`, "-1", `{"state":`} {
		t.Run(payload, func(t *testing.T) {
			_, err := ParseLayerPayload([]byte(payload))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestHandleMessage_ForwardsValidStates(t *testing.T) {
	var got []motion.LayerState
	b := New(log.Discard(), config.DefaultConfig().MQTT, func(s motion.LayerState) {
		got = append(got, s)
	})

	b.handleMessage([]byte(`{"layer":3}`))
	b.handleMessage([]byte(`garbage`))
	b.handleMessage([]byte(`1`))

	assert.Equal(t, []motion.LayerState{motion.LayerStateOf(3), motion.LayerStateOf(1)}, got)
}

func TestPublish_NoopWhenDisconnected(t *testing.T) {
	b := New(log.Discard(), config.DefaultConfig().MQTT, nil)
	assert.NotPanics(t, func() { b.Publish("gesture", map[string]string{"action": "navigate_back"}) })
	assert.NotPanics(t, b.Close)
}

func TestEncodeEvent(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload, err := encodeEvent("mode", motion.ModeScroll, ts)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "mode", decoded["type"])
	assert.Equal(t, "scroll", decoded["data"])
	assert.Equal(t, "2024-05-01T12:00:00Z", decoded["ts"])
}
