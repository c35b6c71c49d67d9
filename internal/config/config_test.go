package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/char5742/keyball-trackball/internal/motion"
)

func TestDefaultConfig_MatchesMotionDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, motion.DefaultParams(), cfg.MotionParams())
}

func TestLoadConfig_CreatesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadConfig_TOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[motion]
smoothing_factor = 0.5
max_scroll_step = 2

[input]
auto_mouse_layer = 7

[mqtt]
broker = "tcp://localhost:1883"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Motion.SmoothingFactor)
	assert.Equal(t, 2, cfg.Motion.MaxScrollStep)
	assert.Equal(t, 7, cfg.Input.AutoMouseLayer)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	// 指定していない値はデフォルトのまま
	assert.Equal(t, 45.0, cfg.Motion.RotationDegrees)
	assert.Equal(t, "keyball/layer", cfg.MQTT.LayerTopic)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
gesture:
  threshold: 80
  back_combo: [56, 105]
motion:
  rotation_degrees: 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 80.0, cfg.Gesture.Threshold)
	assert.Equal(t, []int{56, 105}, cfg.Gesture.BackCombo)
	assert.Equal(t, 30.0, cfg.Motion.RotationDegrees)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[motion]\nsmoothing_factor = 1.5\n"), 0o644))

	cfg, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, motion.ErrInvalidParams)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[motion\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := DefaultConfig()
			cfg.Motion.MoveSensitivity = 0.8
			cfg.DevicePrefs.PreferredMouseDevice = "usb-Yowkees_Keyball39-if02-event-mouse"

			require.NoError(t, SaveConfig(path, cfg))
			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty back combo", func(c *Config) { c.Gesture.BackCombo = nil }},
		{"bad combo key", func(c *Config) { c.Gesture.ForwardCombo = []int{29, 0x300} }},
		{"bad drag key", func(c *Config) { c.Input.DragScrollKey = 0 }},
		{"bad gesture key", func(c *Config) { c.Input.GestureKey = -1 }},
		{"same keys", func(c *Config) { c.Input.GestureKey = c.Input.DragScrollKey }},
		{"mqtt without topic", func(c *Config) { c.MQTT.Broker = "tcp://x:1883"; c.MQTT.LayerTopic = "" }},
		{"layer out of range", func(c *Config) { c.Input.AutoMouseLayer = 40 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestGetDefaultConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err := GetDefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg", "keyball-trackball"), dir)

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/kb")
	dir, err = GetDefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/kb", ".config", "keyball-trackball"), dir)
}

func TestClone_CopiesCombos(t *testing.T) {
	cfg := DefaultConfig()
	cp := cfg.Clone()
	cp.Gesture.BackCombo[0] = 56
	cp.Motion.SmoothingFactor = 0.1

	assert.Equal(t, 29, cfg.Gesture.BackCombo[0])
	assert.Equal(t, 0.7, cfg.Motion.SmoothingFactor)
}
