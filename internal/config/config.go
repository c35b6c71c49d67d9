package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/char5742/keyball-trackball/internal/motion"
)

// ErrInvalidConfig は設定値の検証に失敗したことを表す
var ErrInvalidConfig = errors.New("invalid config")

// Config はアプリケーション全体の設定を表す構造体
type Config struct {
	Motion      MotionConfig      `toml:"motion" yaml:"motion" json:"motion"`
	Gesture     GestureConfig     `toml:"gesture" yaml:"gesture" json:"gesture"`
	Input       InputConfig       `toml:"input" yaml:"input" json:"input"`
	DevicePrefs DevicePrefsConfig `toml:"device_prefs" yaml:"device_prefs" json:"device_prefs"`
	MQTT        MQTTConfig        `toml:"mqtt" yaml:"mqtt" json:"mqtt"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging" json:"logging"`
}

// MotionConfig はモーション処理の設定
type MotionConfig struct {
	RotationDegrees       float64 `toml:"rotation_degrees" yaml:"rotation_degrees" json:"rotation_degrees"`
	SmoothingFactor       float64 `toml:"smoothing_factor" yaml:"smoothing_factor" json:"smoothing_factor"`
	SensitivityMultiplier float64 `toml:"sensitivity_multiplier" yaml:"sensitivity_multiplier" json:"sensitivity_multiplier"`
	MoveSensitivity       float64 `toml:"move_sensitivity" yaml:"move_sensitivity" json:"move_sensitivity"`
	ScrollMultiplier      float64 `toml:"scroll_multiplier" yaml:"scroll_multiplier" json:"scroll_multiplier"`
	ScrollDivisorV        float64 `toml:"scroll_divisor_v" yaml:"scroll_divisor_v" json:"scroll_divisor_v"`
	ScrollDivisorH        float64 `toml:"scroll_divisor_h" yaml:"scroll_divisor_h" json:"scroll_divisor_h"`
	MaxScrollStep         int     `toml:"max_scroll_step" yaml:"max_scroll_step" json:"max_scroll_step"`
	MaxRawDelta           float64 `toml:"max_raw_delta" yaml:"max_raw_delta" json:"max_raw_delta"`
}

// GestureConfig はジェスチャー認識の設定
type GestureConfig struct {
	Threshold    float64 `toml:"threshold" yaml:"threshold" json:"threshold"`
	BackCombo    []int   `toml:"back_combo" yaml:"back_combo" json:"back_combo"`
	ForwardCombo []int   `toml:"forward_combo" yaml:"forward_combo" json:"forward_combo"`
}

// InputConfig はキー入力とレイヤーの設定
type InputConfig struct {
	DragScrollKey  int `toml:"drag_scroll_key" yaml:"drag_scroll_key" json:"drag_scroll_key"`
	GestureKey     int `toml:"gesture_key" yaml:"gesture_key" json:"gesture_key"`
	AutoMouseLayer int `toml:"auto_mouse_layer" yaml:"auto_mouse_layer" json:"auto_mouse_layer"`
}

// DevicePrefsConfig はデバイス設定の設定
type DevicePrefsConfig struct {
	PreferredKeyboardDevice string `toml:"preferred_keyboard_device" yaml:"preferred_keyboard_device" json:"preferred_keyboard_device"`
	PreferredMouseDevice    string `toml:"preferred_mouse_device" yaml:"preferred_mouse_device" json:"preferred_mouse_device"`
}

// MQTTConfig はレイヤー通知を受け取るMQTTブローカーの設定
// Broker が空の場合は無効
type MQTTConfig struct {
	Broker     string `toml:"broker" yaml:"broker" json:"broker"`
	ClientID   string `toml:"client_id" yaml:"client_id" json:"client_id"`
	LayerTopic string `toml:"layer_topic" yaml:"layer_topic" json:"layer_topic"`
	EventTopic string `toml:"event_topic" yaml:"event_topic" json:"event_topic"`
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level" json:"level"`
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() *Config {
	p := motion.DefaultParams()
	return &Config{
		Motion: MotionConfig{
			RotationDegrees:       p.RotationDegrees,
			SmoothingFactor:       p.SmoothingFactor,
			SensitivityMultiplier: p.SensitivityMultiplier,
			MoveSensitivity:       p.MoveSensitivity,
			ScrollMultiplier:      p.ScrollMultiplier,
			ScrollDivisorV:        p.ScrollDivisorV,
			ScrollDivisorH:        p.ScrollDivisorH,
			MaxScrollStep:         p.MaxScrollStep,
			MaxRawDelta:           p.MaxRawDelta,
		},
		Gesture: GestureConfig{
			Threshold:    p.GestureThreshold,
			BackCombo:    []int{29, 105}, // LEFTCTRL + LEFT
			ForwardCombo: []int{29, 106}, // LEFTCTRL + RIGHT
		},
		Input: InputConfig{
			DragScrollKey:  185, // F15
			GestureKey:     186, // F16
			AutoMouseLayer: p.AutoMouseLayer,
		},
		DevicePrefs: DevicePrefsConfig{
			PreferredKeyboardDevice: "",
			PreferredMouseDevice:    "",
		},
		MQTT: MQTTConfig{
			Broker:     "",
			ClientID:   "keyball-trackball",
			LayerTopic: "keyball/layer",
			EventTopic: "keyball/events",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Clone はスライスを含めた設定のコピーを返す
func (c *Config) Clone() *Config {
	cp := *c
	cp.Gesture.BackCombo = slices.Clone(c.Gesture.BackCombo)
	cp.Gesture.ForwardCombo = slices.Clone(c.Gesture.ForwardCombo)
	return &cp
}

// MotionParams はパイプライン用のパラメータを返す
func (c *Config) MotionParams() motion.Params {
	return motion.Params{
		RotationDegrees:       c.Motion.RotationDegrees,
		SmoothingFactor:       c.Motion.SmoothingFactor,
		SensitivityMultiplier: c.Motion.SensitivityMultiplier,
		MoveSensitivity:       c.Motion.MoveSensitivity,
		ScrollMultiplier:      c.Motion.ScrollMultiplier,
		ScrollDivisorV:        c.Motion.ScrollDivisorV,
		ScrollDivisorH:        c.Motion.ScrollDivisorH,
		MaxScrollStep:         c.Motion.MaxScrollStep,
		GestureThreshold:      c.Gesture.Threshold,
		AutoMouseLayer:        c.Input.AutoMouseLayer,
		MaxRawDelta:           c.Motion.MaxRawDelta,
	}
}

// Validate は設定値を検証する
func (c *Config) Validate() error {
	if err := c.MotionParams().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(c.Gesture.BackCombo) == 0 || len(c.Gesture.ForwardCombo) == 0 {
		return fmt.Errorf("%w: gesture combos must not be empty", ErrInvalidConfig)
	}
	for _, code := range append(append([]int{}, c.Gesture.BackCombo...), c.Gesture.ForwardCombo...) {
		if code <= 0 || code > maxKeyCode {
			return fmt.Errorf("%w: invalid key code in gesture combo: %d", ErrInvalidConfig, code)
		}
	}
	if c.Input.DragScrollKey <= 0 || c.Input.DragScrollKey > maxKeyCode {
		return fmt.Errorf("%w: invalid drag_scroll_key: %d", ErrInvalidConfig, c.Input.DragScrollKey)
	}
	if c.Input.GestureKey <= 0 || c.Input.GestureKey > maxKeyCode {
		return fmt.Errorf("%w: invalid gesture_key: %d", ErrInvalidConfig, c.Input.GestureKey)
	}
	if c.Input.DragScrollKey == c.Input.GestureKey {
		return fmt.Errorf("%w: drag_scroll_key and gesture_key must differ", ErrInvalidConfig)
	}
	if c.MQTT.Broker != "" && c.MQTT.LayerTopic == "" {
		return fmt.Errorf("%w: mqtt.layer_topic is required when a broker is set", ErrInvalidConfig)
	}
	return nil
}

// evdev のキーコード上限 (KEY_MAX)
const maxKeyCode = 0x2ff

// GetDefaultConfigDir はプラットフォームごとの設定ディレクトリを返す
func GetDefaultConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("AppData"); appdata != "" {
			return filepath.Join(appdata, "keyball-trackball"), nil
		}
		return "", errors.New("AppData not set")
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "keyball-trackball"), nil
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "keyball-trackball"), nil
	}
	return "", errors.New("HOME not set")
}

// LoadConfig は設定ファイルから設定を読み込む
// 拡張子が .yaml/.yml ならYAML、それ以外はTOMLとして扱う
func LoadConfig(configPath string) (*Config, error) {
	// デフォルト設定を用意
	config := DefaultConfig()

	// ファイルが存在しない場合はデフォルト設定を保存して返す
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveConfig(configPath, config); err != nil {
			return config, err
		}
		return config, nil
	}

	// 設定ファイルの読み込み
	if isYAML(configPath) {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return config, fmt.Errorf("YAMLの解析に失敗しました: %w", err)
		}
	} else {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return config, fmt.Errorf("TOMLの解析に失敗しました: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return DefaultConfig(), err
	}
	return config, nil
}

// SaveConfig は設定をファイルに保存する
func SaveConfig(configPath string, config *Config) error {
	// 設定ディレクトリの作成
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	// ファイルを開く（なければ作成）
	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(configPath) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(config)
	}

	// TOML形式でエンコードして書き込み
	encoder := toml.NewEncoder(f)
	return encoder.Encode(config)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
