package motion

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParams はパラメータ検証に失敗したことを表す
var ErrInvalidParams = errors.New("invalid motion params")

// Params はパイプラインの固定パラメータ
// Pipeline の生存期間中は変更されない
type Params struct {
	// センサー取り付け角の補正 (度)。有限値であれば任意
	RotationDegrees float64
	// 平滑化係数 α。(0, 1) の開区間。1.0に近いほど滑らかになりますが、遅延が大きくなります
	SmoothingFactor float64
	// 平滑化後に両軸へ掛ける倍率 (> 0)
	SensitivityMultiplier float64
	// マウス移動時の感度 (> 0)
	MoveSensitivity float64
	// スクロール時のセンサー倍率 (> 0)
	ScrollMultiplier float64
	// スクロールの除数 (> 0)
	ScrollDivisorV float64
	ScrollDivisorH float64
	// 1サイクルあたりのスクロール最大ステップ (1..127)
	MaxScrollStep int
	// ジェスチャー検出の閾値 (生のX移動量, > 0)
	GestureThreshold float64
	// auto mouse レイヤーの番号 (0..31)
	AutoMouseLayer int
	// 生の移動量をクランプする上限 (> 0)
	MaxRawDelta float64
}

// DefaultParams はデフォルトのパラメータを返す
func DefaultParams() Params {
	return Params{
		RotationDegrees:       45.0,
		SmoothingFactor:       0.7,
		SensitivityMultiplier: 1.5,
		MoveSensitivity:       0.5,
		ScrollMultiplier:      0.02,
		ScrollDivisorV:        1.0,
		ScrollDivisorH:        1.0,
		MaxScrollStep:         1,
		GestureThreshold:      50.0,
		AutoMouseLayer:        3,
		MaxRawDelta:           32767,
	}
}

// Validate はパラメータの範囲を検証する
func (p Params) Validate() error {
	switch {
	case !finite(p.RotationDegrees):
		return fmt.Errorf("%w: rotation_degrees must be finite", ErrInvalidParams)
	case !(p.SmoothingFactor > 0 && p.SmoothingFactor < 1):
		return fmt.Errorf("%w: smoothing_factor must be in (0, 1), got %v", ErrInvalidParams, p.SmoothingFactor)
	case !positive(p.SensitivityMultiplier):
		return fmt.Errorf("%w: sensitivity_multiplier must be > 0", ErrInvalidParams)
	case !positive(p.MoveSensitivity):
		return fmt.Errorf("%w: move_sensitivity must be > 0", ErrInvalidParams)
	case !positive(p.ScrollMultiplier):
		return fmt.Errorf("%w: scroll_multiplier must be > 0", ErrInvalidParams)
	case !positive(p.ScrollDivisorV) || !positive(p.ScrollDivisorH):
		return fmt.Errorf("%w: scroll divisors must be > 0", ErrInvalidParams)
	case p.MaxScrollStep < 1 || p.MaxScrollStep > math.MaxInt8:
		return fmt.Errorf("%w: max_scroll_step must be in [1, 127], got %d", ErrInvalidParams, p.MaxScrollStep)
	case !positive(p.GestureThreshold):
		return fmt.Errorf("%w: gesture_threshold must be > 0", ErrInvalidParams)
	case p.AutoMouseLayer < 0 || p.AutoMouseLayer > maxLayer:
		return fmt.Errorf("%w: auto_mouse_layer must be in [0, %d], got %d", ErrInvalidParams, maxLayer, p.AutoMouseLayer)
	case !positive(p.MaxRawDelta):
		return fmt.Errorf("%w: max_raw_delta must be > 0", ErrInvalidParams)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func positive(v float64) bool {
	return finite(v) && v > 0
}
