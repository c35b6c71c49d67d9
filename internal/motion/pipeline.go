// Package motion はトラックボールの生の移動量をマウス移動・スクロールのレポートへ変換する
//
// 1サイクルの処理は 回転変換 → 平滑化 → モード分岐 → 端数累積 の順に進む。
// ジェスチャー検出は回転前の生の値を使う。
package motion

import (
	"math"
	"sync"
)

// 平滑化の状態がこれ未満なら減衰しきったものとみなす
const settleEpsilon = 1e-3

// State はパイプラインの内部状態のスナップショット
type State struct {
	Mode        Mode         `json:"mode"`
	DragKeyHeld bool         `json:"drag_key_held"`
	Filter      Vector       `json:"filter"`
	MoveX       float64      `json:"move_x"`
	MoveY       float64      `json:"move_y"`
	ScrollV     float64      `json:"scroll_v"`
	ScrollH     float64      `json:"scroll_h"`
	Gesture     GestureState `json:"gesture"`
	GestureX    float64      `json:"gesture_x"`
	Cycles      uint64       `json:"cycles"`
	Rejected    uint64       `json:"rejected"`
}

// Pipeline は1台のトラックボールの処理状態をまとめて保持する
// 各操作はひとつのクリティカルセクションとして実行される
type Pipeline struct {
	mu sync.Mutex

	params   Params
	rotation Rotation
	filter   MotionFilter
	modes    ModeController
	gesture  GestureDetector
	sink     ActionSink

	moveX   Accumulator
	moveY   Accumulator
	scrollV Accumulator
	scrollH Accumulator

	cycles   uint64
	rejected uint64
}

// New はゼロ状態のパイプラインを作成する
// sink が nil の場合、ジェスチャーのキー操作は捨てられる
func New(params Params, sink ActionSink) (*Pipeline, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		params:   params,
		rotation: NewRotation(params.RotationDegrees),
		filter:   *NewMotionFilter(params.SmoothingFactor, params.SensitivityMultiplier),
		modes:    *NewModeController(params.AutoMouseLayer),
		gesture:  *NewGestureDetector(params.GestureThreshold),
		sink:     sink,
	}
	return p, nil
}

// Params は作成時のパラメータを返す
func (p *Pipeline) Params() Params {
	return p.params
}

// ProcessCycle は1ポーリングサイクル分のサンプルを処理してレポートを返す
func (p *Pipeline) ProcessCycle(sample Sample) Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	sample, ok := p.sanitize(sample)
	if !ok {
		p.rejected++
		return Report{}
	}
	p.cycles++

	if action, fired := p.gesture.Observe(sample.X); fired && p.sink != nil {
		p.sink.EmitKeyTap(action)
	}

	smoothed := p.filter.Filter(p.rotation.Apply(sample))

	switch p.modes.Mode() {
	case ModeScroll:
		return p.routeScroll(smoothed)
	default:
		return p.routeMove(smoothed)
	}
}

func (p *Pipeline) routeMove(v Vector) Report {
	return Report{
		X: p.moveX.StepMove(v.X * p.params.MoveSensitivity),
		Y: p.moveY.StepMove(v.Y * p.params.MoveSensitivity),
	}
}

func (p *Pipeline) routeScroll(v Vector) Report {
	// 1サイクルにつきスクロール方向はどちらか一方
	if math.Abs(math.Round(v.X)) > math.Abs(math.Round(v.Y)) {
		v.Y = 0
	} else {
		v.X = 0
	}

	return Report{
		V: p.scrollV.StepScroll(p.params.ScrollMultiplier*v.Y/p.params.ScrollDivisorV, p.params.MaxScrollStep),
		H: p.scrollH.StepScroll(p.params.ScrollMultiplier*v.X/p.params.ScrollDivisorH, p.params.MaxScrollStep),
	}
}

// sanitize は非有限値を含むサンプルを拒否し、有限値は MaxRawDelta でクランプする
func (p *Pipeline) sanitize(s Sample) (Sample, bool) {
	if !finite(s.X) || !finite(s.Y) {
		return Sample{}, false
	}
	limit := p.params.MaxRawDelta
	s.X = math.Max(-limit, math.Min(limit, s.X))
	s.Y = math.Max(-limit, math.Min(limit, s.Y))
	return s, true
}

// HandleKeyEvent はキーイベントを処理する
// ドラッグスクロールキーとジェスチャーキーは消費され false を返す。
// それ以外は通常のキー処理へ流すため true を返す
func (p *Pipeline) HandleKeyEvent(key KeyID, pressed bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch key {
	case KeyDragScroll:
		if p.modes.DragKey(pressed) {
			p.resetScroll()
		}
		return false
	case KeyGesture:
		p.gesture.SetMode(pressed)
		return false
	default:
		return true
	}
}

// HandleLayerChange はレイヤー変更を反映し、state をそのまま返す
func (p *Pipeline) HandleLayerChange(state LayerState) LayerState {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.modes.LayerChanged(state) {
		p.resetScroll()
	}
	return state
}

// SetScrollMode はスクロールモードを直接切り替える
func (p *Pipeline) SetScrollMode(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.modes.SetScroll(enabled) {
		p.resetScroll()
	}
}

// SetGestureMode はジェスチャーモードを切り替える
func (p *Pipeline) SetGestureMode(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gesture.SetMode(enabled)
}

func (p *Pipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modes.Mode()
}

// Snapshot は内部状態のコピーを返す
func (p *Pipeline) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return State{
		Mode:        p.modes.Mode(),
		DragKeyHeld: p.modes.DragKeyHeld(),
		Filter:      p.filter.State(),
		MoveX:       p.moveX.Remainder(),
		MoveY:       p.moveY.Remainder(),
		ScrollV:     p.scrollV.Remainder(),
		ScrollH:     p.scrollH.Remainder(),
		Gesture:     p.gesture.State(),
		GestureX:    p.gesture.Accumulated(),
		Cycles:      p.cycles,
		Rejected:    p.rejected,
	}
}

// Settled はゼロ入力のサイクルを続けても出力が変わらない状態かどうかを返す
// フィルターが settleEpsilon 未満まで減衰し、現在のモードの端数が1未満であれば true
func (p *Pipeline) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.filter.State()
	if math.Abs(f.X) >= settleEpsilon || math.Abs(f.Y) >= settleEpsilon {
		return false
	}
	switch p.modes.Mode() {
	case ModeScroll:
		return math.Abs(p.scrollV.Remainder()) < 1 && math.Abs(p.scrollH.Remainder()) < 1
	default:
		return math.Abs(p.moveX.Remainder()) < 1 && math.Abs(p.moveY.Remainder()) < 1
	}
}

// Reset はすべての状態をゼロに戻す
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filter.Reset()
	p.modes = *NewModeController(p.params.AutoMouseLayer)
	p.gesture = *NewGestureDetector(p.params.GestureThreshold)
	p.moveX.Reset()
	p.moveY.Reset()
	p.resetScroll()
	p.cycles = 0
	p.rejected = 0
}

// resetScroll は縦横両方のスクロール累積値を破棄する
func (p *Pipeline) resetScroll() {
	p.scrollV.Reset()
	p.scrollH.Reset()
}
