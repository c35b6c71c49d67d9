package motion

// GestureState はスワイプ検出の状態
type GestureState int

const (
	// GestureIdle はジェスチャーモードが無効な状態
	GestureIdle GestureState = iota
	// GestureArmed はモードが有効で、X移動量を累積している状態
	GestureArmed
	// GestureTriggered は閾値を超えて発火済みの状態。モードが無効になるまで移動を無視する
	GestureTriggered
)

func (s GestureState) String() string {
	switch s {
	case GestureIdle:
		return "idle"
	case GestureArmed:
		return "armed"
	case GestureTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

func (s GestureState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// GestureDetector は生のX移動量から左右スワイプを検出する
type GestureDetector struct {
	threshold    float64
	state        GestureState
	accumulatedX float64
}

func NewGestureDetector(threshold float64) *GestureDetector {
	return &GestureDetector{threshold: threshold}
}

// SetMode はジェスチャーモードを切り替える
// 有効化は Idle の場合のみ Armed へ遷移する。無効化はどの状態からでも Idle へ戻す
func (g *GestureDetector) SetMode(enabled bool) {
	if !enabled {
		g.state = GestureIdle
		g.accumulatedX = 0
		return
	}
	if g.state == GestureIdle {
		g.state = GestureArmed
		g.accumulatedX = 0
	}
}

// Observe は回転変換前の生のX移動量を1サイクル分取り込む
// 閾値を超えたサイクルでのみ Action を返す
func (g *GestureDetector) Observe(rawX float64) (Action, bool) {
	if g.state != GestureArmed {
		return 0, false
	}

	g.accumulatedX += rawX

	var action Action
	switch {
	case g.accumulatedX < -g.threshold:
		action = ActionNavigateBack
	case g.accumulatedX > g.threshold:
		action = ActionNavigateForward
	default:
		return 0, false
	}

	g.state = GestureTriggered
	g.accumulatedX = 0
	return action, true
}

func (g *GestureDetector) State() GestureState {
	return g.state
}

func (g *GestureDetector) Accumulated() float64 {
	return g.accumulatedX
}
