package motion

import "math/bits"

// Sample は1ポーリングサイクル分の生の相対移動量 (デバイス単位)
type Sample struct {
	X float64
	Y float64
}

// Vector は回転・平滑化後の移動ベクトル
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Report はホストへ送るマウスレポート
// X/Y とV/H が同じレポートで同時に非ゼロになることはない
type Report struct {
	X int8 `json:"x"`
	Y int8 `json:"y"`
	V int8 `json:"v"`
	H int8 `json:"h"`
}

// IsZero はレポートが空かどうかを返す
func (r Report) IsZero() bool {
	return r == Report{}
}

// Mode はモードルーターの分岐先
type Mode int

const (
	ModeMove Mode = iota
	ModeScroll
)

func (m Mode) String() string {
	switch m {
	case ModeMove:
		return "move"
	case ModeScroll:
		return "scroll"
	default:
		return "unknown"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// KeyID はパイプラインが関心を持つキーの識別子
type KeyID int

const (
	KeyOther KeyID = iota
	KeyDragScroll
	KeyGesture
)

// Action はジェスチャー検出時に送出するキー操作
type Action int

const (
	ActionNavigateBack Action = iota + 1
	ActionNavigateForward
)

func (a Action) String() string {
	switch a {
	case ActionNavigateBack:
		return "navigate_back"
	case ActionNavigateForward:
		return "navigate_forward"
	default:
		return "none"
	}
}

// ActionSink はキータップを合成する外部コラボレーター
// パイプラインのロック中に呼ばれるため、パイプラインを呼び返してはいけない
type ActionSink interface {
	EmitKeyTap(action Action)
}

// ActionSinkFunc は関数を ActionSink として扱うためのアダプター
type ActionSinkFunc func(action Action)

func (f ActionSinkFunc) EmitKeyTap(action Action) { f(action) }

const maxLayer = 31

// LayerState はレイヤーの有効状態を表すビットマスク
type LayerState uint32

// Highest は有効なレイヤーのうち最も上位の番号を返す。何も有効でなければ0
func (s LayerState) Highest() int {
	if s == 0 {
		return 0
	}
	return bits.Len32(uint32(s)) - 1
}

// LayerStateOf は単一のレイヤーだけが有効な状態を返す
func LayerStateOf(layer int) LayerState {
	if layer < 0 || layer > maxLayer {
		return 0
	}
	return LayerState(1) << uint(layer)
}
