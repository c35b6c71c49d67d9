package consts

// イベントタイプの定数（input-event-codes.hより）
const (
	Syn = 0x00 // 同期イベント
	Key = 0x01 // キーイベント
	Rel = 0x02 // 相対座標イベント

	SynReport  = 0 // イベント報告の同期
	SynDropped = 3 // バッファ溢れ
)

// 相対座標のコード
const (
	RelX      = 0x00 // X軸の相対移動
	RelY      = 0x01 // Y軸の相対移動
	RelHWheel = 0x06 // 水平ホイール
	RelWheel  = 0x08 // 垂直ホイール
)

// マウスボタンのコード
const (
	BtnLeft   = 0x110
	BtnRight  = 0x111
	BtnMiddle = 0x112
	BtnSide   = 0x113
	BtnExtra  = 0x114
)

// MouseButtons は仮想ポインターが中継するボタン
var MouseButtons = []int{BtnLeft, BtnRight, BtnMiddle, BtnSide, BtnExtra}

// キー値
const (
	KeyRelease = 0
	KeyPress   = 1
	KeyRepeat  = 2
)
