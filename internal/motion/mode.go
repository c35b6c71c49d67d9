package motion

// ModeController はドラッグスクロールキーとレイヤー変更からモードを決める
type ModeController struct {
	mode           Mode
	dragKeyHeld    bool
	autoMouseLayer int
}

func NewModeController(autoMouseLayer int) *ModeController {
	return &ModeController{mode: ModeMove, autoMouseLayer: autoMouseLayer}
}

// DragKey はドラッグスクロールキーの押下/解放を反映する
// スクロール累積値をリセットすべき場合は true を返す
func (c *ModeController) DragKey(pressed bool) (resetScroll bool) {
	c.dragKeyHeld = pressed
	if pressed {
		c.mode = ModeScroll
		return false
	}
	c.mode = ModeMove
	return true
}

// LayerChanged はレイヤー変更を反映する
// キーが押されておらず、最上位レイヤーが auto mouse レイヤーでなければスクロールを終了する
func (c *ModeController) LayerChanged(state LayerState) (resetScroll bool) {
	if c.dragKeyHeld || state.Highest() == c.autoMouseLayer {
		return false
	}
	c.mode = ModeMove
	return true
}

// SetScroll はキーを介さずにスクロールモードを切り替える
func (c *ModeController) SetScroll(enabled bool) (resetScroll bool) {
	if enabled {
		c.mode = ModeScroll
		return false
	}
	c.mode = ModeMove
	return true
}

func (c *ModeController) Mode() Mode {
	return c.mode
}

func (c *ModeController) DragKeyHeld() bool {
	return c.dragKeyHeld
}
