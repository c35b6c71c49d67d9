package motion

// MotionFilter は回転後の移動量を単極ローパスで滑らかにします
type MotionFilter struct {
	smoothingFactor float64 // 0.0-1.0の範囲。1.0に近いほど滑らかになりますが、遅延が大きくなります
	multiplier      float64
	prevX           float64
	prevY           float64
}

// 新しいモーションフィルターを作成します
func NewMotionFilter(smoothingFactor, multiplier float64) *MotionFilter {
	return &MotionFilter{
		smoothingFactor: smoothingFactor,
		multiplier:      multiplier,
	}
}

// 回転後の値にsmoothingを適用し、感度倍率を掛けた値を返します
// 保持するのは倍率を掛ける前の値です
func (mf *MotionFilter) Filter(v Vector) Vector {
	f := mf.smoothingFactor
	smoothedX := mf.prevX*f + v.X*(1.0-f)
	smoothedY := mf.prevY*f + v.Y*(1.0-f)

	mf.prevX = smoothedX
	mf.prevY = smoothedY

	return Vector{X: smoothedX * mf.multiplier, Y: smoothedY * mf.multiplier}
}

// State は前回の平滑化済みの値を返します
func (mf *MotionFilter) State() Vector {
	return Vector{X: mf.prevX, Y: mf.prevY}
}

// フィルターの状態をリセットします
func (mf *MotionFilter) Reset() {
	mf.prevX = 0
	mf.prevY = 0
}
