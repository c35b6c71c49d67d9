package motion

import "math"

// Accumulator は連続値の移動量を整数のレポート値へ変換する
// 整数にできなかった端数は remainder として次のサイクルへ持ち越す
type Accumulator struct {
	remainder float64
}

// StepMove はマウス移動用の累積を1サイクル進める
// |remainder| >= 1 になったら0方向へ切り捨てた整数を出力し、その分だけ remainder から引く
// 出力が ±127 で飽和した場合は超過分を持ち越すため、|remainder| < 1 は飽和しない間だけ成り立つ
func (a *Accumulator) StepMove(delta float64) int8 {
	a.remainder += delta
	if math.Abs(a.remainder) < 1.0 {
		return 0
	}
	out := saturate(math.Trunc(a.remainder), math.MaxInt8)
	a.remainder -= float64(out)
	return out
}

// StepScroll はスクロール用の累積を1サイクル進める
// 非負なら floor、負なら ceil で丸める。出力は ±maxStep に制限し、
// 制限を超えた分の持ち越しも ±maxStep までに抑える
func (a *Accumulator) StepScroll(delta float64, maxStep int) int8 {
	a.remainder += delta

	// -0.0 は ceil 側で扱う
	var step float64
	if !math.Signbit(a.remainder) {
		step = math.Floor(a.remainder)
	} else {
		step = math.Ceil(a.remainder)
	}
	out := saturate(step, maxStep)
	if out != 0 {
		a.remainder -= float64(out)
	}

	limit := float64(maxStep)
	if a.remainder > limit {
		a.remainder = limit
	} else if a.remainder < -limit {
		a.remainder = -limit
	}
	return out
}

// Remainder は持ち越し中の端数を返す
func (a *Accumulator) Remainder() float64 {
	return a.remainder
}

// Reset は端数を破棄する
func (a *Accumulator) Reset() {
	a.remainder = 0
}

func saturate(v float64, limit int) int8 {
	l := float64(limit)
	if v > l {
		v = l
	} else if v < -l {
		v = -l
	}
	return int8(v)
}
