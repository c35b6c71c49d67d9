package motion

import "math"

// Rotation はセンサーの取り付け角を補正する回転変換
// 回転と同時に上下左右を反転する
type Rotation struct {
	cos float64
	sin float64
}

// NewRotation は角度 (度) から回転変換を作成する
func NewRotation(degrees float64) Rotation {
	rad := degrees * (math.Pi / 180)
	return Rotation{cos: math.Cos(rad), sin: math.Sin(rad)}
}

// Apply は生の移動量を回転・反転する
func (r Rotation) Apply(s Sample) Vector {
	return Vector{
		X: -(s.X*r.cos - s.Y*r.sin),
		Y: -(s.X*r.sin + s.Y*r.cos),
	}
}
