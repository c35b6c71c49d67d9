package motion

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	actions []Action
}

func (r *recordingSink) EmitKeyTap(action Action) {
	r.actions = append(r.actions, action)
}

func newTestPipeline(t *testing.T) (*Pipeline, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	p, err := New(DefaultParams(), sink)
	require.NoError(t, err)
	return p, sink
}

// verticalSample は45度回転後に縦方向だけが残るサンプルを返す
func verticalSample(v float64) Sample {
	return Sample{X: -v, Y: -v}
}

func TestNew_RejectsInvalidParams(t *testing.T) {
	params := DefaultParams()
	params.SmoothingFactor = 1
	_, err := New(params, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestParams_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"rotation nan", func(p *Params) { p.RotationDegrees = math.NaN() }},
		{"alpha zero", func(p *Params) { p.SmoothingFactor = 0 }},
		{"alpha one", func(p *Params) { p.SmoothingFactor = 1 }},
		{"sensitivity", func(p *Params) { p.SensitivityMultiplier = 0 }},
		{"move sensitivity", func(p *Params) { p.MoveSensitivity = -1 }},
		{"scroll multiplier", func(p *Params) { p.ScrollMultiplier = math.Inf(1) }},
		{"scroll divisor", func(p *Params) { p.ScrollDivisorH = 0 }},
		{"max scroll step low", func(p *Params) { p.MaxScrollStep = 0 }},
		{"max scroll step high", func(p *Params) { p.MaxScrollStep = 128 }},
		{"gesture threshold", func(p *Params) { p.GestureThreshold = 0 }},
		{"auto mouse layer", func(p *Params) { p.AutoMouseLayer = 32 }},
		{"max raw delta", func(p *Params) { p.MaxRawDelta = 0 }},
	}

	require.NoError(t, DefaultParams().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
		})
	}
}

func TestPipeline_MoveConservation(t *testing.T) {
	p, _ := newTestPipeline(t)

	var sumX, sumY float64
	var outX, outY int
	rng := rand.New(rand.NewSource(3))
	rot := NewRotation(45)
	filter := NewMotionFilter(0.7, 1.5)
	for i := 0; i < 2000; i++ {
		s := Sample{X: float64(rng.Intn(9) - 4), Y: float64(rng.Intn(9) - 4)}
		v := filter.Filter(rot.Apply(s))
		sumX += v.X * 0.5
		sumY += v.Y * 0.5

		r := p.ProcessCycle(s)
		outX += int(r.X)
		outY += int(r.Y)

		st := p.Snapshot()
		require.Less(t, math.Abs(st.MoveX), 1.0)
		require.Less(t, math.Abs(st.MoveY), 1.0)
	}

	st := p.Snapshot()
	assert.InDelta(t, sumX, float64(outX)+st.MoveX, 1e-6)
	assert.InDelta(t, sumY, float64(outY)+st.MoveY, 1e-6)
}

func TestPipeline_SlowMotionIsNotLost(t *testing.T) {
	p, _ := newTestPipeline(t)

	// 1サイクルでは1未満にしかならない小さな移動
	var total int
	for i := 0; i < 100; i++ {
		r := p.ProcessCycle(Sample{X: 0.5})
		total += int(r.X)
	}
	assert.Less(t, total, 0, "rotated x of a positive raw x is negative")
	assert.NotZero(t, total)
}

func TestPipeline_DragScrollLifecycle(t *testing.T) {
	p, _ := newTestPipeline(t)

	consumed := !p.HandleKeyEvent(KeyDragScroll, true)
	assert.True(t, consumed)
	assert.Equal(t, ModeScroll, p.Mode())

	var totalV int
	for i := 0; i < 30; i++ {
		r := p.ProcessCycle(verticalSample(10))
		assert.Zero(t, r.X, "cycle %d", i)
		assert.Zero(t, r.Y, "cycle %d", i)
		assert.Zero(t, r.H, "cycle %d", i)
		assert.LessOrEqual(t, math.Abs(float64(r.V)), 1.0)
		totalV += int(r.V)
	}
	assert.Greater(t, totalV, 0)
	assert.NotZero(t, p.Snapshot().ScrollV)

	assert.False(t, p.HandleKeyEvent(KeyDragScroll, false))
	st := p.Snapshot()
	assert.Equal(t, ModeMove, st.Mode)
	assert.False(t, st.DragKeyHeld)
	assert.Equal(t, 0.0, st.ScrollV)
	assert.Equal(t, 0.0, st.ScrollH)

	var moved bool
	for i := 0; i < 10; i++ {
		r := p.ProcessCycle(verticalSample(10))
		assert.Zero(t, r.V)
		assert.Zero(t, r.H)
		moved = moved || r.Y != 0
	}
	assert.True(t, moved)
}

func TestPipeline_HorizontalScroll(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.SetScrollMode(true)

	// 45度回転後に横方向だけが残るサンプル
	var totalH int
	for i := 0; i < 30; i++ {
		r := p.ProcessCycle(Sample{X: 10, Y: -10})
		assert.Zero(t, r.V)
		totalH += int(r.H)
	}
	assert.Less(t, totalH, 0)
	assert.Equal(t, 0.0, p.Snapshot().ScrollV)
}

func TestPipeline_LayerForcedExit(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.SetScrollMode(true)
	for i := 0; i < 3; i++ {
		p.ProcessCycle(verticalSample(5))
	}
	require.NotZero(t, p.Snapshot().ScrollV)

	// auto mouse レイヤーのままなら維持
	state := LayerStateOf(3) | LayerStateOf(1)
	assert.Equal(t, state, p.HandleLayerChange(state))
	assert.Equal(t, ModeScroll, p.Mode())

	state = LayerStateOf(1)
	assert.Equal(t, state, p.HandleLayerChange(state))
	st := p.Snapshot()
	assert.Equal(t, ModeMove, st.Mode)
	assert.Equal(t, 0.0, st.ScrollV)

	var moved bool
	for i := 0; i < 10; i++ {
		r := p.ProcessCycle(verticalSample(5))
		assert.True(t, r.V == 0 && r.H == 0)
		moved = moved || r.Y != 0
	}
	assert.True(t, moved)
}

func TestPipeline_LayerChangeIgnoredWhileDragKeyHeld(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.HandleKeyEvent(KeyDragScroll, true)
	p.HandleLayerChange(LayerStateOf(0))
	assert.Equal(t, ModeScroll, p.Mode())
}

func TestPipeline_ModeExclusivity(t *testing.T) {
	p, _ := newTestPipeline(t)
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 5000; i++ {
		switch rng.Intn(40) {
		case 0:
			p.HandleKeyEvent(KeyDragScroll, true)
		case 1:
			p.HandleKeyEvent(KeyDragScroll, false)
		case 2:
			p.HandleLayerChange(LayerStateOf(rng.Intn(8)))
		}

		before := p.Snapshot()
		r := p.ProcessCycle(Sample{X: float64(rng.Intn(41) - 20), Y: float64(rng.Intn(41) - 20)})
		after := p.Snapshot()

		moveActive := r.X != 0 || r.Y != 0
		scrollActive := r.V != 0 || r.H != 0
		require.False(t, moveActive && scrollActive, "cycle %d: %+v", i, r)

		if before.Mode == ModeScroll {
			require.Zero(t, r.X)
			require.Zero(t, r.Y)

			// 1サイクルで寄与を受けるスクロール累積は高々ひとつ
			contribV := after.ScrollV + float64(r.V) - before.ScrollV
			contribH := after.ScrollH + float64(r.H) - before.ScrollH
			require.False(t, math.Abs(contribV) > 1e-12 && math.Abs(contribH) > 1e-12, "cycle %d", i)
			require.LessOrEqual(t, math.Abs(after.ScrollV), 1.0)
			require.LessOrEqual(t, math.Abs(after.ScrollH), 1.0)
		} else {
			require.Zero(t, r.V)
			require.Zero(t, r.H)
		}
	}
}

func TestPipeline_LeftwardGesture(t *testing.T) {
	p, sink := newTestPipeline(t)
	assert.False(t, p.HandleKeyEvent(KeyGesture, true))
	assert.Equal(t, GestureArmed, p.Snapshot().Gesture)

	for cycle := 1; cycle <= 3; cycle++ {
		p.ProcessCycle(Sample{X: -15})
		assert.Empty(t, sink.actions, "cycle %d", cycle)
	}
	assert.Equal(t, -45.0, p.Snapshot().GestureX)

	p.ProcessCycle(Sample{X: -15})
	assert.Equal(t, []Action{ActionNavigateBack}, sink.actions)
	st := p.Snapshot()
	assert.Equal(t, GestureTriggered, st.Gesture)
	assert.Equal(t, 0.0, st.GestureX)

	for i := 0; i < 20; i++ {
		p.ProcessCycle(Sample{X: -15})
	}
	assert.Len(t, sink.actions, 1)
	assert.Equal(t, 0.0, p.Snapshot().GestureX)

	// モードを入れ直すと再び検出できる
	p.HandleKeyEvent(KeyGesture, false)
	p.SetGestureMode(true)
	for i := 0; i < 3; i++ {
		p.ProcessCycle(Sample{X: 20})
	}
	assert.Equal(t, []Action{ActionNavigateBack, ActionNavigateForward}, sink.actions)
}

func TestPipeline_GestureUsesRawDisplacement(t *testing.T) {
	params := DefaultParams()
	params.RotationDegrees = 180
	sink := &recordingSink{}
	p, err := New(params, sink)
	require.NoError(t, err)

	p.SetGestureMode(true)
	for i := 0; i < 6; i++ {
		p.ProcessCycle(Sample{X: 10})
	}
	assert.Equal(t, []Action{ActionNavigateForward}, sink.actions)
}

func TestPipeline_NilSinkDropsActions(t *testing.T) {
	p, err := New(DefaultParams(), nil)
	require.NoError(t, err)
	p.SetGestureMode(true)
	assert.NotPanics(t, func() {
		p.ProcessCycle(Sample{X: 100})
	})
	assert.Equal(t, GestureTriggered, p.Snapshot().Gesture)
}

func TestPipeline_RejectsNonFiniteSamples(t *testing.T) {
	p, sink := newTestPipeline(t)
	p.SetGestureMode(true)
	p.ProcessCycle(Sample{X: 3, Y: 1})
	before := p.Snapshot()

	for _, s := range []Sample{
		{X: math.NaN()},
		{Y: math.Inf(1)},
		{X: math.Inf(-1), Y: math.NaN()},
	} {
		assert.Equal(t, Report{}, p.ProcessCycle(s))
	}

	after := p.Snapshot()
	assert.Equal(t, uint64(3), after.Rejected)
	after.Rejected = before.Rejected
	assert.Equal(t, before, after)
	assert.Empty(t, sink.actions)
}

func TestPipeline_ClampsLargeSamples(t *testing.T) {
	params := DefaultParams()
	params.MaxRawDelta = 100
	p, err := New(params, nil)
	require.NoError(t, err)
	p.SetGestureMode(true)

	p.ProcessCycle(Sample{X: 1e300})
	st := p.Snapshot()
	assert.False(t, math.IsInf(st.Filter.X, 0))
	assert.InDelta(t, -100*math.Cos(math.Pi/4)*0.3, st.Filter.X, 1e-9)
	assert.Equal(t, GestureTriggered, st.Gesture)
}

func TestPipeline_OtherKeysFallThrough(t *testing.T) {
	p, _ := newTestPipeline(t)
	assert.True(t, p.HandleKeyEvent(KeyOther, true))
	assert.Equal(t, ModeMove, p.Mode())
}

func TestPipeline_Reset(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.HandleKeyEvent(KeyDragScroll, true)
	p.SetGestureMode(true)
	for i := 0; i < 5; i++ {
		p.ProcessCycle(Sample{X: 3, Y: 7})
	}

	p.Reset()
	assert.Equal(t, State{Mode: ModeMove, Gesture: GestureIdle}, p.Snapshot())
}

func TestPipeline_ScrollAxisSelection(t *testing.T) {
	cases := []struct {
		name     string
		smoothed Vector
		wantH    bool
	}{
		// 切り捨てなら 1 対 1 で縦になるが、四捨五入では 2 対 1 で横
		{name: "rounded x wins", smoothed: Vector{X: 1.6, Y: 1.4}, wantH: true},
		{name: "rounded y wins", smoothed: Vector{X: 1.4, Y: 1.6}, wantH: false},
		{name: "negative x wins", smoothed: Vector{X: -2.6, Y: 2.4}, wantH: true},
		{name: "tie after rounding", smoothed: Vector{X: 1.4, Y: 1.2}, wantH: false},
		{name: "exact tie", smoothed: Vector{X: -2.4, Y: 2.4}, wantH: false},
		{name: "both round to zero", smoothed: Vector{X: 0.4, Y: 0.3}, wantH: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPipeline(t)
			p.SetScrollMode(true)

			r := p.routeScroll(tc.smoothed)
			assert.Equal(t, Report{}, r)

			st := p.Snapshot()
			if tc.wantH {
				assert.InDelta(t, 0.02*tc.smoothed.X, st.ScrollH, 1e-12)
				assert.Equal(t, 0.0, st.ScrollV)
			} else {
				assert.InDelta(t, 0.02*tc.smoothed.Y, st.ScrollV, 1e-12)
				assert.Equal(t, 0.0, st.ScrollH)
			}
		})
	}
}

func TestPipeline_Settled(t *testing.T) {
	p, _ := newTestPipeline(t)
	assert.True(t, p.Settled())

	for i := 0; i < 10; i++ {
		p.ProcessCycle(verticalSample(100))
	}
	assert.False(t, p.Settled())

	// ゼロ入力を続けると減衰しきって端数も出力される
	var cycles int
	for !p.Settled() {
		p.ProcessCycle(Sample{})
		cycles++
		require.Less(t, cycles, 1000)
	}
	st := p.Snapshot()
	assert.Less(t, math.Abs(st.Filter.Y), 1e-3)
	assert.Less(t, math.Abs(st.MoveY), 1.0)
}
