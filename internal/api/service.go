package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/char5742/keyball-trackball/internal/config"
	"github.com/char5742/keyball-trackball/internal/features"
	"github.com/char5742/keyball-trackball/internal/motion"
	"github.com/char5742/keyball-trackball/internal/stream"
)

// ErrNotRunning はサービスが停止中であることを表す
var ErrNotRunning = errors.New("service is not running")

// ErrAlreadyRunning はサービスが既に実行中であることを表す
var ErrAlreadyRunning = errors.New("service is already running")

// EventPublisher はパイプラインのイベントを外部へ送る
type EventPublisher interface {
	Publish(typ string, data any)
}

// DeviceProvider は入出力デバイスを用意する
type DeviceProvider interface {
	OpenInputs(cfg *config.Config) (features.Trackball, features.Keyboard, error)
	OpenPointer(cfg *config.Config) (features.Pointer, error)
	// Watch はデバイスの接続を監視し、停止用の関数を返す
	Watch(cb features.DeviceCallback) (func(), error)
}

const (
	// 1ポーリングサイクルの間隔。キーの読み取りとパイプラインの実行はこの周期で行う
	cycleInterval = 5 * time.Millisecond
	reattachRetry = 2 * time.Second
)

// Status はサービスの状態
type Status struct {
	Running  bool          `json:"running"`
	Attached bool          `json:"attached"`
	State    *motion.State `json:"state,omitempty"`
}

// GestureEvent はジェスチャー検出の通知内容
type GestureEvent struct {
	Action string `json:"action"`
	Combo  []int  `json:"combo"`
}

// TrackballService はトラックボールの入力を処理して仮想マウスへ出力するサービス
type TrackballService struct {
	logger  *slog.Logger
	devices DeviceProvider

	pubMutex   sync.RWMutex
	publishers []EventPublisher

	cfgMutex sync.RWMutex
	cfg      *config.Config

	statusMutex sync.RWMutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	pipeline atomic.Pointer[motion.Pipeline]
	pointer  features.Pointer
	attached atomic.Bool
	reattach chan struct{}
}

// NewTrackballService は新しいサービスを作成する
func NewTrackballService(logger *slog.Logger, cfg *config.Config, devices DeviceProvider, publishers ...EventPublisher) *TrackballService {
	return &TrackballService{
		logger:     logger,
		devices:    devices,
		publishers: append([]EventPublisher(nil), publishers...),
		cfg:        cfg,
		reattach:   make(chan struct{}, 1),
	}
}

func (s *TrackballService) config() *config.Config {
	s.cfgMutex.RLock()
	defer s.cfgMutex.RUnlock()
	return s.cfg
}

// Start はデバイスを開いて処理ループを開始する
func (s *TrackballService) Start() error {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	cfg := s.config()
	pointer, err := s.devices.OpenPointer(cfg)
	if err != nil {
		return fmt.Errorf("仮想マウスの作成に失敗しました: %w", err)
	}

	pipeline, err := s.buildPipeline(cfg, pointer)
	if err != nil {
		_ = pointer.Close()
		return err
	}

	trackball, keyboard, err := s.devices.OpenInputs(cfg)
	if err != nil {
		_ = pointer.Close()
		return fmt.Errorf("入力デバイスのオープンに失敗しました: %w", err)
	}

	stopWatch, err := s.devices.Watch(s.onDeviceEvent)
	if err != nil {
		// 監視できなくても定期的な再試行で復帰できる
		s.logger.Warn("デバイス監視の開始に失敗しました", "error", err)
		stopWatch = func() {}
	}

	s.pointer = pointer
	s.pipeline.Store(pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		defer stopWatch()
		defer pointer.Close()
		s.supervise(ctx, trackball, keyboard)
	}()

	s.logger.Info("トラックボールサービスを開始しました")
	return nil
}

// Stop は処理ループを停止し、デバイスを閉じるまで待つ
func (s *TrackballService) Stop() error {
	s.statusMutex.Lock()
	if !s.running {
		s.statusMutex.Unlock()
		return ErrNotRunning
	}
	s.cancel()
	done := s.done
	s.running = false
	s.statusMutex.Unlock()

	<-done
	s.pipeline.Store(nil)
	s.logger.Info("トラックボールサービスを停止しました")
	return nil
}

// IsRunning はサービスが実行中かどうかを返す
func (s *TrackballService) IsRunning() bool {
	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()
	return s.running
}

// Status はサービスとパイプラインの状態を返す
func (s *TrackballService) Status() Status {
	st := Status{Running: s.IsRunning(), Attached: s.attached.Load()}
	if p := s.pipeline.Load(); p != nil && st.Running {
		snap := p.Snapshot()
		st.State = &snap
	}
	return st
}

// UpdateConfig は設定を差し替える
// 実行中の場合は新しいパラメータでパイプラインを作り直す
func (s *TrackballService) UpdateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfgMutex.Lock()
	s.cfg = cfg
	s.cfgMutex.Unlock()

	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()
	if !s.running {
		return nil
	}
	pipeline, err := s.buildPipeline(cfg, s.pointer)
	if err != nil {
		return err
	}
	s.pipeline.Store(pipeline)
	s.logger.Info("設定を更新しました")
	s.publish(stream.TypeMode, pipeline.Mode())
	return nil
}

// HandleLayerChange はキーボードからのレイヤー変更を反映する
func (s *TrackballService) HandleLayerChange(state motion.LayerState) error {
	return s.withPipeline(func(p *motion.Pipeline) {
		p.HandleLayerChange(state)
	})
}

// SetScrollMode はスクロールモードを直接切り替える
func (s *TrackballService) SetScrollMode(enabled bool) error {
	return s.withPipeline(func(p *motion.Pipeline) {
		p.SetScrollMode(enabled)
	})
}

// SetGestureMode はジェスチャーモードを切り替える
func (s *TrackballService) SetGestureMode(enabled bool) error {
	return s.withPipeline(func(p *motion.Pipeline) {
		p.SetGestureMode(enabled)
	})
}

// withPipeline は fn の前後でモードが変わった場合に通知する
func (s *TrackballService) withPipeline(fn func(p *motion.Pipeline)) error {
	p := s.pipeline.Load()
	if p == nil || !s.IsRunning() {
		return ErrNotRunning
	}
	before := p.Mode()
	fn(p)
	if after := p.Mode(); after != before {
		s.publish(stream.TypeMode, after)
	}
	return nil
}

// AddPublisher はイベントの送信先を追加する
func (s *TrackballService) AddPublisher(pub EventPublisher) {
	s.pubMutex.Lock()
	defer s.pubMutex.Unlock()
	s.publishers = append(s.publishers, pub)
}

func (s *TrackballService) publish(typ string, data any) {
	s.pubMutex.RLock()
	defer s.pubMutex.RUnlock()
	for _, pub := range s.publishers {
		pub.Publish(typ, data)
	}
}

// buildPipeline はジェスチャー検出時に pointer へキーを送るパイプラインを作成する
// シンクはパイプラインのロック内で呼ばれる
func (s *TrackballService) buildPipeline(cfg *config.Config, pointer features.Pointer) (*motion.Pipeline, error) {
	combos := map[motion.Action][]int{
		motion.ActionNavigateBack:    append([]int(nil), cfg.Gesture.BackCombo...),
		motion.ActionNavigateForward: append([]int(nil), cfg.Gesture.ForwardCombo...),
	}
	sink := motion.ActionSinkFunc(func(action motion.Action) {
		combo := combos[action]
		if err := pointer.Tap(combo); err != nil {
			s.logger.Warn("ジェスチャーのキー送信に失敗しました", "action", action.String(), "error", err)
		}
		s.logger.Debug("ジェスチャーを検出しました", "action", action.String())
		s.publish(stream.TypeGesture, GestureEvent{Action: action.String(), Combo: combo})
	})
	pipeline, err := motion.New(cfg.MotionParams(), sink)
	if err != nil {
		return nil, fmt.Errorf("パイプラインの作成に失敗しました: %w", err)
	}
	return pipeline, nil
}

func (s *TrackballService) onDeviceEvent(ev features.DeviceEvent) {
	if ev.Type == features.DeviceRemoved {
		return
	}
	select {
	case s.reattach <- struct{}{}:
	default:
	}
}

// supervise はデバイスが外れた場合に再接続を待って処理を続ける
func (s *TrackballService) supervise(ctx context.Context, trackball features.Trackball, keyboard features.Keyboard) {
	for {
		s.attached.Store(true)
		err := s.runLoop(ctx, trackball, keyboard)
		s.attached.Store(false)
		_ = trackball.Close()
		_ = keyboard.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("入力デバイスが切断されました。再接続を待ちます", "error", err)

		// 押しっぱなしのキーは解放されたものとして扱う
		_ = s.withPipeline(func(p *motion.Pipeline) {
			p.HandleKeyEvent(motion.KeyDragScroll, false)
			p.HandleKeyEvent(motion.KeyGesture, false)
		})

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.reattach:
			case <-time.After(reattachRetry):
			}
			trackball, keyboard, err = s.devices.OpenInputs(s.config())
			if err == nil {
				s.logger.Info("入力デバイスに再接続しました")
				break
			}
			s.logger.Debug("再接続に失敗しました", "error", err)
		}
	}
}

// runLoop は cycleInterval ごとに1ポーリングサイクル分の処理を行う
// デバイスの読み取りに失敗すると戻る
func (s *TrackballService) runLoop(ctx context.Context, trackball features.Trackball, keyboard features.Keyboard) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := trackball.Grab(); err != nil {
		return err
	}

	frames := make(chan features.Frame, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := trackball.ReadFrame(loopCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-loopCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	// サイクルの間に届いたフレームはまとめて次のサイクルで処理する
	var (
		pending    features.Frame
		hasPending bool
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case frame := <-frames:
			pending = mergeFrames(pending, frame)
			hasPending = true
		case <-ticker.C:
			if err := s.pollKeys(keyboard); err != nil {
				return err
			}
			// 入力が無くても平滑化の減衰が終わるまではゼロ入力のサイクルを回す
			if !hasPending && s.settled() {
				continue
			}
			if err := s.processFrame(pending); err != nil {
				s.logger.Warn("仮想マウスへの書き込みに失敗しました", "error", err)
			}
			pending, hasPending = features.Frame{}, false
		}
	}
}

func mergeFrames(acc, frame features.Frame) features.Frame {
	acc.Sample.X += frame.Sample.X
	acc.Sample.Y += frame.Sample.Y
	acc.Wheel += frame.Wheel
	acc.HWheel += frame.HWheel
	acc.Buttons = append(acc.Buttons, frame.Buttons...)
	return acc
}

func (s *TrackballService) settled() bool {
	p := s.pipeline.Load()
	return p == nil || p.Settled()
}

func (s *TrackballService) pollKeys(keyboard features.Keyboard) error {
	events, err := keyboard.PollEvents()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	cfg := s.config()
	return s.withPipeline(func(p *motion.Pipeline) {
		for _, ev := range events {
			p.HandleKeyEvent(keyID(cfg, ev.Code), ev.Pressed)
		}
	})
}

func keyID(cfg *config.Config, code int) motion.KeyID {
	switch code {
	case cfg.Input.DragScrollKey:
		return motion.KeyDragScroll
	case cfg.Input.GestureKey:
		return motion.KeyGesture
	default:
		return motion.KeyOther
	}
}

func (s *TrackballService) processFrame(frame features.Frame) error {
	p := s.pipeline.Load()
	if p == nil {
		return ErrNotRunning
	}
	report := p.ProcessCycle(frame.Sample)
	if err := s.pointer.Buttons(frame.Buttons); err != nil {
		return err
	}
	if err := s.pointer.Report(report, frame.Wheel, frame.HWheel); err != nil {
		return err
	}
	if !report.IsZero() {
		s.publish(stream.TypeReport, report)
	}
	return nil
}

// EvdevDevices は /dev/input と /dev/uinput を使う DeviceProvider
type EvdevDevices struct {
	Logger     *slog.Logger
	DeviceDir  string
	UinputPath string
}

func (d EvdevDevices) dir() string {
	if d.DeviceDir == "" {
		return features.DefaultDeviceDir
	}
	return d.DeviceDir
}

func (d EvdevDevices) OpenInputs(cfg *config.Config) (features.Trackball, features.Keyboard, error) {
	devices, err := features.ScanDevicesIn(d.dir())
	if err != nil {
		return nil, nil, fmt.Errorf("デバイス一覧の取得に失敗しました: %w", err)
	}

	mouseDevice, err := features.SelectDevice(devices, features.DeviceTypeMouse, cfg.DevicePrefs.PreferredMouseDevice)
	if err != nil {
		return nil, nil, fmt.Errorf("マウスデバイスが見つかりませんでした: %w", err)
	}
	keyboardDevice, err := features.SelectDevice(devices, features.DeviceTypeKeyboard, cfg.DevicePrefs.PreferredKeyboardDevice)
	if err != nil {
		return nil, nil, fmt.Errorf("キーボードデバイスが見つかりませんでした: %w", err)
	}

	d.Logger.Info("使用するデバイス", "keyboard", keyboardDevice.Name, "mouse", mouseDevice.Name)

	trackball, err := features.CreateTrackball(mouseDevice.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("マウスデバイスのオープンに失敗しました[path=%s]: %w", mouseDevice.Path, err)
	}
	keyboard, err := features.CreateKeyboard(keyboardDevice.Path)
	if err != nil {
		_ = trackball.Close()
		return nil, nil, fmt.Errorf("キーボードデバイスのオープンに失敗しました[path=%s]: %w", keyboardDevice.Path, err)
	}
	return trackball, keyboard, nil
}

func (d EvdevDevices) OpenPointer(cfg *config.Config) (features.Pointer, error) {
	path := d.UinputPath
	if path == "" {
		path = "/dev/uinput"
	}
	keys := append(append([]int(nil), cfg.Gesture.BackCombo...), cfg.Gesture.ForwardCombo...)
	return features.CreatePointer(path, []byte("keyball-trackball"), keys)
}

func (d EvdevDevices) Watch(cb features.DeviceCallback) (func(), error) {
	monitor, err := features.NewDeviceMonitor(d.Logger, d.dir())
	if err != nil {
		return nil, err
	}
	monitor.RegisterCallback(cb)
	if err := monitor.Start(); err != nil {
		return nil, err
	}
	return monitor.Stop, nil
}
