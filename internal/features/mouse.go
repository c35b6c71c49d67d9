package features

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/char5742/keyball-trackball/internal/consts"
	"github.com/char5742/keyball-trackball/internal/motion"
	"github.com/char5742/keyball-trackball/internal/types"
	"github.com/char5742/keyball-trackball/internal/utils"
)

// ButtonChange はボタンの押下/解放
type ButtonChange struct {
	Code    uint16
	Pressed bool
}

// Frame は SYN_REPORT で区切られた1ポーリングサイクル分の入力
type Frame struct {
	Sample  motion.Sample
	Wheel   int32
	HWheel  int32
	Buttons []ButtonChange
}

// トラックボール入力を扱うインターフェース
type Trackball interface {
	// 1サイクル分の入力を読み取る。ctx がキャンセルされるまでブロックする
	ReadFrame(ctx context.Context) (Frame, error)
	// マウス操作を専有する
	Grab() error
	// マウス操作の専有を解除する
	Release() error
	Close() error
}

// ポーリングの待ち時間。キャンセルに気付くまでの最大遅延になる
const pollTimeout = 20 * time.Millisecond

type trackball struct {
	file      *os.File
	grabbed   bool
	assembler frameAssembler
	buf       []byte
	pending   []types.Event
}

// 指定されたパスでトラックボールを開く
func CreateTrackball(path string) (Trackball, error) {
	f, err := os.OpenFile(path, syscall.O_RDONLY|syscall.O_NONBLOCK, 0660)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file: %w", err)
	}
	return &trackball{file: f, buf: make([]byte, types.EventSize*64)}, nil
}

func (m *trackball) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		for len(m.pending) > 0 {
			ev := m.pending[0]
			m.pending = m.pending[1:]
			if frame, ok := m.assembler.push(ev); ok {
				return frame, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		// ランタイムのポーラーに載っている場合はデッドラインで定期的に起きる
		_ = m.file.SetReadDeadline(time.Now().Add(pollTimeout))
		n, err := m.file.Read(m.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, syscall.EAGAIN) {
				if err := m.wait(); err != nil {
					return Frame{}, err
				}
				continue
			}
			return Frame{}, fmt.Errorf("failed to read device: %w", err)
		}

		for off := 0; off+types.EventSize <= n; off += types.EventSize {
			if ev, ok := types.DecodeEvent(m.buf[off : off+types.EventSize]); ok {
				m.pending = append(m.pending, ev)
			}
		}
	}
}

// wait はデバイスが読み取り可能になるか、タイムアウトするまで待つ
func (m *trackball) wait() error {
	fds := []unix.PollFd{{Fd: int32(m.file.Fd()), Events: unix.POLLIN}}
	_, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("poll: %w", err)
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		return fmt.Errorf("device error/hangup: %s", m.file.Name())
	}
	return nil
}

func (m *trackball) Grab() error {
	if m.grabbed {
		return nil
	}
	if err := utils.IOCtl(m.file, consts.EVIOCGRAB, 1); err != nil {
		return fmt.Errorf("failed to grab device: %w", err)
	}
	m.grabbed = true
	return nil
}

func (m *trackball) Release() error {
	if !m.grabbed {
		return nil
	}
	if err := utils.IOCtl(m.file, consts.EVIOCGRAB, 0); err != nil {
		return fmt.Errorf("failed to release device: %w", err)
	}
	m.grabbed = false
	return nil
}

func (m *trackball) Close() error {
	_ = m.Release()
	return m.file.Close()
}

// frameAssembler は evdev のイベント列を SYN_REPORT ごとの Frame にまとめる
type frameAssembler struct {
	frame    Frame
	dropping bool
}

func (a *frameAssembler) push(ev types.Event) (Frame, bool) {
	switch ev.Type {
	case consts.Syn:
		switch ev.Code {
		case consts.SynDropped:
			// 次の SYN_REPORT までのイベントは不完全なので捨てる
			a.frame = Frame{}
			a.dropping = true
		case consts.SynReport:
			if a.dropping {
				a.dropping = false
				a.frame = Frame{}
				return Frame{}, false
			}
			out := a.frame
			a.frame = Frame{}
			return out, true
		}
	case consts.Rel:
		if a.dropping {
			return Frame{}, false
		}
		switch ev.Code {
		case consts.RelX:
			a.frame.Sample.X += float64(ev.Value)
		case consts.RelY:
			a.frame.Sample.Y += float64(ev.Value)
		case consts.RelWheel:
			a.frame.Wheel += ev.Value
		case consts.RelHWheel:
			a.frame.HWheel += ev.Value
		}
	case consts.Key:
		if a.dropping || ev.Value == consts.KeyRepeat {
			return Frame{}, false
		}
		a.frame.Buttons = append(a.frame.Buttons, ButtonChange{Code: ev.Code, Pressed: ev.Value == consts.KeyPress})
	}
	return Frame{}, false
}
