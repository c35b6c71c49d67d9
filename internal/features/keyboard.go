package features

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/char5742/keyball-trackball/internal/consts"
)

// KeyEvent はキーの押下/解放
type KeyEvent struct {
	Code    int
	Pressed bool
}

// キーボードからの入力を処理するインターフェース
type Keyboard interface {
	// 前回の呼び出しから変化したキーを返す
	PollEvents() ([]KeyEvent, error)
	Close() error
}

const keyBitsSize = consts.KeyMax/8 + 1

type virtualKeyboard struct {
	*os.File
	prev [keyBitsSize]byte
}

// 監視するデバイスのパスを指定してキーボードを作成する
func CreateKeyboard(path string) (Keyboard, error) {
	// デバイスを読み取り、非ブロッキングモードで開く
	f, err := os.OpenFile(path, syscall.O_RDONLY|syscall.O_NONBLOCK, 0660)
	if err != nil {
		return nil, fmt.Errorf("デバイスファイルを開くのに失敗しました: %w", err)
	}
	return &virtualKeyboard{File: f}, nil
}

func (v *virtualKeyboard) PollEvents() ([]KeyEvent, error) {
	var cur [keyBitsSize]byte
	if err := getKeyBits(v.File, &cur); err != nil {
		return nil, fmt.Errorf("キー状態の取得に失敗しました: %w", err)
	}
	events := diffKeyBits(v.prev[:], cur[:])
	v.prev = cur
	return events, nil
}

func getKeyBits(file *os.File, keyBits *[keyBitsSize]byte) error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		file.Fd(),
		uintptr(consts.EVIOCGKEY),
		uintptr(unsafe.Pointer(&keyBits[0])),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// diffKeyBits は2つのキービットマップを比較し、変化をキーコード順に返す
func diffKeyBits(prev, cur []byte) []KeyEvent {
	var events []KeyEvent
	for byteIndex := range cur {
		changed := prev[byteIndex] ^ cur[byteIndex]
		if changed == 0 {
			continue
		}
		for bitIndex := 0; bitIndex < 8; bitIndex++ {
			if changed&(1<<bitIndex) == 0 {
				continue
			}
			events = append(events, KeyEvent{
				Code:    byteIndex*8 + bitIndex,
				Pressed: cur[byteIndex]&(1<<bitIndex) != 0,
			})
		}
	}
	return events
}
