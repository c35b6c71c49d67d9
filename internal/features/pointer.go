package features

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/char5742/keyball-trackball/internal/consts"
	"github.com/char5742/keyball-trackball/internal/motion"
	"github.com/char5742/keyball-trackball/internal/types"
	"github.com/char5742/keyball-trackball/internal/utils"
)

// 相対座標出力デバイスを表現するインターフェース
type Pointer interface {
	// パイプラインの出力とホイールの素通し分を1つのレポートとして書き込む
	Report(r motion.Report, wheel, hwheel int32) error
	// ボタンの変化を書き込む
	Buttons(changes []ButtonChange) error
	// キーの組み合わせを押して離す
	Tap(combo []int) error
	io.Closer
}

type virtualPointer struct {
	name       []byte
	deviceFile *os.File
}

// 新しい仮想マウスデバイスを作成する
// keys には Tap で使うキーコードを渡す
func CreatePointer(path string, name []byte, keys []int) (Pointer, error) {
	fd, err := createPointer(path, name, keys)
	if err != nil {
		return nil, err
	}
	return &virtualPointer{name: name, deviceFile: fd}, nil
}

func (vp *virtualPointer) Close() error {
	_ = releaseDevice(vp.deviceFile)
	return vp.deviceFile.Close()
}

func createPointer(path string, name []byte, keys []int) (*os.File, error) {
	deviceFile, err := createDeviceFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not create relative axis input device: %v", err)
	}

	// キー入力イベント(EV_KEY)を登録する
	// マウスボタンとジェスチャー用のキーを出力するために必要
	err = registerDevice(deviceFile, uintptr(consts.Key))
	if err != nil {
		return nil, fmt.Errorf("キー入力イベント(EV_KEY)の登録に失敗しました: %v", err)
	}

	for _, ev := range append(append([]int{}, consts.MouseButtons...), keys...) {
		if err = utils.IOCtl(deviceFile, consts.SetKeyBit, uintptr(ev)); err != nil {
			_ = deviceFile.Close()
			return nil, fmt.Errorf("キー入力種別の登録に失敗しました %v: %v", ev, err)
		}
	}

	// 相対座標入力イベント(EV_REL)を登録する
	err = registerDevice(deviceFile, uintptr(consts.Rel))
	if err != nil {
		return nil, fmt.Errorf("相対座標入力イベント(EV_REL)の登録に失敗しました: %v", err)
	}

	for _, ev := range []int{
		consts.RelX,      // X軸の移動
		consts.RelY,      // Y軸の移動
		consts.RelWheel,  // 垂直スクロール
		consts.RelHWheel, // 水平スクロール
	} {
		if err = utils.IOCtl(deviceFile, consts.SetRelBit, uintptr(ev)); err != nil {
			_ = deviceFile.Close()
			return nil, fmt.Errorf("相対座標軸の登録に失敗しました %v: %v", ev, err)
		}
	}

	if err := utils.IOCtl(deviceFile, consts.SetPropBit, uintptr(consts.PropPointer)); err != nil {
		_ = deviceFile.Close()
		return nil, fmt.Errorf("ポインターデバイスプロパティの設定に失敗しました: %v", err)
	}

	userDev := types.UserDev{
		Name: toUinputName(name),
		ID: types.InputID{
			Bustype: consts.BusUsb,
			Vendor:  0x4711,
			Product: 0x0818,
			Version: 1,
		},
	}

	fd, err := createUsbDevice(deviceFile, userDev)
	if err != nil {
		return nil, fmt.Errorf("USBデバイスの作成に失敗しました: %v", err)
	}

	return fd, nil
}

func (vp *virtualPointer) Report(r motion.Report, wheel, hwheel int32) error {
	events := reportEvents(r, wheel, hwheel)
	if len(events) == 0 {
		return nil
	}
	return writeEvents(vp.deviceFile, events)
}

func (vp *virtualPointer) Buttons(changes []ButtonChange) error {
	if len(changes) == 0 {
		return nil
	}
	return writeEvents(vp.deviceFile, buttonEvents(changes))
}

func (vp *virtualPointer) Tap(combo []int) error {
	return writeEvents(vp.deviceFile, tapEvents(combo))
}

// reportEvents は値が0の軸を省いたイベント列を作る
// 全ての軸が0なら空を返す
func reportEvents(r motion.Report, wheel, hwheel int32) []types.Event {
	var events []types.Event
	add := func(code uint16, v int32) {
		if v != 0 {
			events = append(events, types.Event{Type: consts.Rel, Code: code, Value: v})
		}
	}
	add(consts.RelX, int32(r.X))
	add(consts.RelY, int32(r.Y))
	add(consts.RelWheel, int32(r.V)+wheel)
	add(consts.RelHWheel, int32(r.H)+hwheel)
	if len(events) == 0 {
		return nil
	}
	return append(events, synReport())
}

func buttonEvents(changes []ButtonChange) []types.Event {
	events := make([]types.Event, 0, len(changes)+1)
	for _, c := range changes {
		events = append(events, keyEvent(int(c.Code), c.Pressed))
	}
	return append(events, synReport())
}

// tapEvents は combo を順に押し、逆順に離す
func tapEvents(combo []int) []types.Event {
	events := make([]types.Event, 0, len(combo)*2+2)
	for _, code := range combo {
		events = append(events, keyEvent(code, true))
	}
	events = append(events, synReport())
	for i := len(combo) - 1; i >= 0; i-- {
		events = append(events, keyEvent(combo[i], false))
	}
	return append(events, synReport())
}

func keyEvent(code int, pressed bool) types.Event {
	ev := types.Event{Type: consts.Key, Code: uint16(code), Value: consts.KeyRelease}
	if pressed {
		ev.Value = consts.KeyPress
	}
	return ev
}

func synReport() types.Event {
	return types.Event{Type: consts.Syn, Code: consts.SynReport, Value: 0}
}

// デバイスファイルを作成する
func createDeviceFile(path string) (fd *os.File, err error) {
	deviceFile, err := os.OpenFile(path, syscall.O_WRONLY|syscall.O_NONBLOCK, 0660)
	if err != nil {
		return nil, errors.New("デバイスファイルを開くのに失敗しました")
	}
	return deviceFile, err
}

// デバイスを解放する
func releaseDevice(deviceFile *os.File) error {
	return utils.IOCtl(deviceFile, consts.DevDestroy, uintptr(0))
}

// デバイスを登録する
// 失敗した場合 deviceFile は閉じられる
func registerDevice(deviceFile *os.File, evType uintptr) error {
	err := utils.IOCtl(deviceFile, consts.SetEvBit, evType)
	if err != nil {
		defer deviceFile.Close()
		if rerr := releaseDevice(deviceFile); rerr != nil {
			return fmt.Errorf("デバイスを解放するのに失敗しました: %v", rerr)
		}
		return fmt.Errorf("無効なファイルハンドルがutils.IOCtlから返されました: %v", err)
	}
	return nil
}

// USBデバイスを作成する
func createUsbDevice(deviceFile *os.File, dev types.UserDev) (fd *os.File, err error) {
	buf := new(bytes.Buffer)
	err = binary.Write(buf, binary.LittleEndian, dev)
	if err != nil {
		_ = deviceFile.Close()
		return nil, fmt.Errorf("ユーザーデバイスバッファの書き込みに失敗しました: %v", err)
	}
	_, err = deviceFile.Write(buf.Bytes())
	if err != nil {
		_ = deviceFile.Close()
		return nil, fmt.Errorf("デバイス構造体をデバイスファイルに書き込むのに失敗しました: %v", err)
	}

	err = utils.IOCtl(deviceFile, consts.DevCreate, uintptr(0))
	if err != nil {
		_ = deviceFile.Close()
		return nil, fmt.Errorf("デバイスの作成に失敗しました: %v", err)
	}

	return deviceFile, err
}

// イベントをまとめて書き込む
func writeEvents(w io.Writer, events []types.Event) error {
	buf := new(bytes.Buffer)
	for _, ev := range events {
		if err := binary.Write(buf, binary.LittleEndian, ev); err != nil {
			return fmt.Errorf("イベントをバッファに書き込むのに失敗しました: %v", err)
		}
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("イベントの書き込みに失敗しました: %v", err)
	}
	return nil
}

// 名前をuinput用の固定長配列に変換する
func toUinputName(name []byte) (uinputName [consts.MaxNameSize]byte) {
	copy(uinputName[:], name)
	return uinputName
}
