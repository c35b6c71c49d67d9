package features

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoDevice は条件に合うデバイスが見つからないことを表す
var ErrNoDevice = errors.New("no matching input device")

// 入力デバイスの by-id ディレクトリ
const DefaultDeviceDir = "/dev/input/by-id"

type Device struct {
	Name string     `json:"name"`
	Path string     `json:"path"`
	Type DeviceType `json:"type"`
}

// デバイスタイプを表す列挙型
type DeviceType int

const (
	DeviceTypeKeyboard DeviceType = iota
	DeviceTypeMouse
)

func (t DeviceType) String() string {
	if t == DeviceTypeMouse {
		return "mouse"
	}
	return "keyboard"
}

func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// DeviceEventType はデバイスイベントの種類を表す
type DeviceEventType int

const (
	DeviceAdded DeviceEventType = iota
	DeviceRemoved
	DeviceChanged
)

func (t DeviceEventType) String() string {
	switch t {
	case DeviceAdded:
		return "added"
	case DeviceRemoved:
		return "removed"
	default:
		return "changed"
	}
}

// DeviceEvent はデバイスの変更イベントを表す
type DeviceEvent struct {
	Type   DeviceEventType
	Device Device
}

// DeviceCallback はデバイスイベント発生時に呼び出されるコールバック関数の型
type DeviceCallback func(event DeviceEvent)

// ScanDevices は /dev/input/by-id から現在接続されているデバイスを検出する
func ScanDevices() ([]Device, error) {
	return ScanDevicesIn(DefaultDeviceDir)
}

// ScanDevicesIn は dir 以下の by-id 形式のリンクからデバイスを検出する
func ScanDevicesIn(dir string) ([]Device, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var devices []Device
	for _, entry := range entries {
		// eventが含まれない場合はスキップ
		if !strings.Contains(entry.Name(), "event") {
			continue
		}
		typ, ok := classifyDevice(entry.Name())
		if !ok {
			continue
		}
		fullPath := filepath.Join(dir, entry.Name())
		realPath, err := os.Readlink(fullPath)
		if err != nil {
			continue
		}

		// 絶対パスを構築
		absPath := realPath
		if !filepath.IsAbs(realPath) {
			absPath = filepath.Clean(filepath.Join(dir, realPath))
		}
		devices = append(devices, Device{Name: entry.Name(), Path: absPath, Type: typ})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

// classifyDevice は by-id のエントリ名からデバイスタイプを判定する
func classifyDevice(name string) (DeviceType, bool) {
	switch {
	case strings.Contains(name, "kbd"):
		return DeviceTypeKeyboard, true
	case strings.Contains(name, "mouse"):
		return DeviceTypeMouse, true
	default:
		return 0, false
	}
}

// SelectDevice は preferred と名前が一致するデバイスを優先し、
// なければ指定タイプの最初のデバイスを返す
func SelectDevice(devices []Device, typ DeviceType, preferred string) (Device, error) {
	var fallback *Device
	for i := range devices {
		d := devices[i]
		if d.Type != typ {
			continue
		}
		if preferred != "" && d.Name == preferred {
			return d, nil
		}
		if fallback == nil {
			fallback = &devices[i]
		}
	}
	if fallback == nil {
		return Device{}, ErrNoDevice
	}
	return *fallback, nil
}

// DeviceMonitor はデバイスの接続状態を監視する構造体
type DeviceMonitor struct {
	logger    *slog.Logger
	dir       string
	watcher   *fsnotify.Watcher
	callbacks []DeviceCallback
	devices   map[string]Device // 名前をキーにしたデバイスマップ
	mutex     sync.RWMutex
	stopChan  chan struct{}
	doneChan  chan struct{}
	isRunning bool

	debounce     time.Duration
	rescanPeriod time.Duration
}

// NewDeviceMonitor は dir を監視する DeviceMonitor を作成する
func NewDeviceMonitor(logger *slog.Logger, dir string) (*DeviceMonitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DeviceMonitor{
		logger:       logger,
		dir:          dir,
		watcher:      watcher,
		devices:      make(map[string]Device),
		debounce:     500 * time.Millisecond,
		rescanPeriod: 5 * time.Second,
	}, nil
}

// RegisterCallback はデバイスイベントのコールバック関数を登録する
func (dm *DeviceMonitor) RegisterCallback(callback DeviceCallback) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	dm.callbacks = append(dm.callbacks, callback)
}

// Start はデバイスの監視を開始する
func (dm *DeviceMonitor) Start() error {
	dm.mutex.Lock()
	if dm.isRunning {
		dm.mutex.Unlock()
		return nil
	}
	dm.isRunning = true
	dm.stopChan = make(chan struct{})
	dm.doneChan = make(chan struct{})
	dm.mutex.Unlock()

	// by-id はデバイスが無いと存在しないので親も監視する
	for _, dir := range []string{filepath.Dir(dm.dir), dm.dir} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := dm.watcher.Add(dir); err != nil {
			dm.logger.Warn("ディレクトリの監視に失敗しました", "dir", dir, "error", err)
		}
	}

	dm.Rescan()
	go dm.watchEvents()
	dm.logger.Info("デバイスモニターを開始しました", "dir", dm.dir)
	return nil
}

// Stop はデバイスの監視を停止する
func (dm *DeviceMonitor) Stop() {
	dm.mutex.Lock()
	if !dm.isRunning {
		dm.mutex.Unlock()
		return
	}
	dm.isRunning = false
	close(dm.stopChan)
	dm.mutex.Unlock()

	<-dm.doneChan
	_ = dm.watcher.Close()
	dm.logger.Info("デバイスモニターを停止しました")
}

// Rescan はデバイス一覧を再スキャンし、差分を通知する
func (dm *DeviceMonitor) Rescan() {
	devices, err := ScanDevicesIn(dm.dir)
	if err != nil && !os.IsNotExist(err) {
		dm.logger.Warn("デバイス再スキャンに失敗しました", "error", err)
		return
	}
	dm.updateDeviceList(devices)
}

// GetConnectedDevices は現在接続されているデバイスのスナップショットを返す
func (dm *DeviceMonitor) GetConnectedDevices() []Device {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	devices := make([]Device, 0, len(dm.devices))
	for _, device := range dm.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices
}

// updateDeviceList は現在のデバイス一覧を更新し、変更があれば通知する
func (dm *DeviceMonitor) updateDeviceList(newDevices []Device) {
	var events []DeviceEvent

	dm.mutex.Lock()
	seen := make(map[string]bool, len(newDevices))
	for _, device := range newDevices {
		seen[device.Name] = true
		old, exists := dm.devices[device.Name]
		switch {
		case !exists:
			events = append(events, DeviceEvent{Type: DeviceAdded, Device: device})
		case old.Path != device.Path:
			events = append(events, DeviceEvent{Type: DeviceChanged, Device: device})
		default:
			continue
		}
		dm.devices[device.Name] = device
	}
	for name, device := range dm.devices {
		if !seen[name] {
			events = append(events, DeviceEvent{Type: DeviceRemoved, Device: device})
			delete(dm.devices, name)
		}
	}
	callbacks := append([]DeviceCallback(nil), dm.callbacks...)
	dm.mutex.Unlock()

	// ロックを解放した状態でコールバックを呼び出す
	for _, ev := range events {
		dm.logger.Info("デバイスイベント", "type", ev.Type.String(), "name", ev.Device.Name, "path", ev.Device.Path)
		for _, cb := range callbacks {
			cb(ev)
		}
	}
}

// watchEvents はfsnotifyのイベントを監視する
// 連続したイベントは debounce の間まとめてから再スキャンする
func (dm *DeviceMonitor) watchEvents() {
	defer close(dm.doneChan)

	eventTimer := time.NewTimer(dm.debounce)
	eventTimer.Stop()
	ticker := time.NewTicker(dm.rescanPeriod)
	defer ticker.Stop()
	pendingRescan := false

	for {
		select {
		case <-dm.stopChan:
			eventTimer.Stop()
			return

		case <-eventTimer.C:
			pendingRescan = false
			dm.Rescan()

		case <-ticker.C:
			dm.Rescan()

		case event, ok := <-dm.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			dm.logger.Debug("ファイルシステムイベント", "op", event.Op.String(), "name", event.Name)

			// by-id が後から作られた場合は監視に加える
			if event.Name == dm.dir && event.Op&fsnotify.Create != 0 {
				if err := dm.watcher.Add(dm.dir); err != nil {
					dm.logger.Warn("ディレクトリの監視に失敗しました", "dir", dm.dir, "error", err)
				}
			}
			if !pendingRescan {
				pendingRescan = true
				eventTimer.Reset(dm.debounce)
			}

		case err, ok := <-dm.watcher.Errors:
			if !ok {
				return
			}
			dm.logger.Warn("ファイルシステム監視エラー", "error", err)
		}
	}
}
