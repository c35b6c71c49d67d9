package types

import (
	"encoding/binary"
	"syscall"
)

// Event は入力イベントを表す構造体
type Event struct {
	Time  syscall.Timeval // イベント発生時刻
	Type  uint16          // イベントタイプ
	Code  uint16          // イベントコード
	Value int32           // イベント値
}

// EventSize は input_event 1件のバイト数
var EventSize = binary.Size(Event{})

// DecodeEvent はリトルエンディアンのバイト列から Event を復元する
func DecodeEvent(buf []byte) (Event, bool) {
	var e Event
	if len(buf) < EventSize {
		return e, false
	}
	e.Time.Sec = int64(binary.LittleEndian.Uint64(buf[0:8]))
	e.Time.Usec = int64(binary.LittleEndian.Uint64(buf[8:16]))
	e.Type = binary.LittleEndian.Uint16(buf[16:18])
	e.Code = binary.LittleEndian.Uint16(buf[18:20])
	e.Value = int32(binary.LittleEndian.Uint32(buf[20:24]))
	return e, true
}
