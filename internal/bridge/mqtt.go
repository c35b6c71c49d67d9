// Package bridge はキーボード側とのレイヤー状態の受け渡しを MQTT で行う
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/char5742/keyball-trackball/internal/config"
	"github.com/char5742/keyball-trackball/internal/motion"
)

// ErrInvalidPayload はレイヤー通知の形式が不正であることを表す
var ErrInvalidPayload = errors.New("invalid layer payload")

// LayerHandler はレイヤー変更を受け取る
type LayerHandler func(state motion.LayerState)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = time.Second
	disconnectWait = 250 // ms
)

// Bridge は layer_topic を購読し、event_topic へイベントを送る
type Bridge struct {
	logger  *slog.Logger
	cfg     config.MQTTConfig
	client  mqtt.Client
	onLayer LayerHandler
}

// New は Bridge を作成する。Connect を呼ぶまでは接続しない
func New(logger *slog.Logger, cfg config.MQTTConfig, onLayer LayerHandler) *Bridge {
	return &Bridge{logger: logger, cfg: cfg, onLayer: onLayer}
}

// Connect はブローカーへ接続して layer_topic を購読する
func (b *Bridge) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			// 再接続時も購読し直す
			token := c.Subscribe(b.cfg.LayerTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
				b.handleMessage(msg.Payload())
			})
			if token.WaitTimeout(connectTimeout) && token.Error() != nil {
				b.logger.Error("MQTT購読に失敗しました", "topic", b.cfg.LayerTopic, "error", token.Error())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("MQTT接続が切断されました", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("MQTTブローカーへの接続がタイムアウトしました: %s", b.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTTブローカーへの接続に失敗しました: %w", err)
	}
	b.client = client
	b.logger.Info("MQTTブローカーに接続しました", "broker", b.cfg.Broker, "layer_topic", b.cfg.LayerTopic)
	return nil
}

// Close は接続を閉じる
func (b *Bridge) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(disconnectWait)
	}
}

// Publish は event_topic へイベントを送る
// 未接続または event_topic が空の場合は何もしない
func (b *Bridge) Publish(typ string, data any) {
	if b.client == nil || b.cfg.EventTopic == "" {
		return
	}
	payload, err := encodeEvent(typ, data, time.Now().UTC())
	if err != nil {
		b.logger.Warn("MQTTイベントのエンコードに失敗しました", "type", typ, "error", err)
		return
	}
	token := b.client.Publish(b.cfg.EventTopic, 0, false, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			b.logger.Warn("MQTTイベントの送信に失敗しました", "type", typ, "error", token.Error())
		}
	}()
}

func (b *Bridge) handleMessage(payload []byte) {
	state, err := ParseLayerPayload(payload)
	if err != nil {
		b.logger.Warn("レイヤー通知を無視しました", "payload", string(payload), "error", err)
		return
	}
	b.logger.Debug("レイヤー通知を受信しました", "state", uint32(state), "highest", state.Highest())
	if b.onLayer != nil {
		b.onLayer(state)
	}
}

type event struct {
	Type string    `json:"type"`
	Ts   time.Time `json:"ts"`
	Data any       `json:"data,omitempty"`
}

func encodeEvent(typ string, data any, ts time.Time) ([]byte, error) {
	return json.Marshal(event{Type: typ, Ts: ts, Data: data})
}

// ParseLayerPayload はレイヤー通知を解釈する
// {"state":N} はレイヤーのビットマスク、{"layer":N} と整数のみはレイヤー番号として扱う
func ParseLayerPayload(payload []byte) (motion.LayerState, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	if payload[0] != '{' {
		layer, err := strconv.Atoi(string(payload))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return layerState(layer)
	}

	var msg struct {
		State *uint32 `json:"state"`
		Layer *int    `json:"layer"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch {
	case msg.State != nil:
		return motion.LayerState(*msg.State), nil
	case msg.Layer != nil:
		return layerState(*msg.Layer)
	default:
		return 0, fmt.Errorf("%w: state or layer is required", ErrInvalidPayload)
	}
}

func layerState(layer int) (motion.LayerState, error) {
	if layer < 0 || layer > 31 {
		return 0, fmt.Errorf("%w: layer out of range: %d", ErrInvalidPayload, layer)
	}
	return motion.LayerStateOf(layer), nil
}
