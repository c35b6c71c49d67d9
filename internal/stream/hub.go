// Package stream はパイプラインの出力を WebSocket クライアントへ配信する
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// メッセージ種別
const (
	TypeStateInit = "state_init"
	TypeReport    = "report"
	TypeGesture   = "gesture"
	TypeMode      = "mode"
	TypeDevice    = "device"
)

// Envelope は WebSocket で送るメッセージの形式
type Envelope struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SnapshotFunc は接続直後に送る状態を返す
type SnapshotFunc func() any

// HubConfig は Hub のキューサイズ
// 0 の場合はデフォルト値を使う
type HubConfig struct {
	SendBuf      int
	BroadcastBuf int
}

// Hub は接続中のクライアントを管理し、メッセージを全員へ配る
type Hub struct {
	logger *slog.Logger

	broadcast chan []byte

	mu      sync.Mutex
	clients map[*client]struct{}
	// closed は Run の終了後に立つ。以降の接続は登録しない
	closed bool

	sendBuf  int
	snapshot SnapshotFunc
	now      func() time.Time
}

// NewHub は Hub を作成する。Run(ctx) で開始する
func NewHub(logger *slog.Logger, cfg HubConfig, snapshot SnapshotFunc) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 256
	}
	return &Hub{
		logger:    logger,
		broadcast: make(chan []byte, bcastBuf),
		clients:   make(map[*client]struct{}),
		sendBuf:   sendBuf,
		snapshot:  snapshot,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run は ctx がキャンセルされるまでイベントを処理する
// 終了時は全クライアントを切断する
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case msg := <-h.broadcast:
			var slow []*client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Clients は接続中のクライアント数を返す
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish は data を typ の封筒に包んで配信する
// キューが一杯の場合は捨てる
func (h *Hub) Publish(typ string, data any) {
	msg, err := h.encode(typ, data)
	if err != nil {
		h.logger.Warn("ws marshal failed", "type", typ, "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Debug("ws broadcast queue full, dropping message", "type", typ)
	}
}

func (h *Hub) encode(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Ts: h.now(), Data: raw})
}

// addClient は c を登録する。Run が終了していれば false を返す
func (h *Hub) addClient(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)
	return true
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP は接続をアップグレードしてクライアントを登録する
// 最初のメッセージとして state_init を送る
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, h.sendBuf), remoteAddr: r.RemoteAddr}

	// 登録より先に送ることで state_init が必ず最初になる
	if h.snapshot != nil {
		if msg, err := h.encode(TypeStateInit, h.snapshot()); err == nil {
			c.send <- msg
		}
	}
	if !h.addClient(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.close()
		return
	}

	// リクエストのコンテキストはハンドラが戻るとキャンセルされるので使わない
	go c.writePump()
	go c.readPump()
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

func (c *client) close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// writePump は send キューの内容をソケットへ書き込む
// send が閉じられるか書き込みに失敗すると終了する
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("ping", err)
				return
			}
		}
	}
}

// readPump は受信を読み捨てて切断を検出する
func (c *client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("read", err)
			c.hub.removeClient(c, "read_error")
			return
		}
	}
}

func (c *client) logExit(op string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.hub.logger.Debug("ws pump exiting (close)", "op", op, "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.hub.logger.Debug("ws pump exiting", "op", op, "remote_addr", c.remoteAddr, "error", err)
}
