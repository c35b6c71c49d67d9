package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/char5742/keyball-trackball/internal/config"
	"github.com/char5742/keyball-trackball/internal/features"
	"github.com/char5742/keyball-trackball/internal/motion"
)

// Service は API から操作するトラックボールサービス
type Service interface {
	Start() error
	Stop() error
	IsRunning() bool
	Status() Status
	UpdateConfig(cfg *config.Config) error
	HandleLayerChange(state motion.LayerState) error
	SetScrollMode(enabled bool) error
	SetGestureMode(enabled bool) error
}

// Options はサーバーの依存関係
type Options struct {
	Logger *slog.Logger
	// Host は待ち受けるアドレス。空の場合は DefaultHost
	Host       string
	Service    Service
	ConfigPath string
	// Stream は /api/stream のハンドラ。nil の場合は登録しない
	Stream http.Handler
	// Devices は接続中のデバイス一覧を返す。nil の場合は features.ScanDevices
	Devices func() ([]features.Device, error)
}

// DefaultHost はローカルからの接続だけを受け付ける
const DefaultHost = "127.0.0.1"

// Server はAPIサーバーを表す構造体
type Server struct {
	server *http.Server
	logger *slog.Logger
	svc    Service
	stream http.Handler
	devs   func() ([]features.Device, error)

	cfg        *config.Config
	configPath string
	mutex      sync.RWMutex
	host       string
	port       int
}

// NewServer は新しいAPIサーバーを作成する
func NewServer(cfg *config.Config, port int, opts Options) *Server {
	devs := opts.Devices
	if devs == nil {
		devs = features.ScanDevices
	}
	host := opts.Host
	if host == "" {
		host = DefaultHost
	}
	return &Server{
		logger:     opts.Logger,
		svc:        opts.Service,
		stream:     opts.Stream,
		devs:       devs,
		cfg:        cfg,
		configPath: opts.ConfigPath,
		host:       host,
		port:       port,
	}
}

// Handler はすべてのエンドポイントを登録したハンドラを返す
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()
	s.setupRoutes(router)
	return router
}

// Start はAPIサーバーを開始する
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("APIサーバーを開始します", "url", s.URL())
	return s.server.ListenAndServe()
}

// Stop はAPIサーバーを停止する
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		s.logger.Info("APIサーバーを停止します")
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr は待ち受けるアドレスを返す
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// URL はローカルからアクセスするための状態取得URLを返す
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d/api/service/status", s.port)
}

// GetConfig は現在の設定を返す
func (s *Server) GetConfig() *config.Config {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cfg
}

// UpdateConfig は設定を更新し、サービスへ反映する
func (s *Server) UpdateConfig(cfg *config.Config) error {
	if err := s.svc.UpdateConfig(cfg); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cfg = cfg
	return nil
}

// writeJSON はJSONレスポンスを書き込む
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.Warn("JSONエンコードエラー", "error", err)
		}
	}
}

// writeError はエラーレスポンスを書き込む
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	response := map[string]string{"error": message}
	s.writeJSON(w, status, response)
}
