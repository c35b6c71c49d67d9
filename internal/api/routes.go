package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/char5742/keyball-trackball/internal/bridge"
	"github.com/char5742/keyball-trackball/internal/config"
)

// レイヤー通知の最大サイズ
const maxLayerBody = 1 << 10

// ルートの設定
func (s *Server) setupRoutes(router *http.ServeMux) {
	// 設定関連のエンドポイント
	router.HandleFunc("GET /api/config", s.handleGetConfig)
	router.HandleFunc("PUT /api/config", s.handleUpdateConfig)
	router.HandleFunc("POST /api/config/save", s.handleSaveConfig)

	// デバイス関連のエンドポイント
	router.HandleFunc("GET /api/devices", s.handleGetDevices)
	router.HandleFunc("PUT /api/devices/preferred", s.handleSetPreferredDevices)

	// サービス関連のエンドポイント
	router.HandleFunc("POST /api/service/start", s.handleStartService)
	router.HandleFunc("POST /api/service/stop", s.handleStopService)
	router.HandleFunc("GET /api/service/status", s.handleServiceStatus)

	// パイプライン操作のエンドポイント
	router.HandleFunc("POST /api/layer", s.handleLayerChange)
	router.HandleFunc("PUT /api/scroll", s.handleToggle(s.svc.SetScrollMode))
	router.HandleFunc("PUT /api/gesture", s.handleToggle(s.svc.SetGestureMode))
	router.HandleFunc("GET /api/state", s.handleServiceStatus)
	if s.stream != nil {
		router.Handle("GET /api/stream", s.stream)
	}

	// ヘルスチェック用エンドポイント
	router.HandleFunc("GET /api/health", s.handleHealthCheck)
}

// 設定取得ハンドラ
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.GetConfig())
}

// 設定更新ハンドラ
// 指定されなかった項目は現在の値を引き継ぐ
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	newConfig := s.GetConfig().Clone()

	if err := json.NewDecoder(r.Body).Decode(newConfig); err != nil {
		s.writeError(w, http.StatusBadRequest, "設定の解析に失敗しました")
		return
	}

	if err := s.UpdateConfig(newConfig); err != nil {
		s.writeConfigError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) writeConfigError(w http.ResponseWriter, err error) {
	if errors.Is(err, config.ErrInvalidConfig) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, "設定の更新に失敗しました: "+err.Error())
}

// 設定保存ハンドラ
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var saveRequest struct {
		Path string `json:"path"`
	}

	if err := json.NewDecoder(r.Body).Decode(&saveRequest); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "リクエストの解析に失敗しました")
		return
	}

	configPath := saveRequest.Path
	if configPath == "" {
		configPath = s.configPath
	}
	if configPath == "" {
		// デフォルトパスを使用
		userConfigDir, err := config.GetDefaultConfigDir()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "デフォルト設定ディレクトリの取得に失敗しました")
			return
		}
		configPath = filepath.Join(userConfigDir, "config.toml")
	}

	if err := config.SaveConfig(configPath, s.GetConfig()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "設定の保存に失敗しました: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"path":   configPath,
	})
}

// デバイス一覧取得ハンドラ
func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devs()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "デバイス一覧の取得に失敗しました: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, devices)
}

// 優先デバイス設定ハンドラ
func (s *Server) handleSetPreferredDevices(w http.ResponseWriter, r *http.Request) {
	var request struct {
		KeyboardDevice string `json:"keyboard_device"`
		MouseDevice    string `json:"mouse_device"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, http.StatusBadRequest, "リクエストの解析に失敗しました")
		return
	}

	cfg := s.GetConfig().Clone()
	cfg.DevicePrefs.PreferredKeyboardDevice = request.KeyboardDevice
	cfg.DevicePrefs.PreferredMouseDevice = request.MouseDevice
	if err := s.UpdateConfig(cfg); err != nil {
		s.writeConfigError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// サービス起動ハンドラ
func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	if s.svc.IsRunning() {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
		return
	}

	if err := s.svc.Start(); err != nil {
		s.logger.Error("サービスの起動に失敗しました", "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("サービスの起動に失敗しました: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// サービス停止ハンドラ
func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	if !s.svc.IsRunning() {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
		return
	}

	if err := s.svc.Stop(); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("サービスの停止に失敗しました: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// サービス状態取得ハンドラ
func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Status())
}

// レイヤー変更ハンドラ
// 本文は {"state":N}、{"layer":N} または整数
func (s *Server) handleLayerChange(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLayerBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "リクエストの読み取りに失敗しました")
		return
	}
	state, err := bridge.ParseLayerPayload(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.HandleLayerChange(state); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"state":   uint32(state),
		"highest": state.Highest(),
	})
}

// handleToggle は {"enabled": bool} を受け取って set を呼ぶハンドラを返す
func (s *Server) handleToggle(set func(enabled bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Enabled == nil {
			s.writeError(w, http.StatusBadRequest, "enabled を指定してください")
			return
		}
		if err := set(*request.Enabled); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "enabled": *request.Enabled})
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotRunning) {
		s.writeError(w, http.StatusConflict, "サービスが実行されていません")
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

// ヘルスチェックハンドラ
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
