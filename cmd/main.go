package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/browser"

	"github.com/char5742/keyball-trackball/internal/api"
	"github.com/char5742/keyball-trackball/internal/bridge"
	"github.com/char5742/keyball-trackball/internal/config"
	"github.com/char5742/keyball-trackball/internal/log"
	"github.com/char5742/keyball-trackball/internal/motion"
	"github.com/char5742/keyball-trackball/internal/stream"
)

// CLI はコマンドライン引数の定義
type CLI struct {
	Globals

	Run    RunCmd    `cmd:"" default:"1" help:"トラックボールの処理をフォアグラウンドで実行します"`
	Serve  ServeCmd  `cmd:"" help:"APIサーバーモードで起動します"`
	Config ConfigCmd `cmd:"" help:"設定ファイルを操作します"`
}

// Globals は全コマンド共通のフラグ
type Globals struct {
	ConfigPath string `name:"config" type:"path" help:"設定ファイルのパス (指定しない場合はデフォルトパスを使用)"`
	LogLevel   string `name:"log-level" help:"ログレベル (error, warn, info, debug)。未指定なら設定ファイルの値"`
	LogFile    string `name:"log-file" type:"path" help:"ログの追記先ファイル"`
}

// RunCmd はCLIモード
type RunCmd struct{}

// ServeCmd はAPIサーバーモード
type ServeCmd struct {
	Host        string `default:"127.0.0.1" help:"APIサーバーが待ち受けるアドレス"`
	Port        int    `default:"8080" help:"APIサーバーのポート番号"`
	OpenBrowser bool   `name:"open-browser" help:"起動後に状態ページをブラウザで開きます"`
	Autostart   bool   `help:"起動時にトラックボールサービスも開始します"`
}

// ConfigCmd は設定関連のサブコマンド
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"デフォルト設定ファイルを生成します"`
}

// ConfigInitCmd はデフォルト設定を書き出す
type ConfigInitCmd struct {
	Format string `default:"toml" enum:"toml,yaml" help:"出力形式 (toml, yaml)"`
	Output string `type:"path" help:"出力先 (指定しない場合はデフォルトの設定ディレクトリ)"`
	Force  bool   `help:"既存のファイルを上書きします"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("keyball-trackball"),
		kong.Description("Keyball トラックボールの回転・平滑化・スクロール・ジェスチャー処理"),
		kong.UsageOnError(),
	)
	ctx.Bind(&cli.Globals)
	ctx.FatalIfErrorf(ctx.Run())
}

// resolveConfigPath は設定ファイルのパスを決定する
func (g *Globals) resolveConfigPath() (string, error) {
	if g.ConfigPath != "" {
		return g.ConfigPath, nil
	}
	configDir, err := config.GetDefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}

// setup は設定を読み込み、ロガーを作成する
// 設定の読み込みに失敗した場合はデフォルト設定で続行する
func (g *Globals) setup() (*config.Config, string, *slog.Logger, func(), error) {
	cfgPath, pathErr := g.resolveConfigPath()

	cfg := config.DefaultConfig()
	var loadErr error
	if pathErr == nil {
		cfg, loadErr = config.LoadConfig(cfgPath)
	}

	level := g.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, closers, err := log.SetupLogger(level, g.LogFile)
	if err != nil {
		return nil, "", nil, nil, err
	}
	cleanup := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	switch {
	case pathErr != nil:
		logger.Warn("設定ディレクトリを決定できません。デフォルト設定を使用します", "error", pathErr)
	case loadErr != nil:
		logger.Warn("設定ファイルの読み込みに失敗しました。デフォルト設定を使用します", "path", cfgPath, "error", loadErr)
	default:
		logger.Info("設定ファイルを読み込みました", "path", cfgPath)
	}
	return cfg, cfgPath, logger, cleanup, nil
}

// newService はサービスと、設定されていれば MQTT ブリッジを作成する
// ブリッジはサービスの作成後に接続する
func newService(logger *slog.Logger, cfg *config.Config, publishers ...api.EventPublisher) (*api.TrackballService, func()) {
	devices := api.EvdevDevices{Logger: logger}
	svc := api.NewTrackballService(logger, cfg, devices, publishers...)
	if cfg.MQTT.Broker == "" {
		return svc, func() {}
	}

	mq := bridge.New(logger, cfg.MQTT, layerHandler(logger, svc))
	if err := mq.Connect(); err != nil {
		logger.Warn("MQTTブリッジを無効にします", "error", err)
		return svc, func() {}
	}
	svc.AddPublisher(mq)
	return svc, mq.Close
}

type layerReceiver interface {
	HandleLayerChange(state motion.LayerState) error
}

// layerHandler は MQTT のレイヤー通知をサービスへ渡す
func layerHandler(logger *slog.Logger, svc layerReceiver) bridge.LayerHandler {
	return func(state motion.LayerState) {
		if err := svc.HandleLayerChange(state); err != nil {
			logger.Debug("レイヤー通知を適用できませんでした", "error", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Run はCLIモードで実行する
func (c *RunCmd) Run(g *Globals) error {
	cfg, _, logger, cleanup, err := g.setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	svc, closeBridge := newService(logger, cfg)
	defer closeBridge()

	if err := svc.Start(); err != nil {
		return fmt.Errorf("トラックボールサービスの起動に失敗しました: %w", err)
	}

	<-ctx.Done()
	logger.Info("シャットダウンします")
	return svc.Stop()
}

// Run はAPIサーバーモードで実行する
func (c *ServeCmd) Run(g *Globals) error {
	cfg, cfgPath, logger, cleanup, err := g.setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	var svc *api.TrackballService
	hub := stream.NewHub(logger, stream.HubConfig{}, func() any { return svc.Status() })
	go hub.Run(ctx)

	svc, closeBridge := newService(logger, cfg, hub)
	defer closeBridge()

	server := api.NewServer(cfg, c.Port, api.Options{
		Logger:     logger,
		Host:       c.Host,
		Service:    svc,
		ConfigPath: cfgPath,
		Stream:     hub,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	if c.Autostart {
		if err := svc.Start(); err != nil {
			logger.Error("トラックボールサービスの起動に失敗しました", "error", err)
		}
	}
	if c.OpenBrowser {
		browser.Stdout = io.Discard
		if err := browser.OpenURL(server.URL()); err != nil {
			logger.Warn("ブラウザを開けませんでした", "url", server.URL(), "error", err)
		}
	}

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("APIサーバーの起動に失敗しました: %w", err)
		}
	case <-ctx.Done():
		logger.Info("シャットダウンします")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if svc.IsRunning() {
		_ = svc.Stop()
	}
	return server.Stop(shutdownCtx)
}

// Run はデフォルト設定を書き出す
func (c *ConfigInitCmd) Run(g *Globals) error {
	dest := c.Output
	if dest == "" {
		dir, err := config.GetDefaultConfigDir()
		if err != nil {
			return err
		}
		dest = filepath.Join(dir, "config."+c.Format)
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s は既に存在します (--force で上書き)", dest)
		}
	}
	if err := config.SaveConfig(dest, config.DefaultConfig()); err != nil {
		return fmt.Errorf("設定ファイルの書き込みに失敗しました: %w", err)
	}
	fmt.Printf("設定ファイルを作成しました: %s\n", dest)
	return nil
}
