// API Gatewayのエントリポイント。
// 全てのクライアントトラフィックを受け付け、認証と死活確認を行ったうえで
// バックエンドサービスへ転送する。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/campus/internal/config"
	"github.com/nao1215/campus/internal/gateway"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", "", "設定ファイルのパス（未指定時は ./configs/gateway.yaml などを探索）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case err = <-errCh:
		logger.Error("Gatewayが異常終了しました", zap.Error(err))
	case <-ctx.Done():
		logger.Info("停止シグナルを受信しました")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("Gatewayの停止に失敗", zap.Error(shutdownErr))
		err = errors.Join(err, shutdownErr)
	}
	logger.Info("Gatewayを停止しました")
	return err
}
