package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"docrelay/internal/bridge"
	"docrelay/internal/config"
	"docrelay/internal/logger"
	"docrelay/internal/storage"
	"docrelay/pkg/api"
	"docrelay/pkg/model"
)

func main() {
	cfgPath := flag.String("config", "", "配置文件路径")
	attach := flag.String("control", "", "启动时创建并连接浏览器的控件 ID")
	flag.Parse()

	if err := run(*cfgPath, *attach); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath, attach string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer, File: cfg.Log.File})
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, log)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := api.NewService(cfg, log, store)
	defer svc.Close()

	if attach != "" && cfg.Browser.DevToolsURL != "" {
		id, err := svc.CreateControl(model.ControlID(attach))
		if err != nil {
			return err
		}
		if err := svc.AttachBrowser(id, model.TargetID(cfg.Browser.Target)); err != nil {
			return fmt.Errorf("连接浏览器失败: %w", err)
		}
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Bridge.Listen,
		Handler:           bridge.NewRouter(bridge.Options{Service: svc, Logger: log, ViewerOrigin: cfg.Bridge.ViewerOrigin}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("桥接服务已启动", "listen", cfg.Bridge.Listen, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("正在关闭")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
