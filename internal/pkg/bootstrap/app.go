// Package bootstrap 封装了所有服务通用的配置加载、启动与优雅关停逻辑。
package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"stockflow/internal/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// Init 加载配置并初始化全局 logger；配置文件路径来自 STOCKFLOW_CONFIG
func Init(serviceName string) (Config, error) {
	path := os.Getenv("STOCKFLOW_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := Load(path, NacosConnector)
	if err != nil {
		return cfg, err
	}
	if cfg.Service.Name == "" || cfg.Service.Name == Default().Service.Name {
		cfg.Service.Name = serviceName
	}
	logger.Init(cfg.Service.Name, cfg.Log)
	setCurrentConfig(cfg)
	return cfg, nil
}

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	MetricsAddr string
	Metrics     http.Handler
	// Workers 是长期运行的任务，ctx 取消时应当返回
	Workers []func(ctx context.Context) error
	// OnShutdown 在所有 worker 退出后按注册的逆序执行
	OnShutdown []func(ctx context.Context) error
}

// StartService 运行 worker 与 /healthz、/metrics 端口，收到 SIGINT/SIGTERM 后优雅关停
func StartService(info AppInfo) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Run(ctx, info)
}

// Run 与 StartService 相同，但由调用方控制生命周期
func Run(ctx context.Context, info AppInfo) error {
	log := logger.Ctx(ctx)
	g, gctx := errgroup.WithContext(ctx)

	var server *http.Server
	if info.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		if info.Metrics != nil {
			mux.Handle("/metrics", info.Metrics)
		}
		server = &http.Server{Addr: info.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", info.MetricsAddr).Msgf("✅ %s health and metrics server listening", info.ServiceName)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	for _, worker := range info.Workers {
		worker := worker
		g.Go(func() error { return worker(gctx) })
	}

	err := g.Wait()
	log.Info().Msgf("Shutting down service %s...", info.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(info.OnShutdown) - 1; i >= 0; i-- {
		if hookErr := info.OnShutdown[i](shutdownCtx); hookErr != nil {
			log.Error().Err(hookErr).Msg("shutdown hook failed")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
	return nil
}
