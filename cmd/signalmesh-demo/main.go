// Command signalmesh-demo runs an HTTP/WebSocket server exposing two
// signals: a read-only "count" ticker and a fan-out "echo" channel,
// mirroring go-sdk/examples/server/main.go's gin-mount-plus-upgrade-handler
// shape.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mattsp1290/signalmesh/internal/logging"
	"github.com/mattsp1290/signalmesh/internal/telemetry"
	"github.com/mattsp1290/signalmesh/pkg/signalmesh"
	"github.com/mattsp1290/signalmesh/pkg/signalmesh/config"
	"github.com/mattsp1290/signalmesh/pkg/transport/wsconn"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.New()
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracer, err := telemetry.InstallTracerProvider("signalmesh-demo")
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	srv := signalmesh.ProvideServer(
		signalmesh.WithServerLogger(logger),
		signalmesh.WithServerMetrics(metrics),
	)

	count, err := signalmesh.NewReadOnlySignal(ctx, srv, "count", 0)
	if err != nil {
		return err
	}
	echo, err := signalmesh.NewChannelSignal[string](ctx, srv, "echo")
	if err != nil {
		return err
	}
	echo.OnServer(func(msg string) {
		logger.Info("echo received", zap.String("message", msg))
	})

	go tickCount(ctx, count)

	wsCfg := wsconn.DefaultConfig()
	wsCfg.Logger = logger
	wsCfg.PingPeriod = cfg.PingPeriod
	wsCfg.WriteTimeout = cfg.WriteTimeout

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.GET("/ws", func(c *gin.Context) {
		t, err := wsconn.Accept(c.Writer, c.Request, wsCfg)
		if err != nil {
			logger.Warn("upgrade failed", zap.Error(err))
			return
		}
		if err := srv.Serve(ctx, t); err != nil {
			logger.Warn("session ended with error", zap.Error(err))
		}
	})

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: router, ReadTimeout: cfg.ReadTimeout, WriteTimeout: cfg.WriteTimeout}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("signalmesh-demo listening", zap.String("addr", addr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func tickCount(ctx context.Context, count *signalmesh.ReadOnlySignal[int]) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			_ = count.Set(n)
		}
	}
}
