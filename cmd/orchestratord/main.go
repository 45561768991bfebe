// cmd/orchestratord is the server entry point (was cmd/master in the
// teacher). It wires a Store, builds an Orchestrator, starts its
// worker pools, serves the HTTP/JSON API, and shuts down gracefully on
// SIGINT/SIGTERM, generalizing the teacher's cmd/master/main.go signal
// handling from a single scheduler goroutine into the full worker-pool
// set spec 5 describes.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nimbus/internal/api"
	"nimbus/internal/config"
	"nimbus/internal/dispatch"
	"nimbus/internal/logging"
	"nimbus/internal/orchestrator"
	"nimbus/pkg/clock"
	"nimbus/pkg/store"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	etcdEndpoints := flag.String("etcd", "", "comma-separated etcd endpoints; empty disables persistence (in-memory only)")
	dev := flag.Bool("dev", false, "use development (console) logging instead of production JSON logging")
	flag.Parse()

	level := zapcore.InfoLevel
	if *dev {
		level = zapcore.DebugLevel
	}
	logger := logging.Must(logging.Options{Development: *dev, Level: level})
	defer logger.Sync()

	st, closeStore := buildStore(*etcdEndpoints, logger)
	defer closeStore()

	cfg := config.Default()
	if persisted, err := st.LoadConfig(context.Background()); err == nil && len(persisted) > 0 {
		if merged, err := config.FromMap(persisted); err == nil {
			cfg = merged
		}
	}

	orc := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Clock:     clock.Real{},
		Logger:    logger,
		Transport: dispatch.NewHTTPTransport(nil),
		Store:     st,
	})

	server := api.New(orc, *addr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orc.Run(ctx)

	go func() {
		logger.Info("orchestratord listening", zap.String("addr", *addr))
		if err := server.ListenAndServe(); err != nil {
			logger.Error("http server exited", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down orchestratord...")
	cancel()
	orc.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
}

func buildStore(etcdEndpoints string, logger *zap.Logger) (store.Store, func()) {
	if etcdEndpoints == "" {
		return store.NewMemory(), func() {}
	}
	endpoints := strings.Split(etcdEndpoints, ",")
	st, err := store.NewEtcd(endpoints)
	if err != nil {
		logger.Fatal("failed to connect to etcd", zap.Strings("endpoints", endpoints), zap.Error(err))
	}
	logger.Info("connected to etcd", zap.Strings("endpoints", endpoints))
	return st, func() { _ = st.Close() }
}
