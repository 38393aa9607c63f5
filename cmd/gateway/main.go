package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/omniapi/gateway/internal/config"
	"github.com/omniapi/gateway/internal/gateway"
	"github.com/omniapi/gateway/internal/logger"
	"github.com/omniapi/gateway/internal/platform/wifi"
)

func main() {
	devMode := flag.Bool("dev", false, "Run in development mode (mock hardware, local data dir)")
	flag.Parse()

	logger.Init(*devMode)

	cfg := config.Load(*devMode)
	slog.Info("gateway: config loaded", "dev", cfg.IsDev, "dataDir", cfg.DataDir, "httpPort", cfg.HTTPPort)

	store, err := config.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("gateway: failed to open config store: %v", err)
	}

	w := wifi.New(runtime.GOARCH == "arm64")
	if real, ok := w.(*wifi.RealWiFi); ok {
		real.WithAPConfig(wifi.APConfig{
			SSIDBase: cfg.APSSIDBase,
			Password: cfg.APPassword,
			CIDR:     cfg.APCIDR,
		})
	}

	gw, err := gateway.New(cfg, store, w)
	if err != nil {
		log.Fatalf("gateway: init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("gateway: fatal error: %v", err)
	}
	slog.Info("gateway: shutdown complete")
}
