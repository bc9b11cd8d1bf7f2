package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/dustin/go-humanize"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/wundergraph/cosmo/dispatch/core"
	"github.com/wundergraph/cosmo/dispatch/pkg/config"
	"github.com/wundergraph/cosmo/dispatch/pkg/logging"
)

var (
	overrideEnv    = flag.String("override-env", os.Getenv("OVERRIDE_ENV"), "Path to .env file to override environment variables")
	configPathFlag = flag.String("config", os.Getenv("CONFIG_PATH"), "Path to the router config file e.g. config.yaml")
)

func main() {
	flag.Parse()

	result, err := config.LoadConfig(*configPathFlag, *overrideEnv)
	if err != nil {
		log.Fatal("Could not load config", zap.Error(err))
	}
	cfg := &result.Config

	logLevel, err := logging.ZapLogLevelFromString(cfg.LogLevel)
	if err != nil {
		log.Fatal("Could not parse log level", zap.Error(err))
	}

	logger := logging.New(!cfg.JSONLog, cfg.DevelopmentMode, logLevel).
		With(zap.String("component", "@wundergraph/router"))

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Fatal("Could not set max GOMAXPROCS", zap.Error(err))
	}

	if os.Getenv("GOMEMLIMIT") != "" {
		logger.Info("GOMEMLIMIT set by user", zap.String("limit", os.Getenv("GOMEMLIMIT")))
	} else {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(0.9),
			memlimit.WithProvider(memlimit.FromCgroupHybrid),
		)
		if err == nil {
			logger.Info("GOMEMLIMIT set automatically", zap.String("limit", humanize.Bytes(uint64(limit))))
		} else if !cfg.DevelopmentMode {
			logger.Warn("GOMEMLIMIT was not set, set it to around 90% of the available memory", zap.Error(err))
		}
	}

	if !result.DefaultLoaded {
		logger.Info("Default config file not found, using environment variables only", zap.String("path", config.DefaultConfigPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, // default for kill
		syscall.SIGINT,  // ctrl+c
		syscall.SIGQUIT, // ctrl + \
	)
	defer stop()

	router, err := core.NewRouter(ctx, cfg, core.WithLogger(logger))
	if err != nil {
		logger.Fatal("Could not create router", zap.Error(err))
	}

	go func() {
		if err := router.Start(ctx); err != nil {
			logger.Error("Could not start server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("Graceful shutdown ...", zap.String("shutdown_delay", cfg.ShutdownDelay.String()))

	// enforce a maximum shutdown delay
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDelay)
	defer cancel()

	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Error("Could not shutdown server", zap.Error(err))
	}

	logger.Debug("Server exiting")
	_ = logger.Sync()
}
