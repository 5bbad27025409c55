package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zfoobar/kvs/pkg/admin"
	"github.com/zfoobar/kvs/pkg/config"
	"github.com/zfoobar/kvs/pkg/metrics"
	"github.com/zfoobar/kvs/pkg/protocol"
	"github.com/zfoobar/kvs/pkg/server"
	"github.com/zfoobar/kvs/pkg/snapshot"
	"github.com/zfoobar/kvs/pkg/store"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config file")
		address      = flag.String("addr", "", "listen address (overrides config)")
		adminAddr    = flag.String("admin", "", "admin HTTP address (overrides config)")
		snapshotPath = flag.String("snapshot", "", "snapshot file path (overrides config)")
		logLevel     = flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *address != "" {
		cfg.ListenAddr = *address
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *snapshotPath != "" {
		cfg.SnapshotPath = *snapshotPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	st := store.New()
	if cfg.SnapshotPath != "" {
		if err := snapshot.Load(cfg.SnapshotPath, st); err != nil {
			if !os.IsNotExist(err) {
				logger.Fatal("failed to load snapshot", zap.Error(err))
			}
		} else {
			logger.Info("snapshot loaded",
				zap.String("path", cfg.SnapshotPath),
				zap.Int("keys", st.Len()),
			)
		}
	}

	m := metrics.New(func() float64 { return float64(st.Len()) })
	processor := protocol.New(st, logger, m)
	srv := server.New(processor, &server.Config{
		Address:      cfg.ListenAddr,
		IdleTimeout:  time.Duration(cfg.IdleTimeout),
		MaxLineBytes: cfg.MaxLineBytes,
	}, logger, m)

	var snapshotFn func() error
	if cfg.SnapshotPath != "" {
		snapshotFn = func() error { return snapshot.Save(cfg.SnapshotPath, st) }
	}
	adm := admin.New(m, func() admin.Stats {
		return admin.Stats{
			Keys:              st.Len(),
			OpenTransactions:  processor.Transactions().Count(),
			ConnectedSessions: srv.ClientCount(),
		}
	}, snapshotFn, logger)

	adminSrv := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: adm.Router(),
	}

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		return srv.ListenAndServe(cfg.ListenAddr)
	})
	g.Go(func() error {
		logger.Info("admin listening", zap.String("addr", cfg.AdminAddr))
		if err := adminSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigChan:
			logger.Info("shutting down", zap.String("signal", sig.String()))
		case <-ctx.Done():
		}

		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		adminSrv.Shutdown(shutdownCtx)

		if snapshotFn != nil {
			if err := snapshotFn(); err != nil {
				logger.Error("failed to save snapshot", zap.Error(err))
			} else {
				logger.Info("snapshot saved", zap.String("path", cfg.SnapshotPath))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	if lvl.Level() == zap.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
