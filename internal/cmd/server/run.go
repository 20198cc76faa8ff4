package serverrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/correlator/internal/config"
	"github.com/rzbill/correlator/internal/partition"
	grpcserver "github.com/rzbill/correlator/internal/server/grpc"
	httpserver "github.com/rzbill/correlator/internal/server/http"
	pebblestore "github.com/rzbill/correlator/internal/storage/pebble"
	logpkg "github.com/rzbill/correlator/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// Run opens the partitions, starts the gRPC and HTTP servers and blocks
// until ctx is cancelled or the process is signalled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = logpkg.ApplyConfig(&cfg.Log); err != nil {
			return err
		}
		// Pebble logs through the standard library logger.
		defer logpkg.RedirectStdLog(logger)()
	}

	fatal := make(chan struct{}, 1)
	popts, err := clusterOptions(cfg, logger, func(int32, error) {
		select {
		case fatal <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	cluster, err := partition.OpenCluster(cfg.DataDir, cfg.PartitionCount, popts)
	if err != nil {
		return err
	}
	defer cluster.Close()
	if err := cluster.Start(sctx); err != nil {
		return err
	}

	logger.Info("starting correlator",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Int32("partitions", cfg.PartitionCount),
		logpkg.Str("grpc", cfg.GRPCAddr),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("fsync", cfg.Fsync),
	)

	gsrv := grpcserver.New(cluster, logger)
	hsrv := httpserver.New(cluster, cfg.Correlation.DefaultTTLMs, logger)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(sctx); err != nil && sctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	serve("grpc", func(ctx context.Context) error { return gsrv.ListenAndServe(ctx, cfg.GRPCAddr) })
	serve("http", func(ctx context.Context) error { return hsrv.ListenAndServe(ctx, cfg.HTTPAddr) })

	var runErr error
loop:
	for {
		select {
		case <-sctx.Done():
			break loop
		case <-fatal:
			// Keep serving so operators can inspect state; health turns NOT_SERVING.
			gsrv.Refresh()
		case runErr = <-errCh:
			logger.Error("server failed", logpkg.Err(runErr))
			break loop
		}
	}
	stop()
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	logger.Info("correlator stopped")
	return runErr
}

// clusterOptions maps the configuration onto the partition template.
func clusterOptions(cfg cfgpkg.Config, logger logpkg.Logger, onFatal func(int32, error)) (partition.Options, error) {
	mode, err := pebblestore.ParseFsyncMode(cfg.Fsync)
	if err != nil {
		return partition.Options{}, err
	}
	return partition.Options{
		Fsync:                mode,
		FsyncInterval:        cfg.FsyncInterval(),
		Logger:               logger,
		OnFatal:              onFatal,
		ExpiryCheckInterval:  cfg.Correlation.ExpiryCheckInterval(),
		PendingCheckInterval: cfg.Correlation.PendingCheckInterval(),
		PendingRetryInterval: cfg.Correlation.PendingRetryInterval(),
		ExpiryBatchLimit:     cfg.Correlation.ExpiryBatchLimit,
		RetainApplied:        cfg.CommandLog.RetainApplied,
	}, nil
}
