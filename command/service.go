// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/logservice"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/store"
	"github.com/hashicorp/gavel/structs"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// runnable is the lifecycle every service command drives.
type runnable interface {
	Run()
	Shutdown()
}

// serviceLogger builds the process logger a service hangs off of.
func serviceLogger(cfg *config.Config) (hclog.InterceptLogger, error) {
	level := hclog.LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:  "gavel",
		Level: level,
	}), nil
}

// setupTelemetry installs the in-memory metrics sink every service reports
// into. SIGUSR1 dumps the current intervals to stderr.
func setupTelemetry(cfg *config.Config) {
	inm := metrics.NewInmemSink(cfg.MetricsInterval(), time.Minute)
	metrics.DefaultInmemSignal(inm)
	metrics.NewGlobal(metrics.DefaultConfig("gavel"), inm)
}

// openStore connects to Postgres with a bounded ping so a down database
// fails the command instead of hanging it.
func openStore(cfg *config.Config, logger hclog.Logger) (*store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return store.New(ctx, cfg.Database, logger)
}

// forwardLogs mirrors warnings and errors to the central log service when
// the deployment runs one.
func forwardLogs(logger hclog.InterceptLogger, cfg *config.Config, svc *rpc.Service) {
	if cfg.Shards(structs.ServiceNameLog) > 0 {
		logger.RegisterSink(logservice.NewForwarder(svc))
	}
}

// runService blocks until the service stops, from a signal here or a quit
// RPC from an admin.
func runService(ui cli.Ui, svc runnable) int {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	go func() {
		sig := <-signalCh
		ui.Output(fmt.Sprintf("Caught signal: %v, shutting down", sig))
		svc.Shutdown()
	}()

	svc.Run()
	return 0
}
