// Copyright 2026 The Chainwork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainwork/chainwork"
	"github.com/chainwork/chainwork/internal/config"
	notifymem "github.com/chainwork/chainwork/notifyadapter/memory"
	notifyredis "github.com/chainwork/chainwork/notifyadapter/redis"
	storemem "github.com/chainwork/chainwork/storeadapter/memory"

	"github.com/redis/go-redis/v9"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	zcfg := zap.NewProductionConfig()
	if cfg.Log.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err == nil {
		zcfg.Level = level
	}
	zlog, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer zlog.Sync()
	log := zapr.NewLogger(zlog)

	store, err := buildStore(cfg.Store)
	if err != nil {
		return err
	}
	fabric, err := buildFabric(cfg.Notify)
	if err != nil {
		return err
	}

	registry := chainwork.NewRegistry()
	registerDemoTypes(registry)

	hooks := chainwork.Hooks{
		OnEvent: func(ev chainwork.Event) {
			logEvent(log, ev)
		},
	}

	types := cfg.Worker.Types
	if len(types) == 0 {
		types = []string{"chainwork.demo.echo"}
	}
	handlers := map[string]chainwork.Handler{
		"chainwork.demo.echo": echoHandler,
	}

	worker := chainwork.NewWorker(store, fabric, registry, hooks, chainwork.WorkerConfig{
		Types:          types,
		Handlers:       handlers,
		Concurrency:    cfg.Worker.Concurrency,
		PollIntervalMs: cfg.Worker.PollIntervalSecs * 1000,
		ReapIntervalMs: cfg.Worker.ReapIntervalSecs * 1000,
		Lease: chainwork.LeaseConfig{
			LeaseMs:         cfg.Worker.LeaseSeconds * 1000,
			RenewIntervalMs: cfg.Worker.RenewIntervalSecs * 1000,
		},
		Retry: chainwork.RetryConfig{
			InitialMs:  cfg.Worker.RetryInitialMillis,
			MaxMs:      cfg.Worker.RetryMaxMillis,
			Multiplier: cfg.Worker.RetryMultiplier,
		},
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("chainworkd starting", "types", types)
	err = worker.Run(runCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("chainworkd stopped")
	return nil
}

func buildStore(cfg config.StoreConfig) (chainwork.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return storemem.New(), nil
	case "postgres":
		// A real embedder constructs a *pgxpool.Pool against cfg.DSN and
		// wraps it with storeadapter/postgres.New; chainworkd's demo mode
		// does not open a live connection on your behalf.
		return nil, errUnsupportedDriver("store", cfg.Driver)
	default:
		return nil, errUnsupportedDriver("store", cfg.Driver)
	}
}

func buildFabric(cfg config.NotifyConfig) (chainwork.NotifyFabric, error) {
	switch cfg.Driver {
	case "", "memory":
		return notifymem.New(), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
		return notifyredis.New(rdb, ""), nil
	default:
		return nil, errUnsupportedDriver("notify", cfg.Driver)
	}
}

func errUnsupportedDriver(kind, driver string) error {
	return fmt.Errorf("chainworkd: unsupported %s driver %q", kind, driver)
}

func logEvent(log logr.Logger, ev chainwork.Event) {
	if ev.Err != nil {
		log.Error(ev.Err, ev.Message, "type", ev.Type)
		return
	}
	log.Info(ev.Message, "type", ev.Type)
}

func registerDemoTypes(r *chainwork.Registry) {
	r.Register("chainwork.demo.echo", chainwork.TypeDef{
		Entry: true,
		// Accepts any JSON value as output: echoHandler hands its input
		// straight back, so the schema can't be narrower than "any".
		OutputSchema: openapi3.NewSchema(),
	})
}

// echoHandler completes every attempt by handing its input straight
// back as output; it exists so chainworkd serve is runnable out of the
// box without an embedder supplying real handlers.
func echoHandler(hc *chainwork.HandlerContext) error {
	var input any
	if err := json.Unmarshal(hc.Job.Input, &input); err != nil {
		return err
	}
	return hc.Complete(func(tx chainwork.TxContext) (chainwork.AttemptOutcome, error) {
		return chainwork.AttemptOutcome{Output: input}, nil
	})
}
