// Copyright 2025 The axfor Authors
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

// Command metaembed runs a standalone metadata store from a YAML config.
// It exposes only metrics and health; applications embed pkg/embed for
// the API itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metaEmbed/pkg/config"
	"metaEmbed/pkg/embed"
	"metaEmbed/pkg/log"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	mode := flag.String("mode", "", "override mode: embedded or raft")
	engine := flag.String("storage", "", "override storage engine: memory or rocksdb")
	dataDir := flag.String("data-dir", "", "override data directory")
	startTimeout := flag.Duration("start-timeout", 30*time.Second, "time to wait for the store to open")
	flag.Parse()

	if err := run(*configPath, *mode, *engine, *dataDir, *startTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "metaembed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, mode, engine, dataDir string, startTimeout time.Duration) error {
	cfg, err := config.LoadConfigOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if engine != "" {
		cfg.Storage.Engine = engine
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}

	logger, err := log.NewLogger(log.FromConfig(cfg.Log))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()
	log.ReplaceGlobalLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	store, err := embed.Open(ctx, cfg, embed.WithLogger(logger.Zap()))
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	logger.Info("metaembed started",
		log.Mode(cfg.Mode),
		zap.String("engine", cfg.Storage.Engine),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Bool("metrics", cfg.Monitoring.EnablePrometheus))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for sig := range signals {
		if sig == syscall.SIGHUP {
			// 日志轮转
			if err := logger.Rotate(); err != nil {
				logger.Warn("log rotation failed", log.Err(err))
			}
			continue
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		break
	}

	if err := store.Close(); err != nil {
		logger.Error("close store", log.Err(err))
		return err
	}
	logger.Info("metaembed stopped")
	return nil
}
