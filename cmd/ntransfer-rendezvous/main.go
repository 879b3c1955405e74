// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/logging"
	"github.com/nishisan-dev/n-transfer/internal/rendezvous"
)

func main() {
	configPath := flag.String("config", "", "path to server config file (optional)")
	addr := flag.String("addr", "", "bind address of the first socket (ip:port)")
	addr2 := flag.String("addr2", "", "bind address of the second socket (ip:port)")
	flag.Parse()

	var cfg *config.ServerConfig
	if *configPath != "" {
		loaded, err := config.LoadServerConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultServerConfig()
	}

	// Flags têm precedência sobre o arquivo
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *addr2 != "" {
		cfg.Server.Addr2 = *addr2
	}
	if err := cfg.ValidateResolved(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := rendezvous.Run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
