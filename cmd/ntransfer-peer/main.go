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
	"github.com/nishisan-dev/n-transfer/internal/peer"
)

func main() {
	configPath := flag.String("config", "", "path to peer config file (optional)")

	var addr, addr2, id, sendPath, receiveDir string
	flag.StringVar(&addr, "addr", "", "rendezvous server address (host:port)")
	flag.StringVar(&addr, "a", "", "rendezvous server address (shorthand)")
	flag.StringVar(&addr2, "addr2", "", "second rendezvous server address (host:port)")
	flag.StringVar(&id, "id", "", "peer id (own id as receiver, target id as sender)")
	flag.StringVar(&sendPath, "send", "", "file to send; selects the sender role")
	flag.StringVar(&sendPath, "s", "", "file to send (shorthand)")
	flag.StringVar(&receiveDir, "receive", "", "directory to save received files; selects the receiver role")
	flag.StringVar(&receiveDir, "r", "", "directory to save received files (shorthand)")

	bandwidthLimit := flag.String("bandwidth-limit", "", "sender bandwidth cap, e.g. \"2mb\" per second (optional)")
	compress := flag.String("compress", "", "compress the file before sending: gzip or zstd (optional)")
	flag.Parse()

	var cfg *config.PeerConfig
	if *configPath != "" {
		loaded, err := config.LoadPeerConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultPeerConfig()
	}

	// Flags têm precedência sobre o arquivo
	if addr != "" {
		cfg.Rendezvous.Addr = addr
	}
	if addr2 != "" {
		cfg.Rendezvous.Addr2 = addr2
	}
	if id != "" {
		cfg.ID = id
	}
	if *bandwidthLimit != "" {
		cfg.Transfer.BandwidthLimit = *bandwidthLimit
	}
	if *compress != "" {
		cfg.Transfer.Compression = *compress
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateResolved(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if (sendPath == "") == (receiveDir == "") {
		fmt.Fprintln(os.Stderr, "Error: exactly one of --send or --receive is required")
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

	var err error
	if sendPath != "" {
		err = peer.RunSender(ctx, cfg, sendPath, logger)
	} else {
		err = peer.RunReceiver(ctx, cfg, receiveDir, logger)
	}
	if err != nil {
		logger.Error("peer error", "error", err)
		os.Exit(1)
	}
}
