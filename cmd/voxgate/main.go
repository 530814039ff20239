// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Command voxgate runs the voice AI engine: it subscribes to OpenSIPS
// B2B session events, answers calls with an RTP media session and hands
// the audio to the configured AI flavor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/voxgateai/internal/agent"
	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/internal/engine"
	"github.com/voxgateai/internal/media"
	"github.com/voxgateai/internal/mi"
	"github.com/voxgateai/pkg/commons"
	"github.com/voxgateai/pkg/utils"

	// Flavor packages register themselves with the agent registry.
	_ "github.com/voxgateai/internal/agent/azure"
	_ "github.com/voxgateai/internal/agent/deepgram"
	_ "github.com/voxgateai/internal/agent/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		logLevel   string
		showVer    bool
	)
	flag.StringVar(&configPath, "c", "", "path to the INI configuration file ($CONFIG_FILE when empty)")
	flag.StringVar(&configPath, "config", "", "path to the INI configuration file ($CONFIG_FILE when empty)")
	flag.StringVar(&logLevel, "l", "info", "log level: debug, info, warn or error")
	flag.StringVar(&logLevel, "loglevel", "info", "log level: debug, info, warn or error")
	flag.BoolVar(&showVer, "v", false, "print version and exit")
	flag.BoolVar(&showVer, "version", false, "print version and exit")
	flag.Parse()

	if showVer {
		fmt.Println(utils.VersionString())
		return 0
	}

	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxgate: unknown log level %q\n", logLevel)
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		return 1
	}

	logger, err := commons.NewApplicationLogger(
		commons.WithLevel(level),
		commons.WithLogDir(cfg.Engine.LogDir),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxgate: build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Infow("VoxGate starting",
		"version", utils.Version,
		"mi", fmt.Sprintf("%s:%d", cfg.OpenSIPS.IP, cfg.OpenSIPS.Port),
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTP.MinPort, cfg.RTP.MaxPort),
		"flavors", agent.Names(),
	)

	client, err := mi.NewClient(logger, cfg.OpenSIPS.IP, cfg.OpenSIPS.Port)
	if err != nil {
		logger.Errorw("Cannot reach OpenSIPS MI", "error", err)
		return 1
	}
	defer client.Close()

	ports, err := media.NewPortRange(logger, cfg.RTP.MinPort, cfg.RTP.MaxPort)
	if err != nil {
		logger.Errorw("Bad RTP port range", "error", err)
		return 1
	}

	eng := engine.New(logger, cfg, client, ports)

	listener, err := mi.NewListener(logger, client, cfg.Engine.EventIP, cfg.Engine.EventPort)
	if err != nil {
		logger.Errorw("Cannot bind event socket", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := listener.Start(runCtx, eng.HandleEvent); err != nil {
			return err
		}
		logger.Infow("Engine ready", "events", listener.Socket())
		<-runCtx.Done()
		return nil
	})

	err = g.Wait()

	logger.Infow("Shutting down")
	if cerr := listener.Close(); cerr != nil {
		logger.Warnw("Event listener close failed", "error", cerr)
	}
	eng.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorw("Engine failed", "error", err)
		return 1
	}
	logger.Infow("Goodbye")
	return 0
}
