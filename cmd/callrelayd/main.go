// Package main implements callrelayd, the call signaling relay daemon.
// It terminates websocket peers, drives each call's state machine, and
// optionally joins a NATS fabric so peers on different nodes can reach
// each other.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/waveline/callrelay/internal/call"
	"github.com/waveline/callrelay/internal/config"
	"github.com/waveline/callrelay/internal/gateway"
	"github.com/waveline/callrelay/internal/relay"
	"github.com/waveline/callrelay/internal/store"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/callrelay/config.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *devMode {
		cfg.DevMode = true
	}

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Str("addr", cfg.Listen.Addr).
		Msg("Call relay starting")

	storagePath := cfg.Storage.Path
	if cfg.DevMode && storagePath == config.DefaultConfig().Storage.Path {
		storagePath = ":memory:"
	}
	st, err := store.Open(storagePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", storagePath).Msg("Failed to open call store")
	}
	defer st.Close()

	hub := relay.NewHub()

	var sender call.Relay = hub
	var bridge *relay.Bridge
	if cfg.NATS.URL != "" {
		bridge, err = relay.NewBridge(relay.BridgeConfig{
			URL:             cfg.NATS.URL,
			CredentialsFile: cfg.NATS.CredentialsFile,
			ReconnectWait:   time.Duration(cfg.NATS.ReconnectWait) * time.Millisecond,
			MaxReconnects:   cfg.NATS.MaxReconnects,
		}, hub)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to signaling fabric")
		}
		defer bridge.Close()
		if err := bridge.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start fabric subscription")
		}
		sender = &relay.Fabric{Hub: hub, Bridge: bridge}
		log.Info().Str("url", cfg.NATS.URL).Msg("Joined signaling fabric")
	}

	engine := call.NewEngine(st, st, sender, call.Config{
		RingTimeout: time.Duration(cfg.Calls.RingTimeoutSeconds) * time.Second,
	})

	srv := &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: gateway.NewServer(engine, hub, st).Routes(),
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Listener failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Forced listener shutdown")
	}

	log.Info().Msg("Call relay shutdown complete")
}
