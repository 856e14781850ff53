// Command relayserver runs the Relay Orchestrator HTTP surface described
// in spec.md §4.H: account creation, atomic WebAuthn registration,
// authentication verification, and Shamir 3-pass server-lock endpoints
// over a single relayer key.
//
// Grounded on cmd/appserver/main.go's flag-then-config-then-signal-wait
// shutdown idiom.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/near-examples/passkey-wallet-engine/internal/relay"
	"github.com/near-examples/passkey-wallet-engine/pkg/config"
	"github.com/near-examples/passkey-wallet-engine/pkg/logging"
	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (overrides CONFIG_FILE)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config/env)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("relayserver", cfg.Logging.Level, cfg.Logging.Format)

	rpc := nearrpc.New(cfg.Near.RPCURL)

	var store relay.Store
	if cfg.Database.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err = relay.OpenPostgresStore(ctx, cfg.Database.DSN, cfg.Database.MigrateOnStart)
		cancel()
		if err != nil {
			log.Fatalf("open relay store: %v", err)
		}
	} else {
		logger.Logger.Warn("DATABASE_URL not set, relay job and registration records are discarded (NullStore)")
		store = relay.NullStore{}
	}
	defer store.Close()

	orchestrator, err := relay.New(cfg, rpc, store, logger)
	if err != nil {
		log.Fatalf("initialize relay orchestrator: %v", err)
	}
	defer orchestrator.Close()

	listenAddr := *addr
	if listenAddr == "" {
		port := cfg.Server.Port
		if port == 0 {
			port = 8080
		}
		listenAddr = cfg.Server.Host + ":" + strconv.Itoa(port)
	}

	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      relay.NewServer(orchestrator),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("relayserver listening on %s", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
