// Command walletengine runs the Wallet Signing Engine host process: the
// Secure Confirm Flow (internal/confirmflow) wired to its nonce manager,
// VRF worker, signer worker, and a cross-origin RPC Bridge
// (internal/bridge) exposed over a websocket for a host page embedding
// this wallet as an iframe. Every connection also shares one
// internal/offlineexport record store, so PM_EXPORT_NEAR_KEYPAIR_UI can
// reveal or passkey-recover a caller's private key without a relay or
// chain round trip.
//
// Grounded on cmd/relayserver/main.go's flag-then-config-then-signal-wait
// shutdown idiom.
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

	"github.com/gorilla/websocket"

	"github.com/near-examples/passkey-wallet-engine/internal/bridge"
	"github.com/near-examples/passkey-wallet-engine/internal/confirmflow"
	"github.com/near-examples/passkey-wallet-engine/internal/noncemgr"
	"github.com/near-examples/passkey-wallet-engine/internal/offlineexport"
	"github.com/near-examples/passkey-wallet-engine/internal/signerworker"
	"github.com/near-examples/passkey-wallet-engine/internal/vrfworker"
	"github.com/near-examples/passkey-wallet-engine/pkg/config"
	"github.com/near-examples/passkey-wallet-engine/pkg/logging"
	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // the relay's CORS allowlist is the real boundary
}

func main() {
	configPath := flag.String("config", "", "path to configuration file (overrides CONFIG_FILE)")
	wsAddr := flag.String("ws-addr", "", "websocket listen address (overrides config/env)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("walletengine", cfg.Logging.Level, cfg.Logging.Format)

	rpc := nearrpc.New(cfg.Near.RPCURL)
	nonces := noncemgr.New(rpc)
	bgCtx, stopBgRefresh := context.WithCancel(context.Background())
	defer stopBgRefresh()
	nonces.StartBackgroundRefresh(bgCtx)
	vrf := vrfworker.New()
	signer := signerworker.New()

	// The offline export record store is process-wide and in-memory: per
	// spec.md §5/§6.3 its local key material belongs to one wallet-origin
	// tab, never the network, so every connection shares one MemStore
	// rather than each bridge connection starting from empty state.
	offlineStore := offlineexport.NewMemStore()

	var relayClient bridge.RelayClient
	if cfg.WalletEngine.RelayURL != "" {
		relayClient = bridge.NewHTTPRelayClient(cfg.WalletEngine.RelayURL)
	} else {
		logger.Logger.Warn("WALLET_RELAY_URL not set, PM_REGISTER will derive key material locally but cannot submit it on-chain")
	}

	listenAddr := *wsAddr
	if listenAddr == "" {
		listenAddr = cfg.WalletEngine.WSAddr
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Logger.Warn("bridge websocket upgrade failed: " + err.Error())
			return
		}
		serveBridgeConnection(conn, nonces, vrf, signer, rpc, relayClient, offlineStore, cfg.WalletEngine.RPID, logger)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // a websocket connection is long-lived by design
	}

	go func() {
		log.Printf("walletengine bridge listening on %s", listenAddr)
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

// serveBridgeConnection runs one Bridge for the lifetime of a single
// websocket connection: every browser tab embedding this wallet gets its
// own confirmflow.Flow instance, so one tab's in-flight signing never
// shares nonce-reservation state with another.
func serveBridgeConnection(
	conn *websocket.Conn,
	nonces *noncemgr.Manager,
	vrf *vrfworker.Worker,
	signer *signerworker.Worker,
	rpc *nearrpc.Client,
	relayClient bridge.RelayClient,
	offlineStore *offlineexport.MemStore,
	defaultRPID string,
	logger *logging.Logger,
) {
	transport := bridge.NewWebsocketTransport(conn)
	defer transport.Close()

	collector := bridge.NewHostRoundTripCollector(transport, 60*time.Second)
	flow := confirmflow.New(nonces, vrf, signer, collector, confirmflow.ConfirmationConfig{
		UIMode:   confirmflow.UIModeModal,
		Behavior: confirmflow.BehaviorRequireClick,
	}, logger)

	br := bridge.New(transport, flow, rpc, relayClient, logger)
	br.SetResponseRouter(collector)
	br.SetDefaultRPID(defaultRPID)
	br.SetOfflineExport(offlineexport.NewService(offlineStore, flow, vrf, signer))

	if err := br.Run(context.Background()); err != nil {
		logger.Logger.Warn("bridge connection closed: " + err.Error())
	}
}
