package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CardFlight/payment-agent/internal/api"
	"github.com/CardFlight/payment-agent/internal/config"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/gateway"
	"github.com/CardFlight/payment-agent/internal/logging"
	"github.com/CardFlight/payment-agent/internal/manager"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/notify"
	"github.com/CardFlight/payment-agent/internal/record"
	"github.com/CardFlight/payment-agent/internal/settings"
	"github.com/CardFlight/payment-agent/internal/transaction"
	"github.com/CardFlight/payment-agent/internal/tray"
)

// Credentials used by --simulate when none are configured.
const (
	simulatedAccountID = "acct_simulated"
	simulatedAPIKey    = "key_simulated"
)

// agent holds the long lived components shared by the server and the
// one-shot commands.
type agent struct {
	cfg      *config.Config
	hub      *api.WSHub
	manager  *manager.TransactionManager
	store    record.Store
	nats     *notify.NATSPublisher
	merchant *merchant.Account
}

func newDriver(simulate bool) core.Driver {
	if simulate {
		d := core.NewSimulatedDriver()
		card := core.DefaultSimulatedCard()
		d.AutoPresent = &card
		d.AutoPresentDelay = 2 * time.Second
		return d
	}
	return core.NewPCSCDriver(nil)
}

func openStore(cfg *config.Config) (record.Store, error) {
	if cfg.Store.Path == "" {
		return record.NewMemoryStore(), nil
	}
	return record.NewSQLiteStore(cfg.Store.Path)
}

// newAgent builds every component. The hub is created but not started.
func newAgent(ctx context.Context, cfg *config.Config, simulate bool) (*agent, error) {
	simulate = simulate || cfg.Gateway.Simulate
	a := &agent{cfg: cfg, hub: api.NewWSHub()}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	var gw gateway.Gateway
	if simulate {
		gw = gateway.NewSimulator(gateway.WithCallbacks(notify.NewCallbackPoster()))
	} else {
		gw = gateway.NewHTTPClient(api.Version)
	}

	publishers := notify.Multi{a.hub}
	if cfg.NATS.URL != "" {
		nc, err := notify.DialNATS(cfg.NATS.URL, cfg.NATS.Prefix)
		if err != nil {
			// events still reach WebSocket clients
			logging.Warn(logging.CatNotify, "NATS unavailable, continuing without it", map[string]any{
				"error": err.Error(),
			})
		} else {
			a.nats = nc
			publishers = append(publishers, nc)
		}
	}

	reachability := transaction.ReachabilityFull
	if settings.Get().Offline {
		reachability = transaction.ReachabilityNone
	}

	mgr, err := manager.New(manager.Config{
		Gateway: gw,
		Merchants: merchant.NewManager(gw,
			merchant.WithBaseURLs(cfg.Gateway.V1URL, cfg.Gateway.V2URL),
			merchant.WithTimeout(cfg.Gateway.Timeout),
		),
		Driver:       newDriver(simulate),
		Store:        store,
		Publisher:    publishers,
		Reachability: reachability,
		Timeout:      cfg.Gateway.Timeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager = mgr

	id, key := cfg.Merchant.AccountID, cfg.Merchant.APIKey
	if id == "" && simulate {
		id, key = simulatedAccountID, simulatedAPIKey
	}
	if id != "" {
		acct, err := mgr.Merchants().Create(id, key)
		if err == nil {
			err = mgr.Merchants().ValidateSync(ctx, acct)
		}
		if err != nil {
			// requests can still name their own account
			logging.Error(logging.CatGateway, "Default merchant account failed validation", map[string]any{
				"accountId": id,
				"error":     err.Error(),
			})
		} else {
			a.merchant = acct
			mgr.RegisterAccount(acct)
		}
	}
	return a, nil
}

func (a *agent) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Warn(logging.CatStore, "Failed to close record store", map[string]any{"error": err.Error()})
		}
	}
}

func initLogging(cfg *config.Config) {
	level, ok := logging.ParseLevel(cfg.Log.Level)
	if !ok {
		level = logging.LevelInfo
	}
	logging.Init(1000, level)
	logging.SetConsole(cfg.Log.Console || settings.Get().ConsoleLogging)
}

func runAgent(ctx context.Context, flags *rootFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if _, err := settings.Load(); err != nil {
		log.Printf("Warning: failed to load settings, using defaults: %v", err)
	}

	initLogging(cfg)
	logging.InitSentry(api.Version, settings.IsCrashReportingEnabled())
	defer logging.FlushSentry(2 * time.Second)
	// Recover from panics in the main goroutine and flush them to Sentry
	defer logging.RecoverAndLog("main", true)

	logging.Info(logging.CatSystem, "Payment agent starting", map[string]any{
		"version":  api.Version,
		"simulate": flags.simulate || cfg.Gateway.Simulate,
	})

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newAgent(ctx, cfg, flags.simulate)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	defer a.Close()
	go a.hub.Run(ctx)

	opts := []api.ServerOption{
		api.WithShutdownHandler(cancel),
		api.WithAllowedOrigins(cfg.AllowedOrigins),
	}
	if a.merchant != nil {
		opts = append(opts, api.WithDefaultAccount(a.merchant))
	}
	srv := api.NewServer(a.manager, a.hub, opts...)

	addr := cfg.Address()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serve := func() {
		log.Printf("payment-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(logging.CatSystem, "Server error", map[string]any{"error": err.Error()})
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			cancel()
		}
	}

	if !flags.noTray && tray.IsSupported() {
		log.Println("Starting with system tray...")
		trayApp := tray.New(addr, a.manager, cancel)
		go func() {
			<-ctx.Done()
			trayApp.Quit()
		}()
		// Blocks on the main thread until quit (required for macOS Cocoa)
		trayApp.RunWithServer(serve)
	} else {
		if flags.noTray {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}
		go serve()
		<-ctx.Done()
	}

	log.Println("Shutting down...")
	logging.Info(logging.CatSystem, "Payment agent stopping", nil)
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return httpServer.Shutdown(shutdownCtx)
}
