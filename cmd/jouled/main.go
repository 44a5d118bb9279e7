// jouled is the multi-tenant telemetry store daemon.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orbiteos/joule/config"
	"github.com/orbiteos/joule/internal/api"
	"github.com/orbiteos/joule/internal/catalog"
	"github.com/orbiteos/joule/internal/loader"
	"github.com/orbiteos/joule/internal/logging"
	"github.com/orbiteos/joule/internal/storage"
	storageconfig "github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/tenant"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	token := flag.String("token", "", "auth token (or JOULE_TOKEN env)")
	catalogDSN := flag.String("catalog", "", "catalog DSN (overrides config)")
	dataDir := flag.String("data-dir", "", "telemetry data directory (overrides config)")
	watch := flag.Bool("watch", false, "watch config for changes")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Printf("jouled %s starting...", Version)

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config file found, using defaults")
			cfg = loader.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *noTLS {
		cfg.TLS.CertFile = ""
		cfg.TLS.KeyFile = ""
	}
	if *tlsCert != "" {
		cfg.TLS.CertFile = *tlsCert
	}
	if *tlsKey != "" {
		cfg.TLS.KeyFile = *tlsKey
	}
	if *catalogDSN != "" {
		cfg.Catalog.DSN = *catalogDSN
	}
	if cfg.Store == nil {
		cfg.Store = storageconfig.DefaultConfig()
	}
	if *dataDir != "" {
		cfg.Store.DataDir = *dataDir
	}

	// Token from flag or env
	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("JOULE_TOKEN")
	}
	if authToken != "" && len(cfg.Auth.Tokens) == 0 {
		cfg.Auth.Tokens = []loader.TokenConfig{{ID: "cli", Token: authToken}}
	}

	// Validate
	if err := loader.Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Structured logging for everything below main
	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")

	// =========================================================================
	// Initialize Catalog (relational - tenants, sites, devices)
	// =========================================================================

	log.Printf("Opening catalog: %s (%s)", cfg.Catalog.DSN, cfg.Catalog.Driver)

	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		log.Fatalf("Open catalog: %v", err)
	}

	resolver := tenant.New(cat, cfg.Resolver)

	// =========================================================================
	// Initialize Telemetry Store (Parquet + WAL + DuckDB)
	// =========================================================================

	log.Printf("Initializing telemetry store: %s", cfg.Store.DataDir)

	store, err := storage.NewWithOptions(cfg.Store, storage.Options{
		TenantPolicy: resolver,
	})
	if err != nil {
		log.Fatalf("Create telemetry store: %v", err)
	}
	if err := store.Start(); err != nil {
		log.Fatalf("Start telemetry store: %v", err)
	}

	// =========================================================================
	// Apply Configuration (tenants, sites, devices, retention)
	// =========================================================================

	deps := loader.Deps{
		Catalog:   cat,
		Resolver:  resolver,
		Retention: store,
	}

	if len(cfg.Tenants) > 0 {
		result, err := loader.Apply(context.Background(), cfg, deps)
		if err != nil {
			log.Printf("Warning: Apply config: %v", err)
		} else {
			log.Printf("Config applied: %d tenants created, %d updated, %d sites, %d devices",
				result.TenantsCreated, result.TenantsUpdated,
				result.SitesCreated+result.SitesUpdated,
				result.DevicesCreated+result.DevicesUpdated)
			for _, e := range result.Errors {
				log.Printf("Warning: %s", e)
			}
		}
	}

	// Watch config for changes
	if *watch {
		watcher := loader.NewWatcher(*cfgPath, deps, func(result *loader.ApplyResult) {
			log.Printf("Config reloaded: %d tenants, %d sites, %d devices, %d errors",
				result.TenantsCreated+result.TenantsUpdated,
				result.SitesCreated+result.SitesUpdated,
				result.DevicesCreated+result.DevicesUpdated, len(result.Errors))
		})
		watcher.Start()
		defer watcher.Stop()
	}

	// =========================================================================
	// Create API Server
	// =========================================================================

	tokens := make([]api.TokenConfig, len(cfg.Auth.Tokens))
	for i, t := range cfg.Auth.Tokens {
		tokens[i] = api.TokenConfig{
			ID:      t.ID,
			Token:   t.Token,
			Tenants: t.Tenants,
		}
	}

	srv, err := api.New(api.Config{
		Listen:                 cfg.Listen,
		TLSCertFile:            cfg.TLS.CertFile,
		TLSKeyFile:             cfg.TLS.KeyFile,
		Tokens:                 tokens,
		AuthRateLimitPerMinute: cfg.Auth.RateLimitPerMinute,
	}, api.Deps{
		Store:    store,
		Catalog:  cat,
		Resolver: resolver,
	})
	if err != nil {
		log.Fatalf("Create server: %v", err)
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	shutdownDone := make(chan struct{})
	go func() {
		<-sig
		log.Println("Shutting down...")

		// Stop the server first (stop accepting new work)
		drainCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(config.DefaultDrainTimeoutSec)*time.Second)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			log.Printf("Warning: server shutdown: %v", err)
		}

		// Stop the telemetry store (flush WAL and memstore)
		log.Println("Stopping telemetry store...")
		if err := store.Stop(); err != nil {
			log.Printf("Warning: store stop: %v", err)
		}

		// Close the catalog last
		if err := cat.Close(); err != nil {
			log.Printf("Warning: catalog close: %v", err)
		}

		close(shutdownDone)
	}()

	// =========================================================================
	// Run
	// =========================================================================

	log.Printf("Listening on %s", cfg.Listen)
	if cfg.TLS.Enabled() {
		log.Printf("TLS enabled (cert=%s)", cfg.TLS.CertFile)
	}
	ret := cfg.Store.Retention
	log.Printf("Retention: raw=%s, 5m=%s, 1h=%s, 1d=%s",
		ret.Raw, ret.FiveMin, ret.Hourly, ret.Daily)

	if err := srv.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	<-shutdownDone
}
