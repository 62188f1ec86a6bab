// Command gateway launches the real-account trading middleware
// runtime: venue clients, market fan-out, bar aggregation, archive
// persistence, gap repair, and the multi-tenant order gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/tradecore/internal/aggregator"
	"github.com/ledgerline/tradecore/internal/archive"
	"github.com/ledgerline/tradecore/internal/bus/eventbus"
	"github.com/ledgerline/tradecore/internal/config"
	"github.com/ledgerline/tradecore/internal/fanout"
	"github.com/ledgerline/tradecore/internal/gaprepair"
	"github.com/ledgerline/tradecore/internal/gateway"
	"github.com/ledgerline/tradecore/internal/gateway/accountstore"
	"github.com/ledgerline/tradecore/internal/route"
	"github.com/ledgerline/tradecore/internal/schema"
	"github.com/ledgerline/tradecore/internal/telemetry"
	"github.com/ledgerline/tradecore/internal/venue"
	"github.com/ledgerline/tradecore/internal/venue/binance"
	"github.com/ledgerline/tradecore/internal/venue/okx"
)

const defaultConfigPath = "config/app.yaml"

const (
	shutdownTimeout         = 30 * time.Second
	orderWorkerDrainTimeout = 5 * time.Second
	queryWorkerDrainTimeout = 5 * time.Second
	controlWorkerDrainTimeout = 5 * time.Second
	wsQuiesceTimeout        = 10 * time.Second
	archiveCloseTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stdout, "gateway ", log.LstdFlags|log.Lmicroseconds)

	appCfg, loadedFromFile, err := config.LoadOrDefault(resolveConfigPath(cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration loaded: environment=%s", appCfg.Environment)

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = appCfg.Telemetry.Enabled
	if appCfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	telemetryCfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(appCfg.Environment)
	telemetryProvider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.Config{
		BufferSize:    appCfg.Eventbus.BufferSize,
		FanoutWorkers: appCfg.Eventbus.FanoutWorkers,
	})

	rdb := redis.NewClient(&redis.Options{Addr: appCfg.Archive.RedisAddr, DB: appCfg.Archive.RedisDB})
	archiveCfg := buildArchiveConfig(appCfg.Archive)
	store := archive.New(rdb, archiveCfg)

	var pgPool *pgxpool.Pool
	if appCfg.Gateway.PostgresDSN != "" {
		if err := accountstore.ApplyMigrations(ctx, appCfg.Gateway.PostgresDSN); err != nil {
			logger.Fatalf("apply account store migrations: %v", err)
		}
		pgPool, err = pgxpool.New(ctx, appCfg.Gateway.PostgresDSN)
		if err != nil {
			logger.Fatalf("connect account store: %v", err)
		}
		defer pgPool.Close()
	} else {
		logger.Print("gateway.postgres_dsn not set; account registrations are memory-only")
	}
	registry := gateway.NewRegistry(accountstore.New(pgPool))

	clients := startVenueClients(ctx, logger, appCfg)
	if len(clients) == 0 {
		logger.Fatal("no venue clients configured; set at least one of venues.okx/venues.binance")
	}

	// Every role's client implements the full venue.Instance surface
	// (REST order routing included), but only the authenticated
	// private-user client is registered as the venue's default account
	// router target — the public-market and business-kline clients
	// exist purely to feed the fan-out.
	for _, c := range clients {
		if c.Role() != venue.RolePrivateUser {
			continue
		}
		if err := registry.Register(ctx, "", c.Name(), c); err != nil {
			logger.Fatalf("register default account for %s: %v", c.Name(), err)
		}
	}
	if err := registry.Bootstrap(ctx, func(v schema.Venue) (venue.Instance, bool) {
		for _, c := range clients {
			if c.Name() == v && c.Role() == venue.RolePrivateUser {
				return c, true
			}
		}
		return nil, false
	}); err != nil {
		logger.Printf("account store bootstrap: %v", err)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		subscribeDefaultRoutes(c)
		rt := fanout.NewRuntime(bus, c.Name())
		wg.Add(1)
		go func(c venue.Instance, rt *fanout.Runtime) {
			defer wg.Done()
			for err := range rt.Start(ctx, c.Events()) {
				logger.Printf("fanout(%s): %v", c.Name(), err)
			}
		}(c, rt)
	}

	agg := aggregator.New(bus)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := agg.Run(ctx); err != nil {
			logger.Printf("aggregator: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeArchive(ctx, logger, bus, store)
	}()

	if appCfg.GapRepair.Enabled {
		interval, err := time.ParseDuration(appCfg.GapRepair.Interval)
		if err != nil {
			logger.Fatalf("parse gap_repair.interval: %v", err)
		}
		for _, c := range clients {
			job := gaprepair.New(c, store, appCfg.GapRepair.Concurrency)
			wg.Add(1)
			go func(c venue.Instance, job *gaprepair.Job) {
				defer wg.Done()
				runGapRepairLoop(ctx, logger, c.Name(), job, interval)
			}(c, job)
		}
	}

	gw := gateway.New(registry, appCfg.Gateway.QueueDepth)
	wg.Add(1)
	go func() {
		defer wg.Done()
		gw.Run(ctx)
	}()

	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	gracefulShutdown(shutdownCtx, logger, gw, clients, bus, telemetryProvider)

	wg.Wait()
	logger.Print("shutdown complete")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func buildArchiveConfig(cfg config.ArchiveConfig) archive.Config {
	out := archive.DefaultConfig()
	for _, override := range cfg.RetentionOverrides {
		r := out.PerInterval[override.Interval]
		if override.MaxBars > 0 {
			r.MaxBars = override.MaxBars
		}
		if override.TTLDays > 0 {
			r.TTL = time.Duration(override.TTLDays) * 24 * time.Hour
		}
		out.PerInterval[override.Interval] = r
	}
	return out
}

func startVenueClients(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) []venue.Instance {
	var clients []venue.Instance

	if appCfg.Venues.OKX.APIKeyEnv != "" {
		apiKey, secretKey, passphrase, err := appCfg.Venues.OKX.Resolve()
		if err != nil {
			logger.Fatalf("resolve okx credentials: %v", err)
		}
		creds := venue.Credentials{APIKey: apiKey, SecretKey: secretKey, Passphrase: passphrase, IsTestnet: appCfg.Venues.OKX.Testnet}
		for _, role := range []venue.Role{venue.RolePublicMarket, venue.RoleBusinessKline, venue.RolePrivateUser} {
			c := okx.NewClient(role, creds, okx.Config{IsTestnet: creds.IsTestnet})
			if err := c.Start(ctx); err != nil {
				logger.Fatalf("start okx %s client: %v", role, err)
			}
			clients = append(clients, c)
		}
	}

	if appCfg.Venues.Binance.APIKeyEnv != "" {
		apiKey, secretKey, _, err := appCfg.Venues.Binance.Resolve()
		if err != nil {
			logger.Fatalf("resolve binance credentials: %v", err)
		}
		creds := venue.Credentials{APIKey: apiKey, SecretKey: secretKey, IsTestnet: appCfg.Venues.Binance.Testnet}
		for _, role := range []venue.Role{venue.RolePublicMarket, venue.RoleBusinessKline, venue.RolePrivateUser} {
			c := binance.NewClient(role, creds, binance.Config{IsTestnet: creds.IsTestnet})
			if err := c.Start(ctx); err != nil {
				logger.Fatalf("start binance %s client: %v", role, err)
			}
			clients = append(clients, c)
		}
	}

	return clients
}

// subscribeDefaultRoutes activates the public-market and business-kline
// routes every live USDT perp needs: ticker/orderbook/trade on the
// public-market role, 1m klines on the business-kline role. The
// private-user role gets no default routes: its channels are subscribed
// only through the gateway's SubscribeRoute (a Binance private client's
// listen-key stream delivers user data without any subscription).
func subscribeDefaultRoutes(c venue.Instance) {
	var symbols []string
	for _, inst := range c.Instruments() {
		if inst.IsLiveUSDTPerp() {
			symbols = append(symbols, inst.Symbol)
		}
	}
	if len(symbols) == 0 {
		return
	}
	filter := []route.FilterRule{{Field: "symbol", Op: "in", Value: symbols}}

	switch c.Role() {
	case venue.RolePublicMarket:
		for _, rt := range []schema.RouteType{schema.RouteTypeTicker, schema.RouteTypeTrade, schema.RouteTypeOrderbookSnapshot} {
			_ = c.SubscribeRoute(route.Route{Provider: string(c.Name()), Type: rt, Filters: filter})
		}
	case venue.RoleBusinessKline:
		_ = c.SubscribeRoute(route.Route{Provider: string(c.Name()), Type: schema.RouteTypeKline1m, Filters: filter})
	}
}

func consumeArchive(ctx context.Context, logger *log.Logger, bus eventbus.Bus, store *archive.Store) {
	id, ch, err := bus.Subscribe(ctx, "kline-closed")
	if err != nil {
		logger.Printf("archive subscribe: %v", err)
		return
	}
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			bar, ok := evt.Payload.(schema.KlinePayload)
			if !ok || !bar.Closed {
				continue
			}
			if err := store.PutBar(ctx, evt.Venue, evt.Symbol, evt.Interval, bar); err != nil {
				logger.Printf("archive put %s/%s/%s: %v", evt.Venue, evt.Symbol, evt.Interval, err)
			}
		}
	}
}

func runGapRepairLoop(ctx context.Context, logger *log.Logger, v schema.Venue, job *gaprepair.Job, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				logger.Printf("gaprepair(%s): %v", v, err)
			}
		}
	}
}

// gracefulShutdown follows the order the live system must drain in:
// order and query traffic stop taking new work first (both are
// request/reply and safe to cut immediately), then the control worker,
// then the WebSocket clients are asked to quiesce — draining in-flight
// private-channel traffic before the event bus itself is torn down so
// no final execution report is dropped mid-shutdown.
func gracefulShutdown(ctx context.Context, logger *log.Logger, gw *gateway.Gateway, clients []venue.Instance, bus eventbus.Bus, telemetryProvider *telemetry.Provider) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	// Order, then query, then control: in-flight order submissions and
	// balance/position queries must drain before subscription state
	// (which the venue clients below depend on) stops changing.
	step("draining order/query/control workers", orderWorkerDrainTimeout+queryWorkerDrainTimeout+controlWorkerDrainTimeout, func(stepCtx context.Context) error {
		return gw.Shutdown(stepCtx)
	})

	step("quiescing venue websocket clients", wsQuiesceTimeout, func(stepCtx context.Context) error {
		var firstErr error
		for _, c := range clients {
			if err := c.Stop(stepCtx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	step("closing event bus", archiveCloseTimeout, func(context.Context) error {
		bus.Close()
		return nil
	})

	if telemetryProvider != nil {
		step("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return telemetryProvider.Shutdown(stepCtx)
		})
	}
}
