package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chainnet/config"
	"chainnet/observability/logging"
	telemetry "chainnet/observability/otel"
	"chainnet/p2p"
	"chainnet/p2p/seeds"
	"chainnet/p2p/transport"
	"chainnet/storage"
)

const (
	serviceName     = "chainnetd"
	shutdownTimeout = 15 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	envFlag := flag.String("env", "", "Deployment environment label (overrides config)")
	flag.Parse()

	if err := run(*configFile, *envFlag); err != nil {
		fmt.Fprintf(os.Stderr, "chainnetd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(envOverride)
	if env == "" {
		env = cfg.Environment
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    serviceName,
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	identity, err := transport.LoadOrCreateIdentity(cfg.IdentityFile)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: p2p.DefaultConfig().ClientVersion,
		Environment:    env,
		NodeID:         identity.ID.String(),
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	netCfg, err := cfg.P2P.NetworkConfig()
	if err != nil {
		return fmt.Errorf("p2p config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open peer store: %w", err)
	}

	// controller is assigned before Start binds any listener.
	var controller *p2p.Controller
	tcp, err := transport.New(identity, transport.Config{
		Network:          netCfg.NetworkID,
		HandshakeTimeout: cfg.P2P.HandshakeTimeout(),
		AllowRemote:      func(addr string) bool { return controller.AllowRemote(addr) },
		Logger:           logger,
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	var seedSource p2p.SeedSource
	if path := strings.TrimSpace(cfg.Seeds.RegistryFile); path != "" {
		registry, err := seeds.Load(path)
		if err != nil {
			_ = db.Close()
			return err
		}
		timeout := time.Duration(cfg.Seeds.TimeoutMs) * time.Millisecond
		seedSource = seeds.NewSource(registry, seeds.NewDNSResolver(cfg.Seeds.DNSServer, timeout), nil, logger)
	}

	controller, err = p2p.NewController(netCfg, p2p.Options{
		Self:      identity.ID,
		Transport: tcp,
		Store:     db,
		Seeds:     seedSource,
		Logger:    logger,
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := controller.Start(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("start network: %w", err)
	}
	events, unsubscribe := controller.Events()
	go logEvents(logger, events)

	var admin *http.Server
	if addr := strings.TrimSpace(cfg.AdminAddress); addr != "" {
		admin = &http.Server{
			Addr:              addr,
			Handler:           newAdminRouter(controller, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin server failed", slog.Any("error", err))
				stop()
			}
		}()
	}

	logger.Info("chainnetd running",
		slog.String("network", netCfg.NetworkID),
		logging.MaskField("node_id", identity.ID.String()),
		slog.Any("listen_addrs", controller.ListenAddrs()))

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	unsubscribe()
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Error("Network shutdown incomplete", slog.Any("error", err))
	}
	return nil
}

func logEvents(logger *slog.Logger, events <-chan p2p.Event) {
	for ev := range events {
		logger.Debug("Network event",
			slog.String("kind", string(ev.Kind)),
			logging.MaskField("peer_id", ev.Peer.String()),
			slog.String("reason", ev.Reason))
	}
}
