package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/fleetd/internal/adapter/natsbus"
	"github.com/xiaot623/fleetd/internal/config"
	"github.com/xiaot623/fleetd/internal/dispatch"
	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/eventbus"
	"github.com/xiaot623/fleetd/internal/gateway"
	"github.com/xiaot623/fleetd/internal/ingest"
	"github.com/xiaot623/fleetd/internal/journal"
	"github.com/xiaot623/fleetd/internal/logger"
	"github.com/xiaot623/fleetd/internal/metrics"
	"github.com/xiaot623/fleetd/internal/policy"
	"github.com/xiaot623/fleetd/internal/registry"
	store "github.com/xiaot623/fleetd/internal/repository"
	httpserver "github.com/xiaot623/fleetd/internal/transport/http"
	v1 "github.com/xiaot623/fleetd/internal/transport/http/v1"
	"github.com/xiaot623/fleetd/internal/transport/rpc"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"http_port":     cfg.HTTPPort,
		"internal_port": cfg.InternalPort,
		"rpc_port":      cfg.RPCPort,
		"database":      cfg.DatabaseURL,
		"nats":          cfg.NATSURL != "",
	}).Info("starting fleetd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer db.Close()

	m := metrics.New()
	bus := eventbus.New(eventbus.Options{
		ReplayBufferSize: cfg.EventReplayBufferSize,
		QueueDepth:       cfg.SubscriberQueueDepth,
		Metrics:          m,
	})
	reg := registry.New(bus, registry.Options{
		LivenessTimeout: cfg.EffectiveLivenessTimeout(),
		Logger:          logger.Component(log, "registry"),
		Metrics:         m,
	})

	// Command admission
	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.CommandPolicyFile)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}
	var catalog *dispatch.Catalog
	if cfg.CommandVerbsFile != "" {
		if catalog, err = dispatch.LoadCatalog(cfg.CommandVerbsFile); err != nil {
			return err
		}
	}

	// Push delivery is optional; without it agents pick commands up on check-in.
	var (
		nc        *nats.Conn
		transport dispatch.Transport
	)
	if cfg.NATSURL != "" {
		nc, err = natsbus.Connect(cfg.NATSURL, logger.Component(log, "nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		transport = natsbus.NewTransport(nc, logger.Component(log, "nats"))
	}

	disp, err := dispatch.New(reg, bus, dispatch.Options{
		Timeout:             cfg.CommandTimeout,
		Retention:           cfg.CommandRetention,
		ArchiveSize:         cfg.CommandArchiveSize,
		MaxBroadcastTargets: cfg.MaxBroadcastTargets,
		Workers:             cfg.DeliveryWorkers,
		Catalog:             catalog,
		Policy:              policyEngine,
		Transport:           transport,
		Store:               db,
		Logger:              logger.Component(log, "dispatch"),
		Metrics:             m,
	})
	if err != nil {
		return fmt.Errorf("initialize dispatcher: %w", err)
	}

	categories := make([]domain.ReportCategory, 0, len(cfg.ReportCategories))
	for _, c := range cfg.ReportCategories {
		categories = append(categories, domain.ReportCategory(c))
	}
	ing := ingest.New(reg, bus, ingest.Options{
		Categories:       categories,
		AlertThreshold:   cfg.AlertPriorityThreshold,
		ThroughputWindow: cfg.ThroughputWindow,
		Claimer:          disp,
		Sink:             db,
		Logger:           logger.Component(log, "ingest"),
		Metrics:          m,
	})

	// Rebuild in-memory state before anything can publish.
	err = journal.Recover(ctx, db, journal.Targets{Registry: reg, Dispatcher: disp, Bus: bus}, journal.RecoverOptions{
		Retention:   cfg.CommandRetention,
		EventWindow: cfg.EventReplayBufferSize * len(domain.AllTopics),
		Logger:      logger.Component(log, "journal"),
	})
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	jr, err := journal.New(bus, db, journal.Options{
		QueueDepth: cfg.JournalQueueDepth,
		Agents:     func() []domain.Agent { return reg.List(domain.AgentFilter{}) },
		Commands:   func() []domain.Command { return disp.List(domain.CommandFilter{}) },
		Logger:     logger.Component(log, "journal"),
	})
	if err != nil {
		return fmt.Errorf("initialize journal: %w", err)
	}

	// Subscription gateway
	gw := gateway.New(bus, reg, disp, logger.Component(log, "gateway"))
	hub := gateway.NewHub(logger.Component(log, "hub"))
	stream := gateway.NewServer(gw, hub, gateway.ServerOptions{
		PingInterval:   cfg.WSPingInterval,
		WriteTimeout:   cfg.WSWriteTimeout,
		ReadTimeout:    cfg.WSReadTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
	}, logger.Component(log, "ws"))

	deps := v1.Deps{
		Registry:   reg,
		Ingest:     ing,
		Dispatcher: disp,
		Snapshots:  gw,
		Reports:    db,
		Stream:     stream.HandleStream,
		Extra: func() map[string]interface{} {
			return map[string]interface{}{
				"sequence":    bus.Head(),
				"subscribers": bus.SubscriberCount(),
				"connections": hub.ConnectionCount(),
				"journal":     jr.Stats(),
			}
		},
	}
	if cfg.OperatorToken == "" {
		log.Warn("operator_token is not set, the operator API is unauthenticated")
	}
	external := httpserver.NewExternalServer(deps, httpserver.ExternalOptions{
		OperatorToken: cfg.OperatorToken,
		Gatherer:      m.Registry,
	}, logger.Component(log, "http"))
	internal := httpserver.NewInternalServer(deps, logger.Component(log, "http_internal"))

	rpcServer, err := rpc.NewServer(ing, disp, logger.Component(log, "rpc"))
	if err != nil {
		return err
	}
	rpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RPCPort))
	if err != nil {
		return fmt.Errorf("listen rpc: %w", err)
	}

	// The journal outlives the servers so it can flush what they published.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	journalDone := make(chan error, 1)
	go func() { journalDone <- jr.Run(journalCtx) }()

	deliveryCtx, stopDelivery := context.WithCancel(context.Background())
	defer stopDelivery()
	disp.Start(deliveryCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.RunLivenessMonitor(gctx, cfg.LivenessSweepInterval)
		return nil
	})
	g.Go(func() error {
		disp.RunTimeoutMonitor(gctx, cfg.CommandSweepInterval)
		return nil
	})
	if nc != nil {
		acks := natsbus.NewAckConsumer(nc, disp, logger.Component(log, "nats"))
		g.Go(func() error { return acks.Run(gctx) })
	}
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := external.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internal.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("internal http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := rpcServer.Serve(rpcListener); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down fleetd")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := external.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to shutdown http server gracefully")
		}
		if err := internal.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to shutdown internal http server gracefully")
		}
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to shutdown rpc server gracefully")
		}
		hub.CloseAll()
		return nil
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := disp.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("delivery queue not drained")
	}
	stopDelivery()

	stopJournal()
	if err := <-journalDone; err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("journal stopped with error")
	}

	log.Info("fleetd stopped")
	return runErr
}
