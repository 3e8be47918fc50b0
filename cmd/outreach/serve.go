package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alfredjeanlab/outreach/internal/channel"
	"github.com/alfredjeanlab/outreach/internal/config"
	"github.com/alfredjeanlab/outreach/internal/events"
	"github.com/alfredjeanlab/outreach/internal/export"
	"github.com/alfredjeanlab/outreach/internal/ingest"
	"github.com/alfredjeanlab/outreach/internal/policy"
	"github.com/alfredjeanlab/outreach/internal/retry"
	"github.com/alfredjeanlab/outreach/internal/router"
	"github.com/alfredjeanlab/outreach/internal/scheduler"
	"github.com/alfredjeanlab/outreach/internal/sequence"
	"github.com/alfredjeanlab/outreach/internal/server"
	"github.com/alfredjeanlab/outreach/internal/store"
	"github.com/alfredjeanlab/outreach/internal/store/memory"
	"github.com/alfredjeanlab/outreach/internal/store/postgres"
	"github.com/alfredjeanlab/outreach/internal/tracker"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the outreach engine (scheduler, HTTP API, gRPC health)",
	GroupID: "system",
	Args:    cobra.NoArgs,
	// The engine itself needs no API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

		// Storage.
		st, err := openStore(cfg, logger)
		if err != nil {
			return err
		}

		// Event bus.
		var publisher events.Publisher = &events.NoopPublisher{}
		var nc *nats.Conn
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				st.Close()
				return err
			}
			publisher = pub
			nc = pub.Conn()
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		} else {
			logger.Info("events disabled (OUTREACH_NATS_URL not set)")
		}
		closeAll := func() {
			if err := publisher.Close(); err != nil {
				logger.Error("error closing publisher", "err", err)
			}
			if err := st.Close(); err != nil {
				logger.Error("error closing store", "err", err)
			}
		}

		adapters, err := buildAdapters(cfg, nc, logger)
		if err != nil {
			closeAll()
			return err
		}
		def, rules, err := cfg.PolicyRules()
		if err != nil {
			closeAll()
			return err
		}

		// Engine components.
		rec := events.NewRecorder(st, publisher, logger)
		catalog := sequence.NewCatalog(st, logger).WithRecorder(rec)
		sched := scheduler.New(st, catalog, router.New(retry.Default()), policy.New(def, rules, st, logger),
			adapters, rec, logger, scheduler.Config{
				Workers:      cfg.Workers,
				BatchSize:    cfg.BatchSize,
				PollInterval: cfg.PollInterval,
				LeaseTTL:     cfg.LeaseTTL,
				SendTimeout:  cfg.SendTimeout,
			})
		trk := tracker.New(st, catalog, rec, logger)
		ingester := ingest.New(st, rec, sched, logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		schedDone := make(chan struct{})
		go func() {
			defer close(schedDone)
			if err := sched.Run(ctx); err != nil {
				logger.Error("scheduler stopped", "err", err)
			}
		}()
		logger.Info("scheduler started", "id", sched.ID(), "workers", cfg.Workers, "channels", fmt.Sprint(adapters.Channels()))

		// Inbound engagement from the bus, alongside the webhook.
		consumeDone := make(chan struct{})
		if nc != nil {
			sub := events.NewNATSSubscriberConn(nc)
			go func() {
				defer close(consumeDone)
				if err := ingester.Consume(ctx, sub, events.TopicInbound); err != nil {
					logger.Error("engagement consumer error", "err", err)
				}
				sub.Close()
			}()
			logger.Info("engagement consumer started", "topic", events.TopicInbound)
		} else {
			close(consumeDone)
		}

		// Transports.
		srv := server.NewOutreachServer(catalog, trk, ingester, sched, logger)
		rec.AddSink(srv.Hub())

		grpcServer, healthSrv := server.NewGRPCServer(cfg.AuthToken, logger)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			cancel()
			<-schedDone
			closeAll()
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.NewHTTPHandler(cfg.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		// Snapshot export.
		var exporter *export.Exporter
		if dests := buildDestinations(cfg, logger); cfg.ExportInterval > 0 && len(dests) > 0 {
			exporter = export.NewExporter(st, dests, cfg.ExportInterval, logger)
			exporter.Start()
			logger.Info("snapshot exporter started", "interval", cfg.ExportInterval, "destinations", len(dests))
		}

		logger.Info("outreach engine started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Stop advertising readiness before draining.
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		healthSrv.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		cancel()
		<-consumeDone
		<-schedDone
		logger.Info("scheduler stopped")

		if exporter != nil {
			exporter.Stop()
			logger.Info("snapshot exporter stopped")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		closeAll()
		logger.Info("shutdown complete")
		return nil
	},
}

// openStore connects to Postgres when a database URL is configured and
// falls back to the in-memory store otherwise.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("OUTREACH_DATABASE_URL not set; using in-memory store (state is lost on exit)")
		return memory.New(), nil
	}
	return postgres.New(cfg.DatabaseURL)
}

// buildAdapters registers one adapter per channel from OUTREACH_ADAPTER_<CHANNEL>:
// "dryrun", "nats" (publishes on the bus), "none" (leave unregistered), or an
// http(s) gateway URL.
func buildAdapters(cfg *config.Config, nc *nats.Conn, logger *slog.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry()
	for ch, target := range cfg.Adapters {
		switch {
		case target == "none":
			continue
		case target == "" || target == "dryrun":
			reg.Register(ch, channel.NewDryRunAdapter(logger))
		case target == "nats":
			if nc == nil {
				return nil, fmt.Errorf("OUTREACH_ADAPTER_%s=nats requires OUTREACH_NATS_URL", strings.ToUpper(string(ch)))
			}
			reg.Register(ch, channel.NewNATSAdapter(nc))
		case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
			reg.Register(ch, channel.NewHTTPAdapter(target, cfg.AdapterToken))
		default:
			return nil, fmt.Errorf("OUTREACH_ADAPTER_%s: unknown adapter %q", strings.ToUpper(string(ch)), target)
		}
	}
	return reg, nil
}

// buildDestinations returns the configured snapshot destinations. A
// destination that cannot be set up is logged and skipped.
func buildDestinations(cfg *config.Config, logger *slog.Logger) []export.Destination {
	var dests []export.Destination
	if cfg.ExportS3Bucket != "" {
		s3Dest, err := export.NewS3Destination(context.Background(),
			cfg.ExportS3Bucket,
			cfg.ExportS3Prefix,
			cfg.ExportS3Region,
			cfg.ExportS3Endpoint,
		)
		if err != nil {
			logger.Error("failed to create S3 export destination", "err", err)
		} else {
			dests = append(dests, s3Dest)
			logger.Info("S3 export destination enabled", "destination", s3Dest.String())
		}
	}
	if cfg.ExportDir != "" {
		dests = append(dests, export.DirDestination{Dir: cfg.ExportDir})
		logger.Info("directory export destination enabled", "dir", cfg.ExportDir)
	}
	return dests
}
