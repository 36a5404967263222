package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"brokergate/internal/broker"
	"brokergate/internal/config"
	"brokergate/internal/engine"
	"brokergate/internal/event"
	"brokergate/internal/httpapi"
	"brokergate/internal/live"
	"brokergate/internal/metrics"
	"brokergate/internal/publish"
	"brokergate/internal/risk"
	"brokergate/internal/session"
	"brokergate/internal/store"
	"brokergate/internal/util"
)

func main() {
	// Environment from .env is optional.
	_ = godotenv.Load()

	cfgPath := "config/brokergate.yaml"
	if p := os.Getenv("BROKERGATE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	var w io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		f := util.RotatingFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxAgeDays)
		defer f.Close()
		w = io.MultiWriter(os.Stdout, f)
	}
	logger := util.NewLoggerTo(w, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("brokergate exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	// abort stops whatever the group already runs before a startup error
	// is returned.
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	// Metrics.
	counters := metrics.NewCounters()
	sink := metrics.Multi{counters}
	if cfg.CloudWatch.Enabled {
		cw, err := metrics.NewCloudWatch(ctx, cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.FlushInterval, logger)
		if err != nil {
			return fmt.Errorf("creating cloudwatch sink: %w", err)
		}
		sink = append(sink, cw)
		g.Go(func() error { return cw.Run(ctx) })
	}

	// Engine.
	limits, err := risk.LimitsFromConfig(cfg.Risk)
	if err != nil {
		return abort(err)
	}
	breakerCfg, err := risk.BreakerFromConfig(cfg.Breaker)
	if err != nil {
		return abort(err)
	}
	calendar, err := util.NewSessionCalendar(cfg.Risk.SessionZone, cfg.Risk.SessionBoundary)
	if err != nil {
		return abort(err)
	}
	gw := newGateway(cfg)
	hub := event.NewHub()

	// Journal. The recorder outlives the engine so the final session events
	// published by eng.Close are written before the journal closes.
	var journal *store.SQLiteStore
	if cfg.Storage.SQLitePath != "" {
		journal, err = store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return abort(fmt.Errorf("opening journal: %w", err))
		}
		rec := store.NewRecorder(journal, cfg.Session.EventBuffer, sink, logger)
		rec.Attach(hub)
		recCtx, stopRec := context.WithCancel(context.WithoutCancel(ctx))
		recDone := make(chan struct{})
		go func() {
			defer close(recDone)
			_ = rec.Run(recCtx)
		}()
		defer func() {
			rec.Detach()
			stopRec()
			<-recDone
			journal.Close()
		}()
	}

	eng := engine.New(engine.Config{
		Session:  session.FromConfig(cfg.Broker, cfg.Session),
		Limits:   limits,
		Breaker:  breakerCfg,
		Calendar: calendar,
	}, gw, hub, sink, logger)
	defer eng.Close()

	// Archive.
	if cfg.Storage.DataDir != "" {
		eng.SetArchive(store.NewParquetStore(cfg.Storage.DataDir))
	}
	// Event publishing.
	if cfg.Redis.Addr != "" {
		rdb := publish.NewRedisClient(cfg.Redis)
		defer rdb.Close()
		pub := publish.NewRedisPublisher(rdb, cfg.Redis.ChannelPrefix, cfg.Session.EventBuffer, sink, logger)
		pub.Attach(hub)
		defer pub.Detach()
		g.Go(func() error { return pub.Run(ctx) })
	}

	logger.Info("connecting to broker", "gateway", gw.Name(), "host", cfg.Broker.Host, "port", cfg.Broker.Port)
	if err := eng.Start(ctx); err != nil {
		return abort(err)
	}
	g.Go(func() error { return eng.Run(ctx) })

	// HTTP API.
	api := httpapi.NewServer(eng, counters, logger)
	if journal != nil {
		api.SetJournal(journal)
	}
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("HTTP API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down brokergate")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Event stream.
	if cfg.Server.GRPCPort != 0 {
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return abort(fmt.Errorf("listening on %s: %w", addr, err))
		}
		gs := grpc.NewServer()
		live.NewServer(hub, cfg.Session.EventBuffer, sink, logger).RegisterGRPC(gs)
		g.Go(func() error {
			logger.Info("event stream listening", "addr", addr)
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			gs.Stop()
			return nil
		})
	}

	return g.Wait()
}

func newGateway(cfg *config.Config) broker.Gateway {
	if cfg.Broker.Kind == "alpaca" {
		return broker.NewAlpacaBroker(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.BaseURL, cfg.Broker.DataFeed, cfg.Session.EventBuffer)
	}
	return broker.NewSimulatorBroker(cfg.Session.EventBuffer)
}
