package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"geotrack-svr/internal/api"
	"geotrack-svr/internal/config"
	"geotrack-svr/internal/grpcclient"
	"geotrack-svr/internal/link"
	"geotrack-svr/internal/observability"
	"geotrack-svr/internal/pipeline"
	"geotrack-svr/internal/server"
	"geotrack-svr/internal/store"
	"geotrack-svr/internal/utilities"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "geotrack-svr:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("Starting geotrack-svr...",
		"storage", cfg.Backend().String(),
		"duplicates", cfg.DupeStrategy().String(),
		"tcp", cfg.TCPAddr, "udp", cfg.UDPAddr, "http", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Inicializar el storage antes de los listeners
	engine, err := store.Open(ctx, cfg.Backend(), cfg.DupeStrategy())
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("storage close failed", "err", err)
		}
	}()

	svc := store.NewService(engine, cfg.MailboxCapacity, logger)
	client := svc.Client()
	defer client.Close()
	svc.Close()

	forwarders, closeForwarders, err := buildForwarders(cfg, logger)
	if err != nil {
		return err
	}
	defer closeForwarders()

	proc := pipeline.NewProcessor(client, logger, forwarders...)
	tracer := &utilities.Tracer{Dir: cfg.TraceDir}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return proc.Run(gctx) })
	for _, f := range forwarders {
		if l, ok := f.(*link.Client); ok {
			g.Go(func() error { return l.Run(gctx) })
		}
	}

	tcp := &server.TCPServer{Addr: cfg.TCPAddr, ReadTimeout: cfg.TCPReadTimeout, Sink: proc, Tracer: tracer, Logger: logger}
	udp := &server.UDPServer{Addr: cfg.UDPAddr, Sink: proc, Tracer: tracer, Logger: logger}
	g.Go(func() error { return tcp.ListenAndServe(gctx) })
	g.Go(func() error { return udp.ListenAndServe(gctx) })

	if cfg.MQTTBroker != "" {
		sub := &server.MQTTSubscriber{Broker: cfg.MQTTBroker, Topic: cfg.MQTTTopic, QoS: 1, Sink: proc, Tracer: tracer, Logger: logger}
		g.Go(func() error { return sub.Run(gctx) })
	}

	h := api.NewHandler(client, proc, logger)
	g.Go(func() error { return observability.Serve(gctx, cfg.HTTPAddr, h.Routes(), logger.With("component", "api")) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return observability.StartMetricsServer(gctx, cfg.MetricsAddr, logger) })
	}

	err = g.Wait()
	logger.Info("geotrack-svr stopped", "err", err)
	return err
}

func buildForwarders(cfg config.Config, logger *slog.Logger) ([]pipeline.Forwarder, func(), error) {
	var (
		forwarders []pipeline.Forwarder
		closers    []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.GRPCForwarder != "" {
		gc, err := grpcclient.NewClient(cfg.GRPCForwarder, logger)
		if err != nil {
			return nil, closeAll, err
		}
		forwarders = append(forwarders, gc)
		closers = append(closers, func() { _ = gc.Close() })
	}

	if cfg.ProxyAddr != "" {
		forwarders = append(forwarders, link.NewClient(cfg.ProxyAddr, logger))
	} else {
		logger.Info("link: disabled (no proxy address configured)")
	}
	return forwarders, closeAll, nil
}
