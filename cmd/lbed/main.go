// lbed runs the cellular link bandwidth estimator as a daemon.
//
// Byte counters are read from the cellular interfaces over netlink, radio
// activity comes from a modem agent over websocket, and topology events
// (screen, default network, cell, technology, signal, carrier config) are
// posted to the HTTP API. Estimates are logged, exported as Prometheus
// metrics and advertised as REMB bitrate to WebRTC sessions negotiated
// through POST /v1/webrtc/offer.
//
// Usage:
//
//	lbed -config /etc/lbed/lbed.yaml
//
// SIGHUP reloads the log level and the carrier table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/lbe/internal/api"
	"github.com/thesyncim/lbe/internal/carrier"
	"github.com/thesyncim/lbe/internal/config"
	"github.com/thesyncim/lbe/internal/metrics"
	"github.com/thesyncim/lbe/internal/modem"
	"github.com/thesyncim/lbe/internal/netcounters"
	"github.com/thesyncim/lbe/internal/webrtcrx"
	"github.com/thesyncim/lbe/pkg/lbe"
	"github.com/thesyncim/lbe/pkg/lbe/interceptor"
)

func main() {
	configPath := flag.String("config", "/etc/lbed/lbed.yaml", "Path to the daemon configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lbed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	atom := zap.NewAtomicLevelAt(level)
	zcfg := zap.NewProductionConfig()
	zcfg.Level = atom
	log, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	table, err := carrier.Load(cfg.CarrierTable, log.Named("carrier"))
	if err != nil {
		return err
	}

	rembOpts := []interceptor.FactoryOption{
		interceptor.WithSenderSSRC(cfg.REMB.SenderSSRC),
		interceptor.WithLogger(log.Named("remb")),
	}
	if cfg.REMB.Interval > 0 {
		rembOpts = append(rembOpts, interceptor.WithREMBInterval(cfg.REMB.Interval))
	}
	if cfg.REMB.DecreaseThreshold > 0 {
		rembOpts = append(rembOpts, interceptor.WithDecreaseThreshold(cfg.REMB.DecreaseThreshold))
	}
	remb, err := interceptor.NewFactory(rembOpts...)
	if err != nil {
		return fmt.Errorf("remb: %w", err)
	}

	agent := modem.NewClient(cfg.ModemAgentURL, modem.WithLogger(log.Named("modem")))
	observer := metrics.NewObserver()

	est, err := lbe.NewEstimator(cfg.Estimator.LBE(), lbe.Environment{
		Counters: netcounters.New([]string{cfg.Interface}, log.Named("netcounters")),
		Radio:    agent,
		Carrier:  table,
		Consumer: remb,
	}, lbe.WithLogger(log.Named("lbe")), lbe.WithObserver(observer))
	if err != nil {
		return err
	}
	router := lbe.NewRouter(est, lbe.RouterConfig{
		Clock:  clock.New(),
		Logger: log.Named("router"),
	})

	metricsServer := metrics.NewServer(cfg.MetricsAddr, log.Named("metrics"))
	if err := metricsServer.Register(observer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	metricsServer.SetHealthCheck(func() metrics.HealthStatus {
		status := metrics.HealthStatus{
			Status:  "healthy",
			Details: map[string]string{"remb_bitrate_bps": fmt.Sprint(remb.Bitrate())},
		}
		if err := agent.Health(); err != nil {
			status.Status = "degraded"
			status.Details["modem"] = err.Error()
		}
		return status
	})

	receiver := webrtcrx.NewReceiver(remb, log.Named("webrtc"))
	defer func() {
		if err := receiver.Close(); err != nil {
			log.Warn("closing webrtc sessions", zap.Error(err))
		}
	}()

	apiOpts := []api.Option{
		api.WithLogger(log.Named("api")),
		api.WithCarrierReload(table.Reload),
		api.WithWebRTC(receiver),
	}
	if cfg.APIKey != "" {
		apiOpts = append(apiOpts, api.WithAPIKey(cfg.APIKey))
	} else {
		log.Warn("api_key not set, event API is unauthenticated", zap.String("api_addr", cfg.APIAddr))
	}
	apiServer := api.NewServer(router, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting lbed",
		zap.String("interface", cfg.Interface),
		zap.String("modem_agent", cfg.ModemAgentURL),
		zap.String("api_addr", cfg.APIAddr),
		zap.String("metrics_addr", cfg.MetricsAddr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error { return agent.Run(ctx) })
	g.Go(func() error { return apiServer.Run(ctx, cfg.APIAddr) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metricsServer.Run(ctx) })
	}
	g.Go(func() error {
		reloadOnHUP(ctx, configPath, atom, table, router, log)
		return nil
	})

	err = g.Wait()
	log.Info("lbed stopped", zap.Error(err))
	return err
}

// reloadOnHUP re-reads the log level and carrier table on every SIGHUP.
func reloadOnHUP(ctx context.Context, configPath string, atom zap.AtomicLevel, table *carrier.Table, router *lbe.Router, log *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		if cfg, err := config.Load(configPath); err != nil {
			log.Warn("config reload failed", zap.Error(err))
		} else if level, err := cfg.Level(); err == nil {
			atom.SetLevel(level)
		}

		if err := table.Reload(); err != nil {
			log.Warn("carrier table reload failed", zap.Error(err))
			continue
		}
		if err := router.CarrierConfigChanged(); err != nil {
			log.Warn("posting carrier config change", zap.Error(err))
		}
		log.Info("configuration reloaded")
	}
}
