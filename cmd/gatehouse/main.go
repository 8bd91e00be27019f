package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	gatehouse "github.com/gatehouse-proxy/gatehouse"
	"github.com/gatehouse-proxy/gatehouse/cache"
	"github.com/gatehouse-proxy/gatehouse/pkg/admin"
	ratelimit "github.com/gatehouse-proxy/gatehouse/pkg/rate-limit"
)

var (
	configFlag   string
	originFlag   string
	listenFlag   string
	logLevelFlag string

	// set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "gatehouse.yaml", "Config file path")
	flag.StringVar(&originFlag, "origin", "", "Upstream URL (overrides config)")
	flag.StringVar(&listenFlag, "listen", "", "TLS listen address (overrides config)")
	flag.StringVar(&logLevelFlag, "log-level", "", "Log level: trace|debug|info|warn|error (overrides config)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: zerolog.TimeFieldFormat}).
		With().Str("version", version).Logger()

	config, err := gatehouse.LoadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Str("config", configFlag).Msg("Could not load config")
	}
	if originFlag != "" {
		config.Upstream.URL = originFlag
		if err := config.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Invalid origin override")
		}
	}
	if listenFlag != "" {
		config.Server.Listen = listenFlag
	}
	if logLevelFlag != "" {
		config.Logging.Level = logLevelFlag
	}
	setLogLevel(config.Logging.Level)

	var provider cache.Provider
	switch config.Cache.Provider {
	case "memory":
		provider = cache.NewMemStore()
	default:
		disk, err := cache.NewDiskStore(config.Cache.Dir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", config.Cache.Dir).Msg("Could not open cache store")
		}
		provider = disk
	}
	defer provider.Close()

	metrics := admin.NewMetrics()

	engine := gatehouse.CreateGatehouse(gatehouse.Config{
		Cache:              provider,
		Upstream:           config.UpstreamURL(),
		UpstreamHost:       config.Upstream.Host,
		ExternalPort:       config.ExternalPort(),
		DefaultTTL:         config.Cache.DefaultTTL.Std(),
		StaleWindow:        config.Cache.StaleWhileRevalidate.Std(),
		CollapseTimeout:    config.Cache.CollapseTimeout.Std(),
		ConnectTimeout:     config.Upstream.ConnectTimeout.Std(),
		ResponseTimeout:    config.Upstream.ResponseTimeout.Std(),
		IdleTimeout:        config.Upstream.IdleTimeout.Std(),
		UpgradeIdleTimeout: config.Upstream.UpgradeIdleTimeout.Std(),
		RevalidateWorkers:  config.Cache.RevalidateWorkers,
		Sweep: cache.SweepPolicy{
			MaxTotalSize:      int64(config.Cache.MaxTotalSize),
			MinFreeThreshold:  int64(config.Cache.MinFreeThreshold),
			InactivityTimeout: config.Cache.InactivityTimeout.Std(),
		},
		SweepInterval: config.Cache.SweepInterval.Std(),
		Limiter:       ratelimit.NewZone(config.Admission),
		Metrics:       metrics,
	})
	defer engine.Close()

	server := &gatehouse.Server{
		Handler:    engine,
		Listen:     config.Server.Listen,
		ListenHTTP: config.Server.ListenHTTP,
		Admin:      config.Server.Admin,
		TLS: gatehouse.TLSMaterial{
			CertFile: config.TLS.CertFile,
			KeyFile:  config.TLS.KeyFile,
			CertPEM:  []byte(config.TLS.CertPEM),
			KeyPEM:   []byte(config.TLS.KeyPEM),
		},
		AdminHandler: admin.Router(metrics, config.Redacted()),
	}

	ctx := signalContext()
	log.Info().
		Str("listen", config.Server.Listen).
		Str("upstream", config.Upstream.URL).
		Msg("Starting gatehouse")
	if err := server.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Shut down cleanly")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		cancel()
	}()
	return ctx
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
