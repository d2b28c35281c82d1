package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/edgepool/core/logx"
	"github.com/gaspardpetit/edgepool/internal/agent"
	"github.com/gaspardpetit/edgepool/internal/config"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.AgentConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			cfg.ConfigFile = v
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Parse()
	if *showVersion {
		fmt.Printf("edgepool-agent version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.ConfigureFormat(cfg.LogFormat)
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	preg := prometheus.NewRegistry()
	agent.RegisterMetrics(preg)

	caps := agent.DetectCapabilities(ctx, cfg)
	a := agent.New(cfg, caps)

	r := chi.NewRouter()
	r.Mount("/", a.Handler())
	r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}

	go func() {
		logx.Log.Info().Str("worker_id", a.ID()).Int("port", cfg.Port).Str("version", version).Msg("agent starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Msg("agent server error")
			cancel()
		}
	}()
	go func() {
		if err := a.Register(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logx.Log.Error().Err(err).Msg("register with coordinator")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	a.StartDrain()
	uctx, ucancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.Unregister(uctx); err != nil {
		logx.Log.Warn().Err(err).Msg("unregister from coordinator")
	}
	ucancel()

	dctx, dcancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	if !a.WaitIdle(dctx) {
		logx.Log.Warn().Int64("in_flight", a.InFlight()).Msg("drain timeout exceeded")
	}
	dcancel()
	cancel()
	if err := srv.Shutdown(context.Background()); err != nil {
		logx.Log.Error().Err(err).Msg("agent shutdown")
	}
}
