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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/edgepool/core/logx"
	"github.com/gaspardpetit/edgepool/core/secret"
	"github.com/gaspardpetit/edgepool/internal/api"
	"github.com/gaspardpetit/edgepool/internal/config"
	"github.com/gaspardpetit/edgepool/internal/dispatch"
	"github.com/gaspardpetit/edgepool/internal/health"
	"github.com/gaspardpetit/edgepool/internal/metrics"
	"github.com/gaspardpetit/edgepool/internal/placement"
	"github.com/gaspardpetit/edgepool/internal/registry"
	"github.com/gaspardpetit/edgepool/internal/server"
	"github.com/gaspardpetit/edgepool/internal/spi"
	"github.com/gaspardpetit/edgepool/internal/store"
	"github.com/gaspardpetit/edgepool/internal/transport"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// argValue returns the value of --name from the raw command line so file
// locations can be resolved before flags are parsed.
func argValue(name string) string {
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--"+name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--"+name+"="); ok {
			return v
		}
	}
	return ""
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.CoordinatorConfig
	// Resolve config with precedence: defaults < file < env (.env included) < args
	cfg.SetDefaults()
	if v := argValue("env-file"); v != "" {
		cfg.EnvFile = v
	}
	if err := config.LoadEnvFile(cfg.EnvFile); err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.EnvFile).Msg("load env file")
	}
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	if v := argValue("config"); v != "" {
		cfg.ConfigFile = v
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "edgepool version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("edgepool version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.ConfigureFormat(cfg.LogFormat)
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)
	metrics.SetBuildInfo("coordinator", version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	metrics.WatchRegistry(reg)

	var ws store.WorkerStore = store.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		ws = rs
		logx.Log.Info().Msg("using redis worker store")
	}
	defer func() { _ = ws.Close() }()
	syncer := store.NewSyncer(ws)
	if n, err := syncer.Restore(ctx, reg); err != nil {
		logx.Log.Error().Err(err).Msg("restore workers")
	} else if n > 0 {
		logx.Log.Info().Int("workers", n).Msg("restored workers")
	}
	syncer.Watch(reg)
	syncDone := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(syncDone)
	}()

	for _, sw := range cfg.Workers {
		reg.Register(sw.ID, spi.Address{Host: sw.Host, Port: sw.Port}, sw.Capabilities)
	}

	monitor := health.New(reg, transport.NewHTTPProber(), health.Options{
		Interval:   cfg.ProbeInterval,
		Timeout:    cfg.ProbeTimeout,
		EvictAfter: cfg.EvictAfter,
	})
	go monitor.Run(ctx)

	scorer := placement.NewScorer()
	scorer.Mode, _ = placement.ParseFitMode(cfg.FitMode)
	scorer.PriorityWeight = cfg.PriorityWeight
	scorer.Epsilon = cfg.Epsilon

	disp := dispatch.New(reg, monitor, scorer, transport.NewHTTPExecutor(cfg.WorkerToken), dispatch.Options{
		DispatchIncrement: cfg.DispatchIncrement,
		JobTimeout:        cfg.JobTimeout,
		MaxReassign:       cfg.MaxReassign,
		TaskRetention:     cfg.TaskRetention,
	})
	go disp.Run(ctx)

	state := &server.State{}
	handler := server.New(cfg, state, &api.API{Dispatcher: disp, Registry: reg, Healthy: monitor.Healthy}, preg)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: server.MetricsHandler(preg)}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if state.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			state.StartDrain()
			logx.Log.Info().Int64("in_flight", disp.InFlight()).Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				waitCtx := ctx
				if cfg.DrainTimeout > 0 {
					var stop context.CancelFunc
					waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
					defer stop()
				}
				if disp.Drain(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
				} else {
					logx.Log.Warn().Int64("in_flight", disp.InFlight()).Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}()
		}
	}()
	go func() {
		<-ctx.Done()
		// cancels whatever is still executing
		disp.Drain(ctx)
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Str("api_key", secret.Mask(cfg.APIKey)).Msg("API key auth enabled")
	}
	if cfg.WorkerToken != "" {
		logx.Log.Info().Str("worker_token", secret.Mask(cfg.WorkerToken)).Msg("worker token set")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	state.Set(server.StateReady)
	logx.Log.Info().Int("port", cfg.Port).Int("workers", reg.Len()).Str("fit_mode", scorer.Mode.String()).Msg("coordinator starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Error().Err(err).Msg("server error")
		cancel()
	}
	<-ctx.Done()
	<-syncDone
}
