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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/pushql/internal/bridge"
	"github.com/gaspardpetit/pushql/internal/codec"
	"github.com/gaspardpetit/pushql/internal/config"
	"github.com/gaspardpetit/pushql/internal/gql"
	"github.com/gaspardpetit/pushql/internal/logx"
	"github.com/gaspardpetit/pushql/internal/metrics"
	"github.com/gaspardpetit/pushql/internal/push"
	"github.com/gaspardpetit/pushql/internal/server"
	"github.com/gaspardpetit/pushql/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if (a == "--config" || a == "-config") && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") || strings.HasPrefix(a, "-config=") {
			cfg.ConfigFile = a[strings.Index(a, "=")+1:]
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
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "pushql version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("pushql version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	transport, err := newTransport(cfg)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("driver", cfg.PushDriver).Msg("push transport")
	}
	hub := push.NewClient(transport)

	upstreamOpts := []gql.Option{gql.WithTimeout(cfg.RequestTimeout)}
	for k, v := range cfg.UpstreamHeaders {
		upstreamOpts = append(upstreamOpts, gql.WithHeader(k, v))
	}
	upstream := gql.NewClient(cfg.UpstreamURL, upstreamOpts...)

	include, _ := bridge.ParseInitialData(cfg.InitialData)
	dec, _ := codec.Lookup(cfg.Decompression)
	opts := bridge.Options{
		Push:           hub,
		ChannelPath:    cfg.ChannelPath,
		EventName:      cfg.EventName,
		IncludeInitial: include,
	}
	if dec != nil {
		opts.Decompress = bridge.Decompressor(dec)
	}
	br, err := bridge.New(upstream, opts)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("bridge")
	}

	handler := server.New(cfg, br, preg)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logx.Log.Error().Err(err).Msg("push transport stopped")
			cancel()
		}
	}()

	sessions := serverstate.Sessions()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Int64("sessions", sessions.Load()).Msg("drain requested")
			waitCtx := ctx
			var stop context.CancelFunc
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func(stop context.CancelFunc, waitCtx context.Context) {
				if stop != nil {
					defer stop()
				}
				if sessions.WaitForZero(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("sessions", sessions.Load()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(stop, waitCtx)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if err := hub.Close(); err != nil {
			logx.Log.Error().Err(err).Msg("push client close")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	serverstate.SetState("ready")
	logx.Log.Info().Int("port", cfg.Port).Str("upstream", cfg.UpstreamURL).Str("push_driver", cfg.PushDriver).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}

func newTransport(cfg config.BridgeConfig) (push.Transport, error) {
	switch cfg.PushDriver {
	case config.DriverRedis:
		t, err := push.NewRedisTransport(cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis push transport")
		return t, nil
	case config.DriverPusher:
		logx.Log.Info().Str("url", cfg.PusherURL).Msg("using pusher push transport")
		return push.NewPusherTransport(cfg.PusherURL, nil), nil
	case config.DriverMemory:
		logx.Log.Warn().Msg("using in-process push transport; only local publishers reach subscribers")
		return push.NewMemoryTransport(), nil
	default:
		return nil, fmt.Errorf("unknown push driver %q", cfg.PushDriver)
	}
}
