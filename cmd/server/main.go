package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lukasbonthy/EaglerLink/internal/config"
	"github.com/lukasbonthy/EaglerLink/internal/obs"
	"github.com/lukasbonthy/EaglerLink/internal/ratelimit"
	"github.com/lukasbonthy/EaglerLink/internal/relay"
	"github.com/lukasbonthy/EaglerLink/internal/state"
	"github.com/lukasbonthy/EaglerLink/internal/static"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	registryKeyTTL       = 30 * time.Second
	limiterCleanupPeriod = time.Minute
	limiterMaxIdle       = 5 * time.Minute
)

func main() {
	if err := newRootCommand(os.Environ()).Execute(); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func newRootCommand(environ []string) *cobra.Command {
	cfg, envErr := config.FromEnv(environ)
	cmd := &cobra.Command{
		Use:           "eaglerlink",
		Short:         "Relay websocket clients to a fixed upstream websocket server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			obs.EnableDebug(cfg.Debug)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.BindFlags(cmd.Flags(), &cfg)
	return cmd
}

// run serves until ctx is cancelled, then drains the listener and tears down
// every live session.
func run(ctx context.Context, cfg config.Config) error {
	obs.Info("server.start", obs.Fields{
		"listen":      cfg.ListenAddr(),
		"upstream":    cfg.Upstream,
		"static":      cfg.StaticDir,
		"metrics":     cfg.MetricsAddr,
		"secret_path": cfg.SecretPath != "",
	})
	store, err := state.New(ctx, state.Options{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyTTL:        registryKeyTTL,
	})
	if err != nil {
		return errors.Wrap(err, "session registry")
	}
	defer store.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.ListenAddr())
	}

	var ops *http.Server
	if cfg.MetricsAddr != "" {
		ops = startMetricsServer(cfg.MetricsAddr, store)
	}

	limiter := ratelimit.NewUpgradeLimiter(cfg.UpgradeRate, cfg.UpgradeBurst)
	if limiter.Enabled() {
		go runCleanupLoop(ctx, limiter, limiterCleanupPeriod, limiterMaxIdle)
	}

	// sessions outlive ctx until the listener has drained
	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	gk := relay.NewGatekeeper(sessionCtx, cfg, store, limiter)
	srv := &http.Server{
		Handler: relay.Router{
			Upgrades: gk,
			Files: static.Handler{
				Root:            cfg.StaticDir,
				DefaultDocument: cfg.DefaultDocument,
				HealthPath:      cfg.HealthPath,
			},
		},
		ReadHeaderTimeout: cfg.HandshakeTimeout,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	store.SetReady(true)
	obs.Info("server.ready", obs.Fields{"addr": ln.Addr().String()})

	var serveErr error
	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{})
	case err := <-errc:
		serveErr = errors.Wrap(err, "serve")
	}
	store.SetClosing(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("server.shutdown", obs.Fields{"err": err.Error()})
	}
	// hijacked websocket connections are not tracked by Shutdown
	cancelSessions()
	gk.Wait()
	if ops != nil {
		if err := ops.Shutdown(shutdownCtx); err != nil {
			obs.Error("metrics.shutdown", obs.Fields{"err": err.Error()})
		}
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
	return serveErr
}

func runCleanupLoop(ctx context.Context, limiter *ratelimit.UpgradeLimiter, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := limiter.CleanupIdle(maxIdle); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}
