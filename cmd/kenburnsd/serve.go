package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"

	"emperror.dev/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kenburns/config"
	"kenburns/kenburns"
	"kenburns/middleware"
	"kenburns/platform"
	"kenburns/registry"
	"kenburns/server"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server with the kenburns channel registered",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			l, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return errors.Wrapf(err, "listen on %s", cfg.Listen)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, l)
		},
	}
}

// serve runs on l until ctx is done, then shuts the server down gracefully.
func serve(ctx context.Context, cfg *config.Configuration, log *zap.Logger, l net.Listener) error {
	svr := server.NewServer(
		server.WithLogger(log.Named("server")),
		server.WithInstance(cfg.Platform.Weight, Version),
		server.WithTTL(cfg.Etcd.TTL),
	)
	for _, mw := range middlewares(cfg, log) {
		svr.Use(mw)
	}

	if _, err := kenburns.Register(svr, pluginOptions(cfg)...); err != nil {
		l.Close()
		return err
	}
	if err := svr.Register(&Health{started: timeNow()}); err != nil {
		l.Close()
		return err
	}

	var reg registry.Registry
	if cfg.Etcd.Enabled {
		etcd, err := registry.NewEtcdRegistryWithConfig(registry.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			DialTimeout: cfg.Etcd.DialTimeout,
			Logger:      log,
		})
		if err != nil {
			l.Close()
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.ServeListener(l, cfg.AdvertiseAddr(), reg)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
		return svr.Shutdown(cfg.ShutdownTimeout)
	})
	return g.Wait()
}

func middlewares(cfg *config.Configuration, log *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(log.Named("calls")),
	}
	if cfg.Middleware.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Middleware.RateLimit, cfg.Middleware.Burst))
	}
	if cfg.Middleware.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.Middleware.Timeout))
	}
	// Innermost, so it runs on the same goroutine as the handler.
	return append(mws, middleware.RecoverMiddleware(log))
}

func pluginOptions(cfg *config.Configuration) []kenburns.Option {
	var opts []kenburns.Option
	if cfg.Platform.Label != "" {
		opts = append(opts, kenburns.WithLabel(cfg.Platform.Label))
	}
	if cfg.Platform.Version != "" {
		opts = append(opts, kenburns.WithVersionSource(platform.StaticVersion(cfg.Platform.Version)))
	}
	return opts
}
