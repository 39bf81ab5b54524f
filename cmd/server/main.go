// Package main provides the entry point for the livelock server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kneutral-org/livelock/internal/admin"
	"github.com/kneutral-org/livelock/internal/config"
	"github.com/kneutral-org/livelock/internal/lock"
	"github.com/kneutral-org/livelock/internal/logging"
	"github.com/kneutral-org/livelock/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand(run).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newRootCommand builds the livelock command. Every setting is a flag bound
// to its environment variable; runFn receives the validated configuration.
func newRootCommand(runFn func(ctx context.Context, cfg *config.Config) error) *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:          "livelock",
		Short:        "Run the livelock distributed lock server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runFn(cmd.Context(), cfg)
		},
	}

	if err := config.RegisterFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLoggerWithFormat("livelock", cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Str("addr", cfg.Addr()).
		Dur("releaseAllTimeout", cfg.ReleaseAllTimeout).
		Bool("auth", cfg.Password != "").
		Int("maxPayload", cfg.MaxPayload).
		Msg("starting livelock")

	storage := lock.NewMemoryStorage(
		lock.WithReleaseAllTimeout(cfg.ReleaseAllTimeout),
		lock.WithLogger(logger),
	)

	if cfg.ReaperInterval > 0 {
		reaper := lock.NewReaper(storage, cfg.ReaperInterval, logger)
		reaper.Start()
		defer reaper.Stop()
	}

	opts := []server.Option{
		server.WithPassword(cfg.Password),
		server.WithMaxPayload(cfg.MaxPayload),
	}
	if cfg.MaxCommandRate > 0 {
		opts = append(opts, server.WithCommandRate(cfg.MaxCommandRate, cfg.CommandBurst))
	}
	srv := server.New(storage, logger, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Addr())
	})

	if cfg.AdminAddr != "" {
		if os.Getenv("GIN_MODE") == "" {
			gin.SetMode(gin.ReleaseMode)
		}
		adminSrv := admin.NewServer(cfg.AdminAddr, admin.NewHandler(storage, logger))
		g.Go(func() error {
			return adminSrv.ListenAndServe(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}

	logger.Info().Msg("server exited properly")
	return nil
}
