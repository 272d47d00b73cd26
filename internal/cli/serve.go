package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	consistency "github.com/c0deZ3R0/go-consistency-kit"
	"github.com/c0deZ3R0/go-consistency-kit/config"
	"github.com/c0deZ3R0/go-consistency-kit/internal/server"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
)

type serveOptions struct {
	configPath string
	addr       string
}

const defaultAddr = ":8080"

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a registry behind an HTTP surface until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "yaml, toml or json configuration file")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr, default :8080)")

	return cmd
}

// loadServeConfig reads the config file, or defaults when none is given.
func loadServeConfig(opts *serveOptions) (*config.File, error) {
	f := &config.File{}
	if opts.configPath != "" {
		var err error
		if f, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	switch {
	case opts.addr != "":
		f.Server.Addr = opts.addr
	case f.Server.Addr == "":
		f.Server.Addr = defaultAddr
	}
	return f, nil
}

func runServe(ctx context.Context, opts *serveOptions) error {
	f, err := loadServeConfig(opts)
	if err != nil {
		return err
	}
	logger := f.Logger()

	promReg := prometheus.NewRegistry()
	reg, err := consistency.NewBuilder().
		WithLogger(logger).
		FromConfig(f).
		WithMetrics(promReg).
		Build()
	if err != nil {
		return err
	}
	if err := reg.Start(ctx); err != nil {
		_ = reg.Close()
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.LogError(context.Background(), err, "registry close failed")
		}
	}()

	srv := server.New(reg, server.Config{
		Addr:         f.Server.Addr,
		AllowOrigins: f.Server.AllowOrigins,
		Gatherer:     promReg,
		Logger:       logger.WithComponent(logging.Component("http")),
	})
	logger.Info("serving registry", slog.String("addr", f.Server.Addr), slog.String("store", f.Storage.Backend))
	return srv.Run(ctx)
}
