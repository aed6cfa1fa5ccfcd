package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"valx.pw/postern/internal/config"
	"valx.pw/postern/internal/netcfg"
	"valx.pw/postern/internal/server"
	"valx.pw/postern/internal/tun"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "postern-server",
		Short:         "Reference server for the postern tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "postern-server %s\n", version)
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		noTUN      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept tunnel connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, !noTUN)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "postern-server.yaml", "path to the server config file")
	cmd.Flags().BoolVar(&noTUN, "no-tun", false, "only route packets between connected clients")
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func serve(ctx context.Context, cfg *config.Server, withTUN bool) error {
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts, err := server.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Logger = logger

	if withTUN {
		// tun and netcfg log through logrus
		tunLogger := logrus.New()
		if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
			tunLogger.SetLevel(lvl)
		}

		device, err := tun.Open(cfg.TUN.Name, cfg.TUN.MTU, tunLogger)
		if err != nil {
			return err
		}
		defer device.Close()

		pool, err := server.NewPool(opts.Pool)
		if err != nil {
			return err
		}
		gateway := pool.Gateway()
		mask := net.IP(net.CIDRMask(opts.Pool.Bits(), 32)).String()
		applier := netcfg.NewCommandApplier(device.Name(), tunLogger)
		if err := applier.Apply(ctx, netcfg.Settings{
			RemoteAddress: gateway,
			MTU:           cfg.TUN.MTU,
			LocalAddress:  gateway,
			SubnetMask:    mask,
		}); err != nil {
			return err
		}
		opts.Local = device
	}

	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	logger.Info("starting server", zap.String("version", version))
	return srv.ListenAndServe(ctx, cfg.Listen)
}
