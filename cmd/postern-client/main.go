package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"valx.pw/postern/internal/client"
	"valx.pw/postern/internal/config"
	"valx.pw/postern/internal/netcfg"
	"valx.pw/postern/internal/resolver"
	"valx.pw/postern/internal/tun"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "postern-client",
		Short:         "Packet tunnel disguised as HTTP/1.1 uploads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(connectCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "postern-client %s\n", version)
		},
	}
}

func connectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Bring the tunnel up and keep it running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return connect(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "postern.yaml", "path to the client config file")
	return cmd
}

func connect(ctx context.Context, cfg *config.Client) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	device, err := tun.Open(cfg.TUN.Name, cfg.TUN.MTU, logger)
	if err != nil {
		return err
	}
	defer device.Close()

	opts, err := client.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Logger = logger
	opts.Resolver = resolver.New(cfg.DNS.Bootstrap, cfg.DNS.Timeout, logger)
	opts.Applier = netcfg.NewCommandApplier(device.Name(), logger)
	opts.Packets = device

	c, err := client.New(opts)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"server":  cfg.Server.Host,
		"tls":     cfg.TLS.Enabled,
		"chunked": cfg.HTTP.Chunked,
	}).Info("starting client")

	return c.Run(ctx)
}
