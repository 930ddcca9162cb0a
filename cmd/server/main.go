package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meterdash/internal/app"
	"meterdash/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meterdash",
		Short:         "Energy meter dashboard backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket fanout and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
	root.AddCommand(sendCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cobra.OnFinalize(stop)
	root.SetContext(ctx)
	return root
}

func sendCmd() *cobra.Command {
	var breach, auto bool
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Push synthetic readings to the configured sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			a, err := app.New(cfg, logger)
			if err != nil {
				logger.Error("init failed", "err", err)
				return err
			}
			defer a.Close()
			deliveries, err := a.Send(cmd.Context(), breach, auto)
			if err != nil {
				logger.Error("send failed", "err", err)
				return err
			}
			if len(deliveries) > 0 {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(deliveries)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&breach, "breach", false, "force an out-of-band reading")
	cmd.Flags().BoolVar(&auto, "auto", false, "keep sending at APP_SENDER_INTERVAL until interrupted")
	return cmd
}

func serve(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.Info("starting meterdash", "addr", cfg.Addr, "db", cfg.DBPath, "devices", len(cfg.DeviceSources()))

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("init failed", "err", err)
		return err
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("shutdown with error", "err", err)
		return err
	}
	return nil
}

func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("load config", "err", err)
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	return cfg, logger, nil
}
