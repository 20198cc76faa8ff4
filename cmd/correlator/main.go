package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/correlator/internal/cmd/client"
	serverrun "github.com/rzbill/correlator/internal/cmd/server"
	cfgpkg "github.com/rzbill/correlator/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "correlator",
		Short:        "Correlator CLI",
		Long:         "Correlator is a partitioned message correlation engine for BPMN processes. This CLI runs the server and talks to it.",
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the correlator server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			applyFlags(cmd, &cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	flags := serverStartCmd.Flags()
	flags.String("config", os.Getenv("CORRELATOR_CONFIG"), "Config file (.json, .yaml or .yml)")
	flags.String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	flags.Int32("partitions", 0, "Number of partitions hosted by this node")
	flags.String("grpc", "", "gRPC listen address")
	flags.String("http", "", "HTTP listen address")
	flags.String("fsync", "", "Fsync mode: always|interval|never")
	flags.Int("fsync-interval-ms", 0, "When --fsync=interval, group-commit window in ms")
	flags.String("log-level", "", "Log level: debug|info|warn|error")
	flags.String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.AddCommands(rootCmd, apiURL)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyFlags overlays explicitly set flags on cfg; flags win over the file
// and the environment.
func applyFlags(cmd *cobra.Command, cfg *cfgpkg.Config) {
	f := cmd.Flags()
	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("partitions") {
		cfg.PartitionCount, _ = f.GetInt32("partitions")
	}
	if f.Changed("grpc") {
		cfg.GRPCAddr, _ = f.GetString("grpc")
	}
	if f.Changed("http") {
		cfg.HTTPAddr, _ = f.GetString("http")
	}
	if f.Changed("fsync") {
		cfg.Fsync, _ = f.GetString("fsync")
	}
	if f.Changed("fsync-interval-ms") {
		ms, _ := f.GetInt("fsync-interval-ms")
		cfg.FsyncIntervalMs = int64(ms)
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.Log.Format, _ = f.GetString("log-format")
	}
}

func apiURL() string {
	if v := os.Getenv("CORRELATOR_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
