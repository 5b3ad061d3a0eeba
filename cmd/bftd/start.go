package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ahwlsqja/bftguard/node"
)

func newStartCmd(v *viper.Viper) *cobra.Command {
	def := node.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run an in-process devnet of validators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runStart(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("node-id", def.NodeID, "local node serving queries")
	flags.String("chain-id", def.ChainID, "chain identifier")
	flags.StringSlice("validators", def.Validators, "validator IDs")
	flags.String("data-dir", def.DataDir, "data directory (empty keeps state in memory)")
	flags.Duration("propose-interval", def.ProposeInterval, "block proposal interval")
	flags.Int("txs-per-block", def.TxsPerBlock, "synthetic transfers submitted per block")
	flags.Int("max-byzantine", def.Consensus.MaxByzantineNodes, "tolerated Byzantine validators (f)")
	flags.Bool("metrics", def.MetricsEnabled, "serve Prometheus metrics")
	flags.String("metrics-addr", def.MetricsAddr, "Prometheus metrics address")
	flags.String("log-level", def.Log.Level, "log level")
	flags.String("log-format", def.Log.Format, "log format (console, json)")
	flags.String("log-file", def.Log.File, "rotate logs into this file instead of stdout")

	for key, name := range map[string]string{
		"node_id":                       "node-id",
		"chain_id":                      "chain-id",
		"validators":                    "validators",
		"data_dir":                      "data-dir",
		"propose_interval":              "propose-interval",
		"txs_per_block":                 "txs-per-block",
		"consensus.max_byzantine_nodes": "max-byzantine",
		"metrics_enabled":               "metrics",
		"metrics_addr":                  "metrics-addr",
		"log.level":                     "log-level",
		"log.format":                    "log-format",
		"log.file":                      "log-file",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func runStart(ctx context.Context, cfg *node.Config) error {
	logger, err := node.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	devnet, err := node.NewDevnet(cfg, logger)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := devnet.Start(ctx); err != nil {
		_ = devnet.Stop()
		return err
	}
	logger.Info("bftd running",
		zap.String("version", version),
		zap.String("query_addr", devnet.QueryAddr()),
		zap.String("metrics_addr", devnet.MetricsAddr()),
		zap.Int("pid", os.Getpid()))

	<-ctx.Done()
	logger.Info("Shutting down...")
	return devnet.Stop()
}
