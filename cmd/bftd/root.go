package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahwlsqja/bftguard/node"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const envPrefix = "BFTD"

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "bftd",
		Short:         "BFT consensus daemon with Byzantine accountability",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (yaml, toml or json)")
	root.PersistentFlags().String("query-addr", node.DefaultConfig().QueryAddr, "gRPC query address")
	_ = v.BindPFlag("query_addr", root.PersistentFlags().Lookup("query-addr"))

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initViper(v, cmd)
	}

	root.AddCommand(
		newStartCmd(v),
		newStatusCmd(v),
		newFaultsCmd(v),
		newBlacklistCmd(v),
		newSlashesCmd(v),
		newVersionCmd(),
	)
	return root
}

func initViper(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// loadConfig overlays config file, environment and flags onto the defaults.
func loadConfig(v *viper.Viper) (*node.Config, error) {
	cfg := node.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
