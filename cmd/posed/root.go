package main

import (
	"github.com/spf13/cobra"

	"posebridge/pkg/config"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "posed",
		Short:         "posed: stream tracked hand poses onto an avatar rig",
		Long:          "posed receives pose messages over TCP, remaps the hand positions onto rig targets and drives the IK goals from them.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigPath, "path to the TOML config file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "force debug logging")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newMonitorCmd(opts),
		newSendCmd(),
	)
	return rootCmd
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, _, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}
