package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"posebridge/pkg/config"
	"posebridge/pkg/logger"
)

type serveFlags struct {
	addr     string
	framing  string
	foxglove bool
}

func (f serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if f.addr != "" {
		cfg.Receiver.Addr = f.addr
	}
	if f.framing != "" {
		cfg.Receiver.Framing = f.framing
	}
	if cmd.Flags().Changed("foxglove") {
		cfg.Foxglove.Enabled = f.foxglove
	}
}

func (f *serveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "override receiver.addr")
	cmd.Flags().StringVar(&f.framing, "framing", "", "override receiver.framing (single, close, line)")
	cmd.Flags().BoolVar(&f.foxglove, "foxglove", false, "override foxglove.enabled")
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive poses and drive the rig and IK goals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	flags.register(cmd)
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h, err := newHost(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	return h.run(ctx)
}

func newLogger(w io.Writer, cfg config.Config) (zerolog.Logger, error) {
	return logger.New(w, logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}
