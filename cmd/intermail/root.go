package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/intermail/internal/config"
	"github.com/mistakeknot/intermail/internal/logging"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "intermail",
		Short: "Mail and file reservations for coding agents",
		Long: `intermail lets coding agents working in the same repository register
identities, exchange threaded messages and reserve file patterns before
editing them.

Configuration comes from intermail.yaml, a .env file and INTERMAIL_*
environment variables.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./intermail.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		serveCmd(opts),
		initCmd(opts),
		sweepCmd(opts),
		projectsCmd(opts),
		reservationsCmd(opts),
	)
	return cmd
}

// load resolves the configuration and logger for one command run.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	v, err := config.NewViper(o.configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		v.Set("logging.level", o.logLevel)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}
