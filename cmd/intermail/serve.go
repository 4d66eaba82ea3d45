package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/intermail/pkg/embedded"
)

func serveCmd(root *rootOptions) *cobra.Command {
	var addr, socket string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intermail server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if socket != "" {
				cfg.Server.SocketPath = socket
			}

			srv, err := embedded.New(cfg, log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().Str("url", srv.URL()).Msg("serving")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	cmd.Flags().StringVar(&socket, "socket", "", "also serve on this unix socket")
	return cmd
}
