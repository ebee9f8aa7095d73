package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"promptrouter/internal/server"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, *cfgPath)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				if port <= 0 || port > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", port)
				}
				a.cfg.Server.Port = port
			}

			srv, err := server.New(a.cfg, a.dispatcher, a.catalog, a.logger)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server port from configuration")
	return cmd
}
