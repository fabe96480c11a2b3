package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"boardcraft/internal/config"
	"boardcraft/internal/discovery"
)

func newDiscoverCommand(root *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List relays announced on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("timeout") {
					cfg.Discovery.BrowseTimeout = timeout
				}
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Discovery.BrowseTimeout)
			defer cancel()
			logger.Info("browsing for relays", "service", cfg.Discovery.Service, "timeout", cfg.Discovery.BrowseTimeout)
			peers, err := discovery.Browse(ctx, cfg.Discovery.Service)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tURL\tTXT")
			for _, peer := range peers {
				fmt.Fprintf(w, "%s\t%s\t%s\n", peer.Instance, peer.URL(), strings.Join(peer.Text, " "))
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to browse (default 3s)")
	return cmd
}
