package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/intermail/internal/config"
	"github.com/mistakeknot/intermail/internal/logging"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

// openStore opens the configured database directly, without a server.
func openStore(root *rootOptions, cmd *cobra.Command) (*config.Config, *sqlite.Store, error) {
	cfg, log, err := root.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := sqlite.New(cfg.Store.Path,
		sqlite.WithLogger(logging.Component(log, "store")),
		sqlite.WithBusyTimeout(cfg.Store.BusyTimeout),
	)
	return cfg, st, err
}

func sweepCmd(root *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire reservations and purge old rows once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(root, cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.Retention.Days
			}
			defer st.Close()

			res, err := st.Sweep(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d reservations, deleted %d messages and %d reservations\n",
				len(res.Expired), res.MessagesDeleted, res.ReservationsDeleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention horizon in days (default retention.days)")
	return cmd
}

func projectsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List known projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(root, cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			projects, err := st.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLUG\tHUMAN KEY\tCREATED")
			for _, p := range projects {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Slug, p.HumanKey, p.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func reservationsCmd(root *rootOptions) *cobra.Command {
	var project string
	var all bool
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "List file reservations of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(root, cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.ListReservations(cmd.Context(), project, !all)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tAGENT\tPATTERN\tMODE\tEXPIRES\tRELEASED")
			for _, r := range list {
				mode := "shared"
				if r.Exclusive {
					mode = "exclusive"
				}
				released := "-"
				if r.ReleasedTS != nil {
					released = r.ReleasedTS.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.AgentName, r.PathPattern, mode, r.ExpiresTS.Format(time.RFC3339), released)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project slug or human key")
	cmd.Flags().BoolVar(&all, "all", false, "include released and expired reservations")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
