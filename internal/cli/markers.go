package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pliu/msgsync/internal/config"
	"github.com/pliu/msgsync/internal/engine"
	"github.com/pliu/msgsync/internal/markers"
)

var markersCmd = &cobra.Command{
	Use:   "markers",
	Short: "Inspect and maintain persisted deletion markers",
}

var markersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations deleted by the configured user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(cfg *config.Config, r *markers.Registry) error {
			list, err := r.List(cmd.Context(), cfg.UserID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PEER ID\tUSERNAME\tDELETED")
			for _, m := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.PeerID, m.PeerUsername, humanize.Time(m.DeletedAt))
			}
			return tw.Flush()
		})
	},
}

var clearAll bool

var markersClearCmd = &cobra.Command{
	Use:   "clear [peer-id]",
	Short: "Forget a deletion so the conversation shows up again",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if clearAll == (len(args) == 1) {
			return errors.New("pass either a peer id or --all")
		}
		return withRegistry(func(cfg *config.Config, r *markers.Registry) error {
			if clearAll {
				n, err := r.ClearAll(cmd.Context(), cfg.UserID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d marker(s)\n", n)
				return nil
			}
			if err := r.Clear(cmd.Context(), cfg.UserID, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", args[0])
			return nil
		})
	},
}

var markersMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Rewrite legacy deletion keys into the current format",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(cfg *config.Config, r *markers.Registry) error {
			n, err := r.Migrate(cmd.Context(), cfg.UserID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d key(s)\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(markersCmd)
	markersCmd.AddCommand(markersListCmd, markersClearCmd, markersMigrateCmd)
	markersClearCmd.Flags().BoolVar(&clearAll, "all", false, "clear every marker of the configured user")
}

func withRegistry(fn func(*config.Config, *markers.Registry) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()
	if cfg.UserID == "" {
		return errors.New("no user configured, run msgsync login first")
	}
	kv, err := engine.OpenMarkers(cfg.Markers)
	if err != nil {
		return err
	}
	r := markers.NewRegistry(kv, log.Named("markers"))
	defer r.Close()
	return fn(cfg, r)
}
