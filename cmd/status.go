package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	vsync "github.com/visiongw/vision-usb-gateway/sync"
)

func newStatusCommand(global *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracked files and the most recently archived ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			db, err := vsync.OpenDB(cfg.StateDir)
			if err != nil {
				return err
			}
			defer db.Close()

			store := vsync.NewStore(db)
			tracked, synced, err := store.Counts()
			if err != nil {
				return err
			}
			rows, err := store.ListSynced(limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mirror:  %s\n", cfg.MirrorRoot)
			fmt.Fprintf(out, "tracked: %d\n", tracked)
			fmt.Fprintf(out, "synced:  %d\n", synced)
			if len(rows) == 0 {
				return nil
			}

			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SYNCED AT\tSOURCE\tSIZE\tOBJECT")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
					time.Unix(r.SyncedAt, 0).Format(time.DateTime), r.SourcePath, r.Size, r.RawPath)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent ledger rows to show")
	return cmd
}
