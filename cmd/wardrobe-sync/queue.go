package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/uuid"
)

func newPendingCmd(root *rootOptions) *cobra.Command {
	var countOnly, asJSON bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show mutations waiting to be synced, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if countOnly {
				fmt.Fprintln(out, a.Cache.PendingCount())
				return nil
			}

			list, corrupt, err := a.Queue.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tACTION\tTARGET\tENQUEUED")
			for _, m := range list {
				target := m.Collection + "/" + m.Key
				if m.Name != "" {
					target += " " + m.Name
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Action, target, m.Time().Format(time.RFC3339))
			}
			for _, c := range corrupt {
				enqueued := "-"
				if at, ok := uuid.MutationTime(c.ID); ok {
					enqueued = at.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\tcorrupt\t-\t%s\n", c.ID, enqueued)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&countOnly, "count", false, "print only the number of pending mutations")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print mutations as JSON")
	return cmd
}

func newWipeCmd(root *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every local record and pending mutation",
		Long: `Delete every local record and every pending mutation. Unsynced changes are
lost. Intended for sign-out and account deletion.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New(errors.ErrInvalid, "wipe discards unsynced changes; pass --yes to confirm")
			}
			a, err := root.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			lost := a.Cache.PendingCount()
			if err := a.Cache.Wipe(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wiped local data (%d unsynced mutations discarded)\n", lost)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
