package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardrobekit/backend/internal/sync/network"
)

func newNetCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "net",
		Short: "Set connectivity for a daemon using the flag file source",
	}
	for _, state := range []struct {
		name   string
		online bool
	}{{"online", true}, {"offline", false}} {
		cmd.AddCommand(&cobra.Command{
			Use:   state.name,
			Short: "Report the device as " + state.name,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path := root.cfg.Network.FlagFile
				if err := network.WriteFlag(path, state.online); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", state.name, path)
				return nil
			},
		})
	}
	return cmd
}
