package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/wardrobekit/backend/internal/store"
)

func newWriteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "write <collection> <key> <json|->",
		Short: "Write a record locally and queue it for sync",
		Long: `Write a record to the local cache and queue a create or update mutation.
Pass - as the record to read it from standard input.

Usage examples:

	wardrobe-sync write wardrobeItems i1 '{"name":"Blue Shirt"}'
	cat shirt.json | wardrobe-sync write wardrobeItems i1 -
`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(args[2])
			if args[2] == "-" {
				var err error
				raw, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read record from stdin: %w", err)
				}
			}

			a, err := root.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.Cache.Write(cmd.Context(), args[0], args[1], store.Record(raw))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newReadCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <collection> <key>",
		Short: "Print the local copy of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Cache.Read(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(rec))
			return nil
		},
	}
}

func newListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [collection...]",
		Short: "List local records as key<TAB>record lines",
		Long: `List local records. Without arguments every collection in sync.collections
is listed, or every provisioned collection when that is empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			collections := args
			if len(collections) == 0 {
				collections = root.cfg.Sync.Collections
			}
			if len(collections) == 0 {
				collections = slices.DeleteFunc(a.Store.Collections(), func(c string) bool {
					return c == store.PendingMutations
				})
			}

			out := cmd.OutOrStdout()
			for _, c := range collections {
				entries, err := store.Collect(a.Cache.ReadAll(cmd.Context(), c))
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(entries))
				for k := range entries {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "%s/%s\t%s\n", c, k, entries[k])
				}
			}
			return nil
		},
	}
}

func newDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <key>",
		Short: "Delete a record locally and queue the delete for sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.Cache.Delete(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
