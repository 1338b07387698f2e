package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/lire"
)

func newRemoveCmd(g *globalFlags) *cobra.Command {
	var threads int
	cmd := &cobra.Command{
		Use:   "remove <id>...",
		Short: "Remove vectors by id",
		Long: `Remove deletes the given ids. Ids that are not in the index are ignored.
Ids may be separated by spaces or commas.

Example:
  lire remove --index ./idx 17 42,43`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.requireIndex(); err != nil {
				return err
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			opts, err := g.options()
			if err != nil {
				return err
			}

			idx, err := lire.Open(cmd.Context(), g.index, opts...)
			if err != nil {
				return err
			}
			defer idx.Close()

			before := idx.Len()
			if err := idx.Remove(cmd.Context(), ids, max(threads, 1)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d vectors, %d live\n", before-idx.Len(), idx.Len())
			return nil
		},
	}
	cmd.Flags().IntVarP(&threads, "threads", "t", 4, "Concurrent writers")
	return cmd
}

func parseIDs(args []string) ([]uint64, error) {
	var ids []uint64
	for _, arg := range args {
		for _, s := range strings.Split(arg, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			id, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return nil, &lire.ConfigurationError{Field: "id", Reason: fmt.Sprintf("%q is not an id", s)}
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
