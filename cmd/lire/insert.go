package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/lire"
	"github.com/hupe1980/lire/internal/dataset"
)

type insertFlags struct {
	input   string
	startID uint64
	threads int
}

func newInsertCmd(g *globalFlags) *cobra.Command {
	f := &insertFlags{}
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Insert the vectors of a vector file",
		Long: `Insert adds the vectors of a vector file under consecutive ids starting
at --start-id. It fails without changes if any of the ids is live.

Example:
  lire insert --index ./idx --input new.bin --start-id 1000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireIndex(); err != nil {
				return err
			}
			if f.input == "" {
				return &lire.ConfigurationError{Field: "input", Reason: "--input is required"}
			}
			opts, err := g.options()
			if err != nil {
				return err
			}
			vectors, err := dataset.ReadFile(nil, f.input)
			if err != nil {
				return err
			}

			idx, err := lire.Open(cmd.Context(), g.index, opts...)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := idx.Insert(cmd.Context(), vectors, sequence(f.startID, len(vectors)), max(f.threads, 1)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d vectors, %d live\n", len(vectors), idx.Len())
			return nil
		},
	}

	cmd.Flags().StringVar(&f.input, "input", "", "Vector file to insert")
	cmd.Flags().Uint64Var(&f.startID, "start-id", 0, "Id of the first vector")
	cmd.Flags().IntVarP(&f.threads, "threads", "t", 4, "Concurrent writers")
	return cmd
}
