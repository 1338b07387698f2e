package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/lire"
)

func newStatsCmd(g *globalFlags) *cobra.Command {
	var (
		asJSON  bool
		quiesce bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print partition balance and maintenance counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireIndex(); err != nil {
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

			if quiesce {
				if err := idx.Quiesce(cmd.Context()); err != nil {
					return err
				}
			}
			st, err := idx.Stats()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "dimension\t%d\n", idx.Dimension())
			fmt.Fprintf(tw, "value type\t%s\n", idx.ValueType())
			fmt.Fprintf(tw, "vectors\t%d\n", st.Vectors)
			fmt.Fprintf(tw, "partitions\t%d\n", st.Partitions)
			fmt.Fprintf(tw, "partition size\tmin %d, max %d, mean %.1f\n", st.MinPartitionSize, st.MaxPartitionSize, st.MeanPartitionSize)
			fmt.Fprintf(tw, "balance\tgini %.3f, cv %.3f\n", st.Gini, st.CV)
			fmt.Fprintf(tw, "rebalancing\t%d splits, %d merges, %d compactions, %d reassignments\n", st.Splits, st.Merges, st.Compactions, st.Reassignments)
			fmt.Fprintf(tw, "pending fixups\t%d\n", st.PendingFixups)
			fmt.Fprintf(tw, "blocks\t%d used, %d free in %d files\n", st.UsedBlocks, st.FreeBlocks, st.BlockFiles)
			fmt.Fprintf(tw, "manifest\t%d (lsn %d)\n", st.ManifestID, st.AppliedLSN)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&quiesce, "quiesce", false, "Finish pending rebalancing first")
	return cmd
}
