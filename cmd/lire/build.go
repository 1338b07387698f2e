package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/lire"
	"github.com/hupe1980/lire/internal/dataset"
)

type buildFlags struct {
	input     string
	valueType string
	threads   int
	normalize bool
	startID   uint64
}

func newBuildCmd(g *globalFlags) *cobra.Command {
	f := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an index from a vector file",
		Long: `Build clusters the vectors of a vector file into partitions and writes
a new index to the --index directory.

Examples:
  lire build --index ./idx --input base.bin
  lire build --index ./idx --input base.bin --value-type uint8 --threads 16`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireIndex(); err != nil {
				return err
			}
			if f.input == "" {
				return &lire.ConfigurationError{Field: "input", Reason: "--input is required"}
			}
			vt, err := lire.ParseValueType(f.valueType)
			if err != nil {
				return err
			}
			opts, err := g.options()
			if err != nil {
				return err
			}
			vectors, err := dataset.ReadFile(nil, f.input)
			if err != nil {
				return err
			}
			if len(vectors) == 0 {
				return &lire.ConfigurationError{Field: "input", Reason: "vector file is empty"}
			}

			idx, err := lire.New(len(vectors[0]), vt, opts...)
			if err != nil {
				return err
			}
			start := time.Now()
			err = idx.Build(cmd.Context(), vectors, g.index, lire.BuildOptions{
				Threads:   f.threads,
				Normalize: f.normalize,
				IDs:       sequence(f.startID, len(vectors)),
			})
			if err != nil {
				return err
			}
			defer idx.Close()

			st, err := idx.Stats()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %d vectors in %d partitions in %s\n",
				st.Vectors, st.Partitions, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&f.input, "input", "", "Vector file to index")
	cmd.Flags().StringVar(&f.valueType, "value-type", "float32", "Stored value type (float32, float16, uint8)")
	cmd.Flags().IntVarP(&f.threads, "threads", "t", 0, "Build threads (0 = all cores)")
	cmd.Flags().BoolVar(&f.normalize, "normalize", false, "Unit-normalize vectors and queries")
	cmd.Flags().Uint64Var(&f.startID, "start-id", 0, "Id of the first vector")
	return cmd
}

// sequence returns the ids start..start+n-1.
func sequence(start uint64, n int) []uint64 {
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = start + uint64(i)
	}
	return ids
}
