package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/lire"
	"github.com/hupe1980/lire/internal/dataset"
)

type searchFlags struct {
	queries string
	k       int
	fanout  int
	threads int
	timeout time.Duration
	json    bool
}

// queryResult is the JSON form of the hits of one query.
type queryResult struct {
	Query   int           `json:"query"`
	Results []lire.Result `json:"results"`
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	f := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search an index with the vectors of a query file",
		Long: `Search runs every vector of the query file against the index and prints
the k nearest ids with their distances.

Examples:
  lire search --index ./idx --queries queries.bin --k 10
  lire search --index ./idx --queries queries.bin --fanout 64 --json | jq '.[0]'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireIndex(); err != nil {
				return err
			}
			if f.queries == "" {
				return &lire.ConfigurationError{Field: "queries", Reason: "--queries is required"}
			}
			opts, err := g.options()
			if err != nil {
				return err
			}
			queries, err := dataset.ReadFile(nil, f.queries)
			if err != nil {
				return err
			}

			idx, err := lire.Open(cmd.Context(), g.index, opts...)
			if err != nil {
				return err
			}
			defer idx.Close()

			var searchOpts []lire.SearchOption
			if f.fanout > 0 {
				searchOpts = append(searchOpts, lire.WithFanout(f.fanout))
			}
			if f.timeout > 0 {
				searchOpts = append(searchOpts, lire.WithTimeout(f.timeout))
			}
			results, err := idx.SearchBatch(cmd.Context(), queries, f.k, f.threads, searchOpts...)
			if err != nil {
				return err
			}
			if f.json {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			return writeText(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().StringVarP(&f.queries, "queries", "q", "", "Vector file with the queries")
	cmd.Flags().IntVar(&f.k, "k", 10, "Number of neighbors per query")
	cmd.Flags().IntVar(&f.fanout, "fanout", 0, "Partitions probed per query (0 = index default)")
	cmd.Flags().IntVarP(&f.threads, "threads", "t", 0, "Concurrent queries (0 = all cores)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Per-query time budget")
	cmd.Flags().BoolVar(&f.json, "json", false, "Output results as JSON")
	return cmd
}

func writeJSON(w io.Writer, results [][]lire.Result) error {
	out := make([]queryResult, len(results))
	for i, res := range results {
		out[i] = queryResult{Query: i, Results: res}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeText(w io.Writer, results [][]lire.Result) error {
	for i, res := range results {
		hits := make([]string, len(res))
		for j, r := range res {
			hits[j] = fmt.Sprintf("%d:%.6g", r.ID, r.Distance)
		}
		if _, err := fmt.Fprintf(w, "%d\t%s\n", i, strings.Join(hits, " ")); err != nil {
			return err
		}
	}
	return nil
}
