package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/model"
)

var (
	searchScope         string
	searchLimit         int
	searchTypes         []string
	searchMinSimilarity float64
	searchIncludeStale  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories by similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchScope, "scope", "s", "", "Scope to search (required)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum number of results")
	searchCmd.Flags().StringSliceVarP(&searchTypes, "type", "t", nil, "Only these memory types")
	searchCmd.Flags().Float64Var(&searchMinSimilarity, "min-similarity", 0, "Drop results below this similarity")
	searchCmd.Flags().BoolVar(&searchIncludeStale, "stale", false, "Include STALE memories")
	searchCmd.MarkFlagRequired("scope")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.engine.Search(ctx, engine.SearchRequest{
		Query: strings.Join(args, " "),
		Filters: engine.SearchFilters{
			Scope:        searchScope,
			Types:        searchTypes,
			IncludeStale: searchIncludeStale,
		},
		MaxResults:    searchLimit,
		MinSimilarity: searchMinSimilarity,
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s\n", i+1, r.Similarity, r.Memory.ID)
		printMemory(cmd, r.Memory)
		fmt.Fprintln(out)
	}
	return nil
}

// printMemory prints the indented detail lines shared by search and list.
func printMemory(cmd *cobra.Command, m model.Memory) {
	out := cmd.OutOrStdout()
	content := strings.Join(strings.Fields(m.Content), " ")
	if len(content) > 200 {
		content = content[:200] + "..."
	}
	fmt.Fprintf(out, "   %s [%s]\n", content, m.Type)
	fmt.Fprintf(out, "   importance %.3f, %s, updated %s\n", m.Importance, m.State, m.UpdatedAt.Format("2006-01-02 15:04"))
}
