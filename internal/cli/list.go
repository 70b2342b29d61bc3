package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/engram/internal/model"
)

var (
	listScope string
	listState string
	listLimit int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories in a scope",
	Long:  "List memories in a scope, most recently updated first. Deleted memories are hidden unless --state DELETED is given.",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVarP(&listScope, "scope", "s", "", "Scope to list (required)")
	listCmd.Flags().StringVar(&listState, "state", "", "Only memories in this state")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of memories")
	listCmd.MarkFlagRequired("scope")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	mems, err := a.engine.ListMemories(ctx, listScope, model.State(strings.ToUpper(listState)), listLimit)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(mems) == 0 {
		fmt.Fprintf(out, "No memories in %s.\n", listScope)
		return nil
	}
	fmt.Fprintf(out, "## %s (%d)\n\n", listScope, len(mems))
	for _, m := range mems {
		fmt.Fprintf(out, "  %s\n", m.ID)
		printMemory(cmd, m)
	}
	return nil
}
