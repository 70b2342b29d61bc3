package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/engram/internal/client"
)

var healthAddr string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a running engram server",
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "", "Server URL (default $ENGRAM_URL or http://127.0.0.1:37778)")
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := client.New(healthAddr).Health(ctx)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}

	keys := make([]string, 0, len(report))
	for k := range report {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := cmd.OutOrStdout()
	for _, k := range keys {
		fmt.Fprintf(out, "%-15s %v\n", k, report[k])
	}
	return nil
}
