package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance sweep",
	Long:  "Fail stuck creates, mark unused memories stale and recompute importance that is due, then exit.",
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "failed %d, stale %d, recomputed %d\n", res.Failed, res.Stale, res.Recomputed)
	return nil
}
