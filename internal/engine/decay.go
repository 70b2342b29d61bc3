package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Failed     int `json:"failed"`
	Stale      int `json:"stale"`
	Recomputed int `json:"recomputed"`
}

// Sweep is the scheduled maintenance pass:
//   - CREATED memories older than StuckAfter become FAILED
//   - ACTIVE memories unused for StaleAfter become STALE
//   - ACTIVE and STALE memories whose importance is older than
//     RecomputeAfter are recomputed, up to SweepBatch of them
func (e *Engine) Sweep(ctx context.Context) (res SweepResult, err error) {
	const op = "sweep"
	ctx, end := e.begin(ctx, op)
	defer func() { end(err) }()

	now := e.now()
	if res.Failed, err = e.store.FailStuck(ctx, now.Add(-e.cfg.StuckAfter), now); err != nil {
		return res, dependency(op, "fail stuck memories", err)
	}
	if res.Stale, err = e.store.MarkStale(ctx, now.Add(-e.cfg.StaleAfter)); err != nil {
		return res, dependency(op, "mark stale memories", err)
	}

	due, err := e.store.DueForRecompute(ctx, now.Add(-e.cfg.RecomputeAfter), e.cfg.SweepBatch)
	if err != nil {
		return res, dependency(op, "list memories due for recompute", err)
	}

	recomputed := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepConcurrency)
	for i, ref := range due {
		g.Go(func() error {
			_, err := e.recompute(gctx, ref.Scope, ref.ID)
			switch {
			case err == nil:
				recomputed[i] = true
				return nil
			case isKind(err, KindNotFound) || isKind(err, KindConflict):
				// Deleted or failed since it was listed.
				return nil
			default:
				return err
			}
		})
	}
	err = g.Wait()
	for _, ok := range recomputed {
		if ok {
			res.Recomputed++
		}
	}

	e.metrics.RecordSweep("failed", res.Failed)
	e.metrics.RecordSweep("stale", res.Stale)
	e.metrics.RecordSweep("recomputed", res.Recomputed)
	if err != nil {
		return res, err
	}
	return res, nil
}

// StartSweepTimer runs a sweep at startup and then every SweepInterval until
// Stop is called.
func (e *Engine) StartSweepTimer() {
	e.runSweep()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runSweep()
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) runSweep() {
	timeout := e.cfg.SweepInterval
	if timeout < time.Minute {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := e.Sweep(ctx)
	if err != nil {
		e.logger.Warn("sweep failed", zap.Error(err))
		return
	}
	if res != (SweepResult{}) {
		e.logger.Info("sweep",
			zap.Int("failed", res.Failed),
			zap.Int("stale", res.Stale),
			zap.Int("recomputed", res.Recomputed),
		)
	}
}

// Stop shuts down the engine's background goroutines and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
