package main

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/workflow"
)

// sweeper is the slice of the engine the SLA ticker drives.
type sweeper interface {
	SweepSLA(ctx context.Context, now time.Time) (*workflow.SweepReport, error)
}

// startSweeper runs an SLA sweep every interval until ctx ends or the returned
// stop function is called. Sweep errors are logged by the engine and do not
// stop the loop.
func startSweeper(ctx context.Context, L log.Logger, s sweeper, interval time.Duration) func(context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				report, err := s.SweepSLA(ctx, now.UTC())
				if err != nil {
					continue
				}
				if report.Updated > 0 || report.Failed > 0 {
					L.Info(ctx, "sla sweep complete",
						"scanned", report.Scanned,
						"updated", report.Updated,
						"skipped", report.Skipped,
						"failed", report.Failed,
					)
				}
			}
		}
	}()

	return func(stopCtx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}
