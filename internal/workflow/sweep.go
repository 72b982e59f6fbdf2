package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/warden/internal/alert"
)

const (
	// SweepBatchSize caps how many overdue alerts one sweep visits.
	SweepBatchSize = 500

	sweepConcurrency = 8
)

var errAlreadyOverdue = errors.New("alert already marked overdue")

// SweepReport summarizes one SLA sweep. Errors maps alert ID to the failure.
type SweepReport struct {
	Scanned int               `json:"scanned"`
	Updated int               `json:"updated"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// SweepSLA marks every open alert whose due date has passed as Overdue, one
// SLABreached action per alert. Alerts are handled independently: a failure
// is recorded in the report and the sweep carries on. Alerts changed
// concurrently since the listing are re-checked and skipped if no longer
// eligible.
func (e *Engine) SweepSLA(ctx context.Context, now time.Time) (*SweepReport, error) {
	begin := time.Now()
	ctx, span := e.tracer.Start(ctx, "workflow.SweepSLA")
	defer span.End()

	L := e.logger.With("command", "sweep_sla")

	due, err := e.store.ListOverdue(ctx, now, SweepBatchSize)
	if err != nil {
		err = fmt.Errorf("list overdue alerts: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "sla sweep failed")
		return nil, err
	}

	report := &SweepReport{Scanned: len(due), Errors: map[string]string{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(sweepConcurrency)
	for _, a := range due {
		g.Go(func() error {
			_, err := e.mutate(ctx, "sla_breach", a.ID, SystemActor, alert.ActionSLABreached,
				func(_ context.Context, next *alert.Alert, entry *alert.Action, _ time.Time) ([]*alert.Notification, error) {
					if next.SLAStatus == alert.SLAOverdue || !next.DueDate.Before(now) {
						return nil, errAlreadyOverdue
					}
					next.SLAStatus = alert.SLAOverdue
					entry.Reason = fmt.Sprintf("due %s, %dh SLA", next.DueDate.Format(time.RFC3339), next.SLAHours)
					return nil, nil
				})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Updated++
			case errors.Is(err, errAlreadyOverdue),
				errors.Is(err, alert.ErrInvalidTransition),
				errors.Is(err, alert.ErrConflict):
				report.Skipped++
			default:
				report.Failed++
				report.Errors[a.ID] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("warden.sweep.scanned", report.Scanned),
		attribute.Int("warden.sweep.updated", report.Updated),
		attribute.Int("warden.sweep.failed", report.Failed),
	)
	e.hooks.sweep(report, time.Since(begin).Seconds())

	if report.Failed > 0 {
		L.Warn(ctx, "sla sweep finished with failures",
			"scanned", report.Scanned,
			"updated", report.Updated,
			"skipped", report.Skipped,
			"failed", report.Failed,
		)
	} else {
		L.Info(ctx, "sla sweep finished",
			"scanned", report.Scanned,
			"updated", report.Updated,
			"skipped", report.Skipped,
		)
	}
	return report, nil
}
