// Package poller orchestrates reconciliation runs over all registered
// vehicles.
package poller

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/avtopark/finewatch/internal/config"
	"github.com/avtopark/finewatch/internal/fetcher"
	"github.com/avtopark/finewatch/internal/fingerprint"
	"github.com/avtopark/finewatch/internal/model"
	"github.com/avtopark/finewatch/internal/notify"
	"github.com/avtopark/finewatch/internal/reconcile"
	"github.com/avtopark/finewatch/internal/store"
)

// ErrRunInProgress is returned when a run is requested while another run
// holds the single-flight lock.
var ErrRunInProgress = eris.New("poller: reconciliation run already in progress")

// Runner executes reconciliation runs: one sequential pass over all
// vehicles with an enforced inter-request delay.
type Runner struct {
	store    store.Store
	client   fetcher.Client
	notifier notify.Notifier
	cfg      config.PollConfig

	// fetchTimeout bounds the lookup call per vehicle.
	fetchTimeout time.Duration

	// inflight serializes runs across the scheduled and on-demand trigger
	// paths: overlapping runs would double-notify and interleave
	// fingerprint writes.
	inflight *semaphore.Weighted
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, client fetcher.Client, notifier notify.Notifier, cfg config.PollConfig, fetchTimeout time.Duration) *Runner {
	if fetchTimeout == 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Runner{
		store:        st,
		client:       client,
		notifier:     notifier,
		cfg:          cfg,
		fetchTimeout: fetchTimeout,
		inflight:     semaphore.NewWeighted(1),
	}
}

// Run executes one reconciliation pass. Both trigger paths resolve here.
// Vehicles registered after the list is loaded are picked up next run.
// Returns ErrRunInProgress without doing any work if a run is already
// active.
func (r *Runner) Run(ctx context.Context, trigger model.RunTrigger) (*store.RunSummary, error) {
	if !r.inflight.TryAcquire(1) {
		return nil, ErrRunInProgress
	}
	defer r.inflight.Release(1)
	return r.run(ctx, trigger)
}

// RunAsync starts a run in the background. It returns ErrRunInProgress
// immediately when a run is already active, otherwise nil once the run
// has been claimed.
func (r *Runner) RunAsync(trigger model.RunTrigger) error {
	if !r.inflight.TryAcquire(1) {
		return ErrRunInProgress
	}
	go func() {
		defer r.inflight.Release(1)
		if _, err := r.run(context.Background(), trigger); err != nil {
			zap.L().Error("background run failed", zap.Error(err))
		}
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, trigger model.RunTrigger) (*store.RunSummary, error) {
	log := zap.L().With(zap.String("component", "poller"), zap.String("trigger", string(trigger)))

	runID, err := r.store.StartRun(ctx, trigger)
	if err != nil {
		return nil, eris.Wrap(err, "poller: start run")
	}

	vehicles, err := r.store.ListVehicles(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "poller: list vehicles")
	}
	log.Info("starting reconciliation run", zap.Int("vehicles", len(vehicles)))

	var summary store.RunSummary
	for _, v := range vehicles {
		// Cancellation point between vehicles; a vehicle in flight is
		// never interrupted mid-persist.
		if err := ctx.Err(); err != nil {
			r.completeRun(ctx, log, runID, summary)
			return &summary, eris.Wrap(err, "poller: run cancelled")
		}

		vLog := log.With(zap.Int64("vehicle_id", v.ID), zap.String("plate", v.Plate))

		newN, paidN, err := r.processVehicle(ctx, v)
		if err != nil {
			// One vehicle's failure never aborts the run.
			vLog.Error("vehicle check failed", zap.Error(err))
			summary.VehiclesFailed++
		} else {
			summary.VehiclesChecked++
			summary.NewFines += newN
			summary.PaidFines += paidN
			if newN > 0 || paidN > 0 {
				vLog.Info("vehicle reconciled",
					zap.Int("new_fines", newN),
					zap.Int("paid_fines", paidN),
				)
			}
		}

		// The upstream rate contract: pause after every vehicle,
		// failures included.
		r.pause(ctx)
	}

	r.completeRun(ctx, log, runID, summary)
	log.Info("reconciliation run complete",
		zap.Int("checked", summary.VehiclesChecked),
		zap.Int("failed", summary.VehiclesFailed),
		zap.Int("new_fines", summary.NewFines),
		zap.Int("paid_fines", summary.PaidFines),
	)
	return &summary, nil
}

// Start blocks, invoking a scheduled run every interval until the context
// is cancelled.
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	log := zap.L().With(zap.String("component", "poller"))
	log.Info("scheduler started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
			if _, err := r.Run(ctx, model.TriggerScheduled); err != nil {
				if eris.Is(err, ErrRunInProgress) {
					log.Warn("skipping scheduled run, another run is active")
					continue
				}
				log.Error("scheduled run failed", zap.Error(err))
			}
		}
	}
}

// processVehicle performs fetch, diff, persist, fingerprint update and
// notification for one vehicle.
func (r *Runner) processVehicle(ctx context.Context, v model.Vehicle) (newFines, paidFines int, err error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	remote, err := r.client.Fetch(fetchCtx, v.Plate, v.Document)
	if err != nil {
		return 0, 0, eris.Wrap(err, "fetch")
	}

	now := time.Now().UTC()
	agg := fingerprint.Aggregate(remote)

	if r.cfg.SkipUnchanged && v.LastFingerprint == agg {
		if err := r.store.UpdateVehicleCheck(ctx, v.ID, agg, now); err != nil {
			return 0, 0, eris.Wrap(err, "update check marker")
		}
		return 0, 0, nil
	}

	known, err := r.store.KnownFines(ctx, v.ID)
	if err != nil {
		return 0, 0, eris.Wrap(err, "load known fines")
	}

	res := reconcile.Reconcile(now, remote, known)

	if err := r.store.ApplyFineChanges(ctx, v.ID, res.Inserts, res.MarkPaid, now); err != nil {
		return 0, 0, eris.Wrap(err, "apply changes")
	}

	if err := r.store.UpdateVehicleCheck(ctx, v.ID, agg, now); err != nil {
		// The mutation batch is already committed; losing the marker only
		// costs the fast path, not correctness. Still notify.
		zap.L().Warn("failed to update check marker",
			zap.Int64("vehicle_id", v.ID),
			zap.Error(err),
		)
	}

	r.sendNotifications(ctx, v, res)
	return len(res.NewEvents), len(res.PaidEvents), nil
}

// sendNotifications delivers at most one message per category. Failures
// are logged and never affect the committed reconciliation state.
func (r *Runner) sendNotifications(ctx context.Context, v model.Vehicle, res reconcile.Result) {
	if len(res.NewEvents) > 0 {
		msg := notify.NewFinesMessage(v, res.NewEvents)
		if err := r.notifier.Send(ctx, msg); err != nil {
			zap.L().Error("failed to send new-fines notification",
				zap.String("plate", v.Plate),
				zap.Error(err),
			)
		}
	}
	if len(res.PaidEvents) > 0 {
		msg := notify.PaidFinesMessage(v, res.PaidEvents)
		if err := r.notifier.Send(ctx, msg); err != nil {
			zap.L().Error("failed to send paid-fines notification",
				zap.String("plate", v.Plate),
				zap.Error(err),
			)
		}
	}
}

func (r *Runner) pause(ctx context.Context) {
	delay := r.cfg.RequestDelay()
	if delay <= 0 {
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (r *Runner) completeRun(ctx context.Context, log *zap.Logger, runID string, summary store.RunSummary) {
	// Record the run even when the context is gone.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := r.store.CompleteRun(ctx, runID, summary); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}
}
