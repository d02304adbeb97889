package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/fieldsync/internal/op"
)

// SkipReason explains why a cycle did not run.
type SkipReason string

const (
	SkipNone    SkipReason = ""
	SkipOffline SkipReason = "offline"
	SkipBusy    SkipReason = "busy"
)

// CycleReport summarizes one RunCycle call.
type CycleReport struct {
	Skipped    SkipReason
	Started    time.Time
	Due        int // Operations selected at the start of the cycle
	Succeeded  int
	Retrying   int
	Failed     int
	Conflicted int
	Held       int // Skipped because an earlier op on the same entity failed this cycle
	Errors     int // Local persistence failures while recording outcomes
}

// Attempted returns how many operations were applied.
func (r CycleReport) Attempted() int {
	return r.Succeeded + r.Retrying + r.Failed + r.Conflicted
}

// RunCycle applies every due operation once, in creation order.
//
// It is a no-op when offline or when another cycle is running. It never
// returns an error: each operation's outcome is recorded on the operation
// and counted in the report, and one failure does not stop the rest. After
// a failure, later operations on the same entity are held until the next
// cycle so they never overtake it.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	if !e.monitor.IsOnline() {
		return CycleReport{Skipped: SkipOffline}
	}
	if !e.running.CompareAndSwap(false, true) {
		return CycleReport{Skipped: SkipBusy}
	}
	defer e.running.Store(false)

	report := CycleReport{Started: e.now.Now()}
	due := e.queue.ListDue(report.Started)
	report.Due = len(due)
	if len(due) == 0 {
		return report
	}
	slog.Info("sync cycle starting", "due", len(due))

	held := make(map[string]bool)
	for _, o := range due {
		if ctx.Err() != nil {
			break
		}
		if held[o.Entity()] {
			report.Held++
			continue
		}

		outcome, ok := e.applyOne(ctx, o.ID, &report)
		if !ok {
			continue
		}
		if outcome != op.OutcomeSuccess {
			held[o.Entity()] = true
		}
	}

	slog.Info("sync cycle finished",
		"succeeded", report.Succeeded,
		"retrying", report.Retrying,
		"failed", report.Failed,
		"conflicted", report.Conflicted,
		"held", report.Held,
	)
	return report
}

// applyOne applies operation id and records the outcome. ok is false if the
// operation was discarded or reset out of the schedulable states after it
// was listed.
func (e *Engine) applyOne(ctx context.Context, id string, report *CycleReport) (outcome op.Outcome, ok bool) {
	e.inflightMu.Lock()
	o, found := e.queue.Get(id)
	if !found || !o.Status.Schedulable() {
		e.inflightMu.Unlock()
		return "", false
	}
	e.inflight = id
	e.inflightMu.Unlock()

	defer func() {
		e.inflightMu.Lock()
		e.inflight = ""
		e.inflightMu.Unlock()
	}()

	if o.Retries > 0 && o.Status != op.StatusRetrying {
		if updated, err := e.queue.Update(ctx, id, func(o *op.Operation) error {
			o.Status = op.StatusRetrying
			return nil
		}); err == nil {
			o = updated
		}
	}

	err := e.applier.Apply(ctx, o)
	at := e.now.Now()
	outcome = Classify(err)

	attempt := op.Attempt{At: at, Outcome: outcome}
	if err != nil {
		attempt.Error = err.Error()
	}

	switch outcome {
	case op.OutcomeSuccess:
		if _, rerr := e.queue.Remove(ctx, id); rerr != nil {
			// Applied remotely but still queued; the next cycle repeats
			// the apply, which the applier tolerates.
			slog.Error("failed to remove applied operation", "op", id, "error", rerr)
			report.Errors++
			return outcome, true
		}
		report.Succeeded++
		slog.Debug("operation applied", "op", id, "entity", o.Entity())
		e.publish(EventSucceeded, o)
		return outcome, true

	case op.OutcomeRetryable:
		updated, uerr := e.queue.Update(ctx, id, func(o *op.Operation) error {
			o.Retries++
			o.LastAttemptAt = &at
			if e.backoff.Exhausted(o.Retries) {
				o.Status = op.StatusFailed
				o.Error = ExhaustedPrefix + err.Error()
			} else {
				o.Status = op.StatusRetrying
				o.Error = err.Error()
			}
			return nil
		}, recordAttempt(attempt))
		if uerr != nil {
			e.recordFailure(id, uerr, report)
			return outcome, true
		}
		if updated.Status == op.StatusFailed {
			report.Failed++
			slog.Warn("operation failed: retry budget exhausted", "op", id, "retries", updated.Retries, "error", err)
			e.publish(EventFailed, updated)
		} else {
			report.Retrying++
			slog.Info("operation will retry", "op", id, "retries", updated.Retries,
				"next_attempt", e.backoff.NextAttemptAt(updated), "error", err)
			e.publish(EventRescheduled, updated)
		}
		return outcome, true

	case op.OutcomeConflict:
		updated, uerr := e.queue.Update(ctx, id, func(o *op.Operation) error {
			o.Status = op.StatusConflict
			o.LastAttemptAt = &at
			o.Error = err.Error()
			return nil
		}, recordAttempt(attempt))
		if uerr != nil {
			e.recordFailure(id, uerr, report)
			return outcome, true
		}
		report.Conflicted++
		slog.Warn("operation conflicted", "op", id, "entity", o.Entity(), "error", err)
		e.publish(EventConflicted, updated)
		return outcome, true

	default: // op.OutcomeFatal
		updated, uerr := e.queue.Update(ctx, id, func(o *op.Operation) error {
			o.Status = op.StatusFailed
			o.LastAttemptAt = &at
			o.Error = FatalPrefix + err.Error()
			return nil
		}, recordAttempt(attempt))
		if uerr != nil {
			e.recordFailure(id, uerr, report)
			return outcome, true
		}
		report.Failed++
		slog.Warn("operation failed", "op", id, "entity", o.Entity(), "error", err)
		e.publish(EventFailed, updated)
		return outcome, true
	}
}

// recordFailure logs a local write failure while recording an outcome. The
// operation keeps its previous stored state and is attempted again.
func (e *Engine) recordFailure(id string, err error, report *CycleReport) {
	slog.Error("failed to record operation outcome", "op", id, "error", err)
	report.Errors++
}
