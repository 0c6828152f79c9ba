// Package batch runs a list of invocations on a bounded worker pool. Each
// worker owns one child process at a time; siblings never abort each other.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
	"github.com/jingyi7777/adapt-seq-design/internal/execution/layout"
	"github.com/jingyi7777/adapt-seq-design/internal/execution/plan"
	"github.com/jingyi7777/adapt-seq-design/internal/repo"
	"github.com/jingyi7777/adapt-seq-design/internal/runtimeexec"
)

// Postprocessor handles declared outputs once a child has exited.
type Postprocessor interface {
	Process(ctx context.Context, inv domain.Invocation) ([]string, error)
}

type Runner struct {
	Executor runtimeexec.Executor
	// Post and Ledger are optional.
	Post   Postprocessor
	Ledger repo.InvocationLedger
	Logger *slog.Logger
	// Jobs bounds concurrent children; values below 1 mean 1.
	Jobs int
	// Devices, when set, are handed out one per running job so concurrent
	// children never share a device.
	Devices []string

	now     func() time.Time
	batchID func() string
}

// Run executes every invocation and its follow-ups. Outcomes are reported in
// input order with each follow-up after its parent. The returned error is
// only for a misconfigured runner; job failures live in the summary.
func (r *Runner) Run(ctx context.Context, invs []domain.Invocation) (domain.Summary, error) {
	if r == nil || r.Executor == nil {
		return domain.Summary{}, errors.New("executor is required")
	}
	logger := r.logger()
	summary := domain.Summary{BatchID: r.newBatchID()}

	limit := max(r.Jobs, 1)
	var pool *devicePool
	devices := cleanDevices(r.Devices)
	if len(devices) > 0 {
		pool = newDevicePool(devices)
		limit = min(limit, len(devices))
	}

	logger.Info("batch started",
		"batch_id", summary.BatchID,
		"invocations", len(invs),
		"jobs", limit,
		"executor", r.Executor.Kind(),
		"devices", strings.Join(devices, ","),
	)

	results := make([][]domain.Outcome, len(invs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, inv := range invs {
		i, inv := i, inv
		g.Go(func() error {
			results[i] = r.runJob(ctx, summary.BatchID, pool, inv)
			return nil
		})
	}
	_ = g.Wait()

	for _, outcomes := range results {
		for _, o := range outcomes {
			summary.Add(o)
		}
	}
	logger.Info("batch finished",
		"batch_id", summary.BatchID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"blocked", summary.Blocked,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

// runJob runs one top-level invocation and its follow-up chain in the
// calling worker. A device is held only when something in the chain still
// has to run.
func (r *Runner) runJob(ctx context.Context, batchID string, pool *devicePool, inv domain.Invocation) []domain.Outcome {
	if pool != nil && pending(inv) {
		device, release, err := pool.acquire(ctx)
		if err != nil {
			return r.failChain(ctx, batchID, inv, domain.ReasonCanceled, err)
		}
		defer release()
		inv = inv.WithEnv(domain.DeviceEnvKey, device)
	}
	return r.runChain(ctx, batchID, inv)
}

// runChain runs inv unless its marker already exists, then its follow-ups in
// order. The first follow-up that does not succeed stops the chain.
func (r *Runner) runChain(ctx context.Context, batchID string, inv domain.Invocation) []domain.Outcome {
	var outcome domain.Outcome
	if layout.Done(inv.Expects) {
		outcome = r.skipAlreadyDone(inv)
	} else {
		outcome = r.execute(ctx, inv)
	}
	r.record(ctx, batchID, inv, outcome)
	outcomes := []domain.Outcome{outcome}

	ok := outcome.OK()
	for i, next := range inv.Followups {
		if !ok {
			for _, rest := range inv.Followups[i:] {
				outcomes = append(outcomes, r.skipDependents(ctx, batchID, rest, inv.Name)...)
			}
			break
		}
		chained := r.runChain(ctx, batchID, next)
		outcomes = append(outcomes, chained...)
		ok = chained[0].OK()
	}
	return outcomes
}

// pending reports whether inv or any follow-up lacks its resume marker.
func pending(inv domain.Invocation) bool {
	if !layout.Done(inv.Expects) {
		return true
	}
	for _, next := range inv.Followups {
		if pending(next) {
			return true
		}
	}
	return false
}

func (r *Runner) execute(ctx context.Context, inv domain.Invocation) domain.Outcome {
	logger := r.logger().With("invocation", inv.Name)
	outcome := domain.Outcome{
		Name:      inv.Name,
		LogPath:   inv.LogPath,
		ExitCode:  -1,
		StartedAt: r.clock().UTC(),
	}

	if err := ctx.Err(); err != nil {
		outcome.Status = domain.StatusFailed
		outcome.Reason = domain.ReasonCanceled
		outcome.Err = err
		outcome.FinishedAt = outcome.StartedAt
		logger.Warn("invocation not started", "error", err)
		return outcome
	}

	if err := layout.Ensure(inv.Dirs...); err != nil {
		outcome.Status = domain.StatusFailed
		outcome.Reason = domain.ReasonEnvironment
		outcome.Err = err
		outcome.FinishedAt = r.clock().UTC()
		logger.Error("prepare directories failed", "error", err)
		return outcome
	}

	logger.Info("invocation started", "program", inv.Program, "device", inv.Env[domain.DeviceEnvKey])
	res, runErr := r.Executor.Run(ctx, inv)
	if !res.StartedAt.IsZero() {
		outcome.StartedAt = res.StartedAt
	}
	outcome.ExitCode = res.ExitCode
	outcome.FinishedAt = res.FinishedAt
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = r.clock().UTC()
	}

	if runErr == nil {
		outcome.Status = domain.StatusSucceeded
	} else {
		outcome.Status = domain.StatusFailed
		outcome.Reason = reasonFor(runErr)
		outcome.Err = runErr
	}

	if r.Post != nil {
		// Outputs are compressed even when the batch is being torn down.
		if _, err := r.Post.Process(context.WithoutCancel(ctx), inv); err != nil {
			logger.Error("postprocess failed", "error", err)
			if outcome.Status == domain.StatusSucceeded {
				outcome.Status = domain.StatusFailed
				outcome.Reason = domain.ReasonEnvironment
			}
			outcome.Err = errors.Join(outcome.Err, fmt.Errorf("postprocess: %w", err))
		}
	}

	if outcome.Status == domain.StatusSucceeded {
		if inv.Expects != "" && !layout.Done(inv.Expects) {
			// The next batch will run it again.
			logger.Warn("expected output missing after success", "expects", inv.Expects)
		}
		logger.Info("invocation succeeded", "duration", outcome.FinishedAt.Sub(outcome.StartedAt).String())
	} else {
		logger.Error("invocation failed", "reason", outcome.Reason, "exit_code", outcome.ExitCode, "log", inv.LogPath, "error", outcome.Err)
	}
	return outcome
}

func (r *Runner) skipAlreadyDone(inv domain.Invocation) domain.Outcome {
	now := r.clock().UTC()
	r.logger().Info("invocation skipped", "invocation", inv.Name, "reason", domain.ReasonAlreadyDone, "marker", inv.Expects)
	return domain.Outcome{
		Name:       inv.Name,
		Status:     domain.StatusSkipped,
		Reason:     domain.ReasonAlreadyDone,
		LogPath:    inv.LogPath,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// skipDependents marks inv and everything chained after it as skipped
// because parent did not succeed.
func (r *Runner) skipDependents(ctx context.Context, batchID string, inv domain.Invocation, parent string) []domain.Outcome {
	now := r.clock().UTC()
	outcome := domain.Outcome{
		Name:       inv.Name,
		Status:     domain.StatusSkipped,
		Reason:     domain.ReasonDependencyFailed,
		Err:        fmt.Errorf("%s did not succeed", parent),
		LogPath:    inv.LogPath,
		StartedAt:  now,
		FinishedAt: now,
	}
	r.logger().Warn("invocation skipped", "invocation", inv.Name, "reason", outcome.Reason, "parent", parent)
	r.record(ctx, batchID, inv, outcome)
	outcomes := []domain.Outcome{outcome}
	for _, next := range inv.Followups {
		outcomes = append(outcomes, r.skipDependents(ctx, batchID, next, inv.Name)...)
	}
	return outcomes
}

// failChain reports inv as failed without running it and skips its
// follow-ups.
func (r *Runner) failChain(ctx context.Context, batchID string, inv domain.Invocation, reason string, err error) []domain.Outcome {
	now := r.clock().UTC()
	outcome := domain.Outcome{
		Name:       inv.Name,
		Status:     domain.StatusFailed,
		Reason:     reason,
		ExitCode:   -1,
		Err:        err,
		LogPath:    inv.LogPath,
		StartedAt:  now,
		FinishedAt: now,
	}
	r.logger().Warn("invocation not started", "invocation", inv.Name, "reason", reason, "error", err)
	r.record(ctx, batchID, inv, outcome)
	outcomes := []domain.Outcome{outcome}
	for _, next := range inv.Followups {
		outcomes = append(outcomes, r.skipDependents(ctx, batchID, next, inv.Name)...)
	}
	return outcomes
}

// record writes outcome to the ledger. Ledger trouble is logged and never
// changes the outcome.
func (r *Runner) record(ctx context.Context, batchID string, inv domain.Invocation, outcome domain.Outcome) {
	if r.Ledger == nil {
		return
	}
	fingerprint, err := plan.Fingerprint(inv)
	if err != nil {
		r.logger().Warn("fingerprint failed", "invocation", inv.Name, "error", err)
		return
	}
	record := repo.InvocationRecord{
		BatchID:     batchID,
		Name:        inv.Name,
		Fingerprint: fingerprint,
		Status:      string(outcome.Status),
		Reason:      outcome.Reason,
		ExitCode:    outcome.ExitCode,
		StartedAt:   outcome.StartedAt,
		FinishedAt:  outcome.FinishedAt,
		LogPath:     outcome.LogPath,
	}
	if outcome.Err != nil {
		record.ErrorMessage = outcome.Err.Error()
	}
	if _, _, err := r.Ledger.Record(context.WithoutCancel(ctx), record); err != nil {
		r.logger().Warn("ledger record failed", "invocation", inv.Name, "error", err)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, runtimeexec.ErrCanceled):
		return domain.ReasonCanceled
	case errors.Is(err, runtimeexec.ErrExitStatus):
		return domain.ReasonExitStatus
	default:
		return domain.ReasonEnvironment
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func (r *Runner) newBatchID() string {
	if r.batchID == nil {
		return uuid.NewString()
	}
	return r.batchID()
}
