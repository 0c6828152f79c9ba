package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
	"github.com/jingyi7777/adapt-seq-design/internal/execution/batch"
	"github.com/jingyi7777/adapt-seq-design/internal/execution/plan"
	"github.com/jingyi7777/adapt-seq-design/internal/execution/resolve"
	"github.com/jingyi7777/adapt-seq-design/internal/platform/database"
	"github.com/jingyi7777/adapt-seq-design/internal/platform/env"
	platformstore "github.com/jingyi7777/adapt-seq-design/internal/platform/objectstore"
	"github.com/jingyi7777/adapt-seq-design/internal/postprocess"
	"github.com/jingyi7777/adapt-seq-design/internal/repo"
	"github.com/jingyi7777/adapt-seq-design/internal/repo/ledgerdb"
	"github.com/jingyi7777/adapt-seq-design/internal/runtimeexec"
	"github.com/jingyi7777/adapt-seq-design/internal/storage/objectstore"
)

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	level, err := logLevel(env.String("ADAPT_LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitMisconfig
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	defaults, err := envDefaultsFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		return exitMisconfig
	}
	opts, err := parseOptions(args, defaults, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, "orchestrate:", err)
		return exitFailure
	}

	settings, err := plan.SettingsFromEnv()
	if err != nil {
		logger.Error("invalid settings", "error", err)
		return exitMisconfig
	}
	if opts.seedSet {
		settings.Seed = opts.seed
	}

	invs, err := planInvocations(opts, settings)
	if err != nil {
		fmt.Fprintln(stderr, "orchestrate:", err)
		if resolve.IsValidation(err) {
			fmt.Fprintln(stderr, "run orchestrate -h for accepted run arguments")
		}
		return exitFailure
	}

	if opts.dryRun {
		out, err := plan.MarshalInvocations(invs)
		if err != nil {
			logger.Error("render plan failed", "error", err)
			return exitFailure
		}
		if _, err := stdout.Write(out); err != nil {
			return exitFailure
		}
		return exitOK
	}

	executor, err := newExecutor(opts, settings)
	if err != nil {
		logger.Error("executor init failed", "executor", opts.executor, "error", err)
		return exitMisconfig
	}

	outRoot := settings.AnchoredRoots().Out
	sink, code := artifactSink(ctx, logger, outRoot)
	if code != exitOK {
		return code
	}

	ledger, closeLedger, code := openLedger(ctx, logger)
	if code != exitOK {
		return code
	}
	defer closeLedger()

	runner := &batch.Runner{
		Executor: executor,
		Post:     postprocess.New(logger, sink),
		Ledger:   ledger,
		Logger:   logger,
		Jobs:     opts.jobs,
		Devices:  opts.gpus,
	}
	summary, err := runner.Run(ctx, invs)
	if err != nil {
		logger.Error("batch failed", "error", err)
		return exitFailure
	}
	return report(logger, summary, opts.failSoft, outRoot)
}

// planInvocations resolves every requested run and builds its invocations.
// All validation problems are reported together before any work starts.
func planInvocations(opts options, settings plan.Settings) ([]domain.Invocation, error) {
	defaults := resolve.Defaults{
		Seed:        settings.Seed,
		OuterSplits: settings.OuterSplits,
		GPU:         opts.gpu,
	}

	type request struct {
		label    string
		tokens   []string
		defaults resolve.Defaults
	}
	var requests []request
	if opts.planPath != "" {
		file, err := plan.LoadFile(opts.planPath)
		if err != nil {
			return nil, err
		}
		for i, r := range file.Runs {
			d := defaults
			if r.Seed != nil {
				d.Seed = *r.Seed
			}
			if r.GPU != nil {
				d.GPU = *r.GPU
			}
			requests = append(requests, request{label: fmt.Sprintf("runs[%d]", i), tokens: r.Args, defaults: d})
		}
	} else {
		requests = append(requests, request{tokens: opts.tokens, defaults: defaults})
	}

	var invs []domain.Invocation
	var errs []error
	for _, req := range requests {
		desc, err := resolve.Descriptor(req.tokens, req.defaults)
		if err == nil {
			var built []domain.Invocation
			built, err = plan.Build(settings, desc)
			invs = append(invs, built...)
		}
		if err != nil {
			if req.label != "" {
				err = fmt.Errorf("%s: %w", req.label, err)
			}
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := uniqueNames(invs); err != nil {
		return nil, err
	}
	return invs, nil
}

// uniqueNames rejects batches where two invocations would write the same
// output directory and stem.
func uniqueNames(invs []domain.Invocation) error {
	seen := make(map[string]struct{}, len(invs))
	var walk func(inv domain.Invocation) error
	walk = func(inv domain.Invocation) error {
		if _, dup := seen[inv.Name]; dup {
			return fmt.Errorf("invocation %s is requested more than once", inv.Name)
		}
		seen[inv.Name] = struct{}{}
		for _, f := range inv.Followups {
			if err := walk(f); err != nil {
				return err
			}
		}
		return nil
	}
	for _, inv := range invs {
		if err := walk(inv); err != nil {
			return err
		}
	}
	return nil
}

func newExecutor(opts options, settings plan.Settings) (runtimeexec.Executor, error) {
	proc := runtimeexec.NewProcessExecutor(opts.killGrace)
	if opts.executor != executorDocker {
		return proc, nil
	}
	docker, err := runtimeexec.NewDockerExecutor(opts.dockerBin, opts.dockerImage, dockerMounts(settings), proc)
	if err != nil {
		return nil, err
	}
	return docker, nil
}

// dockerMounts lists the host trees a containerized child reads or writes
// besides its working directory.
func dockerMounts(settings plan.Settings) []string {
	roots := settings.AnchoredRoots()
	return []string{roots.Out, roots.Models, settings.ScriptDir}
}

func artifactSink(ctx context.Context, logger *slog.Logger, outRoot string) (postprocess.Sink, int) {
	cfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		return nil, exitMisconfig
	}
	if !cfg.Enabled {
		return nil, exitOK
	}
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		return nil, exitMisconfig
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := platformstore.EnsureBucket(startupCtx, client, cfg); err != nil {
		logger.Error("object store unavailable", "error", err)
		return nil, exitFailure
	}
	store, err := objectstore.NewMinioStoreWithClient(client)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		return nil, exitMisconfig
	}
	sink, err := objectstore.NewArtifactSink(store, cfg.Bucket, cfg.Prefix, outRoot)
	if err != nil {
		logger.Error("artifact sink init failed", "error", err)
		return nil, exitMisconfig
	}
	logger.Info("artifact upload enabled", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return sink, exitOK
}

func openLedger(ctx context.Context, logger *slog.Logger) (repo.InvocationLedger, func(), int) {
	noop := func() {}
	cfg, err := database.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid ledger config", "error", err)
		return nil, noop, exitMisconfig
	}
	if !cfg.Enabled() {
		return nil, noop, exitOK
	}
	dialect, err := cfg.Dialect()
	if err != nil {
		logger.Error("invalid ledger config", "error", err)
		return nil, noop, exitMisconfig
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		logger.Error("ledger unavailable", "error", err)
		return nil, noop, exitFailure
	}
	closeDB := func() { _ = db.Close() }

	store := ledgerdb.NewInvocationStore(db)
	if err := store.EnsureSchema(ctx, dialect); err != nil {
		closeDB()
		logger.Error("ledger schema failed", "error", err)
		return nil, noop, exitFailure
	}
	logger.Info("ledger enabled", "dialect", string(dialect))
	return store, closeDB, exitOK
}

type failureReport struct {
	BatchID  string          `json:"batch_id"`
	Failures []failureRecord `json:"failures"`
	Blocked  []failureRecord `json:"blocked,omitempty"`
}

type failureRecord struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	ExitCode int    `json:"exit_code"`
	LogPath  string `json:"log_path,omitempty"`
	Error    string `json:"error,omitempty"`
}

func report(logger *slog.Logger, summary domain.Summary, failSoft bool, outRoot string) int {
	failures := summary.Failures()
	for _, f := range failures {
		logger.Error("invocation did not succeed",
			"batch_id", summary.BatchID,
			"invocation", f.Name,
			"status", string(f.Status),
			"reason", f.Reason,
			"exit_code", f.ExitCode,
			"log", f.LogPath,
		)
	}
	blocked := summary.BlockedOutcomes()
	for _, b := range blocked {
		logger.Warn("invocation blocked", "batch_id", summary.BatchID, "invocation", b.Name, "reason", b.Reason)
	}
	if summary.OK() {
		return exitOK
	}
	if !failSoft {
		return exitFailure
	}

	path, err := writeFailures(outRoot, summary.BatchID, failures, blocked)
	if err != nil {
		logger.Error("write failures report failed", "error", err)
		return exitFailure
	}
	logger.Warn("batch finished with failures",
		"batch_id", summary.BatchID,
		"failed", summary.Failed,
		"blocked", summary.Blocked,
		"report", path,
	)
	return exitOK
}

func failureRecordOf(o domain.Outcome) failureRecord {
	rec := failureRecord{
		Name:     o.Name,
		Status:   string(o.Status),
		Reason:   o.Reason,
		ExitCode: o.ExitCode,
		LogPath:  o.LogPath,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}

func writeFailures(outRoot, batchID string, failures, blocked []domain.Outcome) (string, error) {
	rep := failureReport{BatchID: batchID, Failures: make([]failureRecord, 0, len(failures))}
	for _, f := range failures {
		rep.Failures = append(rep.Failures, failureRecordOf(f))
	}
	for _, b := range blocked {
		rep.Blocked = append(rep.Blocked, failureRecordOf(b))
	}
	blob, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outRoot, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(outRoot, "failures."+batchID+".json")
	if err := os.WriteFile(path, append(blob, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func logLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("ADAPT_LOG_LEVEL: %w", err)
	}
	return level, nil
}
