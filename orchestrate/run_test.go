package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
	"github.com/jingyi7777/adapt-seq-design/internal/execution/plan"
)

// fakePredictor stands in for python: it writes every *-tsv flag value it
// receives and exits with the status in FAKE_EXIT.
const fakePredictor = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --*-tsv) echo "value" > "$2"; shift ;;
  esac
  shift
done
echo "device=$CUDA_VISIBLE_DEVICES"
exit "${FAKE_EXIT:-0}"
`

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	python := filepath.Join(dir, "fake-python")
	if err := os.WriteFile(python, []byte(fakePredictor), 0o755); err != nil {
		t.Fatalf("write fake python: %v", err)
	}
	for key, value := range map[string]string{
		"ADAPT_WORK_DIR":        dir,
		"ADAPT_OUT_DIR":         "out",
		"ADAPT_MODELS_DIR":      "models",
		"ADAPT_PYTHON":          python,
		"ADAPT_SCRIPT_DIR":      dir,
		"ADAPT_EXECUTOR":        "process",
		"ADAPT_JOBS":            "2",
		"ADAPT_LOG_LEVEL":       "warn",
		"ADAPT_LEDGER_URL":      "",
		"ADAPT_ARTIFACT_UPLOAD": "false",
		"ADAPT_PLOT":            "false",
		"FAKE_EXIT":             "0",
	} {
		t.Setenv(key, value)
	}
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunValidationErrorBeforeWork(t *testing.T) {
	dir := setupEnv(t)
	code, _, stderr := runCLI(t, "cnn", "Classify", "large-search")
	if code != exitFailure {
		t.Fatalf("exit=%d, want %d", code, exitFailure)
	}
	if !strings.Contains(stderr, "Classify") {
		t.Fatalf("stderr should name the bad token, got %q", stderr)
	}
	if !strings.Contains(stderr, "orchestrate -h") {
		t.Fatalf("stderr should point at usage, got %q", stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); !os.IsNotExist(err) {
		t.Fatalf("no output tree expected after validation failure, stat err=%v", err)
	}
}

func TestRunDryRunPrintsPlan(t *testing.T) {
	dir := setupEnv(t)
	code, stdout, stderr := runCLI(t, "-dry-run", "-gpu", "1", "cnn", "classify", "nested-cross-val", "all")
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	for _, want := range []string{"invocations:", "--cas13-classify", "split-4", "CUDA_VISIBLE_DEVICES"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("dry-run output missing %q:\n%s", want, stdout)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); !os.IsNotExist(err) {
		t.Fatalf("dry run must not create outputs")
	}
}

func TestRunExecutesCompressesAndResumes(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("ADAPT_LEDGER_URL", "sqlite://"+filepath.Join(dir, "ledger.db"))

	code, _, stderr := runCLI(t, "cnn", "classify", "large-search")
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	outDir := filepath.Join(dir, "out", "cas13", "cnn", "classify", "large-search")
	for _, name := range []string{"search.tsv.gz", "search.out.txt.gz"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(outDir, "search.tsv")); !os.IsNotExist(err) {
		t.Fatalf("uncompressed result should be removed")
	}

	t.Setenv("FAKE_EXIT", "9")
	code, _, stderr = runCLI(t, "cnn", "classify", "large-search")
	if code != exitOK {
		t.Fatalf("completed work must be skipped on rerun, exit=%d stderr=%s", code, stderr)
	}
}

func TestRunFailureExitStatus(t *testing.T) {
	setupEnv(t)
	t.Setenv("FAKE_EXIT", "3")
	code, _, stderr := runCLI(t, "baseline", "classify", "learning-curve")
	if code != exitFailure {
		t.Fatalf("exit=%d, want %d", code, exitFailure)
	}
	if !strings.Contains(stderr, `"exit_code":3`) {
		t.Fatalf("summary should report exit status, got %s", stderr)
	}
}

func TestRunFailSoftWritesReport(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("FAKE_EXIT", "3")
	code, _, stderr := runCLI(t, "-fail-soft", "cnn", "classify", "large-search")
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "out", "failures.*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one failures report, got %v err=%v", matches, err)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var rep failureReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].ExitCode != 3 || rep.Failures[0].Reason != "exit_status" {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestRunPlanFile(t *testing.T) {
	dir := setupEnv(t)
	planPath := filepath.Join(dir, "runs.yaml")
	body := "runs:\n  - args: [gan, train, \"10\"]\n    seed: 2\n  - args: [cnn, regress, test, m1]\n"
	if err := os.WriteFile(planPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	code, _, stderr := runCLI(t, "-dry-run", "-plan", planPath)
	if code != exitFailure {
		t.Fatalf("exit=%d, want failure for incomplete regress test params", code)
	}
	if !strings.Contains(stderr, "runs[1]") {
		t.Fatalf("error should point at the failing run, got %q", stderr)
	}

	body = "runs:\n  - args: [gan, train, \"10\"]\n    seed: 2\n  - args: [gan, evaluate, \"10\"]\n    seed: 2\n"
	if err := os.WriteFile(planPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	code, stdout, stderr := runCLI(t, "-dry-run", "-plan", planPath)
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "10-gen-iter/seed-2") {
		t.Fatalf("plan output missing gan dir:\n%s", stdout)
	}
}

func TestRunRejectsDuplicateRuns(t *testing.T) {
	dir := setupEnv(t)
	planPath := filepath.Join(dir, "runs.yaml")
	body := "runs:\n  - args: [cnn, classify, large-search]\n  - args: [cnn, classify, large-search]\n"
	if err := os.WriteFile(planPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	code, _, stderr := runCLI(t, "-dry-run", "-plan", planPath)
	if code != exitFailure {
		t.Fatalf("exit=%d, want failure for duplicate runs", code)
	}
	if strings.Contains(stderr, "orchestrate -h") {
		t.Fatalf("usage hint is only for invalid run arguments, got %q", stderr)
	}
}

func TestRunInvalidSettingsExitTwo(t *testing.T) {
	setupEnv(t)
	t.Setenv("ADAPT_OUTER_SPLITS", "zero")
	if code, _, _ := runCLI(t, "cnn", "classify", "large-search"); code != exitMisconfig {
		t.Fatalf("exit=%d, want %d", code, exitMisconfig)
	}
}

func TestDockerMountsCoverWrittenPaths(t *testing.T) {
	setupEnv(t)
	outside := t.TempDir()
	t.Setenv("ADAPT_OUT_DIR", filepath.Join(outside, "out"))
	t.Setenv("ADAPT_MODELS_DIR", filepath.Join(outside, "models"))

	defaults, err := envDefaultsFromEnv()
	if err != nil {
		t.Fatalf("envDefaultsFromEnv() err=%v", err)
	}
	opts, err := parseOptions([]string{"cnn", "classify", "nested-cross-val", "all"}, defaults, io.Discard)
	if err != nil {
		t.Fatalf("parseOptions() err=%v", err)
	}
	settings, err := plan.SettingsFromEnv()
	if err != nil {
		t.Fatalf("SettingsFromEnv() err=%v", err)
	}
	invs, err := planInvocations(opts, settings)
	if err != nil {
		t.Fatalf("planInvocations() err=%v", err)
	}

	mounts := dockerMounts(settings)
	var check func(inv domain.Invocation)
	check = func(inv domain.Invocation) {
		roots := append([]string{inv.Dir}, mounts...)
		paths := append([]string{inv.LogPath, inv.Expects}, inv.Outputs...)
		paths = append(paths, inv.Dirs...)
		for _, arg := range inv.Args {
			if filepath.IsAbs(arg) {
				paths = append(paths, arg)
			}
		}
		for _, path := range paths {
			if path != "" && !coveredBy(path, roots) {
				t.Fatalf("%s: %s not under any mount %q", inv.Name, path, roots)
			}
		}
		for _, f := range inv.Followups {
			check(f)
		}
	}
	for _, inv := range invs {
		check(inv)
	}
}

func coveredBy(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

func TestReportListsBlockedSeparately(t *testing.T) {
	outRoot := t.TempDir()
	var summary domain.Summary
	summary.BatchID = "b1"
	summary.Add(domain.Outcome{Name: "test", Status: domain.StatusFailed, Reason: domain.ReasonExitStatus, ExitCode: 1})
	summary.Add(domain.Outcome{Name: "test-plot", Status: domain.StatusSkipped, Reason: domain.ReasonDependencyFailed, ExitCode: -1})

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	if code := report(logger, summary, true, outRoot); code != exitOK {
		t.Fatalf("fail-soft report exit=%d", code)
	}
	raw, err := os.ReadFile(filepath.Join(outRoot, "failures.b1.json"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var rep failureReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Name != "test" {
		t.Fatalf("failures=%+v", rep.Failures)
	}
	if len(rep.Blocked) != 1 || rep.Blocked[0].Reason != domain.ReasonDependencyFailed {
		t.Fatalf("blocked=%+v", rep.Blocked)
	}
	if !strings.Contains(logs.String(), `"blocked":1`) {
		t.Fatalf("summary log should count blocked invocations, got %s", logs.String())
	}
}
