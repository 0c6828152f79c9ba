package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
	"github.com/jingyi7777/adapt-seq-design/internal/repo"
	"github.com/jingyi7777/adapt-seq-design/internal/runtimeexec"
)

type fakeExecutor struct {
	mu       sync.Mutex
	fail     map[string]int
	noMarker map[string]bool
	delay    time.Duration
	ran      []string
	devices  map[string]string
	held     map[string]bool
	overlap  bool
	running  int
	maxInUse int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fail: map[string]int{}, noMarker: map[string]bool{}, devices: map[string]string{}, held: map[string]bool{}}
}

func (f *fakeExecutor) Kind() string { return "fake" }

func (f *fakeExecutor) Run(ctx context.Context, inv domain.Invocation) (runtimeexec.Result, error) {
	device := inv.Env[domain.DeviceEnvKey]
	f.mu.Lock()
	f.ran = append(f.ran, inv.Name)
	f.devices[inv.Name] = device
	if device != "" {
		if f.held[device] {
			f.overlap = true
		}
		f.held[device] = true
	}
	f.running++
	f.maxInUse = max(f.maxInUse, f.running)
	code, failing := f.fail[inv.Name]
	skipMarker := f.noMarker[inv.Name]
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}

	f.mu.Lock()
	f.running--
	if device != "" {
		f.held[device] = false
	}
	f.mu.Unlock()

	if failing {
		return runtimeexec.Result{ExitCode: code}, fmt.Errorf("%w: %s", runtimeexec.ErrExitStatus, inv.Name)
	}
	if inv.Expects != "" && !skipMarker {
		if err := os.WriteFile(inv.Expects, []byte("done\n"), 0o644); err != nil {
			return runtimeexec.Result{ExitCode: -1}, fmt.Errorf("%w: %v", runtimeexec.ErrEnvironment, err)
		}
	}
	return runtimeexec.Result{ExitCode: 0}, nil
}

func (f *fakeExecutor) ranNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type countingPost struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (p *countingPost) Process(_ context.Context, inv domain.Invocation) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, inv.Name)
	return nil, p.err
}

type memLedger struct {
	mu      sync.Mutex
	records []repo.InvocationRecord
}

func (l *memLedger) Record(_ context.Context, record repo.InvocationRecord) (repo.InvocationRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return record, true, nil
}

func (l *memLedger) ListByBatch(_ context.Context, batchID string) ([]repo.InvocationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []repo.InvocationRecord
	for _, r := range l.records {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}

func job(dir, name string) domain.Invocation {
	sub := filepath.Join(dir, name)
	return domain.Invocation{
		Name:    name,
		Program: "python",
		Args:    []string{"-u", "predictor.py", "--seed", "1"},
		LogPath: filepath.Join(sub, name+".out.txt"),
		Expects: filepath.Join(sub, name+".tsv"),
		Dirs:    []string{sub},
	}
}

func TestRunnerIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	exec := newFakeExecutor()
	exec.fail["job-1"] = 2
	exec.fail["job-3"] = 1

	invs := make([]domain.Invocation, 5)
	for i := range invs {
		invs[i] = job(dir, fmt.Sprintf("job-%d", i))
	}
	ledger := &memLedger{}
	r := &Runner{Executor: exec, Jobs: 3, Ledger: ledger, batchID: func() string { return "batch-test" }}
	summary, err := r.Run(context.Background(), invs)
	require.NoError(t, err)

	assert.Len(t, exec.ranNames(), 5, "every sibling attempted")
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.False(t, summary.OK())
	assert.Equal(t, "batch-test", summary.BatchID)

	failures := summary.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, "job-1", failures[0].Name)
	assert.Equal(t, 2, failures[0].ExitCode)
	assert.Equal(t, domain.ReasonExitStatus, failures[0].Reason)
	assert.Equal(t, "job-3", failures[1].Name)

	records, err := ledger.ListByBatch(context.Background(), "batch-test")
	require.NoError(t, err)
	assert.Len(t, records, 5)
	for _, rec := range records {
		assert.Len(t, rec.Fingerprint, 64)
	}
}

func TestRunnerSkipsCompletedWork(t *testing.T) {
	dir := t.TempDir()
	done := job(dir, "done")
	require.NoError(t, os.MkdirAll(filepath.Dir(done.Expects), 0o755))
	require.NoError(t, os.WriteFile(done.Expects+".gz", []byte("x"), 0o644))

	exec := newFakeExecutor()
	post := &countingPost{}
	r := &Runner{Executor: exec, Post: post, Jobs: 2}
	summary, err := r.Run(context.Background(), []domain.Invocation{done, job(dir, "todo")})
	require.NoError(t, err)

	assert.True(t, summary.OK())
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []string{"todo"}, exec.ranNames())
	assert.Equal(t, []string{"todo"}, post.names, "skipped jobs are not postprocessed")
	assert.Equal(t, domain.ReasonAlreadyDone, summary.Outcomes[0].Reason)
}

func TestRunnerWarnsWhenMarkerMissing(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	exec := newFakeExecutor()
	exec.noMarker["quiet"] = true

	r := &Runner{Executor: exec, Logger: logger}
	summary, err := r.Run(context.Background(), []domain.Invocation{job(t.TempDir(), "quiet")})
	require.NoError(t, err)

	assert.True(t, summary.OK(), "exit status decides success")
	assert.Contains(t, logs.String(), "expected output missing after success")
	assert.Contains(t, logs.String(), `"invocation":"quiet"`)
}

func TestRunnerPostprocessesFailedJobs(t *testing.T) {
	exec := newFakeExecutor()
	exec.fail["bad"] = 1
	post := &countingPost{}
	r := &Runner{Executor: exec, Post: post}
	_, err := r.Run(context.Background(), []domain.Invocation{job(t.TempDir(), "bad")})
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, post.names)
}

func TestRunnerPostprocessErrorFailsJob(t *testing.T) {
	r := &Runner{Executor: newFakeExecutor(), Post: &countingPost{err: errors.New("disk full")}}
	summary, err := r.Run(context.Background(), []domain.Invocation{job(t.TempDir(), "ok")})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, domain.StatusFailed, summary.Outcomes[0].Status)
	assert.Equal(t, domain.ReasonEnvironment, summary.Outcomes[0].Reason)
}

func TestRunnerDeviceIsolation(t *testing.T) {
	dir := t.TempDir()
	exec := newFakeExecutor()
	exec.delay = 20 * time.Millisecond

	invs := make([]domain.Invocation, 8)
	for i := range invs {
		invs[i] = job(dir, fmt.Sprintf("gpu-%d", i))
	}
	r := &Runner{Executor: exec, Jobs: 8, Devices: []string{"0", "1", " ", "1"}}
	summary, err := r.Run(context.Background(), invs)
	require.NoError(t, err)
	assert.True(t, summary.OK())

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.False(t, exec.overlap, "a device was held by two jobs at once")
	assert.LessOrEqual(t, exec.maxInUse, 2)
	for name, device := range exec.devices {
		assert.Contains(t, []string{"0", "1"}, device, name)
	}
}

func TestRunnerFollowups(t *testing.T) {
	dir := t.TempDir()
	plot := job(dir, "test-plot")
	parent := job(dir, "test").WithFollowup(plot)
	failing := job(dir, "broken").WithFollowup(job(dir, "broken-plot"))

	exec := newFakeExecutor()
	exec.fail["broken"] = 1
	r := &Runner{Executor: exec, Jobs: 1}
	summary, err := r.Run(context.Background(), []domain.Invocation{parent, failing})
	require.NoError(t, err)

	assert.Equal(t, []string{"test", "test-plot", "broken"}, exec.ranNames())
	require.Len(t, summary.Outcomes, 4)
	assert.Equal(t, "test-plot", summary.Outcomes[1].Name)
	assert.Equal(t, domain.StatusSucceeded, summary.Outcomes[1].Status)
	assert.Equal(t, "broken-plot", summary.Outcomes[3].Name)
	assert.Equal(t, domain.StatusSkipped, summary.Outcomes[3].Status)
	assert.Equal(t, domain.ReasonDependencyFailed, summary.Outcomes[3].Reason)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Blocked)
	assert.False(t, summary.OK())
}

func TestRunnerRunsPendingFollowupOfCompletedParent(t *testing.T) {
	dir := t.TempDir()
	parent := job(dir, "test").WithFollowup(job(dir, "test-plot"))
	require.NoError(t, os.MkdirAll(filepath.Dir(parent.Expects), 0o755))
	require.NoError(t, os.WriteFile(parent.Expects, []byte("x"), 0o644))

	exec := newFakeExecutor()
	r := &Runner{Executor: exec, Devices: []string{"2"}}
	summary, err := r.Run(context.Background(), []domain.Invocation{parent})
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.Equal(t, []string{"test-plot"}, exec.ranNames())
	assert.Equal(t, "2", exec.devices["test-plot"])
}

func TestRunnerEnvironmentErrorIsolated(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	bad := job(dir, "bad")
	bad.Dirs = []string{filepath.Join(blocker, "sub")}
	exec := newFakeExecutor()
	r := &Runner{Executor: exec, Jobs: 2}
	summary, err := r.Run(context.Background(), []domain.Invocation{bad, job(dir, "good")})
	require.NoError(t, err)

	assert.Equal(t, []string{"good"}, exec.ranNames())
	assert.Equal(t, domain.ReasonEnvironment, summary.Outcomes[0].Reason)
	assert.Equal(t, domain.StatusSucceeded, summary.Outcomes[1].Status)
}

func TestRunnerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := newFakeExecutor()
	r := &Runner{Executor: exec, Devices: []string{"0"}}
	summary, err := r.Run(ctx, []domain.Invocation{job(t.TempDir(), "late")})
	require.NoError(t, err)
	assert.Empty(t, exec.ranNames())
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, domain.ReasonCanceled, summary.Outcomes[0].Reason)
}

func TestRunnerRequiresExecutor(t *testing.T) {
	_, err := (&Runner{}).Run(context.Background(), nil)
	assert.Error(t, err)
}
