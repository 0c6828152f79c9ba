package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
)

// ProcessExecutor runs invocations as local child processes.
type ProcessExecutor struct {
	killGrace time.Duration
	hostEnv   func() []string
	now       func() time.Time
}

// NewProcessExecutor returns an executor that sends SIGTERM on cancellation
// and SIGKILL after killGrace.
func NewProcessExecutor(killGrace time.Duration) *ProcessExecutor {
	if killGrace <= 0 {
		killGrace = 10 * time.Second
	}
	return &ProcessExecutor{
		killGrace: killGrace,
		hostEnv:   os.Environ,
		now:       time.Now,
	}
}

func (e *ProcessExecutor) Kind() string {
	return "process"
}

func (e *ProcessExecutor) Run(ctx context.Context, inv domain.Invocation) (Result, error) {
	program := strings.TrimSpace(inv.Program)
	if program == "" {
		return Result{}, fmt.Errorf("%w: program is required", ErrEnvironment)
	}
	if strings.TrimSpace(inv.LogPath) == "" {
		return Result{}, fmt.Errorf("%w: log path is required", ErrEnvironment)
	}

	logFile, err := os.Create(inv.LogPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: open log: %v", ErrEnvironment, err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.CommandContext(ctx, program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = mergeEnv(e.hostEnv(), inv)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.killGrace

	res := Result{StartedAt: e.now().UTC(), ExitCode: -1}
	runErr := cmd.Run()
	res.FinishedAt = e.now().UTC()

	if runErr == nil {
		res.ExitCode = 0
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %s: %v", ErrCanceled, inv.Name, ctx.Err())
		}
		return res, fmt.Errorf("%w: %s exited with status %d", ErrExitStatus, inv.Name, res.ExitCode)
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%w: %s: %v", ErrCanceled, inv.Name, ctx.Err())
	}
	return res, fmt.Errorf("%w: start %s: %v", ErrEnvironment, program, runErr)
}

// mergeEnv layers the invocation's overrides on top of the host environment
// for one child only. Overridden host entries are dropped so the child never
// sees two values for a key.
func mergeEnv(host []string, inv domain.Invocation) []string {
	out := make([]string, 0, len(host)+len(inv.Env))
	for _, kv := range host {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := inv.Env[key]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, key := range inv.EnvKeys() {
		if strings.TrimSpace(key) == "" {
			continue
		}
		out = append(out, key+"="+inv.Env[key])
	}
	return out
}
