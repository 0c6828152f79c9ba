package runtimeexec

import (
	"context"
	"errors"
	"time"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
)

// Executor runs one invocation to completion as an isolated child process.
type Executor interface {
	Kind() string
	Run(ctx context.Context, inv domain.Invocation) (Result, error)
}

type Result struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

var (
	// ErrExitStatus wraps a child that ran and exited non-zero.
	ErrExitStatus = errors.New("exit_status")
	// ErrEnvironment wraps failures before or around the child (log file,
	// missing program, working dir).
	ErrEnvironment = errors.New("environment")
	// ErrCanceled wraps a child stopped because the context ended.
	ErrCanceled = errors.New("canceled")
)
