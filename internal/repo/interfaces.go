package repo

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// InvocationRecord is one row of the execution ledger.
type InvocationRecord struct {
	ID           string
	BatchID      string
	Name         string
	Fingerprint  string
	Status       string
	Reason       string
	ExitCode     int
	StartedAt    time.Time
	FinishedAt   time.Time
	ErrorMessage string
	LogPath      string
}

// InvocationLedger records how each invocation of a batch ended. Records are
// append-only; re-recording a (batch, name) pair returns the existing row.
type InvocationLedger interface {
	Record(ctx context.Context, record InvocationRecord) (InvocationRecord, bool, error)
	ListByBatch(ctx context.Context, batchID string) ([]InvocationRecord, error)
}
