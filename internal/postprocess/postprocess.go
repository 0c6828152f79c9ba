// Package postprocess compresses the declared outputs of an invocation once
// its process has exited and, when configured, copies the compressed files to
// object storage.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
)

// Sink receives each compressed output.
type Sink interface {
	Upload(ctx context.Context, path string) error
}

type Processor struct {
	logger *slog.Logger
	sink   Sink
}

// New returns a processor; sink may be nil.
func New(logger *slog.Logger, sink Sink) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{logger: logger, sink: sink}
}

// Process compresses every declared output of inv. Missing outputs are
// ignored since a failed run may not have produced them. All outputs are
// attempted; the returned error joins the individual failures.
func (p *Processor) Process(ctx context.Context, inv domain.Invocation) ([]string, error) {
	compressed := make([]string, 0, len(inv.Outputs))
	var errs []error
	for _, out := range inv.Outputs {
		dst, ok, err := Compress(out)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			p.logger.Debug("output missing", "invocation", inv.Name, "path", out)
			continue
		}
		compressed = append(compressed, dst)
		if p.sink == nil {
			continue
		}
		if err := p.sink.Upload(ctx, dst); err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", dst, err))
		}
	}
	return compressed, errors.Join(errs...)
}
