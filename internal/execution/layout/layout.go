package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
)

// CompressedSuffix is appended to every postprocessed output.
const CompressedSuffix = ".gz"

// Roots anchors the output and model trees.
type Roots struct {
	Out     string
	Models  string
	Dataset string
}

func (r Roots) Validate() error {
	if strings.TrimSpace(r.Out) == "" {
		return errors.New("output root is required")
	}
	if strings.TrimSpace(r.Models) == "" {
		return errors.New("model root is required")
	}
	if strings.TrimSpace(r.Dataset) == "" {
		return errors.New("dataset is required")
	}
	if strings.ContainsAny(r.Dataset, `/\`) {
		return fmt.Errorf("dataset must be a bare name: %q", r.Dataset)
	}
	return nil
}

// Paths is where one run descriptor writes. ModelDir is empty for operations
// that neither read nor write a model.
type Paths struct {
	OutDir   string
	ModelDir string
}

// Resolve maps a descriptor with a concrete split onto its directories. It
// performs no I/O.
func Resolve(roots Roots, d domain.RunDescriptor) (Paths, error) {
	if err := roots.Validate(); err != nil {
		return Paths{}, err
	}
	if !d.Variant.Valid() {
		return Paths{}, fmt.Errorf("unknown variant %d", d.Variant)
	}

	mode := string(d.Variant.Mode())
	sub := string(d.Variant.SubMode())
	out := filepath.Join(roots.Out, roots.Dataset, mode)
	models := filepath.Join(roots.Models, roots.Dataset, mode)

	switch d.Variant {
	case domain.GANTrain, domain.GANEvaluate:
		if d.Iterations < 1 {
			return Paths{}, errors.New("gan runs require a positive iteration count")
		}
		iters := strconv.Itoa(d.Iterations) + "-gen-iter"
		seed := seedDir(d.Seed)
		return Paths{
			OutDir:   filepath.Join(out, sub, iters, seed),
			ModelDir: filepath.Join(models, iters, seed),
		}, nil
	case domain.BaselineClassify, domain.BaselineRegress,
		domain.CNNClassify, domain.CNNRegress, domain.CNNRegressOnAll, domain.CNNRegressOnAllWithMedian:
	default:
		return Paths{}, fmt.Errorf("no layout for variant %s", d.Variant)
	}

	opDir := filepath.Join(out, sub, string(d.Operation))
	switch d.Operation {
	case domain.OpNestedCrossVal, domain.OpEvaluateLCLayer:
		if d.Split < 0 {
			return Paths{}, fmt.Errorf("%s requires a concrete outer split", d.Operation)
		}
		return Paths{OutDir: filepath.Join(opDir, splitDir(d.Split))}, nil
	case domain.OpTest:
		if strings.TrimSpace(d.ModelID) == "" {
			return Paths{}, errors.New("test requires a model id")
		}
		model := "model-" + d.ModelID
		return Paths{
			OutDir:   filepath.Join(opDir, model),
			ModelDir: filepath.Join(models, sub, model),
		}, nil
	case domain.OpSerializeModel:
		seed := seedDir(d.Seed)
		return Paths{
			OutDir:   filepath.Join(opDir, seed),
			ModelDir: filepath.Join(models, sub, seed),
		}, nil
	case domain.OpLargeSearch, domain.OpLearningCurve:
		return Paths{OutDir: opDir}, nil
	default:
		return Paths{}, fmt.Errorf("no layout for operation %q", d.Operation)
	}
}

func splitDir(n int) string { return "split-" + strconv.Itoa(n) }
func seedDir(n int) string  { return "seed-" + strconv.Itoa(n) }

// Ensure creates every directory, succeeding when they already exist.
func Ensure(dirs ...string) error {
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Compressed returns the postprocessed name of path.
func Compressed(path string) string {
	if strings.HasSuffix(path, CompressedSuffix) {
		return path
	}
	return path + CompressedSuffix
}

// Done reports whether marker, or its compressed form, exists. It only
// reflects the filesystem at the moment of the call.
func Done(marker string) bool {
	if strings.TrimSpace(marker) == "" {
		return false
	}
	for _, p := range []string{marker, Compressed(marker)} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
