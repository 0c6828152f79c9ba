// Package resolve maps command-line selector tokens onto a domain.Variant and
// binds the positional parameters of each variant/operation pair into a
// domain.RunDescriptor.
//
// Token comparison is exact: "CNN" or "Classify" are rejected just like any
// other unknown word. Every failure is a *ValidationError.
package resolve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
)

const allSplitsToken = "all"

// Defaults supplies descriptor fields that do not come from positional tokens.
type Defaults struct {
	Seed        int
	OuterSplits int
	GPU         int
}

// Resolve validates the selector tokens and returns the variant, operation and
// the remaining positional parameters.
func Resolve(tokens []string) (domain.Variant, domain.Operation, []string, error) {
	if len(tokens) == 0 {
		return domain.VariantUnknown, domain.OpNone, nil, &ValidationError{Issues: []string{
			fmt.Sprintf("mode is required (want one of %s)", joinModes(domain.Modes())),
		}}
	}

	mode := domain.Mode(tokens[0])
	if !knownMode(mode) {
		return domain.VariantUnknown, domain.OpNone, nil, &ValidationError{Issues: []string{
			fmt.Sprintf("unknown mode %q (want one of %s)", tokens[0], joinModes(domain.Modes())),
		}}
	}

	subModes := domain.SubModes(mode)
	if len(tokens) < 2 {
		return domain.VariantUnknown, domain.OpNone, nil, &ValidationError{Issues: []string{
			fmt.Sprintf("%s: sub-mode is required (want one of %s)", mode, joinSubModes(subModes)),
		}}
	}
	variant, ok := domain.VariantFor(mode, domain.SubMode(tokens[1]))
	if !ok {
		return domain.VariantUnknown, domain.OpNone, nil, &ValidationError{Issues: []string{
			fmt.Sprintf("%s: unknown sub-mode %q (want one of %s)", mode, tokens[1], joinSubModes(subModes)),
		}}
	}

	ops := variant.Operations()
	if ops == nil {
		return variant, domain.OpNone, tokens[2:], nil
	}
	if len(tokens) < 3 {
		return domain.VariantUnknown, domain.OpNone, nil, &ValidationError{Issues: []string{
			fmt.Sprintf("%s: operation is required (want one of %s)", variant, joinOps(ops)),
		}}
	}
	op := domain.Operation(tokens[2])
	if !variant.Accepts(op) {
		return domain.VariantUnknown, domain.OpNone, nil, &ValidationError{Issues: []string{
			fmt.Sprintf("%s: unknown operation %q (want one of %s)", variant, tokens[2], joinOps(ops)),
		}}
	}
	return variant, op, tokens[3:], nil
}

// Descriptor resolves tokens and binds their positional parameters.
func Descriptor(tokens []string, defaults Defaults) (domain.RunDescriptor, error) {
	variant, op, params, err := Resolve(tokens)
	if err != nil {
		return domain.RunDescriptor{}, err
	}
	return Bind(variant, op, params, defaults)
}

// Bind fills a RunDescriptor from the positional parameters of variant/op.
func Bind(variant domain.Variant, op domain.Operation, params []string, defaults Defaults) (domain.RunDescriptor, error) {
	issues := &ValidationError{}
	desc := domain.RunDescriptor{
		Variant:     variant,
		Operation:   op,
		Seed:        defaults.Seed,
		OuterSplits: defaults.OuterSplits,
		GPU:         defaults.GPU,
		Split:       domain.AllSplits,
	}
	if desc.OuterSplits < 1 {
		issues.Add("outer split count must be >= 1")
	}
	if desc.Seed < 0 {
		issues.Add("seed must be >= 0")
	}
	if desc.GPU < domain.NoGPU {
		issues.Add("gpu index must be >= 0")
	}

	p := &paramReader{params: params, issues: issues, where: where(variant, op)}

	switch variant.Mode() {
	case domain.ModeBaseline:
		switch op {
		case domain.OpNestedCrossVal:
			if p.remaining() > 0 {
				desc.Split = p.split("outer-split", desc.OuterSplits)
			}
		case domain.OpLearningCurve:
		}
	case domain.ModeCNN:
		switch op {
		case domain.OpNestedCrossVal, domain.OpEvaluateLCLayer:
			desc.Split = p.split("outer-split", desc.OuterSplits)
		case domain.OpTest:
			desc.ModelID = p.modelID("model-id")
			if variant == domain.CNNRegress {
				desc.ClassificationTestTSV = p.required("classification-test-tsv")
				desc.ClassificationThreshold = p.unitFloat("classification-threshold")
				desc.HasClassificationOptions = true
			}
		case domain.OpSerializeModel:
			desc.Seed = p.nonNegativeInt("seed")
		case domain.OpLargeSearch, domain.OpLearningCurve:
		}
	case domain.ModeGAN:
		desc.Iterations = p.positiveInt("num-gen-iter")
	}
	p.finish()

	if err := issues.OrNil(); err != nil {
		return domain.RunDescriptor{}, err
	}
	return desc, nil
}

type paramReader struct {
	params []string
	next   int
	issues *ValidationError
	where  string
}

func (p *paramReader) remaining() int {
	return len(p.params) - p.next
}

func (p *paramReader) required(name string) string {
	if p.next >= len(p.params) {
		p.issues.Add(fmt.Sprintf("%s: missing required parameter <%s>", p.where, name))
		return ""
	}
	v := strings.TrimSpace(p.params[p.next])
	p.next++
	if v == "" {
		p.issues.Add(fmt.Sprintf("%s: parameter <%s> must not be empty", p.where, name))
	}
	return v
}

func (p *paramReader) split(name string, outer int) int {
	v := p.required(name)
	if v == "" {
		return domain.AllSplits
	}
	if v == allSplitsToken {
		return domain.AllSplits
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.issues.Add(fmt.Sprintf("%s: <%s> must be a non-negative integer or %q, got %q", p.where, name, allSplitsToken, v))
		return domain.AllSplits
	}
	if outer > 0 && n >= outer {
		p.issues.Add(fmt.Sprintf("%s: <%s> %d out of range for %d outer splits", p.where, name, n, outer))
	}
	return n
}

func (p *paramReader) modelID(name string) string {
	v := p.required(name)
	if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
		p.issues.Add(fmt.Sprintf("%s: <%s> must be a bare identifier, got %q", p.where, name, v))
	}
	return v
}

func (p *paramReader) nonNegativeInt(name string) int {
	v := p.required(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.issues.Add(fmt.Sprintf("%s: <%s> must be a non-negative integer, got %q", p.where, name, v))
		return 0
	}
	return n
}

func (p *paramReader) positiveInt(name string) int {
	v := p.required(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		p.issues.Add(fmt.Sprintf("%s: <%s> must be a positive integer, got %q", p.where, name, v))
		return 0
	}
	return n
}

func (p *paramReader) unitFloat(name string) float64 {
	v := p.required(name)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		p.issues.Add(fmt.Sprintf("%s: <%s> must be a number in [0,1], got %q", p.where, name, v))
		return 0
	}
	return f
}

func (p *paramReader) finish() {
	if extra := p.params[min(p.next, len(p.params)):]; len(extra) > 0 {
		p.issues.Add(fmt.Sprintf("%s: unexpected parameters %q", p.where, extra))
	}
}

func where(variant domain.Variant, op domain.Operation) string {
	if op == domain.OpNone {
		return variant.String()
	}
	return variant.String() + "/" + string(op)
}

func knownMode(mode domain.Mode) bool {
	for _, m := range domain.Modes() {
		if m == mode {
			return true
		}
	}
	return false
}

func joinModes(in []domain.Mode) string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, string(v))
	}
	return strings.Join(out, ", ")
}

func joinSubModes(in []domain.SubMode) string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, string(v))
	}
	return strings.Join(out, ", ")
}

func joinOps(in []domain.Operation) string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, string(v))
	}
	return strings.Join(out, ", ")
}
