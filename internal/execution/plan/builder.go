package plan

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
	"github.com/jingyi7777/adapt-seq-design/internal/execution/layout"
)

// Build turns a run descriptor into its invocations. AllSplits and the
// baseline model lists are expanded so that every invocation writes to its own
// files. The result is deterministic for a given (settings, descriptor).
func Build(s Settings, d domain.RunDescriptor) ([]domain.Invocation, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if d.OuterSplits < 1 {
		d.OuterSplits = s.OuterSplits
	}

	var (
		invs []domain.Invocation
		err  error
	)
	switch d.Variant {
	case domain.BaselineClassify, domain.BaselineRegress:
		invs, err = s.baseline(d)
	case domain.CNNClassify, domain.CNNRegress, domain.CNNRegressOnAll, domain.CNNRegressOnAllWithMedian:
		invs, err = s.cnn(d)
	case domain.GANTrain:
		invs, err = s.ganTrain(d)
	case domain.GANEvaluate:
		invs, err = s.ganEvaluate(d)
	case domain.VariantUnknown:
		err = fmt.Errorf("variant is required")
	default:
		err = fmt.Errorf("unsupported variant %d", d.Variant)
	}
	if err != nil {
		return nil, err
	}

	if d.GPU != domain.NoGPU {
		device := strconv.Itoa(d.GPU)
		for i := range invs {
			invs[i] = invs[i].WithEnv(domain.DeviceEnvKey, device)
		}
	}
	return invs, nil
}

func (s Settings) baseArgs() []string {
	return []string{
		"--dataset", s.Roots.Dataset,
		"--cas13-subset", s.Subset,
		"--context-nt", strconv.Itoa(s.ContextNT),
	}
}

func methodArgs(v domain.Variant) []string {
	switch v {
	case domain.BaselineClassify, domain.CNNClassify:
		return []string{"--cas13-classify"}
	case domain.BaselineRegress, domain.CNNRegress:
		return []string{"--cas13-regress-only-on-active"}
	case domain.CNNRegressOnAll:
		return []string{"--cas13-regress-on-all"}
	case domain.CNNRegressOnAllWithMedian:
		return []string{"--cas13-regress-on-all", "--cas13-normalize-crrna-activity"}
	default:
		return nil
	}
}

func regressesOnAll(v domain.Variant) bool {
	return v == domain.CNNRegressOnAll || v == domain.CNNRegressOnAllWithMedian
}

func (s Settings) searchArgs(seed int) []string {
	return []string{
		"--search-type", "random",
		"--num-random-samples", strconv.Itoa(s.SearchSamples),
		"--hyperparam-search-cross-val-num-splits", strconv.Itoa(s.CrossValSplits),
		"--seed", strconv.Itoa(seed),
	}
}

func nestedArgs(outer, split int) []string {
	return []string{
		"--nested-cross-val",
		"--nested-cross-val-outer-num-splits", strconv.Itoa(outer),
		"--nested-cross-val-run-for", strconv.Itoa(split),
	}
}

// job assembles one invocation writing <stem>.* inside dir.
type job struct {
	dir     string
	stem    string
	program string
	args    []string
	outputs []string
	expects string
	dirs    []string
}

func (s Settings) python(script string, args ...[]string) (string, []string) {
	out := []string{"-u", s.script(script)}
	for _, a := range args {
		out = append(out, a...)
	}
	return s.Python, out
}

func (s Settings) invocation(j job) domain.Invocation {
	logPath := filepath.Join(j.dir, j.stem+".out.txt")
	outputs := append(append([]string(nil), j.outputs...), logPath)
	dirs := append([]string{j.dir}, j.dirs...)
	return domain.Invocation{
		Name:    filepath.ToSlash(filepath.Join(j.dir, j.stem)),
		Program: j.program,
		Args:    j.args,
		Dir:     s.WorkDir,
		LogPath: logPath,
		Outputs: outputs,
		Expects: j.expects,
		Dirs:    dirs,
	}
}

func (s Settings) paths(d domain.RunDescriptor) (layout.Paths, error) {
	return layout.Resolve(s.AnchoredRoots(), d)
}

func (s Settings) cnn(d domain.RunDescriptor) ([]domain.Invocation, error) {
	method := methodArgs(d.Variant)
	switch d.Operation {
	case domain.OpLargeSearch:
		p, err := s.paths(d)
		if err != nil {
			return nil, err
		}
		tsv := filepath.Join(p.OutDir, "search.tsv")
		extra := []string{"--params-mean-val-loss-out-tsv", tsv}
		if regressesOnAll(d.Variant) {
			extra = append(extra, "--early-stop-loss-target", strconv.FormatFloat(s.EarlyStopLossTarget, 'g', -1, 64))
		}
		prog, args := s.python(scriptHyperparam, s.baseArgs(), method, s.searchArgs(d.Seed), extra, s.ExtraArgs)
		return []domain.Invocation{s.invocation(job{
			dir: p.OutDir, stem: "search", program: prog, args: args,
			outputs: []string{tsv}, expects: tsv,
		})}, nil

	case domain.OpNestedCrossVal:
		out := make([]domain.Invocation, 0)
		for _, split := range d.Splits() {
			p, err := s.paths(d.WithSplit(split))
			if err != nil {
				return nil, err
			}
			tsv := filepath.Join(p.OutDir, "nested-cross-val.models.tsv")
			prog, args := s.python(scriptHyperparam, s.baseArgs(), method, s.searchArgs(d.Seed),
				nestedArgs(d.OuterSplits, split), []string{"--nested-cross-val-out-tsv", tsv}, s.ExtraArgs)
			out = append(out, s.invocation(job{
				dir: p.OutDir, stem: "nested-cross-val", program: prog, args: args,
				outputs: []string{tsv}, expects: tsv,
			}))
		}
		return out, nil

	case domain.OpEvaluateLCLayer:
		out := make([]domain.Invocation, 0)
		for _, split := range d.Splits() {
			p, err := s.paths(d.WithSplit(split))
			if err != nil {
				return nil, err
			}
			for _, withLC := range []bool{true, false} {
				stem := "nested-cross-val.without-lc-layer"
				var lc []string
				if withLC {
					stem = "nested-cross-val.with-lc-layer"
					lc = []string{"--add-lc-layer"}
				}
				tsv := filepath.Join(p.OutDir, stem+".tsv")
				prog, args := s.python(scriptHyperparam, s.baseArgs(), method, s.searchArgs(d.Seed),
					nestedArgs(d.OuterSplits, split), lc, []string{"--nested-cross-val-out-tsv", tsv}, s.ExtraArgs)
				out = append(out, s.invocation(job{
					dir: p.OutDir, stem: stem, program: prog, args: args,
					outputs: []string{tsv}, expects: tsv,
				}))
			}
		}
		return out, nil

	case domain.OpTest:
		return s.cnnTest(d, method)

	case domain.OpSerializeModel:
		p, err := s.paths(d)
		if err != nil {
			return nil, err
		}
		prog, args := s.python(scriptPredictor, s.baseArgs(), method,
			[]string{"--seed", strconv.Itoa(d.Seed), "--serialize-model-with-tf-savedmodel", p.ModelDir}, s.ExtraArgs)
		return []domain.Invocation{s.invocation(job{
			dir: p.OutDir, stem: "serialize-model", program: prog, args: args,
			expects: filepath.Join(p.ModelDir, "saved_model.pb"),
			dirs: []string{filepath.Dir(p.ModelDir)},
		})}, nil

	case domain.OpLearningCurve:
		p, err := s.paths(d)
		if err != nil {
			return nil, err
		}
		tsv := filepath.Join(p.OutDir, "learning-curve.tsv")
		prog, args := s.python(scriptLearningCurve, s.baseArgs(), method, s.learningCurveArgs(d.Seed, tsv), s.ExtraArgs)
		return []domain.Invocation{s.invocation(job{
			dir: p.OutDir, stem: "learning-curve", program: prog, args: args,
			outputs: []string{tsv}, expects: tsv,
		})}, nil

	default:
		return nil, fmt.Errorf("%s: unsupported operation %q", d.Variant, d.Operation)
	}
}

func (s Settings) cnnTest(d domain.RunDescriptor, method []string) ([]domain.Invocation, error) {
	p, err := s.paths(d)
	if err != nil {
		return nil, err
	}
	load := []string{"--load-model", p.ModelDir, "--seed", strconv.Itoa(d.Seed)}

	type variantTest struct {
		stem   string
		method []string
		extra  []string
	}
	tests := []variantTest{{stem: "test", method: method}}
	if d.Variant == domain.CNNRegress {
		if !d.HasClassificationOptions || d.ClassificationTestTSV == "" {
			return nil, fmt.Errorf("%s test requires a classification test TSV and threshold", d.Variant)
		}
		tests = []variantTest{
			{stem: "test.on-true-active", method: method},
			{stem: "test.on-classified-active", method: methodArgs(domain.CNNRegressOnAll), extra: []string{
				"--filter-test-data-by-classification-score", d.ClassificationTestTSV,
				"--filter-test-data-by-classification-threshold", strconv.FormatFloat(d.ClassificationThreshold, 'g', -1, 64),
			}},
		}
	}

	out := make([]domain.Invocation, 0, len(tests))
	for _, t := range tests {
		tsv := filepath.Join(p.OutDir, t.stem+".tsv")
		prog, args := s.python(scriptPredictor, s.baseArgs(), t.method, load, t.extra, []string{"--write-test-tsv", tsv}, s.ExtraArgs)
		inv := s.invocation(job{
			dir: p.OutDir, stem: t.stem, program: prog, args: args,
			outputs: []string{tsv}, expects: tsv,
		})
		if s.Plot {
			inv = inv.WithFollowup(s.plotTest(p.OutDir, t.stem, tsv))
		}
		out = append(out, inv)
	}
	return out, nil
}

// plotTest renders the compressed test TSV produced by its parent.
func (s Settings) plotTest(dir, stem, tsv string) domain.Invocation {
	pdf := filepath.Join(dir, stem+".pdf")
	return s.invocation(job{
		dir:     dir,
		stem:    stem + ".plot",
		program: s.Rscript,
		args:    []string{s.script(scriptPlotTestResult), layout.Compressed(tsv), pdf},
		expects: pdf,
	})
}

func (s Settings) learningCurveArgs(seed int, tsv string) []string {
	return []string{
		"--num-splits", strconv.Itoa(s.CrossValSplits),
		"--num-sizes", strconv.Itoa(s.LearningCurveSizes),
		"--seed", strconv.Itoa(seed),
		"--write-tsv", tsv,
	}
}

func (s Settings) baselineModels(v domain.Variant) []string {
	if v == domain.BaselineClassify {
		return s.BaselineClassifyModels
	}
	return s.BaselineRegressModels
}

func (s Settings) baseline(d domain.RunDescriptor) ([]domain.Invocation, error) {
	method := methodArgs(d.Variant)
	var scoring []string
	if d.Variant == domain.BaselineRegress {
		scoring = []string{"--regression-scoring-method", "rho"}
	}
	models := s.baselineModels(d.Variant)

	switch d.Operation {
	case domain.OpNestedCrossVal:
		out := make([]domain.Invocation, 0, len(models)*len(d.Splits()))
		for _, split := range d.Splits() {
			p, err := s.paths(d.WithSplit(split))
			if err != nil {
				return nil, err
			}
			for _, model := range models {
				tsv := filepath.Join(p.OutDir, model+".tsv")
				coeffs := filepath.Join(p.OutDir, model+".feat-coeffs.tsv")
				prog, args := s.python(scriptBaseline, s.baseArgs(), method, scoring, []string{
					"--nested-cross-val-outer-num-splits", strconv.Itoa(d.OuterSplits),
					"--nested-cross-val-run-for", strconv.Itoa(split),
					"--models-to-use", model,
					"--seed", strconv.Itoa(d.Seed),
					"--nested-cross-val-out-tsv", tsv,
					"--nested-cross-val-feat-coeffs-out-tsv", coeffs,
				})
				out = append(out, s.invocation(job{
					dir: p.OutDir, stem: model, program: prog, args: args,
					outputs: []string{tsv, coeffs}, expects: tsv,
				}))
			}
		}
		return out, nil

	case domain.OpLearningCurve:
		p, err := s.paths(d)
		if err != nil {
			return nil, err
		}
		out := make([]domain.Invocation, 0, len(models))
		for _, model := range models {
			stem := "learning-curve." + model
			tsv := filepath.Join(p.OutDir, stem+".tsv")
			prog, args := s.python(scriptLearningCurve, s.baseArgs(), method, scoring,
				[]string{"--baseline-model", model}, s.learningCurveArgs(d.Seed, tsv))
			out = append(out, s.invocation(job{
				dir: p.OutDir, stem: stem, program: prog, args: args,
				outputs: []string{tsv}, expects: tsv,
			}))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%s: unsupported operation %q", d.Variant, d.Operation)
	}
}

func (s Settings) ganTrain(d domain.RunDescriptor) ([]domain.Invocation, error) {
	p, err := s.paths(d)
	if err != nil {
		return nil, err
	}
	losses := filepath.Join(p.OutDir, "losses.tsv")
	prog, args := s.python(scriptGAN, s.baseArgs(), []string{
		"--num-gen-iter", strconv.Itoa(d.Iterations),
		"--seed", strconv.Itoa(d.Seed),
		"--save-path", p.ModelDir,
		"--write-losses-tsv", losses,
	}, s.ExtraArgs)
	return []domain.Invocation{s.invocation(job{
		dir: p.OutDir, stem: "train", program: prog, args: args,
		outputs: []string{losses}, expects: losses,
		dirs: []string{p.ModelDir},
	})}, nil
}

func (s Settings) ganEvaluate(d domain.RunDescriptor) ([]domain.Invocation, error) {
	p, err := s.paths(d)
	if err != nil {
		return nil, err
	}
	generated := filepath.Join(p.OutDir, "generated.tsv")
	test := filepath.Join(p.OutDir, "test.tsv")
	prog, args := s.python(scriptGAN, s.baseArgs(), []string{
		"--num-gen-iter", strconv.Itoa(d.Iterations),
		"--seed", strconv.Itoa(d.Seed),
		"--load-path", p.ModelDir,
		"--write-generated-tsv", generated,
		"--write-test-tsv", test,
	}, s.ExtraArgs)
	return []domain.Invocation{s.invocation(job{
		dir: p.OutDir, stem: "evaluate", program: prog, args: args,
		outputs: []string{generated, test}, expects: test,
	})}, nil
}
