package plan

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jingyi7777/adapt-seq-design/internal/execution/layout"
	"github.com/jingyi7777/adapt-seq-design/internal/platform/env"
)

// Script names, relative to Settings.ScriptDir.
const (
	scriptPredictor      = "predictor.py"
	scriptHyperparam     = "predictor_hyperparam_search.py"
	scriptBaseline       = "predictor_baseline.py"
	scriptLearningCurve  = "predictor_learning_curve.py"
	scriptGAN            = "gan.py"
	scriptPlotTestResult = "plotting_scripts/plot_predictor_test_results.R"
)

// Settings are the fixed inputs shared by every invocation of one process.
type Settings struct {
	Roots layout.Roots

	Python    string
	Rscript   string
	ScriptDir string
	// WorkDir is the child working directory. Relative roots and the script
	// dir are anchored to it so parent and child agree on every path.
	WorkDir string

	Subset    string
	ContextNT int

	Seed                int
	OuterSplits         int
	CrossValSplits      int
	SearchSamples       int
	EarlyStopLossTarget float64
	LearningCurveSizes  int

	BaselineClassifyModels []string
	BaselineRegressModels  []string

	ExtraArgs []string
	Plot      bool
}

func SettingsFromEnv() (Settings, error) {
	contextNT, err := env.Int("ADAPT_CONTEXT_NT", 10)
	if err != nil {
		return Settings{}, err
	}
	seed, err := env.Int("ADAPT_SEED", 1)
	if err != nil {
		return Settings{}, err
	}
	outerSplits, err := env.Int("ADAPT_OUTER_SPLITS", 5)
	if err != nil {
		return Settings{}, err
	}
	crossValSplits, err := env.Int("ADAPT_CROSS_VAL_SPLITS", 5)
	if err != nil {
		return Settings{}, err
	}
	searchSamples, err := env.Int("ADAPT_SEARCH_SAMPLES", 100)
	if err != nil {
		return Settings{}, err
	}
	lossTarget, err := env.Float("ADAPT_EARLY_STOP_LOSS_TARGET", 0.1)
	if err != nil {
		return Settings{}, err
	}
	lcSizes, err := env.Int("ADAPT_LC_NUM_SIZES", 10)
	if err != nil {
		return Settings{}, err
	}
	plot, err := env.Bool("ADAPT_PLOT", false)
	if err != nil {
		return Settings{}, err
	}

	s := Settings{
		Roots: layout.Roots{
			Out:     env.String("ADAPT_OUT_DIR", "out"),
			Models:  env.String("ADAPT_MODELS_DIR", "models"),
			Dataset: env.String("ADAPT_DATASET", "cas13"),
		},
		Python:                 env.String("ADAPT_PYTHON", "python"),
		Rscript:                env.String("ADAPT_RSCRIPT", "Rscript"),
		ScriptDir:              env.String("ADAPT_SCRIPT_DIR", "."),
		WorkDir:                env.String("ADAPT_WORK_DIR", ""),
		Subset:                 env.String("ADAPT_CAS13_SUBSET", "exp-and-pos"),
		ContextNT:              contextNT,
		Seed:                   seed,
		OuterSplits:            outerSplits,
		CrossValSplits:         crossValSplits,
		SearchSamples:          searchSamples,
		EarlyStopLossTarget:    lossTarget,
		LearningCurveSizes:     lcSizes,
		BaselineClassifyModels: env.List("ADAPT_BASELINE_CLASSIFY_MODELS", []string{"logit", "l1logit", "l2logit", "l1l2logit", "gbt", "rf", "svm", "mlp"}),
		BaselineRegressModels:  env.List("ADAPT_BASELINE_REGRESS_MODELS", []string{"lr", "l1lr", "l2lr", "l1l2lr", "gbrt", "rf", "mlp"}),
		ExtraArgs:              env.Fields("ADAPT_EXTRA_ARGS", nil),
		Plot:                   plot,
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if err := s.Roots.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(s.Python) == "" {
		return errors.New("ADAPT_PYTHON is required")
	}
	if strings.TrimSpace(s.Rscript) == "" {
		return errors.New("ADAPT_RSCRIPT is required")
	}
	if strings.TrimSpace(s.Subset) == "" {
		return errors.New("ADAPT_CAS13_SUBSET is required")
	}
	if s.ContextNT < 0 {
		return errors.New("ADAPT_CONTEXT_NT must be >= 0")
	}
	if s.Seed < 0 {
		return errors.New("ADAPT_SEED must be >= 0")
	}
	if s.OuterSplits < 1 {
		return errors.New("ADAPT_OUTER_SPLITS must be >= 1")
	}
	if s.CrossValSplits < 2 {
		return errors.New("ADAPT_CROSS_VAL_SPLITS must be >= 2")
	}
	if s.SearchSamples < 1 {
		return errors.New("ADAPT_SEARCH_SAMPLES must be >= 1")
	}
	if s.EarlyStopLossTarget <= 0 {
		return errors.New("ADAPT_EARLY_STOP_LOSS_TARGET must be positive")
	}
	if s.LearningCurveSizes < 1 {
		return errors.New("ADAPT_LC_NUM_SIZES must be >= 1")
	}
	if len(s.BaselineClassifyModels) == 0 || len(s.BaselineRegressModels) == 0 {
		return errors.New("baseline model lists must be non-empty")
	}
	for _, m := range append(append([]string(nil), s.BaselineClassifyModels...), s.BaselineRegressModels...) {
		if strings.ContainsAny(m, `/\ `) {
			return fmt.Errorf("baseline model name must be a bare word: %q", m)
		}
	}
	return nil
}

// AnchoredRoots resolves relative roots against WorkDir.
func (s Settings) AnchoredRoots() layout.Roots {
	r := s.Roots
	if s.WorkDir == "" {
		return r
	}
	if !filepath.IsAbs(r.Out) {
		r.Out = filepath.Join(s.WorkDir, r.Out)
	}
	if !filepath.IsAbs(r.Models) {
		r.Models = filepath.Join(s.WorkDir, r.Models)
	}
	return r
}

func (s Settings) script(name string) string {
	return filepath.Join(s.ScriptDir, filepath.FromSlash(name))
}
