package plan

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
	"github.com/jingyi7777/adapt-seq-design/internal/execution/layout"
)

func testSettings() Settings {
	return Settings{
		Roots:                  layout.Roots{Out: "out", Models: "models", Dataset: "cas13"},
		Python:                 "python",
		Rscript:                "Rscript",
		ScriptDir:              ".",
		Subset:                 "exp-and-pos",
		ContextNT:              10,
		Seed:                   1,
		OuterSplits:            5,
		CrossValSplits:         5,
		SearchSamples:          100,
		EarlyStopLossTarget:    0.1,
		LearningCurveSizes:     10,
		BaselineClassifyModels: []string{"logit", "gbt"},
		BaselineRegressModels:  []string{"lr", "rf", "mlp"},
	}
}

func desc(v domain.Variant, op domain.Operation) domain.RunDescriptor {
	return domain.RunDescriptor{Variant: v, Operation: op, Seed: 1, OuterSplits: 5, GPU: domain.NoGPU, Split: domain.AllSplits}
}

// flagValue returns the argument following flag, or "" if absent.
func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func TestBuildRegressTestProducesTwoInvocations(t *testing.T) {
	d := desc(domain.CNNRegress, domain.OpTest)
	d.ModelID = "524b9795"
	d.ClassificationTestTSV = "out/cas13/cnn/classify/test/model-abc/test.tsv.gz"
	d.ClassificationThreshold = 0.5
	d.HasClassificationOptions = true

	invs, err := Build(testSettings(), d)
	require.NoError(t, err)
	require.Len(t, invs, 2)

	trueActive, classified := invs[0], invs[1]
	assert.Equal(t, filepath.Join("out", "cas13", "cnn", "regress", "test", "model-524b9795", "test.on-true-active.tsv"), flagValue(trueActive.Args, "--write-test-tsv"))
	assert.Equal(t, filepath.Join("out", "cas13", "cnn", "regress", "test", "model-524b9795", "test.on-classified-active.tsv"), flagValue(classified.Args, "--write-test-tsv"))
	assert.True(t, strings.Contains(trueActive.LogPath, "test.on-true-active."))
	assert.True(t, strings.Contains(classified.LogPath, "test.on-classified-active."))

	assert.Equal(t, "0.5", flagValue(classified.Args, "--filter-test-data-by-classification-threshold"))
	assert.Equal(t, d.ClassificationTestTSV, flagValue(classified.Args, "--filter-test-data-by-classification-score"))
	assert.False(t, hasFlag(trueActive.Args, "--filter-test-data-by-classification-threshold"))
	assert.Equal(t, filepath.Join("models", "cas13", "cnn", "regress", "model-524b9795"), flagValue(trueActive.Args, "--load-model"))
}

func TestBuildRegressTestRequiresClassificationOptions(t *testing.T) {
	d := desc(domain.CNNRegress, domain.OpTest)
	d.ModelID = "524b9795"
	_, err := Build(testSettings(), d)
	require.Error(t, err)
}

func TestBuildEarlyStopOnlyForRegressOnAllLargeSearch(t *testing.T) {
	tests := []struct {
		variant domain.Variant
		op      domain.Operation
		split   int
		want    bool
	}{
		{domain.CNNRegressOnAll, domain.OpLargeSearch, domain.AllSplits, true},
		{domain.CNNRegressOnAllWithMedian, domain.OpLargeSearch, domain.AllSplits, true},
		{domain.CNNRegressOnAll, domain.OpNestedCrossVal, 0, false},
		{domain.CNNRegressOnAllWithMedian, domain.OpEvaluateLCLayer, 1, false},
		{domain.CNNRegress, domain.OpLargeSearch, domain.AllSplits, false},
		{domain.CNNClassify, domain.OpLargeSearch, domain.AllSplits, false},
	}
	for _, tt := range tests {
		d := desc(tt.variant, tt.op)
		d.Split = tt.split
		invs, err := Build(testSettings(), d)
		require.NoError(t, err, "%s/%s", tt.variant, tt.op)
		for _, inv := range invs {
			assert.Equal(t, tt.want, hasFlag(inv.Args, "--early-stop-loss-target"), "%s/%s", tt.variant, tt.op)
		}
	}
}

func TestBuildEvaluateLCLayerPairs(t *testing.T) {
	d := desc(domain.CNNClassify, domain.OpEvaluateLCLayer)
	d.Split = 2
	invs, err := Build(testSettings(), d)
	require.NoError(t, err)
	require.Len(t, invs, 2)

	with, without := invs[0], invs[1]
	assert.True(t, hasFlag(with.Args, "--add-lc-layer"))
	assert.False(t, hasFlag(without.Args, "--add-lc-layer"))
	assert.Contains(t, with.Expects, "nested-cross-val.with-lc-layer.")
	assert.Contains(t, without.Expects, "nested-cross-val.without-lc-layer.")
	assert.NotEqual(t, with.LogPath, without.LogPath)

	strip := func(args []string) []string {
		out := make([]string, 0, len(args))
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--add-lc-layer":
				continue
			case "--nested-cross-val-out-tsv":
				i++
				continue
			}
			out = append(out, args[i])
		}
		return out
	}
	assert.Equal(t, strip(with.Args), strip(without.Args), "invocations must differ only by the inclusion flag and output paths")
}

func TestBuildExpandsSplitsWithDisjointOutputs(t *testing.T) {
	invs, err := Build(testSettings(), desc(domain.CNNRegressOnAll, domain.OpNestedCrossVal))
	require.NoError(t, err)
	require.Len(t, invs, 5)

	binvs, err := Build(testSettings(), desc(domain.BaselineRegress, domain.OpNestedCrossVal))
	require.NoError(t, err)
	require.Len(t, binvs, 5*3)

	seen := map[string]string{}
	for _, inv := range append(invs, binvs...) {
		for _, out := range inv.Outputs {
			prev, dup := seen[out]
			require.False(t, dup, "output %s written by %s and %s", out, prev, inv.Name)
			seen[out] = inv.Name
		}
	}
	assert.Equal(t, "3", flagValue(invs[3].Args, "--nested-cross-val-run-for"))
	assert.Contains(t, invs[3].Expects, "split-3")
}

func TestBuildGPUScopedToInvocations(t *testing.T) {
	d := desc(domain.CNNClassify, domain.OpLargeSearch)
	d.GPU = 2
	invs, err := Build(testSettings(), d)
	require.NoError(t, err)
	for _, inv := range invs {
		assert.Equal(t, "2", inv.Env[domain.DeviceEnvKey])
	}

	invs, err = Build(testSettings(), desc(domain.CNNClassify, domain.OpLargeSearch))
	require.NoError(t, err)
	for _, inv := range invs {
		assert.NotContains(t, inv.Env, domain.DeviceEnvKey)
	}
}

func TestBuildGANPaths(t *testing.T) {
	d := desc(domain.GANTrain, domain.OpNone)
	d.Iterations = 1000
	invs, err := Build(testSettings(), d)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Contains(t, invs[0].LogPath, "1000-gen-iter")
	assert.Contains(t, flagValue(invs[0].Args, "--save-path"), "1000-gen-iter")
	assert.Equal(t, "1000", flagValue(invs[0].Args, "--num-gen-iter"))
}

func TestBuildBaseArgsAndMethod(t *testing.T) {
	d := desc(domain.CNNRegressOnAllWithMedian, domain.OpLearningCurve)
	invs, err := Build(testSettings(), d)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	args := invs[0].Args
	assert.Equal(t, []string{"-u", "predictor_learning_curve.py"}, args[:2])
	assert.Equal(t, []string{"--dataset", "cas13", "--cas13-subset", "exp-and-pos", "--context-nt", "10"}, args[2:8])
	assert.True(t, hasFlag(args, "--cas13-regress-on-all"))
	assert.True(t, hasFlag(args, "--cas13-normalize-crrna-activity"))
}

func TestBuildPlotFollowups(t *testing.T) {
	s := testSettings()
	s.Plot = true
	d := desc(domain.CNNClassify, domain.OpTest)
	d.ModelID = "abc"
	invs, err := Build(s, d)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	require.Len(t, invs[0].Followups, 1)
	plot := invs[0].Followups[0]
	assert.Equal(t, "Rscript", plot.Program)
	assert.Equal(t, layout.Compressed(flagValue(invs[0].Args, "--write-test-tsv")), plot.Args[1])
}

func TestBuildDeterministic(t *testing.T) {
	d := desc(domain.BaselineClassify, domain.OpLearningCurve)
	first, err := Build(testSettings(), d)
	require.NoError(t, err)
	second, err := Build(testSettings(), d)
	require.NoError(t, err)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected deterministic invocations")
	}
}

func TestBuildWorkDirAnchorsRoots(t *testing.T) {
	s := testSettings()
	s.WorkDir = filepath.Join(string(filepath.Separator), "srv", "adapt")
	invs, err := Build(s, desc(domain.CNNClassify, domain.OpLargeSearch))
	require.NoError(t, err)
	assert.Equal(t, s.WorkDir, invs[0].Dir)
	assert.True(t, strings.HasPrefix(invs[0].Expects, s.WorkDir))
}

func TestFingerprintTracksEnv(t *testing.T) {
	invs, err := Build(testSettings(), desc(domain.CNNClassify, domain.OpLargeSearch))
	require.NoError(t, err)

	a, err := Fingerprint(invs[0])
	require.NoError(t, err)
	b, err := Fingerprint(invs[0])
	require.NoError(t, err)
	c, err := Fingerprint(invs[0].WithEnv(domain.DeviceEnvKey, "1"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
