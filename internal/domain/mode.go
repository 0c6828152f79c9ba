package domain

type Mode string

const (
	ModeBaseline Mode = "baseline"
	ModeCNN      Mode = "cnn"
	ModeGAN      Mode = "gan"
)

type SubMode string

const (
	SubModeClassify               SubMode = "classify"
	SubModeRegress                SubMode = "regress"
	SubModeRegressOnAll           SubMode = "regress-on-all"
	SubModeRegressOnAllWithMedian SubMode = "regress-on-all-with-median"
	SubModeTrain                  SubMode = "train"
	SubModeEvaluate               SubMode = "evaluate"
)

type Operation string

const (
	OpNone            Operation = ""
	OpLargeSearch     Operation = "large-search"
	OpNestedCrossVal  Operation = "nested-cross-val"
	OpEvaluateLCLayer Operation = "evaluate-lc-layer"
	OpTest            Operation = "test"
	OpSerializeModel  Operation = "serialize-model"
	OpLearningCurve   Operation = "learning-curve"
)

// Variant is one mode x sub-mode combination. Dispatch on it with an
// exhaustive switch rather than comparing mode strings.
type Variant int

const (
	VariantUnknown Variant = iota
	BaselineClassify
	BaselineRegress
	CNNClassify
	CNNRegress
	CNNRegressOnAll
	CNNRegressOnAllWithMedian
	GANTrain
	GANEvaluate
)

type variantInfo struct {
	mode Mode
	sub  SubMode
	ops  []Operation
}

var (
	baselineOps = []Operation{OpNestedCrossVal, OpLearningCurve}
	cnnOps      = []Operation{OpLargeSearch, OpNestedCrossVal, OpEvaluateLCLayer, OpTest, OpSerializeModel, OpLearningCurve}
)

var variants = map[Variant]variantInfo{
	BaselineClassify:          {mode: ModeBaseline, sub: SubModeClassify, ops: baselineOps},
	BaselineRegress:           {mode: ModeBaseline, sub: SubModeRegress, ops: baselineOps},
	CNNClassify:               {mode: ModeCNN, sub: SubModeClassify, ops: cnnOps},
	CNNRegress:                {mode: ModeCNN, sub: SubModeRegress, ops: cnnOps},
	CNNRegressOnAll:           {mode: ModeCNN, sub: SubModeRegressOnAll, ops: cnnOps},
	CNNRegressOnAllWithMedian: {mode: ModeCNN, sub: SubModeRegressOnAllWithMedian, ops: cnnOps},
	GANTrain:                  {mode: ModeGAN, sub: SubModeTrain},
	GANEvaluate:               {mode: ModeGAN, sub: SubModeEvaluate},
}

// Modes lists the top-level modes in help order.
func Modes() []Mode {
	return []Mode{ModeBaseline, ModeCNN, ModeGAN}
}

// Variants lists every known variant in declaration order.
func Variants() []Variant {
	out := make([]Variant, 0, len(variants))
	for v := BaselineClassify; v <= GANEvaluate; v++ {
		out = append(out, v)
	}
	return out
}

// VariantFor looks up the variant for an exact mode and sub-mode pair.
func VariantFor(mode Mode, sub SubMode) (Variant, bool) {
	for _, v := range Variants() {
		info := variants[v]
		if info.mode == mode && info.sub == sub {
			return v, true
		}
	}
	return VariantUnknown, false
}

// SubModes lists the sub-modes accepted under a mode.
func SubModes(mode Mode) []SubMode {
	out := make([]SubMode, 0)
	for _, v := range Variants() {
		if info := variants[v]; info.mode == mode {
			out = append(out, info.sub)
		}
	}
	return out
}

func (v Variant) Mode() Mode       { return variants[v].mode }
func (v Variant) SubMode() SubMode { return variants[v].sub }

// Operations returns the operation tokens the variant accepts; nil means the
// variant has no operation level.
func (v Variant) Operations() []Operation {
	ops := variants[v].ops
	if len(ops) == 0 {
		return nil
	}
	out := make([]Operation, len(ops))
	copy(out, ops)
	return out
}

func (v Variant) Accepts(op Operation) bool {
	ops := variants[v].ops
	if len(ops) == 0 {
		return op == OpNone
	}
	for _, candidate := range ops {
		if candidate == op {
			return true
		}
	}
	return false
}

func (v Variant) Valid() bool {
	_, ok := variants[v]
	return ok
}

func (v Variant) String() string {
	info, ok := variants[v]
	if !ok {
		return "unknown"
	}
	return string(info.mode) + "/" + string(info.sub)
}
