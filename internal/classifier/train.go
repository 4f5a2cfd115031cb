package classifier

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shisetsu-ai/bunki/internal/model"
)

// TrainingConfig fixes every knob that affects the fitted weights. Zero
// fields fall back to the defaults, so a partially built config still
// trains sensibly.
type TrainingConfig struct {
	Seed         int64
	TestFraction float64
	MinPerClass  int
	Epochs       int
	LearningRate float64
	L2           float64
}

// DefaultTrainingConfig returns the standard training knobs.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Seed:         42,
		TestFraction: 0.2,
		MinPerClass:  2,
		Epochs:       250,
		LearningRate: 0.5,
		L2:           1e-4,
	}
}

func (cfg TrainingConfig) withDefaults() TrainingConfig {
	def := DefaultTrainingConfig()
	if cfg.TestFraction <= 0 || cfg.TestFraction >= 1 {
		cfg.TestFraction = def.TestFraction
	}
	if cfg.MinPerClass < 2 {
		cfg.MinPerClass = def.MinPerClass
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = def.Epochs
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.L2 < 0 {
		cfg.L2 = def.L2
	}
	return cfg
}

// Train fits the binary and operation models from the corpus. Class
// starvation fails fast with InsufficientData naming the offending class,
// before any fitting begins. The two models fit concurrently; both are
// deterministic for a fixed (corpus, seed).
func Train(ctx context.Context, corpus []model.TrainingExample, cfg TrainingConfig) (*Artifact, error) {
	cfg = cfg.withDefaults()

	binaryCounts := map[string]int{ClassSkip: 0, ClassPerform: 0}
	opCounts := make(map[string]int)
	for _, ex := range corpus {
		if ex.Perform {
			binaryCounts[ClassPerform]++
			opCounts[ex.Label]++
		} else {
			binaryCounts[ClassSkip]++
		}
	}
	for _, class := range []string{ClassPerform, ClassSkip} {
		if binaryCounts[class] < cfg.MinPerClass {
			return nil, model.Ef(model.KindInsufficientData,
				"class %q has %d examples, need at least %d", class, binaryCounts[class], cfg.MinPerClass)
		}
	}
	if len(opCounts) < 2 {
		return nil, model.Ef(model.KindInsufficientData,
			"need at least 2 operation classes, have %d", len(opCounts))
	}
	for _, label := range sortedCountKeys(opCounts) {
		if opCounts[label] < cfg.MinPerClass {
			return nil, model.Ef(model.KindInsufficientData,
				"class %q has %d examples, need at least %d", label, opCounts[label], cfg.MinPerClass)
		}
	}

	binaryTexts := make([]string, len(corpus))
	binaryLabels := make([]string, len(corpus))
	var opTexts, opLabels []string
	for i, ex := range corpus {
		binaryTexts[i] = ex.Text
		if ex.Perform {
			binaryLabels[i] = ClassPerform
			opTexts = append(opTexts, ex.Text)
			opLabels = append(opLabels, ex.Label)
		} else {
			binaryLabels[i] = ClassSkip
		}
	}

	var binary, operation *task
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		binary, err = fitTask(gctx, binaryTexts, binaryLabels, cfg)
		return err
	})
	g.Go(func() error {
		var err error
		operation, err = fitTask(gctx, opTexts, opLabels, cfg)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	opEval := operation.test
	if len(opEval) == 0 {
		opEval = operation.train
	}
	binEval := binary.test
	if len(binEval) == 0 {
		binEval = binary.train
	}

	return &Artifact{
		Version:             ArtifactVersion,
		TrainedAt:           time.Now().UTC(),
		BinaryVectorizer:    binary.vec,
		BinaryModel:         binary.model,
		OperationVectorizer: operation.vec,
		OperationModel:      operation.model,
		Metrics: map[string]float64{
			"train_accuracy":  operation.accuracy(operation.train),
			"test_accuracy":   operation.accuracy(opEval),
			"top3_accuracy":   operation.topKAccuracy(opEval, 3),
			"class_count":     float64(len(operation.model.Classes)),
			"mean_confidence": operation.meanTopProbability(opEval),
			"binary_accuracy": binary.accuracy(binEval),
		},
	}, nil
}

// task is one fitted model with the split it was trained and evaluated on.
type task struct {
	texts  []string
	labels []string
	train  []int
	test   []int
	vec    *Vectorizer
	model  *LinearModel
}

// fitTask vectorizes the training split and runs full-batch gradient
// descent with balanced class weights from zero-initialized parameters.
// ctx is checked once per epoch so a draining worker can stop a fit.
func fitTask(ctx context.Context, texts, labels []string, cfg TrainingConfig) (*task, error) {
	trainIdx, testIdx := splitStratified(labels, cfg.TestFraction, cfg.Seed)

	trainTexts := make([]string, len(trainIdx))
	for k, i := range trainIdx {
		trainTexts[k] = texts[i]
	}
	vec := FitVectorizer(trainTexts)

	classSet := make(map[string]bool)
	for _, l := range labels {
		classSet[l] = true
	}
	classes := make([]string, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	classIdx := make(map[string]int, len(classes))
	for i, c := range classes {
		classIdx[c] = i
	}

	k := len(classes)
	n := len(trainIdx)
	features := vec.Features()

	rows := make([]Vector, n)
	y := make([]int, n)
	trainCounts := make([]int, k)
	for r, i := range trainIdx {
		rows[r] = vec.Transform(texts[i])
		y[r] = classIdx[labels[i]]
		trainCounts[y[r]]++
	}

	// Balanced class weights n/(k*count) stop the majority class from
	// swamping the gradient.
	classWeight := make([]float64, k)
	for c := range classWeight {
		classWeight[c] = float64(n) / (float64(k) * float64(trainCounts[c]))
	}

	m := &LinearModel{
		Classes: classes,
		Weights: make([][]float64, k),
		Bias:    make([]float64, k),
	}
	gradW := make([][]float64, k)
	for c := 0; c < k; c++ {
		m.Weights[c] = make([]float64, features)
		gradW[c] = make([]float64, features)
	}
	gradB := make([]float64, k)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for c := 0; c < k; c++ {
			row := gradW[c]
			for j := range row {
				row[j] = 0
			}
			gradB[c] = 0
		}

		for r, x := range rows {
			probs := m.Probabilities(x)
			cw := classWeight[y[r]]
			for c := 0; c < k; c++ {
				g := probs[c]
				if c == y[r] {
					g--
				}
				g *= cw
				if g == 0 {
					continue
				}
				row := gradW[c]
				for kk, idx := range x.Indices {
					row[idx] += g * x.Values[kk]
				}
				gradB[c] += g
			}
		}

		scale := cfg.LearningRate / float64(n)
		for c := 0; c < k; c++ {
			wrow := m.Weights[c]
			grow := gradW[c]
			for j := range wrow {
				wrow[j] -= scale*grow[j] + cfg.LearningRate*cfg.L2*wrow[j]
			}
			m.Bias[c] -= scale * gradB[c]
		}
	}

	return &task{
		texts:  texts,
		labels: labels,
		train:  trainIdx,
		test:   testIdx,
		vec:    vec,
		model:  m,
	}, nil
}

// splitStratified holds out fraction of each label's examples, shuffled by
// a seeded generator. Every label keeps at least one training example.
// Returned index slices are sorted so downstream iteration order is fixed.
func splitStratified(labels []string, fraction float64, seed int64) (trainIdx, testIdx []int) {
	buckets := make(map[string][]int)
	for i, l := range labels {
		buckets[l] = append(buckets[l], i)
	}
	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	for _, name := range names {
		b := buckets[name]
		rng.Shuffle(len(b), func(i, j int) { b[i], b[j] = b[j], b[i] })
		nTest := int(float64(len(b)) * fraction)
		if len(b)-nTest < 1 {
			nTest = len(b) - 1
		}
		cut := len(b) - nTest
		trainIdx = append(trainIdx, b[:cut]...)
		testIdx = append(testIdx, b[cut:]...)
	}
	sort.Ints(trainIdx)
	sort.Ints(testIdx)
	return trainIdx, testIdx
}

func (t *task) accuracy(idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	correct := 0
	for _, i := range idx {
		probs := t.model.Probabilities(t.vec.Transform(t.texts[i]))
		if t.model.Classes[argmax(probs)] == t.labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(idx))
}

func (t *task) topKAccuracy(idx []int, k int) float64 {
	if len(idx) == 0 {
		return 0
	}
	correct := 0
	for _, i := range idx {
		probs := t.model.Probabilities(t.vec.Transform(t.texts[i]))
		ranked := make([]Scored, len(probs))
		for c, p := range probs {
			ranked[c] = Scored{Label: t.model.Classes[c], Probability: p}
		}
		sort.SliceStable(ranked, func(a, b int) bool {
			if ranked[a].Probability != ranked[b].Probability {
				return ranked[a].Probability > ranked[b].Probability
			}
			return ranked[a].Label < ranked[b].Label
		})
		limit := k
		if limit > len(ranked) {
			limit = len(ranked)
		}
		for _, s := range ranked[:limit] {
			if s.Label == t.labels[i] {
				correct++
				break
			}
		}
	}
	return float64(correct) / float64(len(idx))
}

func (t *task) meanTopProbability(idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	total := 0.0
	for _, i := range idx {
		probs := t.model.Probabilities(t.vec.Transform(t.texts[i]))
		total += probs[argmax(probs)]
	}
	return total / float64(len(idx))
}

func argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

func sortedCountKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
