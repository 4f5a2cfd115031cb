package classifier

import (
	"math"
	"sort"
	"time"
)

// Binary class labels. Stored in the artifact, so renaming them would
// invalidate persisted models.
const (
	ClassSkip    = "skip"
	ClassPerform = "perform"
)

// LinearModel is a multinomial logistic classifier: one weight row and one
// bias per class, scored by softmax. With two classes this reduces to
// plain logistic regression.
type LinearModel struct {
	Classes []string    `json:"classes"`
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

// Probabilities returns the calibrated class distribution for x, index
// aligned with Classes.
func (m *LinearModel) Probabilities(x Vector) []float64 {
	scores := make([]float64, len(m.Classes))
	for c := range m.Classes {
		scores[c] = m.Bias[c] + dot(m.Weights[c], x)
	}
	return softmax(scores)
}

// Scored is one operation candidate with its calibrated probability.
type Scored struct {
	Label       string
	Probability float64
}

// Artifact is a complete trained classifier: one vectorizer and model per
// task, trained-at timestamp, and the training metrics report. Immutable
// once built; deployment is an atomic pointer swap upstream.
type Artifact struct {
	Version             int                `json:"version"`
	TrainedAt           time.Time          `json:"trained_at"`
	BinaryVectorizer    *Vectorizer        `json:"binary_vectorizer"`
	BinaryModel         *LinearModel       `json:"binary_model"`
	OperationVectorizer *Vectorizer        `json:"operation_vectorizer"`
	OperationModel      *LinearModel       `json:"operation_model"`
	Metrics             map[string]float64 `json:"metrics"`
}

// ArtifactVersion is the current serialization version.
const ArtifactVersion = 1

// PredictPerform runs the binary classifier. perform is the predicted
// class; confidence is the model's probability on that class.
func (a *Artifact) PredictPerform(question string) (perform bool, confidence float64) {
	x := a.BinaryVectorizer.Transform(question)
	probs := a.BinaryModel.Probabilities(x)
	pPerform := 0.0
	for c, class := range a.BinaryModel.Classes {
		if class == ClassPerform {
			pPerform = probs[c]
		}
	}
	if pPerform >= 0.5 {
		return true, pPerform
	}
	return false, 1 - pPerform
}

// RankOperations returns every operation class ranked by probability
// descending. Equal probabilities order by label ascending so identical
// questions always rank identically.
func (a *Artifact) RankOperations(question string) []Scored {
	x := a.OperationVectorizer.Transform(question)
	probs := a.OperationModel.Probabilities(x)
	out := make([]Scored, len(probs))
	for c, class := range a.OperationModel.Classes {
		out[c] = Scored{Label: class, Probability: probs[c]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// dot multiplies a dense weight row with a sparse feature row.
func dot(weights []float64, x Vector) float64 {
	s := 0.0
	for k, idx := range x.Indices {
		s += weights[idx] * x.Values[k]
	}
	return s
}

// softmax converts scores to a probability distribution, shifting by the
// max score for numeric stability.
func softmax(scores []float64) []float64 {
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	out := make([]float64, len(scores))
	total := 0.0
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}
