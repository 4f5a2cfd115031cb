// Package classifier fits and serves the two intent models: a binary
// perform/skip classifier and a multi-class operation classifier. Both are
// linear models over TF-IDF n-gram features producing calibrated class
// probabilities. Training is deterministic given (corpus, seed).
package classifier

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Vector is a sparse feature row with indices sorted ascending. The fixed
// index order keeps dot products bit-stable across calls, which keeps
// repeated predictions identical.
type Vector struct {
	Indices []int
	Values  []float64
}

// Vectorizer maps text to L2-normalized TF-IDF rows over word unigrams
// and bigrams. The vocabulary is fixed at fit time; unseen terms vanish.
type Vectorizer struct {
	Vocabulary map[string]int `json:"vocabulary"`
	IDF        []float64      `json:"idf"`
}

// FitVectorizer learns the vocabulary and smoothed IDF weights from the
// training texts. Terms are sorted before indexing so the same corpus
// always yields the same feature space.
func FitVectorizer(texts []string) *Vectorizer {
	df := make(map[string]int)
	for _, text := range texts {
		seen := make(map[string]bool)
		for _, term := range terms(text) {
			if !seen[term] {
				seen[term] = true
				df[term]++
			}
		}
	}

	vocab := make([]string, 0, len(df))
	for term := range df {
		vocab = append(vocab, term)
	}
	sort.Strings(vocab)

	v := &Vectorizer{
		Vocabulary: make(map[string]int, len(vocab)),
		IDF:        make([]float64, len(vocab)),
	}
	n := float64(len(texts))
	for i, term := range vocab {
		v.Vocabulary[term] = i
		v.IDF[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}
	return v
}

// Transform produces the TF-IDF row for text. The row is L2-normalized;
// a text sharing no vocabulary with the corpus yields an empty vector.
func (v *Vectorizer) Transform(text string) Vector {
	tf := make(map[int]float64)
	for _, term := range terms(text) {
		if idx, ok := v.Vocabulary[term]; ok {
			tf[idx]++
		}
	}
	if len(tf) == 0 {
		return Vector{}
	}

	indices := make([]int, 0, len(tf))
	for idx := range tf {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	values := make([]float64, len(indices))
	norm := 0.0
	for k, idx := range indices {
		w := tf[idx] * v.IDF[idx]
		values[k] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	for k := range values {
		values[k] /= norm
	}
	return Vector{Indices: indices, Values: values}
}

// Features returns the dimensionality of the feature space.
func (v *Vectorizer) Features() int { return len(v.IDF) }

// terms emits word unigrams followed by bigrams.
func terms(text string) []string {
	words := tokenize(text)
	out := make([]string, 0, 2*len(words))
	out = append(out, words...)
	for i := 0; i+1 < len(words); i++ {
		out = append(out, words[i]+" "+words[i+1])
	}
	return out
}

// tokenize lowercases and splits on anything that is not a letter or
// digit.
func tokenize(text string) []string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Fields(mapped)
}
