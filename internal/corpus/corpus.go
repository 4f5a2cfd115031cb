// Package corpus synthesizes the labeled training data for the intent
// classifiers from the registered function catalog, without manual
// authoring at scale. Lexical patterns expand through fixed phrase
// templates into perform examples; a fixed batch of metadata phrasings
// supplies the negatives; optional hand-curated examples merge in first
// and win duplicate collisions.
package corpus

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/shisetsu-ai/bunki/internal/model"
)

// DefaultCapPerLabel bounds class imbalance: no label, including the
// negative class, contributes more examples than this.
const DefaultCapPerLabel = 40

// Options tunes synthesis.
type Options struct {
	// CapPerLabel caps examples per label; zero means DefaultCapPerLabel.
	CapPerLabel int
}

// patternTemplates expand one lexical pattern into question variants.
var patternTemplates = []string{
	"%s",
	"show me %s",
	"show me the %s",
	"what is the %s",
	"compute %s over the last week",
	"can you calculate the %s",
}

// sensorTemplates add a sensor slot next to the pattern.
var sensorTemplates = []string{
	"what is %s for sensor %s",
	"give me the %s of sensor %s",
}

var sensorSlugs = []string{"x", "b2"}

// negativeTemplates are metadata and listing phrasings: questions the
// platform answers without running analytics.
var negativeTemplates = []string{
	"what is the label of sensor %s",
	"what type is sensor %s",
	"list all sensors of type %s",
	"which sensors are in %s",
	"how many sensors are in %s",
	"where is sensor %s installed",
	"what is the unit of sensor %s",
	"show me the metadata for sensor %s",
	"when was sensor %s last calibrated",
	"is sensor %s online",
}

var negativeSlugs = []string{"x", "b2", "temperature"}

// Synthesize builds the corpus from the catalog descriptors merged with
// curated examples. It never fails: descriptors and curated rows that
// cannot contribute are skipped with a warning. Output order and content
// are deterministic for fixed inputs, and every returned example
// satisfies the training-example invariant.
func Synthesize(descriptors []model.FunctionDescriptor, curated []Example, opts Options) ([]model.TrainingExample, []string) {
	capPerLabel := opts.CapPerLabel
	if capPerLabel <= 0 {
		capPerLabel = DefaultCapPerLabel
	}

	var warnings []string
	var raw []model.TrainingExample

	for i, ex := range curated {
		candidate := model.TrainingExample{
			Text:    normalize(ex.Text),
			Perform: ex.Perform,
			Label:   strings.TrimSpace(ex.Label),
		}
		if !candidate.Valid() {
			warnings = append(warnings, fmt.Sprintf("curated example %d (%.40q) is invalid, dropped", i, ex.Text))
			continue
		}
		raw = append(raw, candidate)
	}

	sorted := make([]model.FunctionDescriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, desc := range sorted {
		if desc.Deprecated {
			continue
		}
		patterns := usablePatterns(desc)
		if len(patterns) == 0 {
			warnings = append(warnings, fmt.Sprintf("descriptor %q has no usable patterns or description, skipped", desc.Name))
			continue
		}
		for _, p := range patterns {
			for _, tmpl := range patternTemplates {
				raw = append(raw, model.TrainingExample{
					Text:    normalize(fmt.Sprintf(tmpl, p)),
					Perform: true,
					Label:   desc.Name,
				})
			}
			for _, tmpl := range sensorTemplates {
				for _, slug := range sensorSlugs {
					raw = append(raw, model.TrainingExample{
						Text:    normalize(fmt.Sprintf(tmpl, p, slug)),
						Perform: true,
						Label:   desc.Name,
					})
				}
			}
		}
	}

	for _, tmpl := range negativeTemplates {
		for _, slug := range negativeSlugs {
			raw = append(raw, model.TrainingExample{
				Text:    normalize(fmt.Sprintf(tmpl, slug)),
				Perform: false,
			})
		}
	}

	// Dedupe on text (first occurrence wins), then cap per label in the
	// same pass order so truncation is stable.
	seen := make(map[string]bool, len(raw))
	counts := make(map[string]int)
	capped := make(map[string]bool)
	out := make([]model.TrainingExample, 0, len(raw))
	for _, ex := range raw {
		if ex.Text == "" || seen[ex.Text] {
			continue
		}
		seen[ex.Text] = true
		if counts[ex.Label] >= capPerLabel {
			if !capped[ex.Label] {
				capped[ex.Label] = true
				warnings = append(warnings, fmt.Sprintf("label %q capped at %d examples", ex.Label, capPerLabel))
			}
			continue
		}
		counts[ex.Label]++
		out = append(out, ex)
	}
	return out, warnings
}

// usablePatterns returns the descriptor's patterns, or one pattern built
// from the leading description words when none are declared.
func usablePatterns(desc model.FunctionDescriptor) []string {
	patterns := make([]string, 0, len(desc.Patterns))
	for _, p := range desc.Patterns {
		if n := normalize(p); n != "" {
			patterns = append(patterns, n)
		}
	}
	if len(patterns) > 0 {
		return patterns
	}
	words := strings.Fields(normalize(desc.Description))
	if len(words) == 0 {
		return nil
	}
	if len(words) > 4 {
		words = words[:4]
	}
	return []string{strings.Join(words, " ")}
}

// normalize lowercases, strips punctuation, and collapses whitespace,
// mirroring the classifier's tokenization.
func normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
