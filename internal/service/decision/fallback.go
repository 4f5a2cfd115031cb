package decision

import (
	"strings"

	"github.com/shisetsu-ai/bunki/internal/model"
)

// degradedConfidence is the fixed confidence attached to every keyword
// decision. Deliberately low so downstream consumers can tell these
// apart from trained predictions even without checking the flag.
const degradedConfidence = 0.3

// metadataKeywords short-circuit to Perform=false before any operation
// rule is tried. These mirror the metadata and listing phrasings the
// platform answers without running analytics.
var metadataKeywords = []string{
	"metadata",
	"label of",
	"type of",
	"which sensors",
	"how many sensors",
	"list all",
	"installed",
	"calibrated",
	"online",
	"unit of",
}

// keywordRules map a question substring to an operation, first hit
// wins. Multi-word phrases come before the single words they contain.
var keywordRules = []struct {
	keyword   string
	operation string
}{
	{"standard deviation", "standard_deviation"},
	{"rate of change", "rate_of_change"},
	{"most recent", "current_value"},
	{"how many", "count"},
	{"variability", "standard_deviation"},
	{"spread", "standard_deviation"},
	{"trend", "rate_of_change"},
	{"slope", "rate_of_change"},
	{"current", "current_value"},
	{"latest", "current_value"},
	{"average", "average"},
	{"mean", "average"},
	{"minimum", "minimum"},
	{"lowest", "minimum"},
	{"maximum", "maximum"},
	{"highest", "maximum"},
	{"peak", "maximum"},
	{"total", "sum"},
	{"sum", "sum"},
	{"count", "count"},
	{"min", "minimum"},
	{"max", "maximum"},
}

// keywordDecision answers from the fixed rule table. Every decision it
// produces carries Degraded=true and degradedConfidence; no rule hit
// means no analytics.
func (s *Service) keywordDecision(question string) model.Decision {
	text := strings.ToLower(question)
	dec := model.Decision{
		Question:   question,
		Confidence: degradedConfidence,
		Candidates: []model.Candidate{},
		Degraded:   true,
	}

	for _, kw := range metadataKeywords {
		if strings.Contains(text, kw) {
			return dec
		}
	}
	for _, rule := range keywordRules {
		if !strings.Contains(text, rule.keyword) {
			continue
		}
		op := rule.operation
		dec.Perform = true
		dec.Operation = &op
		dec.Candidates = []model.Candidate{{
			Operation:   op,
			Confidence:  degradedConfidence,
			Description: s.describe(op),
		}}
		return dec
	}
	return dec
}
