// Package decision answers the two-stage routing question for incoming
// chat questions: should an analytics operation run at all, and if so,
// which registered operation fits best.
//
// Both the HTTP API and MCP server delegate here, so ranking behaves
// identically across interfaces. Ranking and selection derive solely
// from classifier probabilities; keyword matching exists only in the
// degraded fallback used when no trained artifact is loaded.
package decision

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shisetsu-ai/bunki/internal/classifier"
	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/telemetry"
)

// Catalog is the read-only descriptor view the service needs for
// candidate enrichment. Satisfied by *registry.Registry.
type Catalog interface {
	Get(name string) (model.FunctionDescriptor, error)
}

// Service classifies questions against the currently loaded artifact.
// The artifact swaps atomically after retraining; in-flight requests
// keep the version they loaded.
type Service struct {
	catalog  Catalog
	artifact atomic.Pointer[classifier.Artifact]
	fallback bool
	logger   *slog.Logger

	decideDuration metric.Float64Histogram
	degradedCount  metric.Int64Counter
}

// New creates the decision service. fallbackEnabled controls whether
// the keyword table answers when no artifact is loaded; with it
// disabled, Decide fails ServiceUnavailable instead.
func New(catalog Catalog, fallbackEnabled bool, logger *slog.Logger) *Service {
	meter := telemetry.Meter("bunki/decision")
	decideDur, _ := meter.Float64Histogram("bunki.decide.duration",
		metric.WithDescription("Time to classify one question (ms)"),
		metric.WithUnit("ms"),
	)
	degraded, _ := meter.Int64Counter("bunki.decide.degraded",
		metric.WithDescription("Decisions served by the keyword fallback"),
	)
	return &Service{
		catalog:        catalog,
		fallback:       fallbackEnabled,
		logger:         logger,
		decideDuration: decideDur,
		degradedCount:  degraded,
	}
}

// SetArtifact swaps in a newly trained artifact. Passing nil drops back
// to degraded mode.
func (s *Service) SetArtifact(art *classifier.Artifact) {
	s.artifact.Store(art)
	if art != nil {
		s.logger.Info("decide: classifier artifact loaded",
			"trained_at", art.TrainedAt,
			"classes", len(art.OperationModel.Classes),
		)
	}
}

// Artifact returns the currently loaded artifact, or nil when the
// service is running degraded.
func (s *Service) Artifact() *classifier.Artifact {
	return s.artifact.Load()
}

// Decide classifies one question. topN bounds the candidate list and
// defaults to model.DefaultTopN when zero or negative.
func (s *Service) Decide(ctx context.Context, question string, topN int) (model.Decision, error) {
	start := time.Now()

	text := strings.TrimSpace(question)
	if text == "" {
		return model.Decision{}, model.E(model.KindInvalidInput, "question must not be empty")
	}
	if n := utf8.RuneCountInString(text); n > model.MaxQuestionRunes {
		return model.Decision{}, model.Ef(model.KindInvalidInput, "question is %d runes, limit is %d", n, model.MaxQuestionRunes)
	}
	if topN <= 0 {
		topN = model.DefaultTopN
	}
	if topN > model.MaxTopN {
		topN = model.MaxTopN
	}

	art := s.artifact.Load()
	if art == nil {
		if !s.fallback {
			return model.Decision{}, model.E(model.KindServiceUnavailable, "no classifier artifact is loaded and the keyword fallback is disabled")
		}
		s.logger.Warn("decide: no classifier artifact loaded, answering from the keyword table")
		s.degradedCount.Add(ctx, 1)
		dec := s.keywordDecision(text)
		s.finish(ctx, start, dec)
		return dec, nil
	}

	dec := model.Decision{
		Question:   text,
		Candidates: []model.Candidate{},
	}

	// Stage one: should analytics run at all. The reported confidence
	// is the probability of whichever side won.
	dec.Perform, dec.Confidence = art.PredictPerform(text)
	if !dec.Perform {
		s.finish(ctx, start, dec)
		return dec, nil
	}

	// Stage two: rank operations. RankOperations already breaks
	// probability ties by label, so repeated questions rank identically.
	scored := art.RankOperations(text)
	if len(scored) > topN {
		scored = scored[:topN]
	}
	cands := make([]model.Candidate, len(scored))
	for i, sc := range scored {
		cands[i] = model.Candidate{
			Operation:   sc.Label,
			Confidence:  sc.Probability,
			Description: s.describe(sc.Label),
		}
	}
	dec.Candidates = cands
	op := cands[0].Operation
	dec.Operation = &op

	s.finish(ctx, start, dec)
	return dec, nil
}

// describe looks up a candidate's catalog description. A label with no
// registered descriptor keeps an empty description; ranking never
// depends on the catalog.
func (s *Service) describe(operation string) string {
	if s.catalog == nil {
		return ""
	}
	desc, err := s.catalog.Get(operation)
	if err != nil {
		return ""
	}
	return desc.Description
}

func (s *Service) finish(ctx context.Context, start time.Time, dec model.Decision) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Bool("bunki.decide.perform", dec.Perform),
		attribute.Bool("bunki.decide.degraded", dec.Degraded),
	)
	s.decideDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
}
