package triage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/triage")

// Pipeline stage names used for metrics, spans and error wrapping.
const (
	StageClassify  = "classify"
	StageEmbed     = "embed"
	StageRules     = "rules"
	StageNeighbors = "neighbors"
	StageScore     = "score"
	StageCommit    = "commit"
	StageGenerate  = "generate"
	StageEvaluate  = "evaluate"
)

// PipelineHooks are optional callbacks for observability. Nil fields are skipped.
type PipelineHooks struct {
	OnLLMCall  func(stage string, inputTokens, outputTokens int, duration float64)
	OnStage    func(stage string, duration float64, err error)
	OnComplete func(e *CompleteEvent)
	OnDraft    func(tone Tone, length Length, q *QualityReport)
	OnFeedback func(f *Feedback)
}

// CompleteEvent summarizes a finished pipeline pass.
type CompleteEvent struct {
	MessageID      string
	Status         string
	Category       Category
	Priority       Priority
	Confidence     float64
	RequiresReview bool
	RulesApplied   bool
	Defaulted      int
	Neighbors      int
	Duration       float64
}

// RunResult is the uncommitted output of Engine.Run.
type RunResult struct {
	Classification Classification
	Embedding      []float32
	Neighbors      []Neighbor
	RulesFired     bool
}

// Engine runs the stateless part of a pass: classify and embed in parallel,
// apply rules, look up neighbors and score. It never writes.
type Engine struct {
	classifier *Classifier
	index      *EmbeddingIndex
	rules      *RuleEngine
	scorer     Scorer
	logger     log.Logger
	hooks      PipelineHooks
}

// NewEngine creates a pipeline engine. A nil scorer uses DefaultScorer.
func NewEngine(classifier *Classifier, index *EmbeddingIndex, rules *RuleEngine, scorer Scorer, logger log.Logger, hooks PipelineHooks) *Engine {
	if scorer == nil {
		scorer = DefaultScorer()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		classifier: classifier,
		index:      index,
		rules:      rules,
		scorer:     scorer,
		logger:     logger,
		hooks:      hooks,
	}
}

// Index exposes the engine's embedding index.
func (e *Engine) Index() *EmbeddingIndex { return e.index }

// Run computes a validated classification for msg under prefs.
func (e *Engine) Run(ctx context.Context, msg *Message, prefs *Preferences) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "triage.Run", trace.WithAttributes(
		attribute.String("sift.message.id", msg.ID),
		attribute.String("sift.owner.id", msg.OwnerID),
	))
	defer span.End()

	L := e.logger.With("message_id", msg.ID)

	var (
		judgment *Judgment
		vec      []float32
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return e.stage(gctx, StageClassify, func(ctx context.Context) error {
			var err error
			judgment, err = e.classifier.Classify(ctx, msg.Subject, msg.Sender, msg.Body)
			return err
		})
	})
	eg.Go(func() error {
		return e.stage(gctx, StageEmbed, func(ctx context.Context) error {
			var err error
			vec, err = e.index.Embed(ctx, msg)
			return err
		})
	})
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if len(judgment.Defaulted) > 0 {
		L.Warn(ctx, "classifier output defaulted", "fields", judgment.Defaulted, "model", judgment.Model)
	}

	var (
		cls   Classification
		fired bool
	)
	_ = e.stage(ctx, StageRules, func(context.Context) error {
		cls, fired = e.rules.Apply(msg, prefs, judgment.Classification())
		return nil
	})

	var neighbors []Neighbor
	if err := e.stage(ctx, StageNeighbors, func(ctx context.Context) error {
		var err error
		neighbors, err = e.index.Neighbors(ctx, msg, vec)
		return err
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := e.stage(ctx, StageScore, func(context.Context) error {
		cls.SetConfidence(e.scorer.Score(&cls, fired, neighbors))
		return cls.Validate()
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("sift.category", string(cls.Category)),
		attribute.String("sift.priority", string(cls.Priority)),
		attribute.Float64("sift.confidence", cls.Confidence),
		attribute.Int("sift.neighbors", len(neighbors)),
	)

	return &RunResult{
		Classification: cls,
		Embedding:      vec,
		Neighbors:      neighbors,
		RulesFired:     fired,
	}, nil
}

type stageKey struct{}

// WithStage marks ctx as running inside the named pipeline stage, so storage
// and provider layers can attribute their work to it.
func WithStage(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stageKey{}, name)
}

// StageFromContext returns the pipeline stage ctx is running in, or "".
func StageFromContext(ctx context.Context) string {
	s, _ := ctx.Value(stageKey{}).(string)
	return s
}

// stage times fn, reports it to hooks and wraps its error with the stage name.
func (e *Engine) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(WithStage(ctx, name), "triage."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if e.hooks.OnStage != nil {
		e.hooks.OnStage(name, time.Since(start).Seconds(), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s stage: %w", name, err)
	}
	return nil
}
