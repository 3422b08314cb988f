package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	PassesTotal       *prometheus.CounterVec
	PassDuration      *prometheus.HistogramVec
	StageDuration     *prometheus.HistogramVec
	Classifications   *prometheus.CounterVec
	Confidence        prometheus.Histogram
	ReviewsTotal      prometheus.Counter
	RuleHitsTotal     prometheus.Counter
	DefaultedFields   prometheus.Counter
	Neighbors         prometheus.Histogram
	LLMCallsTotal     *prometheus.CounterVec
	LLMTokensIn       *prometheus.CounterVec
	LLMTokensOut      *prometheus.CounterVec
	LLMDuration       *prometheus.HistogramVec
	DraftsTotal       *prometheus.CounterVec
	DraftQuality      prometheus.Histogram
	RegenerateAdvised prometheus.Counter
	FeedbackTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_triage_passes_total",
			Help: "Total triage passes by final status.",
		}, []string{"status"}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_triage_pass_duration_seconds",
			Help:    "Duration of triage passes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_triage_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~262s
		}, []string{"stage", "outcome"}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_classifications_total",
			Help: "Committed classifications by category and priority.",
		}, []string{"category", "priority"}),
		Confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_classification_confidence",
			Help:    "Confidence of committed classifications.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		ReviewsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_review_required_total",
			Help: "Classifications committed below the review threshold.",
		}),
		RuleHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_rule_hits_total",
			Help: "Passes where a user preference rule fired.",
		}),
		DefaultedFields: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_classifier_defaulted_fields_total",
			Help: "Classifier fields that fell back to their default.",
		}),
		Neighbors: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_triage_neighbors",
			Help:    "Neighbors found per pass.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_llm_calls_total",
			Help: "Total LLM provider calls by stage.",
		}, []string{"stage"}),
		LLMTokensIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed by stage.",
		}, []string{"stage"}),
		LLMTokensOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed by stage.",
		}, []string{"stage"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. ~64s
		}, []string{"stage"}),
		DraftsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_drafts_total",
			Help: "Generated reply drafts by tone and length.",
		}, []string{"tone", "length"}),
		DraftQuality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_draft_quality_overall",
			Help:    "Overall quality score of evaluated drafts.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		RegenerateAdvised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_draft_regenerate_advised_total",
			Help: "Evaluated drafts scored below the regeneration threshold.",
		}),
		FeedbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_feedback_total",
			Help: "Recorded feedback by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.StageDuration,
		m.Classifications,
		m.Confidence,
		m.ReviewsTotal,
		m.RuleHitsTotal,
		m.DefaultedFields,
		m.Neighbors,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.DraftsTotal,
		m.DraftQuality,
		m.RegenerateAdvised,
		m.FeedbackTotal,
	)

	return m
}

// Hooks returns PipelineHooks that update the corresponding metrics.
func (m *Metrics) Hooks() PipelineHooks {
	return PipelineHooks{
		OnLLMCall: func(stage string, inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.WithLabelValues(stage).Inc()
			m.LLMTokensIn.WithLabelValues(stage).Add(float64(inputTokens))
			m.LLMTokensOut.WithLabelValues(stage).Add(float64(outputTokens))
			m.LLMDuration.WithLabelValues(stage).Observe(duration)
		},
		OnStage: func(stage string, duration float64, err error) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.StageDuration.WithLabelValues(stage, outcome).Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			m.PassesTotal.WithLabelValues(e.Status).Inc()
			m.PassDuration.WithLabelValues(e.Status).Observe(e.Duration)
			if e.Status != "complete" {
				return
			}
			m.Classifications.WithLabelValues(string(e.Category), string(e.Priority)).Inc()
			m.Confidence.Observe(e.Confidence)
			m.Neighbors.Observe(float64(e.Neighbors))
			m.DefaultedFields.Add(float64(e.Defaulted))
			if e.RequiresReview {
				m.ReviewsTotal.Inc()
			}
			if e.RulesApplied {
				m.RuleHitsTotal.Inc()
			}
		},
		OnDraft: func(tone Tone, length Length, q *QualityReport) {
			m.DraftsTotal.WithLabelValues(string(tone), string(length)).Inc()
			if q == nil {
				return
			}
			m.DraftQuality.Observe(q.Overall)
			if q.ShouldRegenerate {
				m.RegenerateAdvised.Inc()
			}
		},
		OnFeedback: func(f *Feedback) {
			switch {
			case f.CorrectedCategory != "" || f.CorrectedPriority != "":
				m.FeedbackTotal.WithLabelValues("correction").Inc()
			case f.Rating > 0:
				m.FeedbackTotal.WithLabelValues("rating").Inc()
			default:
				m.FeedbackTotal.WithLabelValues("comment").Inc()
			}
		},
	}
}
