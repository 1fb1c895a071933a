package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RetrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dh_knowledge_retrieval_duration_seconds",
			Help:    "Memory retrieval duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"status"},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dh_knowledge_retrieval_results_count",
			Help:    "Number of results per retrieval",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dh_knowledge_turn_duration_seconds",
			Help:    "Training turn processing duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20},
		},
		[]string{"intent", "state"},
	)

	KnowledgeStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dh_knowledge_stored_total",
			Help: "Total knowledge units stored",
		},
		[]string{"category", "source"},
	)

	KnowledgeSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dh_knowledge_skipped_total",
			Help: "Total knowledge units dropped for an unknown category",
		},
	)

	ContradictionsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dh_knowledge_contradictions_total",
			Help: "Total contradictions detected during storage",
		},
	)

	ValidationResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dh_knowledge_validation_resolved_total",
			Help: "Total validation decisions",
		},
		[]string{"status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dh_knowledge_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dh_knowledge_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dh_knowledge_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dh_knowledge_documents_ingested_total",
			Help: "Total documents ingested",
		},
	)

	GraphNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dh_knowledge_graph_nodes_total",
			Help: "Total knowledge nodes in the graph",
		},
	)

	GraphEntitiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dh_knowledge_graph_entities_total",
			Help: "Total entities in the graph",
		},
	)
)

func Init() {
	prometheus.MustRegister(RetrievalDuration)
	prometheus.MustRegister(RetrievalResultsCount)
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(KnowledgeStored)
	prometheus.MustRegister(KnowledgeSkipped)
	prometheus.MustRegister(ContradictionsDetected)
	prometheus.MustRegister(ValidationResolved)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(DocumentsIngested)
	prometheus.MustRegister(GraphNodesTotal)
	prometheus.MustRegister(GraphEntitiesTotal)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
