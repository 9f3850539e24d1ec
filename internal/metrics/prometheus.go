package metrics

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeSuccess     = "success"
	OutcomeInvalid     = "invalid"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

var (
	PredictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_predictions_total",
			Help: "Prediction requests by outcome",
		},
		[]string{"outcome"},
	)

	PredictedClassTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_predicted_class_total",
			Help: "Successful predictions by predicted class",
		},
		[]string{"class"},
	)

	InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classifier_inference_duration_seconds",
			Help:    "Time spent running the model",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classifier_confidence_score",
			Help:    "Confidence of the predicted class",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	ModelLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "classifier_model_loaded",
			Help: "1 when the classifier is loaded, 0 otherwise",
		},
	)

	ModelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_model_loads_total",
			Help: "Model load attempts by result",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PredictionsTotal,
			PredictedClassTotal,
			InferenceDuration,
			ConfidenceScore,
			ModelLoaded,
			ModelLoadsTotal,
		)
	})
}

func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
