package classifier

import (
	"errors"
	"fmt"
	"math"
)

var ErrOutputMismatch = errors.New("model output does not match class names")

// Result is the outcome of one classification.
type Result struct {
	PredictedClass string
	Confidence     float64
	AllPredictions map[string]float64
}

// Classify pairs a probability vector with the class list it was trained on.
// The predicted class is the first index holding the maximum probability.
func Classify(probabilities []float32, classNames []string) (*Result, error) {
	if len(classNames) == 0 {
		return nil, fmt.Errorf("%w: no class names", ErrOutputMismatch)
	}
	if len(probabilities) != len(classNames) {
		return nil, fmt.Errorf("%w: got %d probabilities for %d classes",
			ErrOutputMismatch, len(probabilities), len(classNames))
	}

	best := 0
	all := make(map[string]float64, len(classNames))
	for i, p := range probabilities {
		v := float64(p)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("model returned non-finite probability %v for %q", p, classNames[i])
		}

		all[classNames[i]] = v
		if p > probabilities[best] {
			best = i
		}
	}

	return &Result{
		PredictedClass: classNames[best],
		Confidence:     all[classNames[best]],
		AllPredictions: all,
	}, nil
}
