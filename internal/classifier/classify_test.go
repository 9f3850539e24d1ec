package classifier

import (
	"errors"
	"math"
	"testing"
)

func TestClassify(t *testing.T) {
	names := []string{"broccoli", "carrot", "tomato"}

	res, err := Classify([]float32{0.02, 0.93, 0.05}, names)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	if res.PredictedClass != "carrot" {
		t.Errorf("PredictedClass = %q, want carrot", res.PredictedClass)
	}
	if math.Abs(res.Confidence-0.93) > 1e-6 {
		t.Errorf("Confidence = %v, want 0.93", res.Confidence)
	}
	if len(res.AllPredictions) != len(names) {
		t.Fatalf("AllPredictions has %d entries, want %d", len(res.AllPredictions), len(names))
	}
	if res.AllPredictions[res.PredictedClass] != res.Confidence {
		t.Errorf("confidence %v does not match all_predictions entry %v",
			res.Confidence, res.AllPredictions[res.PredictedClass])
	}
	for name, p := range res.AllPredictions {
		if p > res.Confidence {
			t.Errorf("%s has %v, higher than predicted confidence %v", name, p, res.Confidence)
		}
	}
}

func TestClassifyTieTakesFirst(t *testing.T) {
	res, err := Classify([]float32{0.1, 0.45, 0.45}, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.PredictedClass != "b" {
		t.Errorf("PredictedClass = %q, want the first maximum b", res.PredictedClass)
	}
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name  string
		probs []float32
		names []string
		want  error
	}{
		{"length mismatch", []float32{0.5, 0.5}, []string{"a", "b", "c"}, ErrOutputMismatch},
		{"no classes", []float32{}, nil, ErrOutputMismatch},
		{"nan", []float32{float32(math.NaN()), 0.5}, []string{"a", "b"}, nil},
		{"inf", []float32{float32(math.Inf(1)), 0.5}, []string{"a", "b"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(tt.probs, tt.names)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error %v is not %v", err, tt.want)
			}
		})
	}
}
