package models

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type Prediction struct {
	bun.BaseModel `bun:"table:predictions,alias:p"`

	ID             int64              `bun:",pk,autoincrement"`
	Image          string             `bun:",notnull"`
	PredictedClass string             `bun:",notnull"`
	Confidence     float64            `bun:",notnull"`
	AllPredictions map[string]float64 `bun:",type:jsonb,notnull"`
	CreatedAt      time.Time          `bun:",nullzero,notnull,default:current_timestamp"`
}

// NewPrediction stamps the record with the current time so listings order by
// creation even on databases whose current_timestamp has second resolution.
func NewPrediction(image, predictedClass string, confidence float64, all map[string]float64) *Prediction {
	return &Prediction{
		Image:          image,
		PredictedClass: predictedClass,
		Confidence:     confidence,
		AllPredictions: all,
		CreatedAt:      time.Now().UTC(),
	}
}

func (p *Prediction) String() string {
	return fmt.Sprintf("%s (%.2f%%)", p.PredictedClass, p.Confidence*100)
}
