package types

import (
	"time"

	"github.com/cozy-creator/classifier-server/internal/db/models"
)

// Values of the format query parameter.
const (
	JSONResponseType    = "json"
	MsgpackResponseType = "msgpack"
)

const MsgpackContentType = "application/msgpack"

type PredictionResponse struct {
	ID             int64              `json:"id" msgpack:"id"`
	Image          string             `json:"image" msgpack:"image"`
	PredictedClass string             `json:"predicted_class" msgpack:"predicted_class"`
	Confidence     float64            `json:"confidence" msgpack:"confidence"`
	AllPredictions map[string]float64 `json:"all_predictions" msgpack:"all_predictions"`
	CreatedAt      time.Time          `json:"created_at" msgpack:"created_at"`
}

func NewPredictionResponse(p *models.Prediction) PredictionResponse {
	all := p.AllPredictions
	if all == nil {
		all = map[string]float64{}
	}

	return PredictionResponse{
		ID:             p.ID,
		Image:          p.Image,
		PredictedClass: p.PredictedClass,
		Confidence:     p.Confidence,
		AllPredictions: all,
		CreatedAt:      p.CreatedAt.UTC(),
	}
}

func NewPredictionResponses(predictions []models.Prediction) []PredictionResponse {
	responses := make([]PredictionResponse, 0, len(predictions))
	for i := range predictions {
		responses = append(responses, NewPredictionResponse(&predictions[i]))
	}
	return responses
}

type InfoResponse struct {
	APIName     string   `json:"api_name" msgpack:"api_name"`
	Version     string   `json:"version" msgpack:"version"`
	Classes     []string `json:"classes" msgpack:"classes"`
	NumClasses  int      `json:"num_classes" msgpack:"num_classes"`
	ModelLoaded bool     `json:"model_loaded" msgpack:"model_loaded"`
}

type ErrorResponse struct {
	Error string `json:"error" msgpack:"error"`
}

// FieldErrors maps a request field to its validation messages.
type FieldErrors map[string][]string
