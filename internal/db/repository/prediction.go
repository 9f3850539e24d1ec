package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cozy-creator/classifier-server/internal/db/models"
	"github.com/uptrace/bun"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 50
)

type IPredictionRepository interface {
	Repository[models.Prediction]
	WithTx(tx *bun.Tx) IPredictionRepository
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo IPredictionRepository) error) error
	ListRecent(ctx context.Context, limit int) ([]models.Prediction, error)
}

type PredictionRepository struct {
	db bun.IDB
}

func NewPredictionRepository(db *bun.DB) IPredictionRepository {
	return &PredictionRepository{db: db}
}

func (r *PredictionRepository) Create(ctx context.Context, prediction *models.Prediction) (*models.Prediction, error) {
	if prediction == nil {
		return nil, fmt.Errorf("prediction model is nil")
	}

	if err := r.db.NewInsert().Model(prediction).Returning("*").Scan(ctx); err != nil {
		return nil, err
	}

	return prediction, nil
}

func (r *PredictionRepository) GetByID(ctx context.Context, id int64) (*models.Prediction, error) {
	var prediction models.Prediction
	if err := r.db.NewSelect().Model(&prediction).Where("p.id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &prediction, nil
}

// ListRecent returns the newest predictions first. The limit is clamped to
// [1, MaxListLimit]; zero or negative values mean DefaultListLimit.
func (r *PredictionRepository) ListRecent(ctx context.Context, limit int) ([]models.Prediction, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	predictions := make([]models.Prediction, 0, limit)
	if err := r.db.NewSelect().
		Model(&predictions).
		OrderExpr("p.created_at DESC, p.id DESC").
		Limit(limit).
		Scan(ctx); err != nil {
		return nil, err
	}

	return predictions, nil
}

func (r *PredictionRepository) WithTx(tx *bun.Tx) IPredictionRepository {
	return &PredictionRepository{db: tx}
}

// RunInTx calls fn with a repository bound to a new transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (r *PredictionRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, repo IPredictionRepository) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, r.WithTx(&tx))
	})
}
