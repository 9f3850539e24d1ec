package repository

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// Repository covers the operations shared by every append-only table.
type Repository[T any] interface {
	Create(ctx context.Context, arg *T) (*T, error)
	GetByID(ctx context.Context, id int64) (*T, error)
}
