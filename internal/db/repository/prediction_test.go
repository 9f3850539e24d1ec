package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cozy-creator/classifier-server/internal/db/dbtest"
	"github.com/cozy-creator/classifier-server/internal/db/models"
)

func TestPredictionCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewPredictionRepository(dbtest.Open(t))

	all := map[string]float64{"carrot": 0.93, "potato": 0.05, "tomato": 0.02}
	created, err := repo.Create(ctx, models.NewPrediction("http://localhost/file/predictions/a.jpg", "carrot", 0.93, all))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == 0 {
		t.Fatalf("expected server-assigned id")
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.PredictedClass != "carrot" || got.Confidence != 0.93 {
		t.Errorf("unexpected record %+v", got)
	}
	if len(got.AllPredictions) != len(all) {
		t.Fatalf("AllPredictions = %v", got.AllPredictions)
	}
	for name, p := range all {
		if got.AllPredictions[name] != p {
			t.Errorf("AllPredictions[%s] = %v, want %v", name, got.AllPredictions[name], p)
		}
	}
	if got.CreatedAt.IsZero() {
		t.Errorf("CreatedAt not persisted")
	}
	if got.String() != "carrot (93.00%)" {
		t.Errorf("String() = %q", got.String())
	}
}

func TestPredictionIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := NewPredictionRepository(dbtest.Open(t))

	var last int64
	for i := 0; i < 5; i++ {
		p, err := repo.Create(ctx, models.NewPrediction("img", "carrot", 1, map[string]float64{"carrot": 1}))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if p.ID <= last {
			t.Fatalf("id %d not greater than previous %d", p.ID, last)
		}
		last = p.ID
	}
}

func TestPredictionGetMissing(t *testing.T) {
	repo := NewPredictionRepository(dbtest.Open(t))

	_, err := repo.GetByID(context.Background(), 424242)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByID error = %v, want ErrNotFound", err)
	}
}

func TestListRecentOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewPredictionRepository(dbtest.Open(t))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		p := models.NewPrediction(fmt.Sprintf("img-%d", i), "carrot", 0.5, map[string]float64{"carrot": 0.5, "pea": 0.5})
		p.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		if _, err := repo.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := repo.ListRecent(ctx, 0)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(list) != DefaultListLimit {
		t.Fatalf("len = %d, want %d", len(list), DefaultListLimit)
	}
	if list[0].Image != "img-59" {
		t.Errorf("newest first expected, got %s", list[0].Image)
	}
	for i := 1; i < len(list); i++ {
		if !list[i-1].CreatedAt.After(list[i].CreatedAt) {
			t.Fatalf("not strictly descending at %d: %v then %v", i, list[i-1].CreatedAt, list[i].CreatedAt)
		}
	}

	capped, err := repo.ListRecent(ctx, 500)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(capped) != MaxListLimit {
		t.Errorf("limit not capped: %d", len(capped))
	}

	few, err := repo.ListRecent(ctx, 3)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(few) != 3 || few[2].Image != "img-57" {
		t.Errorf("unexpected page %v", few)
	}
}

func TestListRecentEmpty(t *testing.T) {
	list, err := NewPredictionRepository(dbtest.Open(t)).ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", list)
	}
}

func TestRunInTxCommits(t *testing.T) {
	ctx := context.Background()
	repo := NewPredictionRepository(dbtest.Open(t))

	var created *models.Prediction
	err := repo.RunInTx(ctx, func(ctx context.Context, tx IPredictionRepository) error {
		var err error
		created, err = tx.Create(ctx, models.NewPrediction("img", "carrot", 1, map[string]float64{"carrot": 1}))
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID after commit: %v", err)
	}
	if got.PredictedClass != "carrot" {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestRunInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := NewPredictionRepository(dbtest.Open(t))
	failure := errors.New("publish failed")

	err := repo.RunInTx(ctx, func(ctx context.Context, tx IPredictionRepository) error {
		if _, err := tx.Create(ctx, models.NewPrediction("img", "carrot", 1, map[string]float64{"carrot": 1})); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("RunInTx error = %v, want %v", err, failure)
	}

	list, err := repo.ListRecent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("rolled back insert is visible: %d records", len(list))
	}
}
