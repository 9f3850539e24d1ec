// Package prediction runs the classify-store-persist pipeline behind
// POST /predict/.
package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cozy-creator/classifier-server/internal/classifier"
	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/db/models"
	"github.com/cozy-creator/classifier-server/internal/db/repository"
	"github.com/cozy-creator/classifier-server/internal/imageproc"
	"github.com/cozy-creator/classifier-server/internal/metrics"
	"github.com/cozy-creator/classifier-server/internal/mq"
	"github.com/cozy-creator/classifier-server/internal/types"

	"go.uber.org/zap"
)

// ModelProvider hands out the loaded classifier.
type ModelProvider interface {
	EnsureLoaded(ctx context.Context) (*classifier.Model, error)
}

type ImageUploader interface {
	UploadBytes(ctx context.Context, content []byte, extension string, subfolder string) (string, error)
}

// Upload is a file received from a client. A nil *Upload means no file was
// submitted.
type Upload struct {
	Filename string
	Size     int64
	Reader   io.Reader
}

type Options struct {
	Models        ModelProvider
	Predictions   repository.IPredictionRepository
	Uploader      ImageUploader
	MQ            mq.MQ
	Topic         string
	MaxUploadSize int64
	MaxPixels     int64
	Logger        *zap.Logger
}

type Service struct {
	models       ModelProvider
	predictions  repository.IPredictionRepository
	uploader     ImageUploader
	mq           mq.MQ
	topic        string
	preprocessor *imageproc.Preprocessor
	logger       *zap.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	topic := opts.Topic
	if topic == "" {
		topic = config.DefaultPredictionsTopic
	}

	return &Service{
		models:       opts.Models,
		predictions:  opts.Predictions,
		uploader:     opts.Uploader,
		mq:           opts.MQ,
		topic:        topic,
		preprocessor: imageproc.NewPreprocessor(imageproc.DefaultSize, opts.MaxUploadSize).WithMaxPixels(opts.MaxPixels),
		logger:       logger,
	}
}

func (s *Service) MaxUploadSize() int64 {
	return s.preprocessor.MaxSize()
}

// Predict classifies upload and persists the outcome. The model is checked
// before the upload, so an unloadable model always yields
// classifier.ErrModelUnavailable. No record is written on any failure.
func (s *Service) Predict(ctx context.Context, upload *Upload) (*models.Prediction, error) {
	prediction, err := s.predict(ctx, upload)
	metrics.PredictionsTotal.WithLabelValues(outcome(err)).Inc()
	return prediction, err
}

func (s *Service) predict(ctx context.Context, upload *Upload) (*models.Prediction, error) {
	model, err := s.models.EnsureLoaded(ctx)
	if err != nil {
		return nil, err
	}

	content, err := s.readUpload(upload)
	if err != nil {
		return nil, err
	}

	tensor, img, err := s.preprocessor.WithSize(model.InputSize()).Preprocess(content)
	if err != nil {
		return nil, toValidationError(err)
	}

	start := time.Now()
	result, err := model.Predict(ctx, tensor)
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}

	url, err := s.uploader.UploadBytes(ctx, content, img.Extension, config.PredictionsFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}

	// The stored image is content addressed and may already back another
	// record, so it is left in place if the insert fails.
	record := models.NewPrediction(url, result.PredictedClass, result.Confidence, result.AllPredictions)
	err = s.predictions.RunInTx(ctx, func(ctx context.Context, repo repository.IPredictionRepository) error {
		record, err = repo.Create(ctx, record)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save prediction: %w", err)
	}

	metrics.PredictedClassTotal.WithLabelValues(record.PredictedClass).Inc()
	metrics.ConfidenceScore.Observe(record.Confidence)
	s.logger.Info("prediction created",
		zap.Int64("id", record.ID),
		zap.Stringer("prediction", record),
		zap.String("image", record.Image),
	)

	s.publish(ctx, record)
	return record, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Prediction, error) {
	return s.predictions.GetByID(ctx, id)
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]models.Prediction, error) {
	return s.predictions.ListRecent(ctx, limit)
}

func (s *Service) readUpload(upload *Upload) ([]byte, error) {
	if upload == nil || upload.Reader == nil {
		return nil, newValidationError(ImageField, MsgNoFile, nil)
	}

	if err := s.preprocessor.CheckSize(upload.Size); err != nil {
		return nil, newValidationError(ImageField, MsgTooLarge, err)
	}

	content, err := io.ReadAll(io.LimitReader(upload.Reader, s.preprocessor.MaxSize()+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(content) == 0 {
		return nil, newValidationError(ImageField, MsgInvalidImage, imageproc.ErrEmptyContent)
	}
	if err := s.preprocessor.CheckSize(int64(len(content))); err != nil {
		return nil, newValidationError(ImageField, MsgTooLarge, err)
	}

	return content, nil
}

// publish emits the new record for stream subscribers. Failures are logged;
// the record is already committed.
func (s *Service) publish(ctx context.Context, record *models.Prediction) {
	if s.mq == nil {
		return
	}

	payload, err := json.Marshal(types.NewPredictionResponse(record))
	if err != nil {
		s.logger.Error("failed to encode prediction event", zap.Error(err))
		return
	}

	if err := s.mq.Publish(ctx, s.topic, payload); err != nil {
		s.logger.Warn("failed to publish prediction event",
			zap.String("topic", s.topic),
			zap.Int64("id", record.ID),
			zap.Error(err),
		)
	}
}

func toValidationError(err error) error {
	switch {
	case errors.Is(err, imageproc.ErrTooLarge):
		return newValidationError(ImageField, MsgTooLarge, err)
	case errors.Is(err, imageproc.ErrNotAnImage), errors.Is(err, imageproc.ErrEmptyContent):
		return newValidationError(ImageField, MsgInvalidImage, err)
	}
	return err
}

func outcome(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &verr):
		return metrics.OutcomeInvalid
	case errors.Is(err, classifier.ErrModelUnavailable):
		return metrics.OutcomeUnavailable
	}
	return metrics.OutcomeError
}
