// Package classifier loads the image classification model and turns its raw
// output into predictions.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/imageproc"
	"github.com/cozy-creator/classifier-server/internal/metrics"

	"go.uber.org/zap"
)

var ErrModelUnavailable = errors.New("model unavailable")

// Classifier maps an input batch to one probability vector.
type Classifier interface {
	Predict(ctx context.Context, input *imageproc.Tensor) ([]float32, error)
	Close() error
}

// OpenFunc opens the model artifact described by cfg. md has already been
// validated and inputSize is the square resolution the model expects.
type OpenFunc func(ctx context.Context, cfg *config.ModelConfig, md *Metadata, inputSize int) (Classifier, error)

// Model is a loaded classifier together with the classes its output follows.
type Model struct {
	classifier Classifier
	metadata   *Metadata
	inputSize  int
}

func NewModel(c Classifier, md *Metadata, inputSize int) *Model {
	return &Model{classifier: c, metadata: md, inputSize: inputSize}
}

func (m *Model) ClassNames() []string {
	names := make([]string, len(m.metadata.ClassNames))
	copy(names, m.metadata.ClassNames)
	return names
}

func (m *Model) InputSize() int {
	return m.inputSize
}

func (m *Model) Metadata() *Metadata {
	return m.metadata
}

// Predict runs the classifier on input and classifies its output.
func (m *Model) Predict(ctx context.Context, input *imageproc.Tensor) (*Result, error) {
	probabilities, err := m.classifier.Predict(ctx, input)
	if err != nil {
		return nil, err
	}

	return Classify(probabilities, m.metadata.ClassNames)
}

// Holder lazily loads the model on first use and shares it between requests.
// Loads are serialised, so concurrent first requests trigger a single load.
type Holder struct {
	cfg    *config.ModelConfig
	open   OpenFunc
	logger *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[Model]
	// Set only when cfg.RetryFailedLoad is false.
	loadErr error
}

func NewHolder(cfg *config.ModelConfig, open OpenFunc, logger *zap.Logger) *Holder {
	if open == nil {
		open = OpenONNX
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Holder{cfg: cfg, open: open, logger: logger}
}

// EnsureLoaded returns the loaded model, loading it first if needed. On
// failure the holder stays empty and the returned error wraps
// ErrModelUnavailable. Unless retries are disabled, the next call tries again.
func (h *Holder) EnsureLoaded(ctx context.Context) (*Model, error) {
	if m := h.current.Load(); m != nil {
		return m, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if m := h.current.Load(); m != nil {
		return m, nil
	}
	if h.loadErr != nil {
		return nil, h.loadErr
	}

	h.logger.Info("loading model",
		zap.String("model_path", h.cfg.Path),
		zap.String("config_path", h.cfg.ConfigPath),
	)

	m, err := h.load(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		h.logger.Error("failed to load model", zap.Error(err))
		metrics.ModelLoadsTotal.WithLabelValues("failure").Inc()

		if !h.cfg.RetryFailedLoad {
			h.loadErr = err
		}
		return nil, err
	}

	h.current.Store(m)
	metrics.ModelLoadsTotal.WithLabelValues("success").Inc()
	metrics.ModelLoaded.Set(1)
	h.logger.Info("model loaded",
		zap.Int("num_classes", len(m.metadata.ClassNames)),
		zap.Strings("classes", m.metadata.ClassNames),
		zap.Int("input_size", m.inputSize),
	)

	return m, nil
}

// Loaded reports whether a model is currently held. It never blocks on an
// in-flight load.
func (h *Holder) Loaded() bool {
	return h.current.Load() != nil
}

// ClassNames returns the loaded class list, or an empty slice.
func (h *Holder) ClassNames() []string {
	m := h.current.Load()
	if m == nil {
		return []string{}
	}
	return m.ClassNames()
}

func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := h.current.Swap(nil)
	metrics.ModelLoaded.Set(0)
	if m == nil {
		return nil
	}

	return m.classifier.Close()
}

func (h *Holder) load(ctx context.Context) (m *Model, err error) {
	if _, err := os.Stat(h.cfg.Path); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}
	if _, err := os.Stat(h.cfg.ConfigPath); err != nil {
		return nil, fmt.Errorf("model config not found: %w", err)
	}

	md, err := LoadMetadata(h.cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	inputSize := md.ImageSize()
	if inputSize == 0 {
		inputSize = h.cfg.ImageSize
	}
	if inputSize <= 0 {
		inputSize = imageproc.DefaultSize
	}

	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("model runtime panicked: %v", r)
		}
	}()

	c, err := h.open(ctx, h.cfg, md, inputSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}

	return NewModel(c, md, inputSize), nil
}
