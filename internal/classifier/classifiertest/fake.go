// Package classifiertest provides a scripted classifier and on-disk model
// artifacts for tests.
package classifiertest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cozy-creator/classifier-server/internal/classifier"
	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/imageproc"
)

// Fake returns Probabilities for every input, or Err when set.
type Fake struct {
	Probabilities []float32
	Err           error

	mu     sync.Mutex
	inputs []*imageproc.Tensor
	closed atomic.Bool
}

func (f *Fake) Predict(ctx context.Context, input *imageproc.Tensor) ([]float32, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}

	out := make([]float32, len(f.Probabilities))
	copy(out, f.Probabilities)
	return out, nil
}

func (f *Fake) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *Fake) Closed() bool {
	return f.closed.Load()
}

// Inputs returns every tensor Predict was called with.
func (f *Fake) Inputs() []*imageproc.Tensor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*imageproc.Tensor(nil), f.inputs...)
}

// Opener is an OpenFunc that counts how often it is invoked and always hands
// out c.
type Opener struct {
	C     classifier.Classifier
	Err   error
	calls atomic.Int32
}

func (o *Opener) Open(_ context.Context, _ *config.ModelConfig, _ *classifier.Metadata, _ int) (classifier.Classifier, error) {
	o.calls.Add(1)
	if o.Err != nil {
		return nil, o.Err
	}
	return o.C, nil
}

func (o *Opener) Calls() int {
	return int(o.calls.Load())
}

// WriteArtifacts writes a placeholder model file and a sidecar listing
// classNames into a temp dir and returns a model config pointing at them.
func WriteArtifacts(t testing.TB, classNames []string, size int) *config.ModelConfig {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.ModelConfig{
		Path:            filepath.Join(dir, config.DefaultModelFile),
		ConfigPath:      filepath.Join(dir, config.DefaultModelConfigFile),
		ImageSize:       size,
		RetryFailedLoad: true,
	}

	if err := os.WriteFile(cfg.Path, []byte("onnx"), 0o644); err != nil {
		t.Fatalf("failed to write model file: %v", err)
	}
	if err := classifier.WriteMetadata(cfg.ConfigPath, classifier.NewMetadata(classNames, "", size)); err != nil {
		t.Fatalf("failed to write model config: %v", err)
	}

	return cfg
}

// NewHolder returns a holder that will load fake on first use.
func NewHolder(t testing.TB, classNames []string, size int, fake classifier.Classifier) *classifier.Holder {
	t.Helper()

	cfg := WriteArtifacts(t, classNames, size)
	opener := &Opener{C: fake}
	return classifier.NewHolder(cfg, opener.Open, nil)
}
