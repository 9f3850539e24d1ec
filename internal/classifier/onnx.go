package classifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/imageproc"

	ort "github.com/yalue/onnxruntime_go"
)

var runtimeMu sync.Mutex

func initRuntime(library string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}

	if library != "" {
		ort.SetSharedLibraryPath(library)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	return nil
}

// ShutdownRuntime releases the ONNX environment once every session is closed.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ONNXClassifier runs an ONNX model taking a [1, size, size, 3] float input
// and producing one probability per class.
type ONNXClassifier struct {
	// The session owns a single input/output tensor pair, so runs are serialised.
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// OpenONNX is the default OpenFunc.
func OpenONNX(_ context.Context, cfg *config.ModelConfig, md *Metadata, inputSize int) (Classifier, error) {
	if err := initRuntime(cfg.RuntimeLibrary); err != nil {
		return nil, err
	}

	inputName, outputName, err := resolveIONames(cfg)
	if err != nil {
		return nil, err
	}

	inputShape := ort.NewShape(1, int64(inputSize), int64(inputSize), imageproc.Channels)
	outputShape := ort.NewShape(1, int64(len(md.ClassNames)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.Path,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXClassifier{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (c *ONNXClassifier) Predict(ctx context.Context, input *imageproc.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inputData := c.inputTensor.GetData()
	if len(input.Data) != len(inputData) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input.Data), len(inputData))
	}
	copy(inputData, input.Data)

	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputData := c.outputTensor.GetData()
	probabilities := make([]float32, len(outputData))
	copy(probabilities, outputData)

	return probabilities, nil
}

func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
		c.inputTensor = nil
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
		c.outputTensor = nil
	}

	return nil
}

// resolveIONames uses the configured tensor names, falling back to the first
// input and output declared by the model file.
func resolveIONames(cfg *config.ModelConfig) (string, string, error) {
	inputName, outputName := cfg.InputName, cfg.OutputName
	if inputName != "" && outputName != "" {
		return inputName, outputName, nil
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return "", "", fmt.Errorf("failed to inspect model inputs: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return "", "", fmt.Errorf("model declares %d inputs and %d outputs", len(inputs), len(outputs))
	}

	if inputName == "" {
		inputName = inputs[0].Name
	}
	if outputName == "" {
		outputName = outputs[0].Name
	}

	return inputName, outputName, nil
}
