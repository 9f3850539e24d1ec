package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

const DefaultModelType = "EfficientNetB0"

var ErrInvalidMetadata = errors.New("invalid model config")

// Metadata is the JSON sidecar shipped next to the model artifact.
type Metadata struct {
	ClassNames []string `json:"class_names"`
	NumClasses int      `json:"num_classes,omitempty"`
	ModelType  string   `json:"model_type,omitempty"`
	InputSize  []int    `json:"input_size,omitempty"`
}

// NewMetadata builds a sidecar for a square RGB model input.
func NewMetadata(classNames []string, modelType string, size int) *Metadata {
	if modelType == "" {
		modelType = DefaultModelType
	}

	return &Metadata{
		ClassNames: classNames,
		NumClasses: len(classNames),
		ModelType:  modelType,
		InputSize:  []int{size, size, 3},
	}
}

// Validate fails fast on sidecars the classifier cannot be served with.
func (m *Metadata) Validate() error {
	if len(m.ClassNames) == 0 {
		return fmt.Errorf("%w: class_names is missing or empty", ErrInvalidMetadata)
	}

	seen := make(map[string]struct{}, len(m.ClassNames))
	for i, name := range m.ClassNames {
		if name == "" {
			return fmt.Errorf("%w: class_names[%d] is empty", ErrInvalidMetadata, i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: duplicate class name %q", ErrInvalidMetadata, name)
		}
		seen[name] = struct{}{}
	}

	if m.NumClasses != 0 && m.NumClasses != len(m.ClassNames) {
		return fmt.Errorf("%w: num_classes is %d but %d class names are listed",
			ErrInvalidMetadata, m.NumClasses, len(m.ClassNames))
	}

	if len(m.InputSize) != 0 {
		if len(m.InputSize) != 3 || m.InputSize[2] != 3 || m.InputSize[0] <= 0 || m.InputSize[0] != m.InputSize[1] {
			return fmt.Errorf("%w: input_size must be [size, size, 3], got %v", ErrInvalidMetadata, m.InputSize)
		}
	}

	return nil
}

// ImageSize is the square input resolution, or 0 when the sidecar omits it.
func (m *Metadata) ImageSize() int {
	if len(m.InputSize) == 0 {
		return 0
	}
	return m.InputSize[0]
}

func ReadMetadata(r io.Reader) (*Metadata, error) {
	var md Metadata
	if err := json.NewDecoder(r).Decode(&md); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	if err := md.Validate(); err != nil {
		return nil, err
	}

	return &md, nil
}

func LoadMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model config: %w", err)
	}
	defer f.Close()

	return ReadMetadata(f)
}

// WriteMetadata writes md to path as indented JSON.
func WriteMetadata(path string, md *Metadata) error {
	if err := md.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadClassMapping reads class names from either a JSON array of names or a
// JSON object whose values are names. Object values are taken in document
// order, which is how the training export lists them.
func ReadClassMapping(r io.Reader) ([]string, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read class mapping: %w", err)
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return nil, fmt.Errorf("class mapping must be a JSON array or object")
	}

	var names []string
	switch delim {
	case '[':
		for dec.More() {
			var name string
			if err := dec.Decode(&name); err != nil {
				return nil, fmt.Errorf("class mapping entries must be strings: %w", err)
			}
			names = append(names, name)
		}
	case '{':
		for dec.More() {
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("failed to read class mapping key: %w", err)
			}

			var name string
			if err := dec.Decode(&name); err != nil {
				return nil, fmt.Errorf("class mapping values must be strings: %w", err)
			}
			names = append(names, name)
		}
	default:
		return nil, fmt.Errorf("class mapping must be a JSON array or object")
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("class mapping is empty")
	}

	return names, nil
}
