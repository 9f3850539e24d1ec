package prediction

import (
	"fmt"
	"strings"
)

const ImageField = "image"

const (
	MsgNoFile       = "No file was submitted."
	MsgInvalidImage = "Upload a valid image. The file you uploaded was either not an image or a corrupted image."
	MsgTooLarge     = "Image size must be less than 5MB"
)

// ValidationError reports problems with client supplied fields.
type ValidationError struct {
	Field    string
	Messages []string
	Err      error
}

func newValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Messages: []string{message}, Err: err}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, strings.Join(e.Messages, " "))
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Fields() map[string][]string {
	return map[string][]string{e.Field: e.Messages}
}
