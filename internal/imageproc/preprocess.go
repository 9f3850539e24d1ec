// Package imageproc turns uploaded image bytes into model input tensors.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/anthonynsimon/bild/transform"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	Channels = 3

	DefaultSize    = 224
	DefaultMaxSize = 5 * 1024 * 1024

	// Same decompression bomb threshold as PIL's MAX_IMAGE_PIXELS.
	DefaultMaxPixels = 89_478_485
)

var (
	ErrTooLarge     = errors.New("image exceeds the upload size limit")
	ErrNotAnImage   = errors.New("content is not a supported image")
	ErrEmptyContent = errors.New("image content is empty")
)

// Tensor is a dense float32 batch laid out as [batch, height, width, channels].
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Len is the number of elements the shape describes.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Image is a decoded upload along with what was sniffed from its bytes.
type Image struct {
	Image     image.Image
	Format    string
	MimeType  string
	Extension string
}

type Preprocessor struct {
	size      int
	maxSize   int64
	maxPixels int64
}

func NewPreprocessor(size int, maxSize int64) *Preprocessor {
	if size <= 0 {
		size = DefaultSize
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	return &Preprocessor{size: size, maxSize: maxSize, maxPixels: DefaultMaxPixels}
}

func (p *Preprocessor) Size() int {
	return p.size
}

func (p *Preprocessor) MaxSize() int64 {
	return p.maxSize
}

// WithSize returns a preprocessor targeting a different square resolution.
func (p *Preprocessor) WithSize(size int) *Preprocessor {
	if size <= 0 || size == p.size {
		return p
	}

	return &Preprocessor{size: size, maxSize: p.maxSize, maxPixels: p.maxPixels}
}

// WithMaxPixels returns a preprocessor that refuses to decode images with
// more than maxPixels pixels. Non-positive values keep the current limit.
func (p *Preprocessor) WithMaxPixels(maxPixels int64) *Preprocessor {
	if maxPixels <= 0 || maxPixels == p.maxPixels {
		return p
	}
	return &Preprocessor{size: p.size, maxSize: p.maxSize, maxPixels: maxPixels}
}

func (p *Preprocessor) MaxPixels() int64 {
	return p.maxPixels
}

// CheckSize rejects uploads over the limit without looking at their content.
func (p *Preprocessor) CheckSize(size int64) error {
	if size > p.maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, p.maxSize)
	}
	return nil
}

// Decode sniffs and decodes content into an image.
func (p *Preprocessor) Decode(content []byte) (*Image, error) {
	if err := p.CheckSize(int64(len(content))); err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, ErrEmptyContent
	}

	mtype := mimetype.Detect(content)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s", ErrNotAnImage, mtype.String())
	}

	// The byte limit says nothing about the decoded size, so check the header
	// dimensions before allocating any pixels.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); cfg.Width <= 0 || cfg.Height <= 0 || pixels > p.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrNotAnImage, cfg.Width, cfg.Height, p.maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}

	return &Image{
		Image:     img,
		Format:    format,
		MimeType:  mtype.String(),
		Extension: mtype.Extension(),
	}, nil
}

// Preprocess decodes content and produces the model's input batch.
func (p *Preprocessor) Preprocess(content []byte) (*Tensor, *Image, error) {
	decoded, err := p.Decode(content)
	if err != nil {
		return nil, nil, err
	}

	return p.ToTensor(decoded.Image), decoded, nil
}

// ToTensor converts img to RGB, resizes it to size x size with bilinear
// resampling and scales every channel from [0,255] to [0,1].
func (p *Preprocessor) ToTensor(img image.Image) *Tensor {
	resized := transform.Resize(toRGB(img), p.size, p.size, transform.Linear)

	w, h := p.size, p.size
	data := make([]float32, h*w*Channels)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := resized.PixOffset(x, y)
			dst := (y*w + x) * Channels
			data[dst] = float32(resized.Pix[src]) / 255
			data[dst+1] = float32(resized.Pix[src+1]) / 255
			data[dst+2] = float32(resized.Pix[src+2]) / 255
		}
	}

	return &Tensor{
		Shape: []int64{1, int64(h), int64(w), Channels},
		Data:  data,
	}
}

// toRGB drops the alpha channel: colour values are taken un-premultiplied and
// every pixel becomes fully opaque.
func toRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	if isOpaque(img) {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
		return dst
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}

	return dst
}

func isOpaque(img image.Image) bool {
	o, ok := img.(interface{ Opaque() bool })
	return ok && o.Opaque()
}
