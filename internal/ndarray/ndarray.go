// Package ndarray holds the array helpers shared by the request codecs and the
// predictor. Arrays are gorgonia dense tensors; images travel as H x W x 3
// uint8 arrays in an explicit channel order.
package ndarray

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"gorgonia.org/tensor"
)

// Error definitions for the ndarray package.
var (
	ErrNPY   = errors.New("invalid npy payload")
	ErrShape = errors.New("array must have shape H x W x 3")
	ErrDtype = errors.New("unsupported array dtype")
	ErrEmpty = errors.New("array is empty")
)

// ChannelOrder names the layout of the last axis of an image array.
type ChannelOrder string

const (
	// BGR is the colour order produced by the JPEG decoder and expected by default.
	BGR ChannelOrder = "BGR"

	// RGB is the colour order of arrays serialized from PIL-style images.
	RGB ChannelOrder = "RGB"
)

// ParseChannelOrder parses a case-insensitive channel order name.
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch ChannelOrder(strings.ToUpper(strings.TrimSpace(s))) {
	case BGR:
		return BGR, nil
	case RGB:
		return RGB, nil
	default:
		return "", fmt.Errorf("unknown channel order %q, expected RGB or BGR", s)
	}
}

// New builds a dense tensor over backing with the given shape.
func New(backing any, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// ShapeString formats the shape of a like NumPy does, e.g. "(480, 640, 3)".
func ShapeString(a *tensor.Dense) string {
	if a == nil {
		return "()"
	}

	shape := a.Shape()
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}

	return "(" + strings.Join(parts, ", ") + ")"
}

// ValidateImage checks that a is a non-empty H x W x 3 array.
func ValidateImage(a *tensor.Dense) error {
	if a == nil {
		return ErrEmpty
	}

	shape := a.Shape()
	if len(shape) != 3 || shape[2] != 3 {
		return fmt.Errorf("%w, got %s", ErrShape, ShapeString(a))
	}
	if shape[0] == 0 || shape[1] == 0 {
		return ErrEmpty
	}

	return nil
}

// FromImage converts img into an H x W x 3 uint8 array laid out in order.
func FromImage(img image.Image, order ChannelOrder) *tensor.Dense {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()

	data := make([]uint8, h*w*3)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < w; x++ {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			i := (y*w + x) * 3
			if order == RGB {
				data[i], data[i+1], data[i+2] = r, g, b
			} else {
				data[i], data[i+1], data[i+2] = b, g, r
			}
		}
	}

	return New(data, h, w, 3)
}

// ToImage converts an H x W x 3 uint8 array in order back into an image.
func ToImage(a *tensor.Dense, order ChannelOrder) (*image.NRGBA, error) {
	if err := ValidateImage(a); err != nil {
		return nil, err
	}

	data, ok := a.Data().([]uint8)
	if !ok {
		return nil, fmt.Errorf("%w: expected uint8, got %s", ErrDtype, a.Dtype())
	}

	h, w := a.Shape()[0], a.Shape()[1]
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			o := y*img.Stride + x*4
			if order == RGB {
				img.Pix[o], img.Pix[o+1], img.Pix[o+2] = data[i], data[i+1], data[i+2]
			} else {
				img.Pix[o], img.Pix[o+1], img.Pix[o+2] = data[i+2], data[i+1], data[i]
			}
			img.Pix[o+3] = 0xff
		}
	}

	return img, nil
}

// AsUint8 returns a uint8 view of a. Integer and float arrays are rounded to
// the nearest integer and must lie in [0, 255]; uint8 arrays are returned as
// is.
func AsUint8(a *tensor.Dense) (*tensor.Dense, error) {
	if a == nil {
		return nil, ErrEmpty
	}

	var (
		out []uint8
		err error
	)
	switch data := a.Data().(type) {
	case []uint8:
		return a, nil
	case []int8:
		out, err = toUint8(data)
	case []uint16:
		out, err = toUint8(data)
	case []int16:
		out, err = toUint8(data)
	case []uint32:
		out, err = toUint8(data)
	case []int32:
		out, err = toUint8(data)
	case []uint64:
		out, err = toUint8(data)
	case []int64:
		out, err = toUint8(data)
	case []int:
		out, err = toUint8(data)
	case []float32:
		out, err = toUint8(data)
	case []float64:
		out, err = toUint8(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrDtype, a.Dtype())
	}
	if err != nil {
		return nil, err
	}

	return New(out, a.Shape().Clone()...), nil
}

type pixelValue interface {
	~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~int | ~float32 | ~float64
}

func toUint8[T pixelValue](data []T) ([]uint8, error) {
	out := make([]uint8, len(data))
	for i, v := range data {
		f := math.Round(float64(v))
		if math.IsNaN(f) || f < 0 || f > 255 {
			return nil, fmt.Errorf("%w: value %v at index %d is outside [0, 255]", ErrDtype, v, i)
		}
		out[i] = uint8(f)
	}
	return out, nil
}

// CHW lays img out as a planar 3 x H x W float32 buffer in order, keeping the
// raw 0-255 pixel range.
func CHW(img *image.NRGBA, order ChannelOrder) []float32 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h

	first, last := 2, 0
	if order == RGB {
		first, last = 0, 2
	}

	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			out[i] = float32(row[x*4+first])
			out[plane+i] = float32(row[x*4+1])
			out[2*plane+i] = float32(row[x*4+last])
		}
	}

	return out
}
