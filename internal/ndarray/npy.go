package ndarray

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/sbinet/npyio"
	"gorgonia.org/tensor"
)

const npyMagic = "\x93NUMPY"

// DecodeNPY reads a NumPy .npy payload into a dense tensor of the stored dtype
// and shape. The declared shape must fit in the bytes actually supplied.
func DecodeNPY(r io.Reader) (*tensor.Dense, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNPY, err)
	}

	headerEnd, err := npyHeaderEnd(data)
	if err != nil {
		return nil, err
	}

	nr, err := newNPYReader(data)
	if err != nil {
		return nil, err
	}

	descr := nr.Header.Descr
	if descr.Fortran {
		return nil, fmt.Errorf("%w: fortran-ordered arrays are not supported", ErrNPY)
	}

	shape := append([]int(nil), descr.Shape...)
	if len(shape) == 0 {
		shape = []int{1}
	}

	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in shape %v", ErrNPY, shape)
		}
		if d != 0 && n > math.MaxInt/d {
			return nil, fmt.Errorf("%w: shape %v overflows", ErrNPY, shape)
		}
		n *= d
	}
	if n == 0 {
		return nil, ErrEmpty
	}

	kind := strings.TrimLeft(descr.Type, "<>|=")
	size, ok := npyItemSize[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDtype, descr.Type)
	}
	if n > (len(data)-headerEnd)/size {
		return nil, fmt.Errorf("%w: shape %v needs %d elements of %d bytes, payload has %d bytes",
			ErrNPY, shape, n, size, len(data)-headerEnd)
	}

	var backing any
	switch kind {
	case "u1":
		backing, err = readNPY[uint8](nr, n)
	case "i1":
		backing, err = readNPY[int8](nr, n)
	case "u2":
		backing, err = readNPY[uint16](nr, n)
	case "i2":
		backing, err = readNPY[int16](nr, n)
	case "u4":
		backing, err = readNPY[uint32](nr, n)
	case "i4":
		backing, err = readNPY[int32](nr, n)
	case "u8":
		backing, err = readNPY[uint64](nr, n)
	case "i8":
		backing, err = readNPY[int64](nr, n)
	case "f4":
		backing, err = readNPY[float32](nr, n)
	case "f8":
		backing, err = readNPY[float64](nr, n)
	case "b1":
		backing, err = readNPY[bool](nr, n)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNPY, err)
	}

	return New(backing, shape...), nil
}

var npyItemSize = map[string]int{
	"u1": 1, "i1": 1, "b1": 1,
	"u2": 2, "i2": 2,
	"u4": 4, "i4": 4, "f4": 4,
	"u8": 8, "i8": 8, "f8": 8,
}

// npyHeaderEnd validates the preamble and returns the offset of the first
// data byte.
func npyHeaderEnd(data []byte) (int, error) {
	if len(data) < 10 || string(data[:6]) != npyMagic {
		return 0, fmt.Errorf("%w: missing magic string", ErrNPY)
	}

	var start, hlen int
	switch major := data[6]; major {
	case 1:
		start, hlen = 10, int(binary.LittleEndian.Uint16(data[8:10]))
	case 2:
		if len(data) < 12 {
			return 0, fmt.Errorf("%w: truncated preamble", ErrNPY)
		}
		start, hlen = 12, int(binary.LittleEndian.Uint32(data[8:12]))
	default:
		return 0, fmt.Errorf("%w: unsupported format version %d", ErrNPY, major)
	}

	end := start + hlen
	if hlen == 0 || end < start || end > len(data) || data[end-1] != '\n' {
		return 0, fmt.Errorf("%w: truncated header", ErrNPY)
	}
	return end, nil
}

func newNPYReader(data []byte) (nr *npyio.Reader, err error) {
	defer func() {
		if e := recover(); e != nil {
			nr, err = nil, fmt.Errorf("%w: malformed header: %v", ErrNPY, e)
		}
	}()

	nr, err = npyio.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNPY, err)
	}
	return nr, nil
}

func readNPY[T any](nr *npyio.Reader, n int) ([]T, error) {
	v := make([]T, n)
	if err := nr.Read(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeNPY writes a as a version 1.0 .npy payload in C order.
//
// npyio derives the header shape from the Go value it is given (flat slices or
// gonum matrices), so the header is written here to keep rank-3 shapes.
func EncodeNPY(w io.Writer, a *tensor.Dense) error {
	if a == nil {
		return ErrEmpty
	}

	data := a.Data()
	if v, ok := data.([]int); ok {
		wide := make([]int64, len(v))
		for i, x := range v {
			wide[i] = int64(x)
		}
		data = wide
	}

	descr, err := npyDescr(data)
	if err != nil {
		return err
	}

	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, ShapeString(a))
	// magic(6) + version(2) + length(2) + header + newline must be 64-byte aligned.
	pad := 64 - (10+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	buf.WriteString(header)
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("write npy data: %w", err)
	}

	_, err = w.Write(buf.Bytes())
	return err
}

func npyDescr(data any) (string, error) {
	switch data.(type) {
	case []uint8:
		return "|u1", nil
	case []int8:
		return "|i1", nil
	case []bool:
		return "|b1", nil
	case []uint16:
		return "<u2", nil
	case []int16:
		return "<i2", nil
	case []uint32:
		return "<u4", nil
	case []int32:
		return "<i4", nil
	case []uint64:
		return "<u8", nil
	case []int64:
		return "<i8", nil
	case []float32:
		return "<f4", nil
	case []float64:
		return "<f8", nil
	default:
		return "", fmt.Errorf("%w: %T", ErrDtype, data)
	}
}
