package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var zeroPad [Alignment]byte

// Writer encodes protocol primitives onto an io.Writer.
type Writer struct {
	w       io.Writer
	scratch [8]byte
	written int64
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Written reports the number of bytes emitted so far.
func (w *Writer) Written() int64 {
	return w.written
}

func (w *Writer) write(p []byte) error {
	n, err := w.w.Write(p)
	w.written += int64(n)
	return err
}

// WriteRaw writes p verbatim, without a length prefix or padding.
func (w *Writer) WriteRaw(p []byte) error {
	return w.write(p)
}

// WriteInt32 writes v little-endian.
func (w *Writer) WriteInt32(v int32) error {
	binary.LittleEndian.PutUint32(w.scratch[:4], uint32(v))
	return w.write(w.scratch[:4])
}

// WriteFloat32 writes v as an IEEE-754 single, little-endian.
func (w *Writer) WriteFloat32(v float32) error {
	binary.LittleEndian.PutUint32(w.scratch[:4], math.Float32bits(v))
	return w.write(w.scratch[:4])
}

// WriteFloat64 writes v as an IEEE-754 double, little-endian.
func (w *Writer) WriteFloat64(v float64) error {
	binary.LittleEndian.PutUint64(w.scratch[:8], math.Float64bits(v))
	return w.write(w.scratch[:8])
}

// WriteString writes s as UTF-8 bytes with a length prefix and padding.
func (w *Writer) WriteString(s string) error {
	return w.WriteBytes([]byte(s))
}

// WriteBytes writes b with an int32 length prefix followed by zero padding
// up to the next 4-byte boundary.
func (w *Writer) WriteBytes(b []byte) error {
	if int64(len(b)) > math.MaxInt32 {
		return fmt.Errorf("%w: %d", ErrLengthOverflow, len(b))
	}
	if err := w.WriteInt32(int32(len(b))); err != nil {
		return err
	}
	if len(b) > 0 {
		if err := w.write(b); err != nil {
			return err
		}
	}
	return w.writePad(int64(len(b)))
}

// CopyBinary streams exactly n bytes from src as a length-prefixed, padded
// field without buffering them.
func (w *Writer) CopyBinary(src io.Reader, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeLength, n)
	}
	if n > math.MaxInt32 {
		return fmt.Errorf("%w: %d", ErrLengthOverflow, n)
	}
	if err := w.WriteInt32(int32(n)); err != nil {
		return err
	}
	copied, err := io.CopyN(w.w, src, n)
	w.written += copied
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: copied %d of %d", ErrShortSource, copied, n)
		}
		return err
	}
	return w.writePad(n)
}

// WriteFloat32s writes a byte-length-prefixed float32 array.
func (w *Writer) WriteFloat32s(values []float32) error {
	n, err := arrayLength(len(values), float32Size)
	if err != nil {
		return err
	}
	if err := w.WriteInt32(n); err != nil {
		return err
	}
	for _, v := range values {
		if err := w.WriteFloat32(v); err != nil {
			return err
		}
	}
	return nil
}

// WriteFloat64s writes a byte-length-prefixed float64 array.
func (w *Writer) WriteFloat64s(values []float64) error {
	n, err := arrayLength(len(values), float64Size)
	if err != nil {
		return err
	}
	if err := w.WriteInt32(n); err != nil {
		return err
	}
	for _, v := range values {
		if err := w.WriteFloat64(v); err != nil {
			return err
		}
	}
	return nil
}

// WriteInt32s writes a byte-length-prefixed int32 array.
func (w *Writer) WriteInt32s(values []int32) error {
	n, err := arrayLength(len(values), int32Size)
	if err != nil {
		return err
	}
	if err := w.WriteInt32(n); err != nil {
		return err
	}
	for _, v := range values {
		if err := w.WriteInt32(v); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writePad(n int64) error {
	pad := Pad(n)
	if pad == 0 {
		return nil
	}
	return w.write(zeroPad[:pad])
}
