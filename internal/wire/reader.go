package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Reader decodes protocol primitives from an io.Reader.
//
// A Reader created with NewBufferReader decodes one self-contained frame
// payload and additionally knows how many bytes are left in it.
type Reader struct {
	r       io.Reader
	buf     *bytes.Reader
	scratch [8]byte
}

// NewReader wraps a stream such as a child process's stdout.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// NewBufferReader decodes from an in-memory frame payload.
func NewBufferReader(payload []byte) *Reader {
	buf := bytes.NewReader(payload)
	return &Reader{r: buf, buf: buf}
}

// Remaining returns the unread byte count of a buffer reader, or -1 for a
// stream reader.
func (r *Reader) Remaining() int {
	if r.buf == nil {
		return -1
	}
	return r.buf.Len()
}

// Rest consumes and returns everything left in a buffer reader.
func (r *Reader) Rest() []byte {
	if r.buf == nil || r.buf.Len() == 0 {
		return nil
	}
	rest := make([]byte, r.buf.Len())
	_, _ = io.ReadFull(r.buf, rest)
	return rest
}

func (r *Reader) fill(n int) ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.scratch[:n]); err != nil {
		return nil, err
	}
	return r.scratch[:n], nil
}

// ReadInt32 reads one little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// ReadFloat32 reads one little-endian IEEE-754 single.
func (r *Reader) ReadFloat32() (float32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// ReadFloat64 reads one little-endian IEEE-754 double.
func (r *Reader) ReadFloat64() (float64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// ReadPayload reads exactly n raw bytes, bounded by limits.
func (r *Reader) ReadPayload(n int32, limits Limits) ([]byte, error) {
	if err := checkLength(n, 1); err != nil {
		return nil, err
	}
	if limits.MaxPayloadBytes > 0 && int64(n) > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limits.MaxPayloadBytes)
	}
	if err := r.ensure(int(n)); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadBytes reads a length-prefixed blob and skips its padding.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if err := checkLength(n, 1); err != nil {
		return nil, err
	}
	if err := r.ensure(int(n) + int(Pad(int64(n)))); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, err
	}
	if pad := Pad(int64(n)); pad > 0 {
		if _, err := r.fill(int(pad)); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ReadString reads a length-prefixed, padded string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadFloat32s reads a float32 array prefixed by its byte length.
func (r *Reader) ReadFloat32s() ([]float32, error) {
	count, err := r.arrayLen(float32Size)
	if err != nil {
		return nil, err
	}
	out := make([]float32, count)
	for i := range out {
		if out[i], err = r.ReadFloat32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReadFloat64s reads a float64 array prefixed by its byte length.
func (r *Reader) ReadFloat64s() ([]float64, error) {
	count, err := r.arrayLen(float64Size)
	if err != nil {
		return nil, err
	}
	out := make([]float64, count)
	for i := range out {
		if out[i], err = r.ReadFloat64(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReadInt32s reads an int32 array prefixed by its byte length.
func (r *Reader) ReadInt32s() ([]int32, error) {
	count, err := r.arrayLen(int32Size)
	if err != nil {
		return nil, err
	}
	out := make([]int32, count)
	for i := range out {
		if out[i], err = r.ReadInt32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reader) arrayLen(width int) (int, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	if err := checkLength(n, width); err != nil {
		return 0, err
	}
	if err := r.ensure(int(n)); err != nil {
		return 0, err
	}
	return int(n) / width, nil
}

// ensure rejects a declared length that cannot fit in what is left of a
// buffer reader before anything is allocated for it.
func (r *Reader) ensure(n int) error {
	if r.buf == nil {
		return nil
	}
	if n > r.buf.Len() {
		return fmt.Errorf("%w: need %d, have %d", ErrTruncated, n, r.buf.Len())
	}
	return nil
}
