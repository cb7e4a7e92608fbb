// Package wire implements the little-endian, 4-byte-aligned primitives of the
// IfcGeomServer protocol: int32/float64 scalars, length-prefixed strings and
// binary blobs with zero padding, and byte-length-prefixed numeric arrays.
package wire

import (
	"errors"
	"fmt"
	"math"
)

const (
	// Alignment is the byte boundary every variable-length field is padded to.
	Alignment = 4

	// DefaultMaxPayloadBytes is the frame payload limit when none is
	// configured: 256 MiB.
	DefaultMaxPayloadBytes int64 = 256 << 20

	int32Size   = 4
	float32Size = 4
	float64Size = 8
)

var (
	ErrNegativeLength  = errors.New("wire: negative length")
	ErrMisalignedArray = errors.New("wire: array byte length is not a multiple of the element width")
	ErrTruncated       = errors.New("wire: declared length exceeds remaining bytes")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrLengthOverflow  = errors.New("wire: length does not fit in int32")
	ErrShortSource     = errors.New("wire: binary source ended before declared length")
)

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes int64
}

// DefaultLimits allows frames up to DefaultMaxPayloadBytes.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: DefaultMaxPayloadBytes}
}

// Pad returns the number of zero bytes that follow a field of n bytes.
func Pad(n int64) int64 {
	return (Alignment - n%Alignment) % Alignment
}

// BinaryFieldLen is the encoded size of a string or blob of n bytes:
// the int32 length prefix, the bytes, and their padding.
func BinaryFieldLen(n int64) int64 {
	return int32Size + n + Pad(n)
}

// arrayLength is the int32 byte-length prefix of count elements of width
// bytes each.
func arrayLength(count, width int) (int32, error) {
	if int64(count) > math.MaxInt32/int64(width) {
		return 0, fmt.Errorf("%w: %d elements of %d bytes", ErrLengthOverflow, count, width)
	}
	return int32(count * width), nil
}

func checkLength(n int32, width int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeLength, n)
	}
	if width > 1 && int(n)%width != 0 {
		return fmt.Errorf("%w: %d bytes for width %d", ErrMisalignedArray, n, width)
	}
	return nil
}
