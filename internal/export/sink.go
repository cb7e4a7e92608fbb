package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dsconsultants/ifcgeom/internal/geometry"
)

// ErrSinkClosed is returned by Apply after Close.
var ErrSinkClosed = errors.New("export: sink is closed")

// cborMode uses Core Deterministic Encoding so equal entities produce equal
// bytes.
var cborMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("export: CBOR encoder initialization failed: " + err.Error())
	}
	return mode
}()

// Sink is a geometry.Applier that appends each entity to a record stream.
type Sink struct {
	format      Format
	compression Compression

	mu         sync.Mutex
	file       io.Closer
	compressor io.WriteCloser
	buf        *bufio.Writer
	cbor       *cbor.Encoder
	count      int
	closed     bool
}

// Open creates (or truncates) path and returns a sink writing to it.
func Open(path string, format Format, compression Compression) (*Sink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}

	sink, err := newSink(file, format, compression)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, err
	}
	sink.file = file
	return sink, nil
}

// NewSink returns a sink writing to w. Close flushes but does not close w.
func NewSink(w io.Writer, format Format, compression Compression) (*Sink, error) {
	return newSink(w, format, compression)
}

func newSink(w io.Writer, format Format, compression Compression) (*Sink, error) {
	if format != FormatJSONLines && format != FormatCBOR {
		return nil, fmt.Errorf("unknown export format %q", format)
	}

	sink := &Sink{format: format, compression: compression}
	switch compression {
	case CompressionNone, "":
		sink.compression = CompressionNone
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		sink.compressor = encoder
		w = encoder
	case CompressionLZ4:
		writer := lz4.NewWriter(w)
		sink.compressor = writer
		w = writer
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}

	sink.buf = bufio.NewWriter(w)
	if format == FormatCBOR {
		sink.cbor = cborMode.NewEncoder(sink.buf)
	}
	return sink, nil
}

// Apply encodes entity as the next record.
func (s *Sink) Apply(ctx context.Context, entity geometry.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	switch s.format {
	case FormatCBOR:
		if err := s.cbor.Encode(entity); err != nil {
			return fmt.Errorf("encode entity %d: %w", entity.ID, err)
		}
	default:
		line, err := sonic.Marshal(entity)
		if err != nil {
			return fmt.Errorf("encode entity %d: %w", entity.ID, err)
		}
		if _, err := s.buf.Write(line); err != nil {
			return err
		}
		if err := s.buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	s.count++
	return nil
}

// Count is the number of entities written so far.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close flushes buffered records, finishes the compression frame and closes
// the file when the sink owns one. Closing twice is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush records: %w", err))
	}
	if s.compressor != nil {
		if err := s.compressor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("finish %s frame: %w", s.compression, err))
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close export file: %w", err))
		}
	}
	return errors.Join(errs...)
}

var _ geometry.Applier = (*Sink)(nil)
