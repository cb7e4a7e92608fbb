package export

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dsconsultants/ifcgeom/internal/geometry"
)

// ErrStop ends Each early without an error.
var ErrStop = errors.New("export: stop")

// EachFile decodes the export file at path, detecting format and
// compression from its name.
func EachFile(path string, fn func(geometry.Entity) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	defer file.Close()

	return Each(file, DetectFormat(path), DetectCompression(path), fn)
}

// Each decodes records from r in order and calls fn for each one. Returning
// ErrStop from fn ends the walk cleanly.
func Each(r io.Reader, format Format, compression Compression, fn func(geometry.Entity) error) error {
	switch compression {
	case CompressionNone, "":
	case CompressionZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer decoder.Close()
		r = decoder
	case CompressionLZ4:
		r = lz4.NewReader(r)
	default:
		return fmt.Errorf("unknown compression %q", compression)
	}

	var err error
	switch format {
	case FormatJSONLines:
		err = eachJSONLine(bufio.NewReader(r), fn)
	case FormatCBOR:
		err = eachCBOR(r, fn)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

func eachJSONLine(r *bufio.Reader, fn func(geometry.Entity) error) error {
	for line := 1; ; line++ {
		raw, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			var entity geometry.Entity
			if decodeErr := sonic.Unmarshal(raw, &entity); decodeErr != nil {
				return fmt.Errorf("decode line %d: %w", line, decodeErr)
			}
			if fnErr := fn(entity); fnErr != nil {
				return fnErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func eachCBOR(r io.Reader, fn func(geometry.Entity) error) error {
	decoder := cbor.NewDecoder(r)
	for record := 1; ; record++ {
		var entity geometry.Entity
		err := decoder.Decode(&entity)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode record %d: %w", record, err)
		}
		if err := fn(entity); err != nil {
			return err
		}
	}
}
