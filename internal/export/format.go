// Package export writes entities to files as they arrive from the geometry
// server and reads them back. A file is a stream of entity records, either
// newline-delimited JSON or a CBOR sequence, optionally wrapped in a zstd or
// LZ4 frame.
package export

import (
	"fmt"
	"strings"
)

// Format is the record encoding of an export file.
type Format string

const (
	FormatJSONLines Format = "jsonl"
	FormatCBOR      Format = "cbor"
)

// ParseFormat accepts a format name as given on the command line.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case FormatJSONLines, "json", "ndjson":
		return FormatJSONLines, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want jsonl or cbor)", name)
	}
}

// Extension is the file suffix for records in f.
func (f Format) Extension() string {
	if f == FormatCBOR {
		return ".cbor"
	}
	return ".jsonl"
}

// Compression wraps the record stream of an export file.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression accepts a compression name; empty means none.
func ParseCompression(name string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(name))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd, "zst":
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("unknown compression %q (want none, zstd or lz4)", name)
	}
}

// Extension is the file suffix added by c.
func (c Compression) Extension() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// DetectCompression guesses the compression of path from its suffix.
func DetectCompression(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".zst"):
		return CompressionZstd
	case strings.HasSuffix(path, ".lz4"):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// DetectFormat guesses the record format of path from its suffix, ignoring
// any compression suffix.
func DetectFormat(path string) Format {
	trimmed := strings.TrimSuffix(path, DetectCompression(path).Extension())
	if strings.HasSuffix(trimmed, ".cbor") {
		return FormatCBOR
	}
	return FormatJSONLines
}
