// Package compressionutil transparently decodes compressed license inputs.
package compressionutil

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/deploymenttheory/go-license-engine/internal/common/errors"
)

// Format is a compression format.
type Format int

const (
	FormatNone Format = iota
	FormatGZIP
	FormatBZIP2
	FormatXZ
)

// MaxDecompressedSize bounds the output of Decompress.
const MaxDecompressedSize = 16 << 20

var (
	magicGZIP  = []byte{0x1F, 0x8B}
	magicBZIP2 = []byte("BZh")
	magicXZ    = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}
)

func (f Format) String() string {
	switch f {
	case FormatGZIP:
		return "gzip"
	case FormatBZIP2:
		return "bzip2"
	case FormatXZ:
		return "xz"
	default:
		return "none"
	}
}

// ParseFormat parses a format name. The empty string means FormatNone.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return FormatNone, nil
	case "gzip", "gz":
		return FormatGZIP, nil
	case "bzip2", "bz2":
		return FormatBZIP2, nil
	case "xz":
		return FormatXZ, nil
	}
	return FormatNone, fmt.Errorf("%w: unknown compression format %q", errors.ErrInvalidArgument, s)
}

// Detect identifies the compression format of data by its magic bytes.
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, magicXZ):
		return FormatXZ
	case bytes.HasPrefix(data, magicBZIP2):
		return FormatBZIP2
	case bytes.HasPrefix(data, magicGZIP):
		return FormatGZIP
	default:
		return FormatNone
	}
}

// Decompress decodes data if it is compressed and returns it unchanged
// otherwise.
func Decompress(data []byte) ([]byte, Format, error) {
	format := Detect(data)
	if format == FormatNone {
		return data, format, nil
	}

	var r io.Reader
	var err error
	switch format {
	case FormatGZIP:
		var zr *gzip.Reader
		if zr, err = gzip.NewReader(bytes.NewReader(data)); err == nil {
			defer zr.Close()
			r = zr
		}
	case FormatBZIP2:
		var br *bzip2.Reader
		if br, err = bzip2.NewReader(bytes.NewReader(data), nil); err == nil {
			defer br.Close()
			r = br
		}
	case FormatXZ:
		r, err = xz.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		return nil, format, fmt.Errorf("%w: %s: %v", errors.ErrDecompressionFailed, format, err)
	}

	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %s: %v", errors.ErrDecompressionFailed, format, err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, format, fmt.Errorf("%w: %s input exceeds %d bytes", errors.ErrDecompressionFailed, format, MaxDecompressedSize)
	}
	return out, format, nil
}

// Compress encodes data in format.
func Compress(data []byte, format Format) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error

	switch format {
	case FormatNone:
		return bytes.Clone(data), nil
	case FormatGZIP:
		w = gzip.NewWriter(&buf)
	case FormatBZIP2:
		w, err = bzip2.NewWriter(&buf, nil)
	case FormatXZ:
		w, err = xz.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("%w: compression format %d", errors.ErrInvalidArgument, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s writer: %w", format, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	return buf.Bytes(), nil
}
