// Package plistutil renders reports as property lists.
package plistutil

import (
	"fmt"
	"io"
	"strings"

	"howett.net/plist"

	"github.com/deploymenttheory/go-license-engine/internal/common/errors"
)

// Format represents the plist format
type Format int

const (
	// FormatXML is the XML plist format
	FormatXML Format = iota
	// FormatBinary is the binary plist format
	FormatBinary
	// FormatOpenStep is the OpenStep plist format
	FormatOpenStep
)

// ParseFormat parses a plist format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "xml", "plist":
		return FormatXML, nil
	case "binary", "bplist":
		return FormatBinary, nil
	case "openstep":
		return FormatOpenStep, nil
	}
	return FormatXML, fmt.Errorf("%w: unknown plist format %q", errors.ErrInvalidArgument, s)
}

func (f Format) plistFormat() int {
	switch f {
	case FormatBinary:
		return plist.BinaryFormat
	case FormatOpenStep:
		return plist.OpenStepFormat
	default:
		return plist.XMLFormat
	}
}

// Encode writes v to w as a property list in format.
func Encode(w io.Writer, v interface{}, format Format) error {
	enc := plist.NewEncoderForFormat(w, format.plistFormat())
	if format == FormatXML {
		enc.Indent("\t")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}
	return nil
}

// Decode reads a property list in any format into v.
func Decode(r io.ReadSeeker, v interface{}) (Format, error) {
	dec := plist.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return FormatXML, fmt.Errorf("%w: %s", errors.ErrUnsupportedFile, err.Error())
	}
	switch dec.Format {
	case plist.BinaryFormat:
		return FormatBinary, nil
	case plist.OpenStepFormat, plist.GNUStepFormat:
		return FormatOpenStep, nil
	default:
		return FormatXML, nil
	}
}
