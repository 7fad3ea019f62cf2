// Package protoutil reads and writes messages in the protobuf wire format
// without generated code.
package protoutil

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
)

// Field is a single decoded field. Offset and End delimit the field, tag
// included, within the message it was read from.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
	Offset int
	End    int
}

// ReadFields calls fn for every field of the message b, in order. Fields
// of every wire type are passed to fn, which ignores the ones it does not
// know.
func ReadFields(b []byte, fn func(f Field) error) error {
	off := 0
	for off < len(b) {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return fmt.Errorf("%w: %v", commonerrors.ErrWireFormat, protowire.ParseError(n))
		}
		f := Field{Num: num, Type: typ, Offset: off}
		off += n

		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b[off:])
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b[off:])
		default:
			n = protowire.ConsumeFieldValue(num, typ, b[off:])
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", commonerrors.ErrWireFormat, num, protowire.ParseError(n))
		}
		off += n
		f.End = off

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f Field) Uint64() (uint64, error) {
	if f.Type != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d: expected varint", commonerrors.ErrWireFormat, f.Num)
	}
	return f.Varint, nil
}

func (f Field) Uint32() (uint32, error) {
	v, err := f.Uint64()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: field %d: %d overflows uint32", commonerrors.ErrWireFormat, f.Num, v)
	}
	return uint32(v), nil
}

func (f Field) Bool() (bool, error) {
	v, err := f.Uint64()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Blob returns the payload of a length-delimited field. The slice aliases
// the message.
func (f Field) Blob() ([]byte, error) {
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d: expected length-delimited bytes", commonerrors.ErrWireFormat, f.Num)
	}
	return f.Bytes, nil
}

// Fixed copies a length-delimited field of exactly len(dst) bytes into dst.
func (f Field) Fixed(dst []byte) error {
	v, err := f.Blob()
	if err != nil {
		return err
	}
	if len(v) != len(dst) {
		return fmt.Errorf("%w: field %d is %d bytes, expected %d", commonerrors.ErrWireFormat, f.Num, len(v), len(dst))
	}
	copy(dst, v)
	return nil
}

func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	return AppendVarint(b, num, protowire.EncodeBool(v))
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
