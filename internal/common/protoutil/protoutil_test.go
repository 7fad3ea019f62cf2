package protoutil

import (
	"errors"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
)

func TestReadFields(t *testing.T) {
	var b []byte
	b = AppendVarint(b, 1, 42)
	b = AppendBytes(b, 2, []byte("abc"))
	b = AppendBool(b, 3, true)
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)

	var nums []protowire.Number
	err := ReadFields(b, func(f Field) error {
		nums = append(nums, f.Num)
		switch f.Num {
		case 1:
			if v, err := f.Uint32(); err != nil || v != 42 {
				t.Errorf("Field 1 = %d, %v", v, err)
			}
		case 2:
			if v, err := f.Blob(); err != nil || string(v) != "abc" {
				t.Errorf("Field 2 = %q, %v", v, err)
			}
			if _, err := f.Uint64(); !errors.Is(err, commonerrors.ErrWireFormat) {
				t.Errorf("Reading bytes as varint: got %v, want ErrWireFormat", err)
			}
		case 3:
			if v, err := f.Bool(); err != nil || !v {
				t.Errorf("Field 3 = %t, %v", v, err)
			}
		}
		if f.End > len(b) || f.Offset >= f.End {
			t.Errorf("Field %d spans [%d, %d)", f.Num, f.Offset, f.End)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFields failed: %v", err)
	}
	if len(nums) != 4 {
		t.Errorf("Visited fields %v, expected 4", nums)
	}
}

func TestReadFieldsErrors(t *testing.T) {
	truncated := AppendBytes(nil, 1, []byte("abcdef"))
	truncated = truncated[:len(truncated)-2]
	if err := ReadFields(truncated, func(Field) error { return nil }); !errors.Is(err, commonerrors.ErrWireFormat) {
		t.Errorf("Got %v for truncated message, want ErrWireFormat", err)
	}

	overflow := AppendVarint(nil, 1, math.MaxUint32+1)
	err := ReadFields(overflow, func(f Field) error {
		_, err := f.Uint32()
		return err
	})
	if !errors.Is(err, commonerrors.ErrWireFormat) {
		t.Errorf("Got %v for uint32 overflow, want ErrWireFormat", err)
	}

	var dst [4]byte
	err = ReadFields(AppendBytes(nil, 1, []byte{1, 2}), func(f Field) error {
		return f.Fixed(dst[:])
	})
	if !errors.Is(err, commonerrors.ErrWireFormat) {
		t.Errorf("Got %v for short fixed field, want ErrWireFormat", err)
	}
}
