package license

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/protoutil"
)

// Parse splits data into a leaf license and an optional root license and
// parses both. Only structure is checked; no signature or checksum is
// verified. The returned chain does not alias data.
func Parse(data []byte) (*Chain, error) {
	data = bytes.Clone(data)

	leafLen, err := declaredLength(data)
	if err != nil {
		return nil, fmt.Errorf("leaf: %w", err)
	}

	leaf, err := parseLicense(data[:leafLen])
	if err != nil {
		return nil, fmt.Errorf("leaf: %w", err)
	}
	chain := &Chain{Leaf: leaf}

	rest := data[leafLen:]
	if len(rest) == 0 {
		return chain, nil
	}

	rootLen, err := declaredLength(rest)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	if rootLen != len(rest) {
		return nil, fmt.Errorf("%w: root declares %d bytes, %d remain", commonerrors.ErrMalformedChain, rootLen, len(rest))
	}

	root, err := parseLicense(rest)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	chain.Root = root

	return chain, nil
}

// ParseLicense parses a single license that must span all of data.
func ParseLicense(data []byte) (*License, error) {
	data = bytes.Clone(data)

	n, err := declaredLength(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: license declares %d bytes, got %d", commonerrors.ErrMalformedChain, n, len(data))
	}
	return parseLicense(data)
}

// declaredLength reads the license header at the start of data and returns
// the total license length it declares.
func declaredLength(data []byte) (int, error) {
	if len(data) < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the license header", commonerrors.ErrMalformedChain, len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return 0, fmt.Errorf("%w: bad license magic %x", commonerrors.ErrMalformedChain, data[:len(Magic)])
	}

	n := binary.BigEndian.Uint32(data[len(Magic):HeaderSize])
	if n < HeaderSize {
		return 0, fmt.Errorf("%w: declared length %d is shorter than the header", commonerrors.ErrMalformedChain, n)
	}
	if uint64(n) > uint64(len(data)) {
		return 0, fmt.Errorf("%w: declared length %d exceeds %d available bytes", commonerrors.ErrMalformedChain, n, len(data))
	}
	return int(n), nil
}

func parseLicense(raw []byte) (*License, error) {
	l := &License{
		End: EndUnlimited,
		Raw: raw,
	}
	body := raw[HeaderSize:]

	var haveKeyMaterial, haveKeyID bool
	err := readFields(body, func(f protoutil.Field) error {
		var err error
		switch f.Num {
		case fieldVersion:
			l.Version, err = f.Uint32()
		case fieldKeyID:
			var id []byte
			if id, err = f.Blob(); err == nil {
				if len(id) != KeyIDSize {
					return malformed("key id is %d bytes", len(id))
				}
				copy(l.KeyID[:], id)
				haveKeyID = true
			}
		case fieldSecurityLevel:
			l.SecurityLevel, err = f.Uint32()
		case fieldBegin:
			l.Begin, err = f.Uint64()
		case fieldEnd:
			l.End, err = f.Uint64()
		case fieldRealTimeExpiry:
			l.RealTimeExpiration, err = f.Bool()
		case fieldRevocationInfo:
			l.RevocationInfoVersion, err = f.Uint32()
		case fieldKeyMaterial:
			var b []byte
			if b, err = f.Blob(); err == nil {
				l.KeyMaterial, err = parseKeyMaterial(b)
				haveKeyMaterial = true
			}
		case fieldOutputProtection:
			var b []byte
			if b, err = f.Blob(); err == nil {
				l.OutputProtection, err = parseOutputProtection(b)
			}
		case fieldPlayEnabler:
			var b []byte
			if b, err = f.Blob(); err == nil {
				if len(b) != 16 {
					return malformed("play enabler is %d bytes", len(b))
				}
				var id [16]byte
				copy(id[:], b)
				l.PlayEnablers = append(l.PlayEnablers, id)
			}
		case fieldRestriction:
			var b []byte
			if b, err = f.Blob(); err == nil {
				var rc RestrictionContainer
				if rc, err = parseRestrictionContainer(b); err == nil {
					l.RestrictionContainers = append(l.RestrictionContainers, rc)
				}
			}
		case fieldSignature:
			if l.Signature, err = f.Blob(); err != nil {
				return err
			}
			if f.End != len(body) {
				return malformed("signature is not the last field")
			}
			l.SignedBytes = raw[:HeaderSize+f.Offset]
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if !haveKeyID {
		return nil, malformed("key id missing")
	}
	if l.Signature == nil {
		return nil, malformed("signature container missing")
	}
	if !haveKeyMaterial {
		return nil, malformed("key material container missing")
	}
	if l.Begin > l.End {
		return nil, malformed("validity begins at %d after it ends at %d", l.Begin, l.End)
	}

	return l, nil
}

func parseKeyMaterial(b []byte) (KeyMaterial, error) {
	var (
		km      KeyMaterial
		wrapped []byte
		uplink  *ScalableKeys
	)
	err := readFields(b, func(f protoutil.Field) error {
		var err error
		switch f.Num {
		case kmWrappedKeys:
			wrapped, err = f.Blob()
		case kmUplink:
			if uplink != nil {
				return malformed("more than one uplink descriptor")
			}
			var v []byte
			if v, err = f.Blob(); err == nil {
				uplink, err = parseUplink(v)
			}
		case kmAuxKey:
			var v []byte
			if v, err = f.Blob(); err == nil {
				var e AuxKeyEntry
				if e, err = parseAuxKey(v); err == nil {
					km.AuxKeys = append(km.AuxKeys, e)
				}
			}
		case kmChecksum:
			km.Checksum, err = f.Blob()
		}
		return err
	})
	if err != nil {
		return KeyMaterial{}, err
	}

	switch {
	case uplink != nil && wrapped != nil:
		return KeyMaterial{}, malformed("key material has both wrapped keys and an uplink")
	case uplink != nil:
		km.Shape = uplink
	default:
		km.Shape = &SimpleKeys{WrappedKeys: wrapped}
	}
	return km, nil
}

func parseUplink(b []byte) (*ScalableKeys, error) {
	s := &ScalableKeys{}
	err := readFields(b, func(f protoutil.Field) error {
		var err error
		switch f.Num {
		case upLocation:
			var loc uint32
			if loc, err = f.Uint32(); err == nil {
				s.Uplinks = append(s.Uplinks, UplinkEntry{Location: loc})
			}
		case upSecondaryKey:
			s.SecondaryKey, err = f.Blob()
		case upWrappedKeys:
			s.WrappedKeys, err = f.Blob()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(s.Uplinks) == 0 {
		return nil, malformed("uplink descriptor has no locations")
	}
	return s, nil
}

func parseAuxKey(b []byte) (AuxKeyEntry, error) {
	var e AuxKeyEntry
	err := readFields(b, func(f protoutil.Field) error {
		var err error
		switch f.Num {
		case auxLocation:
			e.Location, err = f.Uint32()
		case auxKey:
			e.WrappedKey, err = f.Blob()
		}
		return err
	})
	return e, err
}

func parseOutputProtection(b []byte) (*OutputProtection, error) {
	op := &OutputProtection{}
	err := readFields(b, func(f protoutil.Field) error {
		if f.Num < oplCompressedDigitalVideo || f.Num > oplUncompressedDigitalAudio {
			return nil
		}
		v, err := f.Uint32()
		if err != nil {
			return err
		}
		if v > math.MaxUint16 {
			return malformed("output protection level %d out of range", v)
		}
		op.Levels[f.Num-oplCompressedDigitalVideo] = uint16(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func parseRestrictionContainer(b []byte) (RestrictionContainer, error) {
	var rc RestrictionContainer
	err := readFields(b, func(f protoutil.Field) error {
		var err error
		switch f.Num {
		case rcCategory:
			var c uint32
			c, err = f.Uint32()
			rc.Category = RestrictionCategory(c)
		case rcMustUnderstand:
			rc.MustUnderstand, err = f.Bool()
		case rcObject:
			var v []byte
			if v, err = f.Blob(); err == nil {
				var obj RestrictionObject
				if obj, err = parseRestrictionObject(v); err == nil {
					rc.Objects = append(rc.Objects, obj)
				}
			}
		}
		return err
	})
	return rc, err
}

func parseRestrictionObject(b []byte) (RestrictionObject, error) {
	var obj RestrictionObject
	err := readFields(b, func(f protoutil.Field) error {
		var err error
		switch f.Num {
		case roType:
			var t uint32
			t, err = f.Uint32()
			obj.Type = RestrictionObjectType(t)
		case roMustUnderstand:
			obj.MustUnderstand, err = f.Bool()
		case roID:
			var id []byte
			if id, err = f.Blob(); err == nil {
				if len(id) != len(obj.ID) {
					return malformed("restriction id is %d bytes", len(id))
				}
				copy(obj.ID[:], id)
			}
		case roConfig:
			obj.Config, err = f.Blob()
		}
		return err
	})
	return obj, err
}

// readFields decodes b with protoutil, reporting wire errors as a
// malformed chain.
func readFields(b []byte, fn func(f protoutil.Field) error) error {
	err := protoutil.ReadFields(b, fn)
	if errors.Is(err, commonerrors.ErrWireFormat) && !errors.Is(err, commonerrors.ErrMalformedChain) {
		return fmt.Errorf("%w: %v", commonerrors.ErrMalformedChain, err)
	}
	return err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{commonerrors.ErrMalformedChain}, args...)...)
}
