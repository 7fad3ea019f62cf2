// Package license holds the parsed license model and the license chain
// parser.
//
// A license is a fixed 8-byte header followed by a protobuf wire-format body:
//
//	magic   [4]byte  "XLIC"
//	length  uint32   big-endian, header included
//	body    fields   (see the field numbers below)
//
// The signature field must be the last field of the body; the signed bytes
// are everything before it, header included.
package license

import (
	"encoding/binary"
	"math"
)

// Header layout.
const (
	HeaderSize = 8
	Magic      = "XLIC"
)

// Body field numbers.
const (
	fieldVersion          = 1
	fieldKeyID            = 2
	fieldSecurityLevel    = 3
	fieldBegin            = 4
	fieldEnd              = 5
	fieldRealTimeExpiry   = 6
	fieldRevocationInfo   = 7
	fieldKeyMaterial      = 8
	fieldOutputProtection = 9
	fieldPlayEnabler      = 10
	fieldRestriction      = 11
	fieldSignature        = 15
)

// Key material field numbers.
const (
	kmWrappedKeys = 1
	kmUplink      = 2
	kmAuxKey      = 3
	kmChecksum    = 4
)

// Uplink field numbers.
const (
	upLocation     = 1
	upSecondaryKey = 2
	upWrappedKeys  = 3
)

// Aux key entry field numbers.
const (
	auxLocation = 1
	auxKey      = 2
)

// Output protection field numbers, in OPLCategory order.
const (
	oplCompressedDigitalVideo = iota + 1
	oplUncompressedDigitalVideo
	oplAnalogVideo
	oplCompressedDigitalAudio
	oplUncompressedDigitalAudio
)

// Restriction container field numbers.
const (
	rcCategory       = 1
	rcMustUnderstand = 2
	rcObject         = 3
)

// Restriction object field numbers.
const (
	roType           = 1
	roMustUnderstand = 2
	roID             = 3
	roConfig         = 4
)

// KeyIDSize is the size of a license key identifier.
const KeyIDSize = 16

// EndUnlimited is the validity end used when a license does not set one.
const EndUnlimited uint64 = math.MaxUint64

// OPLCount is the number of output protection level categories.
const OPLCount = 5

// OPLCategory indexes OutputProtection.Levels.
type OPLCategory int

const (
	OPLCompressedDigitalVideo OPLCategory = iota
	OPLUncompressedDigitalVideo
	OPLAnalogVideo
	OPLCompressedDigitalAudio
	OPLUncompressedDigitalAudio
)

// RestrictionCategory identifies the kind of a restriction container.
type RestrictionCategory uint32

const (
	RestrictionAnalogVideo  RestrictionCategory = 1
	RestrictionDigitalAudio RestrictionCategory = 2
	RestrictionDigitalVideo RestrictionCategory = 3
)

func (c RestrictionCategory) String() string {
	switch c {
	case RestrictionAnalogVideo:
		return "analog_video"
	case RestrictionDigitalAudio:
		return "digital_audio"
	case RestrictionDigitalVideo:
		return "digital_video"
	}
	return "unknown"
}

// RestrictionObjectType identifies the kind of object inside a restriction
// container.
type RestrictionObjectType uint32

// ObjectRestriction is the only object type defined inside restriction
// containers: an identified restriction with an opaque configuration.
const ObjectRestriction RestrictionObjectType = 1

// License is an immutable parsed license.
type License struct {
	Version       uint32
	KeyID         [KeyIDSize]byte
	SecurityLevel uint32

	// Validity window in seconds since the Unix epoch. End defaults to
	// EndUnlimited.
	Begin uint64
	End   uint64

	RealTimeExpiration    bool
	RevocationInfoVersion uint32
	KeyMaterial           KeyMaterial
	OutputProtection      *OutputProtection
	PlayEnablers          [][16]byte
	RestrictionContainers []RestrictionContainer
	Signature             []byte

	// SignedBytes is the header and body up to the signature field.
	SignedBytes []byte

	// Raw is the complete encoded license.
	Raw []byte
}

// KeyMaterial is the key container of a license. Shape is resolved once at
// parse time.
type KeyMaterial struct {
	Shape    Shape
	AuxKeys  []AuxKeyEntry
	Checksum []byte
}

// Shape is either *SimpleKeys or *ScalableKeys.
type Shape interface {
	isShape()
}

// SimpleKeys carries a directly wrapped CI/CK pair.
type SimpleKeys struct {
	WrappedKeys []byte
}

// ScalableKeys carries the uplink descriptor of a scalable leaf.
type ScalableKeys struct {
	Uplinks      []UplinkEntry
	SecondaryKey []byte
	WrappedKeys  []byte
}

// Descriptor returns the canonical bytes of the uplink descriptor covered by
// a scalable leaf's checksum: the uplink count and locations, then the
// secondary key and the wrapped keys, each length-prefixed. All integers
// are big-endian uint32.
func (s *ScalableKeys) Descriptor() []byte {
	b := make([]byte, 0, 4+4*len(s.Uplinks)+8+len(s.SecondaryKey)+len(s.WrappedKeys))
	b = binary.BigEndian.AppendUint32(b, uint32(len(s.Uplinks)))
	for _, u := range s.Uplinks {
		b = binary.BigEndian.AppendUint32(b, u.Location)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(s.SecondaryKey)))
	b = append(b, s.SecondaryKey...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(s.WrappedKeys)))
	return append(b, s.WrappedKeys...)
}

func (*SimpleKeys) isShape()   {}
func (*ScalableKeys) isShape() {}

// UplinkEntry names a target location in the key derivation tree.
type UplinkEntry struct {
	Location uint32
}

// AuxKeyEntry is a wrapped tree node key published by a root license.
type AuxKeyEntry struct {
	Location   uint32
	WrappedKey []byte
}

// OutputProtection holds minimum output protection levels.
type OutputProtection struct {
	Levels [OPLCount]uint16
}

// RestrictionContainer is an extensible container of restriction objects.
type RestrictionContainer struct {
	Category       RestrictionCategory
	MustUnderstand bool
	Objects        []RestrictionObject
}

// RestrictionObject is a single entry of a RestrictionContainer.
type RestrictionObject struct {
	Type           RestrictionObjectType
	MustUnderstand bool
	ID             [16]byte
	Config         []byte
}

// Scalable reports whether the license carries an uplink descriptor.
func (l *License) Scalable() bool {
	_, ok := l.KeyMaterial.Shape.(*ScalableKeys)
	return ok
}

// HasAuxKeys reports whether the license publishes an aux key table.
func (l *License) HasAuxKeys() bool {
	return len(l.KeyMaterial.AuxKeys) > 0
}

// Chain is a leaf license and an optional root license.
type Chain struct {
	Leaf *License
	Root *License
}

// HasRoot reports whether the chain has a root license.
func (c *Chain) HasRoot() bool {
	return c.Root != nil
}
