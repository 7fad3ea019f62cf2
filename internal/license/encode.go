package license

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/deploymenttheory/go-license-engine/internal/common/protoutil"
	"github.com/deploymenttheory/go-license-engine/internal/primitives"
)

// SignFunc returns the signature of the signed bytes of a license.
type SignFunc func(signed []byte) ([]byte, error)

// Encode serialises l and appends the signature returned by sign. The
// Signature, SignedBytes and Raw fields of l are ignored.
func Encode(l *License, sign SignFunc) ([]byte, error) {
	body := appendBody(nil, l)

	total := HeaderSize + len(body) +
		protowire.SizeTag(fieldSignature) + protowire.SizeBytes(primitives.SignatureSize)
	if total > int(^uint32(0)) {
		return nil, fmt.Errorf("license of %d bytes is too large", total)
	}

	out := make([]byte, 0, total)
	out = append(out, Magic...)
	out = binary.BigEndian.AppendUint32(out, uint32(total))
	out = append(out, body...)

	sig, err := sign(out)
	if err != nil {
		return nil, fmt.Errorf("sign license: %w", err)
	}
	if len(sig) != primitives.SignatureSize {
		return nil, fmt.Errorf("signature is %d bytes, expected %d", len(sig), primitives.SignatureSize)
	}

	out = protowire.AppendTag(out, fieldSignature, protowire.BytesType)
	out = protowire.AppendBytes(out, sig)
	return out, nil
}

// AppendChain concatenates an encoded leaf and an optional encoded root.
func AppendChain(leaf, root []byte) []byte {
	out := make([]byte, 0, len(leaf)+len(root))
	out = append(out, leaf...)
	return append(out, root...)
}

func appendBody(b []byte, l *License) []byte {
	b = protoutil.AppendVarint(b, fieldVersion, uint64(l.Version))
	b = protoutil.AppendBytes(b, fieldKeyID, l.KeyID[:])
	b = protoutil.AppendVarint(b, fieldSecurityLevel, uint64(l.SecurityLevel))
	if l.Begin != 0 {
		b = protoutil.AppendVarint(b, fieldBegin, l.Begin)
	}
	if l.End != 0 && l.End != EndUnlimited {
		b = protoutil.AppendVarint(b, fieldEnd, l.End)
	}
	if l.RealTimeExpiration {
		b = protoutil.AppendVarint(b, fieldRealTimeExpiry, 1)
	}
	if l.RevocationInfoVersion != 0 {
		b = protoutil.AppendVarint(b, fieldRevocationInfo, uint64(l.RevocationInfoVersion))
	}
	b = protoutil.AppendBytes(b, fieldKeyMaterial, appendKeyMaterial(nil, &l.KeyMaterial))
	if l.OutputProtection != nil {
		var op []byte
		for i, v := range l.OutputProtection.Levels {
			op = protoutil.AppendVarint(op, protowire.Number(oplCompressedDigitalVideo+i), uint64(v))
		}
		b = protoutil.AppendBytes(b, fieldOutputProtection, op)
	}
	for _, pe := range l.PlayEnablers {
		b = protoutil.AppendBytes(b, fieldPlayEnabler, pe[:])
	}
	for _, rc := range l.RestrictionContainers {
		b = protoutil.AppendBytes(b, fieldRestriction, appendRestrictionContainer(nil, &rc))
	}
	return b
}

func appendKeyMaterial(b []byte, km *KeyMaterial) []byte {
	switch s := km.Shape.(type) {
	case *SimpleKeys:
		if s.WrappedKeys != nil {
			b = protoutil.AppendBytes(b, kmWrappedKeys, s.WrappedKeys)
		}
	case *ScalableKeys:
		var up []byte
		for _, e := range s.Uplinks {
			up = protoutil.AppendVarint(up, upLocation, uint64(e.Location))
		}
		up = protoutil.AppendBytes(up, upSecondaryKey, s.SecondaryKey)
		up = protoutil.AppendBytes(up, upWrappedKeys, s.WrappedKeys)
		b = protoutil.AppendBytes(b, kmUplink, up)
	}
	for _, e := range km.AuxKeys {
		var aux []byte
		aux = protoutil.AppendVarint(aux, auxLocation, uint64(e.Location))
		aux = protoutil.AppendBytes(aux, auxKey, e.WrappedKey)
		b = protoutil.AppendBytes(b, kmAuxKey, aux)
	}
	if km.Checksum != nil {
		b = protoutil.AppendBytes(b, kmChecksum, km.Checksum)
	}
	return b
}

func appendRestrictionContainer(b []byte, rc *RestrictionContainer) []byte {
	b = protoutil.AppendVarint(b, rcCategory, uint64(rc.Category))
	if rc.MustUnderstand {
		b = protoutil.AppendVarint(b, rcMustUnderstand, 1)
	}
	for _, obj := range rc.Objects {
		var o []byte
		o = protoutil.AppendVarint(o, roType, uint64(obj.Type))
		if obj.MustUnderstand {
			o = protoutil.AppendVarint(o, roMustUnderstand, 1)
		}
		o = protoutil.AppendBytes(o, roID, obj.ID[:])
		if obj.Config != nil {
			o = protoutil.AppendBytes(o, roConfig, obj.Config)
		}
		b = protoutil.AppendBytes(b, rcObject, o)
	}
	return b
}
