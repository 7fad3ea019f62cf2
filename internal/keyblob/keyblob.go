// Package keyblob seals validated content keys and their policy into an
// opaque artifact for the decryption stage.
//
// A key blob is an 8-byte header ("XKBL" and a big-endian format version)
// followed by the sealed contents. The header is authenticated as
// associated data.
package keyblob

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/protoutil"
	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/internal/policy"
	"github.com/deploymenttheory/go-license-engine/internal/primitives"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
)

const (
	Magic         = "XKBL"
	FormatVersion = 1
	HeaderSize    = 8
)

// Key counts a blob may carry: CI and CK, optionally followed by a sample
// protection key.
const (
	MinKeys = 2
	MaxKeys = 3
)

// Contents field numbers.
const (
	fieldSession  = 1
	fieldMode     = 2
	fieldKeyCount = 3
	fieldKey      = 4
	fieldPolicy   = 5
)

// Policy field numbers.
const (
	polSecurityLevel  = 1
	polBegin          = 2
	polEnd            = 3
	polRealTimeExpiry = 4
	polOPL            = 5
	polPlayEnablers   = 6
	polRestriction    = 7
)

// Restriction field numbers.
const (
	resCategory = 1
	resID       = 2
	resConfig   = 3
)

// Contents is what a key blob binds together.
type Contents struct {
	SessionID uuid.UUID
	Mode      uint32
	Keys      []*secure.Key
	Policy    policy.Info
}

// Binder seals and opens key blobs.
type Binder struct {
	provider primitives.Provider
	logger   *zap.Logger
}

// New returns a Binder sealing with p. A nil logger disables logging.
func New(p primitives.Provider, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{provider: p, logger: logger}
}

func header() []byte {
	h := make([]byte, 0, HeaderSize)
	h = append(h, Magic...)
	return binary.BigEndian.AppendUint32(h, FormatVersion)
}

// Bind seals c. It fails with BindingFailed if sealing fails.
func (b *Binder) Bind(c *Contents) ([]byte, error) {
	if len(c.Keys) < MinKeys || len(c.Keys) > MaxKeys {
		return nil, fmt.Errorf("%w: key blob needs %d to %d keys, got %d", commonerrors.ErrInvalidArgument, MinKeys, MaxKeys, len(c.Keys))
	}

	plaintext, err := encodeContents(c)
	if err != nil {
		return nil, err
	}
	defer secure.WipeBytes(plaintext)

	h := header()
	sealed, err := b.provider.Seal(plaintext, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commonerrors.ErrBindingFailed, err)
	}

	b.logger.Debug("Bound key blob",
		zap.String("session", c.SessionID.String()),
		zap.Int("keys", len(c.Keys)))

	return append(h, sealed...), nil
}

// Open authenticates blob and returns its contents. Keys are allocated from
// arena.
func (b *Binder) Open(arena *secure.Arena, blob []byte) (*Contents, error) {
	if len(blob) < HeaderSize || !bytes.Equal(blob[:HeaderSize], header()) {
		return nil, fmt.Errorf("%w: not a key blob", commonerrors.ErrInvalidArgument)
	}

	plaintext, err := b.provider.Open(blob[HeaderSize:], blob[:HeaderSize])
	if err != nil {
		return nil, fmt.Errorf("open key blob: %w", err)
	}
	arena.Track(plaintext)

	c := &Contents{}
	keyCount := -1
	var havePolicy bool
	err = protoutil.ReadFields(plaintext, func(f protoutil.Field) error {
		switch f.Num {
		case fieldSession:
			return f.Fixed(c.SessionID[:])
		case fieldMode:
			var err error
			c.Mode, err = f.Uint32()
			return err
		case fieldKeyCount:
			n, err := f.Uint32()
			keyCount = int(n)
			return err
		case fieldKey:
			k := arena.NewKey()
			if err := f.Fixed(k.Bytes()); err != nil {
				return err
			}
			c.Keys = append(c.Keys, k)
		case fieldPolicy:
			v, err := f.Blob()
			if err != nil {
				return err
			}
			havePolicy = true
			return decodePolicy(v, &c.Policy)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: key blob contents: %v", commonerrors.ErrBindingFailed, err)
	}
	if keyCount != len(c.Keys) || keyCount < MinKeys || keyCount > MaxKeys {
		return nil, fmt.Errorf("%w: key blob declares %d keys and carries %d", commonerrors.ErrBindingFailed, keyCount, len(c.Keys))
	}
	if !havePolicy {
		return nil, fmt.Errorf("%w: key blob has no policy", commonerrors.ErrBindingFailed)
	}

	return c, nil
}

// encodeContents returns the plaintext of a key blob in a buffer allocated
// once at its final size. The caller wipes it.
func encodeContents(c *Contents) ([]byte, error) {
	for i, k := range c.Keys {
		if k == nil {
			return nil, fmt.Errorf("%w: key %d is nil", commonerrors.ErrInvalidArgument, i)
		}
	}
	pol := encodePolicy(&c.Policy)

	n := protowire.SizeTag(fieldSession) + protowire.SizeBytes(len(c.SessionID)) +
		protowire.SizeTag(fieldMode) + protowire.SizeVarint(uint64(c.Mode)) +
		protowire.SizeTag(fieldKeyCount) + protowire.SizeVarint(uint64(len(c.Keys))) +
		len(c.Keys)*(protowire.SizeTag(fieldKey)+protowire.SizeBytes(secure.KeySize)) +
		protowire.SizeTag(fieldPolicy) + protowire.SizeBytes(len(pol))

	plaintext := make([]byte, 0, n)
	plaintext = protoutil.AppendBytes(plaintext, fieldSession, c.SessionID[:])
	plaintext = protoutil.AppendVarint(plaintext, fieldMode, uint64(c.Mode))
	plaintext = protoutil.AppendVarint(plaintext, fieldKeyCount, uint64(len(c.Keys)))
	for _, k := range c.Keys {
		plaintext = protoutil.AppendBytes(plaintext, fieldKey, k.Bytes())
	}
	return protoutil.AppendBytes(plaintext, fieldPolicy, pol), nil
}

func encodePolicy(p *policy.Info) []byte {
	var b []byte
	b = protoutil.AppendVarint(b, polSecurityLevel, uint64(p.SecurityLevel))
	b = protoutil.AppendVarint(b, polBegin, p.Begin)
	b = protoutil.AppendVarint(b, polEnd, p.End)
	b = protoutil.AppendBool(b, polRealTimeExpiry, p.RealTimeExpiration)
	for _, v := range p.OutputProtection {
		b = protoutil.AppendVarint(b, polOPL, uint64(v))
	}
	b = protoutil.AppendVarint(b, polPlayEnablers, uint64(p.PlayEnablers))
	for _, r := range p.Restrictions {
		var rb []byte
		rb = protoutil.AppendVarint(rb, resCategory, uint64(r.Category))
		rb = protoutil.AppendBytes(rb, resID, r.ID[:])
		if len(r.Config) > 0 {
			rb = protoutil.AppendBytes(rb, resConfig, r.Config)
		}
		b = protoutil.AppendBytes(b, polRestriction, rb)
	}
	return b
}

func decodePolicy(b []byte, p *policy.Info) error {
	opl := 0
	err := protoutil.ReadFields(b, func(f protoutil.Field) error {
		var err error
		switch f.Num {
		case polSecurityLevel:
			p.SecurityLevel, err = f.Uint32()
		case polBegin:
			p.Begin, err = f.Uint64()
		case polEnd:
			p.End, err = f.Uint64()
		case polRealTimeExpiry:
			p.RealTimeExpiration, err = f.Bool()
		case polOPL:
			var v uint32
			if v, err = f.Uint32(); err != nil {
				return err
			}
			if opl >= license.OPLCount || v > 0xFFFF {
				return fmt.Errorf("output protection level %d out of range", opl)
			}
			p.OutputProtection[opl] = uint16(v)
			opl++
		case polPlayEnablers:
			var v uint32
			v, err = f.Uint32()
			p.PlayEnablers = policy.PlayEnablerFlags(v)
		case polRestriction:
			var v []byte
			if v, err = f.Blob(); err != nil {
				return err
			}
			var r policy.Restriction
			if err = decodeRestriction(v, &r); err == nil {
				p.Restrictions = append(p.Restrictions, r)
			}
		}
		return err
	})
	if err != nil {
		return err
	}
	if opl != license.OPLCount {
		return fmt.Errorf("policy carries %d output protection levels", opl)
	}
	return nil
}

func decodeRestriction(b []byte, r *policy.Restriction) error {
	return protoutil.ReadFields(b, func(f protoutil.Field) error {
		switch f.Num {
		case resCategory:
			c, err := f.Uint32()
			r.Category = license.RestrictionCategory(c)
			return err
		case resID:
			return f.Fixed(r.ID[:])
		case resConfig:
			v, err := f.Blob()
			if len(v) > 0 {
				r.Config = bytes.Clone(v)
			}
			return err
		}
		return nil
	})
}
