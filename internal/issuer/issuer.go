// Package issuer composes signed license chains the way a license server
// does. It backs the issue command and provides fixtures for tests.
package issuer

import (
	"crypto/rand"
	"fmt"
	"io"
	"slices"

	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/internal/primitives"
	"github.com/deploymenttheory/go-license-engine/internal/scalable"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
)

// KeyPair is a plaintext CI/CK pair.
type KeyPair struct {
	CI [secure.KeySize]byte
	CK [secure.KeySize]byte
}

// NewKeyPair draws a key pair from r, or from crypto/rand when r is nil.
func NewKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	var kp KeyPair
	if _, err := io.ReadFull(r, kp.CI[:]); err != nil {
		return KeyPair{}, err
	}
	if _, err := io.ReadFull(r, kp.CK[:]); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}

// Escrow returns the escrow container binding kp to keyID.
func (kp KeyPair) Escrow(keyID [license.KeyIDSize]byte) *license.Escrow {
	return &license.Escrow{KeyID: keyID, CI: kp.CI, CK: kp.CK}
}

// Issuer signs licenses with a cryptographic provider.
type Issuer struct {
	provider primitives.Provider
	deriver  *scalable.Deriver
}

// New returns an Issuer backed by p.
func New(p primitives.Provider) *Issuer {
	return &Issuer{
		provider: p,
		deriver:  scalable.New(p),
	}
}

// Root issues a root license signed with keys.CI. A non-empty aux table makes
// it the root of a scalable chain.
func (is *Issuer) Root(tpl license.License, keys KeyPair, aux []license.AuxKeyEntry) ([]byte, error) {
	tpl.KeyMaterial = license.KeyMaterial{Shape: &license.SimpleKeys{}, AuxKeys: aux}
	return is.sign(&tpl, keys.CI)
}

// SimpleLeaf issues a non-scalable leaf. With a root, the leaf keys are
// wrapped under the root content key and tied to it by a checksum; without
// one, the leaf is signed with its own escrowed keys.
func (is *Issuer) SimpleLeaf(tpl license.License, keys KeyPair, root *KeyPair) ([]byte, error) {
	if root == nil {
		tpl.KeyMaterial = license.KeyMaterial{Shape: &license.SimpleKeys{}}
		return is.sign(&tpl, keys.CI)
	}

	arena := secure.NewArena()
	defer arena.Release()

	rootCK, err := arena.KeyFrom(root.CK[:])
	if err != nil {
		return nil, err
	}

	pair := arena.Track(slices.Concat(keys.CI[:], keys.CK[:]))
	wrapped := make([]byte, len(pair))
	if err := is.provider.EncryptBlocks(wrapped, rootCK, pair); err != nil {
		return nil, fmt.Errorf("wrap leaf keys: %w", err)
	}

	sum, err := is.provider.Checksum(rootCK, slices.Concat(tpl.KeyID[:], wrapped))
	if err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}

	tpl.KeyMaterial = license.KeyMaterial{
		Shape:    &license.SimpleKeys{WrappedKeys: wrapped},
		Checksum: sum,
	}
	return is.sign(&tpl, keys.CI)
}

// ContentHeaderChecksum returns the checksum a content header carries for a
// root-less leaf with key ID keyID.
func (is *Issuer) ContentHeaderChecksum(keys KeyPair, keyID [license.KeyIDSize]byte) ([]byte, error) {
	arena := secure.NewArena()
	defer arena.Release()

	ck, err := arena.KeyFrom(keys.CK[:])
	if err != nil {
		return nil, err
	}
	return is.provider.Checksum(ck, keyID[:])
}

// LocationKey derives the tree key of loc from the tree master key.
func (is *Issuer) LocationKey(master [secure.KeySize]byte, loc uint32) ([secure.KeySize]byte, error) {
	arena := secure.NewArena()
	defer arena.Release()

	mk, err := arena.KeyFrom(master[:])
	if err != nil {
		return [secure.KeySize]byte{}, err
	}
	key, _, err := is.deriver.Descend(arena, scalable.RootLocation, mk, loc)
	if err != nil {
		return [secure.KeySize]byte{}, err
	}
	return [secure.KeySize]byte(key.Bytes()), nil
}

// AuxTable publishes the tree keys of locations, wrapped for the root whose
// content key is rootCK. Locations are sorted; the resulting table must
// still have disjoint subtrees.
func (is *Issuer) AuxTable(master, rootCK [secure.KeySize]byte, locations []uint32) ([]license.AuxKeyEntry, error) {
	locations = slices.Clone(locations)
	slices.Sort(locations)

	arena := secure.NewArena()
	defer arena.Release()

	ck, err := arena.KeyFrom(rootCK[:])
	if err != nil {
		return nil, err
	}
	ckPrime, err := is.deriver.ContentKeyPrime(arena, ck)
	if err != nil {
		return nil, err
	}
	mk, err := arena.KeyFrom(master[:])
	if err != nil {
		return nil, err
	}

	table := make([]license.AuxKeyEntry, 0, len(locations))
	for _, loc := range locations {
		nodeKey, _, err := is.deriver.Descend(arena, scalable.RootLocation, mk, loc)
		if err != nil {
			return nil, fmt.Errorf("node %#x: %w", loc, err)
		}
		wrapped := make([]byte, secure.KeySize)
		if err := is.provider.EncryptBlocks(wrapped, ckPrime, nodeKey.Bytes()); err != nil {
			return nil, fmt.Errorf("wrap node %#x: %w", loc, err)
		}
		table = append(table, license.AuxKeyEntry{Location: loc, WrappedKey: wrapped})
	}

	if err := scalable.ValidateAuxTable(table); err != nil {
		return nil, err
	}
	return table, nil
}

// ScalableLeaf issues a scalable leaf whose keys are recoverable from the
// tree keys of uplinks and a secondary key wrapped under the root content
// key.
func (is *Issuer) ScalableLeaf(tpl license.License, keys KeyPair, root KeyPair, rootKeyID [license.KeyIDSize]byte,
	master [secure.KeySize]byte, uplinks []uint32, secondary [secure.KeySize]byte,
) ([]byte, error) {
	if len(uplinks) == 0 {
		return nil, fmt.Errorf("scalable leaf needs at least one uplink location")
	}

	arena := secure.NewArena()
	defer arena.Release()

	mk, err := arena.KeyFrom(master[:])
	if err != nil {
		return nil, err
	}
	rootCK, err := arena.KeyFrom(root.CK[:])
	if err != nil {
		return nil, err
	}
	sk, err := arena.KeyFrom(secondary[:])
	if err != nil {
		return nil, err
	}
	leafCK, err := arena.KeyFrom(keys.CK[:])
	if err != nil {
		return nil, err
	}

	acc := arena.NewKey()
	entries := make([]license.UplinkEntry, 0, len(uplinks))
	for _, loc := range uplinks {
		k, _, err := is.deriver.Descend(arena, scalable.RootLocation, mk, loc)
		if err != nil {
			return nil, fmt.Errorf("uplink %#x: %w", loc, err)
		}
		if err := is.provider.UpdateKey(acc, k); err != nil {
			return nil, err
		}
		entries = append(entries, license.UplinkEntry{Location: loc})
	}

	pair := arena.Track(slices.Concat(keys.CI[:], keys.CK[:]))
	inner := arena.Track(make([]byte, len(pair)))
	if err := is.provider.EncryptBlocks(inner, sk, pair); err != nil {
		return nil, err
	}
	wrapped := make([]byte, len(pair))
	if err := is.provider.EncryptBlocks(wrapped, acc, inner); err != nil {
		return nil, err
	}
	wrappedSecondary := make([]byte, secure.KeySize)
	if err := is.provider.EncryptBlocks(wrappedSecondary, rootCK, sk.Bytes()); err != nil {
		return nil, err
	}

	shape := &license.ScalableKeys{
		Uplinks:      entries,
		SecondaryKey: wrappedSecondary,
		WrappedKeys:  wrapped,
	}
	sum, err := is.provider.Checksum(leafCK, slices.Concat(tpl.KeyID[:], rootKeyID[:], shape.Descriptor()))
	if err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}

	tpl.KeyMaterial = license.KeyMaterial{Shape: shape, Checksum: sum}
	return is.sign(&tpl, keys.CI)
}

func (is *Issuer) sign(l *license.License, ci [secure.KeySize]byte) ([]byte, error) {
	arena := secure.NewArena()
	defer arena.Release()

	key, err := arena.KeyFrom(ci[:])
	if err != nil {
		return nil, err
	}
	return license.Encode(l, func(signed []byte) ([]byte, error) {
		return is.provider.Sign(key, signed)
	})
}
