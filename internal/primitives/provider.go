// Package primitives defines the cryptographic primitives the license engine
// depends on and an AES-128 implementation of them.
package primitives

import (
	"github.com/deploymenttheory/go-license-engine/internal/secure"
)

// ChecksumSize is the size in bytes of a chained checksum.
const ChecksumSize = 8

// SignatureSize is the size in bytes of a license signature.
const SignatureSize = 16

// Constant is a public domain-separation block used for key derivation.
type Constant [secure.KeySize]byte

// Provider is the collaborator that performs every cryptographic operation on
// behalf of the engine. Implementations must not retain references to the
// keys they are handed.
type Provider interface {
	// DeriveKey sets dst to the encryption of constant under key.
	DeriveKey(dst, key *secure.Key, constant Constant) error

	// EncryptBlocks and DecryptBlocks apply the block cipher to every
	// 16-byte block of src independently. len(dst) must equal len(src).
	EncryptBlocks(dst []byte, key *secure.Key, src []byte) error
	DecryptBlocks(dst []byte, key *secure.Key, src []byte) error

	// UnwrapKey recovers a single wrapped key into dst.
	UnwrapKey(dst, kek *secure.Key, wrapped []byte) error

	// UnwrapKeyPair recovers a wrapped CI/CK pair.
	UnwrapKeyPair(ci, ck, kek *secure.Key, wrapped []byte) error

	// UpdateKey folds k into the accumulator acc.
	UpdateKey(acc, k *secure.Key) error

	// Sign and VerifySignature authenticate license bytes with an integrity key.
	Sign(ci *secure.Key, data []byte) ([]byte, error)
	VerifySignature(ci *secure.Key, data, sig []byte) error

	// Checksum and VerifyChecksum compute chained checksums with a content key.
	Checksum(ck *secure.Key, data []byte) ([]byte, error)
	VerifyChecksum(ck *secure.Key, data, sum []byte) error

	// Seal and Open protect opaque artifacts with a device-bound key.
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// Domain-separation constants for the scalable derivation tree.
var (
	ContentKeyPrimeConstant = Constant{
		0x8B, 0x22, 0x2F, 0xFD, 0x1E, 0x76, 0x19, 0x56,
		0x59, 0xCF, 0x27, 0x03, 0x89, 0x8C, 0x42, 0x7F,
	}
	LeftChildConstant = Constant{
		0xEF, 0x32, 0xB1, 0x4F, 0x0A, 0x9C, 0x3D, 0x5E,
		0x62, 0xB7, 0x1C, 0x84, 0xA0, 0xF3, 0x17, 0x69,
	}
	RightChildConstant = Constant{
		0x4A, 0x1D, 0xE2, 0x93, 0x3F, 0xC0, 0x58, 0x07,
		0xB4, 0x6E, 0x91, 0x2A, 0xD5, 0x08, 0x7C, 0xE6,
	}
)
