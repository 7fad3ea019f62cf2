package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/chmike/cmac-go"
	"golang.org/x/crypto/hkdf"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
)

const (
	// MinDeviceSecretSize is the smallest device secret accepted for sealing.
	MinDeviceSecretSize = 16

	sealDiversifier = "license-engine key blob sealing v1"
	sealKeySize     = 32
)

// AESProvider implements Provider with AES-128 in ECB mode for key
// derivation and wrapping, AES-CMAC for signatures and checksums and
// AES-256-GCM, keyed through HKDF from a device secret, for sealing.
type AESProvider struct {
	seal cipher.AEAD
	rand io.Reader
}

// AESProviderOption configures an AESProvider.
type AESProviderOption func(*AESProvider)

// WithRandom sets the source of sealing nonces.
func WithRandom(r io.Reader) AESProviderOption {
	return func(p *AESProvider) {
		p.rand = r
	}
}

var _ Provider = (*AESProvider)(nil)

// NewAESProvider creates a provider whose sealing key is derived from
// deviceSecret and uniqueID.
func NewAESProvider(deviceSecret []byte, uniqueID string, opts ...AESProviderOption) (*AESProvider, error) {
	if len(deviceSecret) < MinDeviceSecretSize {
		return nil, fmt.Errorf("%w: device secret must be at least %d bytes", commonerrors.ErrInvalidArgument, MinDeviceSecretSize)
	}

	sealKey := make([]byte, sealKeySize)
	defer secure.WipeBytes(sealKey)

	r := hkdf.New(sha256.New, deviceSecret, []byte(uniqueID), []byte(sealDiversifier))
	if _, err := io.ReadFull(r, sealKey); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}

	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	p := &AESProvider{
		seal: aead,
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

func (p *AESProvider) DeriveKey(dst, key *secure.Key, constant Constant) error {
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", commonerrors.ErrCryptographicFailure, err)
	}
	block.Encrypt(dst.Bytes(), constant[:])
	return nil
}

func (p *AESProvider) EncryptBlocks(dst []byte, key *secure.Key, src []byte) error {
	return ecb(dst, key, src, true)
}

func (p *AESProvider) DecryptBlocks(dst []byte, key *secure.Key, src []byte) error {
	return ecb(dst, key, src, false)
}

func (p *AESProvider) UnwrapKey(dst, kek *secure.Key, wrapped []byte) error {
	if len(wrapped) != secure.KeySize {
		return fmt.Errorf("%w: wrapped key is %d bytes", commonerrors.ErrCryptographicFailure, len(wrapped))
	}
	return ecb(dst.Bytes(), kek, wrapped, false)
}

func (p *AESProvider) UnwrapKeyPair(ci, ck, kek *secure.Key, wrapped []byte) error {
	if len(wrapped) != 2*secure.KeySize {
		return fmt.Errorf("%w: wrapped key pair is %d bytes", commonerrors.ErrCryptographicFailure, len(wrapped))
	}
	if err := ecb(ci.Bytes(), kek, wrapped[:secure.KeySize], false); err != nil {
		return err
	}
	return ecb(ck.Bytes(), kek, wrapped[secure.KeySize:], false)
}

// UpdateKey sets acc to the encryption of acc under k.
func (p *AESProvider) UpdateKey(acc, k *secure.Key) error {
	return ecb(acc.Bytes(), k, acc.Bytes(), true)
}

func (p *AESProvider) Sign(ci *secure.Key, data []byte) ([]byte, error) {
	return mac(ci, data)
}

func (p *AESProvider) VerifySignature(ci *secure.Key, data, sig []byte) error {
	want, err := mac(ci, data)
	if err != nil {
		return err
	}
	if len(sig) != SignatureSize || subtle.ConstantTimeCompare(want, sig) != 1 {
		return fmt.Errorf("%w: invalid signature", commonerrors.ErrCryptographicFailure)
	}
	return nil
}

func (p *AESProvider) Checksum(ck *secure.Key, data []byte) ([]byte, error) {
	sum, err := mac(ck, data)
	if err != nil {
		return nil, err
	}
	return sum[:ChecksumSize], nil
}

func (p *AESProvider) VerifyChecksum(ck *secure.Key, data, sum []byte) error {
	want, err := p.Checksum(ck, data)
	if err != nil {
		return err
	}
	if len(sum) != ChecksumSize || subtle.ConstantTimeCompare(want, sum) != 1 {
		return fmt.Errorf("%w: checksum mismatch", commonerrors.ErrCryptographicFailure)
	}
	return nil
}

// Seal returns nonce || ciphertext.
func (p *AESProvider) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, p.seal.NonceSize())
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return p.seal.Seal(nonce, nonce, plaintext, aad), nil
}

func (p *AESProvider) Open(sealed, aad []byte) ([]byte, error) {
	n := p.seal.NonceSize()
	if len(sealed) < n+p.seal.Overhead() {
		return nil, fmt.Errorf("%w: sealed data too short", commonerrors.ErrCryptographicFailure)
	}
	plaintext, err := p.seal.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commonerrors.ErrCryptographicFailure, err)
	}
	return plaintext, nil
}

func ecb(dst []byte, key *secure.Key, src []byte, encrypt bool) error {
	if len(src) == 0 || len(src)%aes.BlockSize != 0 {
		return fmt.Errorf("%w: input length must be a multiple of the block size", commonerrors.ErrCryptographicFailure)
	}
	if len(dst) != len(src) {
		return errors.New("output buffer size mismatch")
	}

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", commonerrors.ErrCryptographicFailure, err)
	}
	for i := 0; i < len(src); i += aes.BlockSize {
		if encrypt {
			block.Encrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
		} else {
			block.Decrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
		}
	}
	return nil
}

func mac(key *secure.Key, data []byte) ([]byte, error) {
	h, err := cmac.New(aes.NewCipher, key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commonerrors.ErrCryptographicFailure, err)
	}
	if _, err = h.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %v", commonerrors.ErrCryptographicFailure, err)
	}
	return h.Sum(nil), nil
}
