// Package secure provides secret key buffers that are wiped when released.
//
// Every key used while validating a license chain is allocated from an Arena
// owned by that call. Releasing the arena overwrites every key it handed out,
// so a single deferred Release covers all exit paths.
package secure

import (
	"crypto/subtle"
	"errors"
	"sync"
)

// KeySize is the size in bytes of an AES-128 key.
const KeySize = 16

// WipeValue is the byte every secret buffer holds after being wiped.
const WipeValue byte = 0x00

// Key is a fixed-size symmetric key.
type Key struct {
	b [KeySize]byte
}

// Bytes returns the key material. The slice aliases the key and is wiped
// with it.
func (k *Key) Bytes() []byte {
	return k.b[:]
}

// Set copies src into the key. src must be exactly KeySize bytes.
func (k *Key) Set(src []byte) error {
	if len(src) != KeySize {
		return errors.New("invalid key size")
	}
	copy(k.b[:], src)
	return nil
}

// CopyFrom copies the material of another key.
func (k *Key) CopyFrom(other *Key) {
	k.b = other.b
}

// Equal reports whether both keys hold the same material, in constant time.
func (k *Key) Equal(other *Key) bool {
	return subtle.ConstantTimeCompare(k.b[:], other.b[:]) == 1
}

// IsWiped reports whether every byte of the key equals WipeValue.
func (k *Key) IsWiped() bool {
	for _, c := range k.b {
		if c != WipeValue {
			return false
		}
	}
	return true
}

// Wipe overwrites the key material.
func (k *Key) Wipe() {
	WipeBytes(k.b[:])
}

// WipeBytes overwrites b with WipeValue.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = WipeValue
	}
}

// Arena hands out keys scoped to a single call and wipes all of them on
// Release. An Arena is safe for use by one call at a time; the mutex only
// guards against misuse from a second goroutine.
type Arena struct {
	mu       sync.Mutex
	keys     []*Key
	scratch  [][]byte
	released bool
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// NewKey allocates a zeroed key owned by the arena.
func (a *Arena) NewKey() *Key {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := &Key{}
	a.keys = append(a.keys, k)
	return k
}

// KeyFrom allocates a key owned by the arena holding a copy of src.
func (a *Arena) KeyFrom(src []byte) (*Key, error) {
	k := a.NewKey()
	if err := k.Set(src); err != nil {
		return nil, err
	}
	return k, nil
}

// Track registers a plaintext buffer that held key material so that it is
// wiped together with the arena's keys.
func (a *Arena) Track(b []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.scratch = append(a.scratch, b)
	return b
}

// Release wipes every key and tracked buffer. It may be called any number of
// times.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, k := range a.keys {
		k.Wipe()
	}
	for _, b := range a.scratch {
		WipeBytes(b)
	}
	a.released = true
}

// Released reports whether Release has been called.
func (a *Arena) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// Len returns the number of keys allocated so far.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

// AllWiped reports whether every key and tracked buffer holds only WipeValue.
func (a *Arena) AllWiped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, k := range a.keys {
		if !k.IsWiped() {
			return false
		}
	}
	for _, b := range a.scratch {
		for _, c := range b {
			if c != WipeValue {
				return false
			}
		}
	}
	return true
}
