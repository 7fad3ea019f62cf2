package secure

import (
	"bytes"
	"testing"
)

func TestKeySet(t *testing.T) {
	var k Key
	if err := k.Set(make([]byte, 15)); err == nil {
		t.Error("Expected error for short key, got nil")
	}

	src := bytes.Repeat([]byte{0xAB}, KeySize)
	if err := k.Set(src); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !bytes.Equal(k.Bytes(), src) {
		t.Error("Key bytes do not match source")
	}

	// the key owns its copy
	src[0] = 0
	if k.Bytes()[0] != 0xAB {
		t.Error("Key aliases its source slice")
	}
}

func TestArenaRelease(t *testing.T) {
	a := NewArena()

	k1, err := a.KeyFrom(bytes.Repeat([]byte{0x11}, KeySize))
	if err != nil {
		t.Fatalf("KeyFrom failed: %v", err)
	}
	k2 := a.NewKey()
	copy(k2.Bytes(), bytes.Repeat([]byte{0x22}, KeySize))
	buf := a.Track([]byte("plaintext key material"))

	if a.Len() != 2 {
		t.Errorf("Arena has %d keys, expected 2", a.Len())
	}
	if a.AllWiped() {
		t.Fatal("Arena reports wiped before Release")
	}

	a.Release()

	if !a.Released() {
		t.Error("Arena not marked released")
	}
	if !k1.IsWiped() || !k2.IsWiped() {
		t.Error("Keys not wiped after Release")
	}
	for i, c := range buf {
		if c != WipeValue {
			t.Fatalf("Tracked buffer byte %d = %#x after Release", i, c)
		}
	}

	// idempotent
	a.Release()
	if !a.AllWiped() {
		t.Error("Arena not wiped after second Release")
	}
}

func TestKeyEqual(t *testing.T) {
	a := NewArena()
	defer a.Release()

	k1, _ := a.KeyFrom(bytes.Repeat([]byte{1}, KeySize))
	k2, _ := a.KeyFrom(bytes.Repeat([]byte{1}, KeySize))
	k3, _ := a.KeyFrom(bytes.Repeat([]byte{2}, KeySize))

	if !k1.Equal(k2) {
		t.Error("Equal keys compare unequal")
	}
	if k1.Equal(k3) {
		t.Error("Different keys compare equal")
	}
}
