package licensing

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/issuer"
	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/internal/primitives"
)

var (
	leafKeyID  = [16]byte{0x0C, 0x0F, 0xFE, 0xE0}
	rootKeyID  = [16]byte{0xB0, 0x0B}
	sampleKey  = bytes.Repeat([]byte{0x5A}, 16)
	testSecret = bytes.Repeat([]byte{0x42}, 32)
)

type fixture struct {
	issuer   *issuer.Issuer
	leafKeys issuer.KeyPair
	rootKeys issuer.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := primitives.NewAESProvider(testSecret, "licensing-test")
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	leafKeys, _ := issuer.NewKeyPair(bytes.NewReader(bytes.Repeat([]byte{0x11}, 32)))
	rootKeys, _ := issuer.NewKeyPair(bytes.NewReader(bytes.Repeat([]byte{0x22}, 32)))
	return &fixture{issuer: issuer.New(p), leafKeys: leafKeys, rootKeys: rootKeys}
}

func (f *fixture) chain(t *testing.T, leaf, root license.License) []byte {
	t.Helper()
	leaf.Version, leaf.KeyID = 1, leafKeyID
	root.Version, root.KeyID = 1, rootKeyID
	if leaf.End == 0 {
		leaf.End = license.EndUnlimited
	}
	if root.End == 0 {
		root.End = license.EndUnlimited
	}

	leafRaw, err := f.issuer.SimpleLeaf(leaf, f.leafKeys, &f.rootKeys)
	if err != nil {
		t.Fatalf("SimpleLeaf failed: %v", err)
	}
	rootRaw, err := f.issuer.Root(root, f.rootKeys, nil)
	if err != nil {
		t.Fatalf("Root failed: %v", err)
	}
	return license.AppendChain(leafRaw, rootRaw)
}

func (f *fixture) escrow() []byte {
	return license.EncodeEscrow(f.rootKeys.Escrow(rootKeyID))
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewWithDeviceSecret(testSecret, "licensing-test", opts...)
	if err != nil {
		t.Fatalf("NewWithDeviceSecret failed: %v", err)
	}
	return e
}

func TestPrepareDecryptSimpleChain(t *testing.T) {
	f := newFixture(t)
	e := newEngine(t)
	ctx := NewContext()

	res, err := e.PrepareDecrypt(&Request{
		Context: ctx,
		Chain:   f.chain(t, license.License{SecurityLevel: 2000}, license.License{SecurityLevel: 2000}),
		Escrow:  f.escrow(),
		Mode:    ModeHandle,
	})
	if err != nil {
		t.Fatalf("PrepareDecrypt failed: %v", err)
	}
	if res.KeyCount != 2 || res.Mode != ModeHandle {
		t.Errorf("Got %d keys in mode %s, expected 2 keys in mode handle", res.KeyCount, res.Mode)
	}

	ks, err := e.OpenKeyBlob(ctx, res.KeyBlob, false)
	if err != nil {
		t.Fatalf("OpenKeyBlob failed: %v", err)
	}
	defer ks.Release()

	if !bytes.Equal(ks.CI(), f.leafKeys.CI[:]) || !bytes.Equal(ks.CK(), f.leafKeys.CK[:]) {
		t.Error("Key blob does not carry the leaf keys")
	}
	if ks.SampleProtectionKey() != nil {
		t.Error("Unexpected sample protection key")
	}
	if ks.SessionID() != ctx.SessionID {
		t.Errorf("Session %s, expected %s", ks.SessionID(), ctx.SessionID)
	}
	if diff := cmp.Diff(res.Policy, ks.Policy()); diff != "" {
		t.Errorf("Policy mismatch (-prepared +opened):\n%s", diff)
	}
}

func TestPrepareDecryptSampleProtection(t *testing.T) {
	f := newFixture(t)
	e := newEngine(t)
	ctx := NewContext()

	res, err := e.PrepareDecrypt(&Request{
		Context:             ctx,
		Chain:               f.chain(t, license.License{SecurityLevel: 2000}, license.License{SecurityLevel: 2000}),
		Escrow:              f.escrow(),
		Mode:                ModeSampleProtection,
		SampleProtectionKey: sampleKey,
	})
	if err != nil {
		t.Fatalf("PrepareDecrypt failed: %v", err)
	}
	if res.KeyCount != 3 {
		t.Errorf("Got %d keys, expected 3", res.KeyCount)
	}

	ks, err := e.OpenKeyBlob(ctx, res.KeyBlob, false)
	if err != nil {
		t.Fatalf("OpenKeyBlob failed: %v", err)
	}
	defer ks.Release()
	if !bytes.Equal(ks.SampleProtectionKey(), sampleKey) {
		t.Error("Sample protection key differs after open")
	}
	if ks.Mode() != ModeSampleProtection {
		t.Errorf("Mode %s, expected sample_protection", ks.Mode())
	}
}

func TestModeGate(t *testing.T) {
	f := newFixture(t)

	for _, test := range []struct {
		name      string
		level     uint32
		mode      Mode
		sampleKey []byte
		remap     map[Mode]Mode
		wantErr   error
		wantMode  Mode
	}{
		{name: "handle at 3000", level: 3000, mode: ModeHandle, wantMode: ModeHandle},
		{name: "clear at 150", level: 150, mode: ModeClear, wantMode: ModeClear},
		{name: "clear at 2000", level: 2000, mode: ModeClear, wantErr: commonerrors.ErrPolicyViolation},
		{name: "sample protection at 3000", level: 3000, mode: ModeSampleProtection, sampleKey: sampleKey, wantErr: commonerrors.ErrPolicyViolation},
		{name: "sample protection without key", level: 2000, mode: ModeSampleProtection, wantErr: commonerrors.ErrInvalidArgument},
		{name: "unknown mode", level: 150, mode: Mode(9), wantErr: commonerrors.ErrInvalidArgument},
		{
			name:     "clear remapped to handle",
			level:    3000,
			mode:     ModeClear,
			remap:    map[Mode]Mode{ModeClear: ModeHandle},
			wantMode: ModeHandle,
		},
		{
			name:    "handle remapped to clear",
			level:   2000,
			mode:    ModeHandle,
			remap:   map[Mode]Mode{ModeHandle: ModeClear},
			wantErr: commonerrors.ErrPolicyViolation,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEngine(t, WithModeRemap(test.remap))
			res, err := e.PrepareDecrypt(&Request{
				Context:             NewContext(),
				Chain:               f.chain(t, license.License{SecurityLevel: test.level}, license.License{SecurityLevel: test.level}),
				Escrow:              f.escrow(),
				Mode:                test.mode,
				SampleProtectionKey: test.sampleKey,
			})
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if err == nil && res.Mode != test.wantMode {
				t.Errorf("Mode %s, expected %s", res.Mode, test.wantMode)
			}
		})
	}
}

func TestOpenKeyBlobSession(t *testing.T) {
	f := newFixture(t)
	raw := f.chain(t, license.License{SecurityLevel: 150}, license.License{SecurityLevel: 150})
	ctx := NewContext()

	prepare := func(e *Engine) []byte {
		res, err := e.PrepareDecrypt(&Request{Context: ctx, Chain: raw, Escrow: f.escrow(), Mode: ModeClear})
		if err != nil {
			t.Fatalf("PrepareDecrypt failed: %v", err)
		}
		return res.KeyBlob
	}

	strict := newEngine(t, WithReconstitutedSessions(false))
	blob := prepare(strict)
	if _, err := strict.OpenKeyBlob(NewContext(), blob, false); !errors.Is(err, commonerrors.ErrSessionMismatch) {
		t.Errorf("Got %v in another session, want ErrSessionMismatch", err)
	}
	if _, err := strict.OpenKeyBlob(NewContext(), blob, true); !errors.Is(err, commonerrors.ErrSessionMismatch) {
		t.Errorf("Got %v for a reconstituted open that is not allowed, want ErrSessionMismatch", err)
	}

	lenient := newEngine(t)
	blob = prepare(lenient)
	if _, err := lenient.OpenKeyBlob(NewContext(), blob, false); !errors.Is(err, commonerrors.ErrSessionMismatch) {
		t.Errorf("Got %v in another session without reconstitution, want ErrSessionMismatch", err)
	}
	ks, err := lenient.OpenKeyBlob(NewContext(), blob, true)
	if err != nil {
		t.Fatalf("Reconstituted open with default options failed: %v", err)
	}
	ks.Release()
}

func TestOpenKeyBlobValidity(t *testing.T) {
	f := newFixture(t)
	raw := f.chain(t, license.License{SecurityLevel: 150, Begin: 100, End: 500}, license.License{SecurityLevel: 150})
	ctx := NewContext()

	for _, test := range []struct {
		name    string
		now     int64
		wantErr error
	}{
		{name: "before begin", now: 99, wantErr: commonerrors.ErrPolicyViolation},
		{name: "inside window", now: 300},
		{name: "at end", now: 500},
		{name: "expired", now: 501, wantErr: commonerrors.ErrPolicyViolation},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEngine(t, WithNow(func() time.Time { return time.Unix(test.now, 0) }))
			res, err := e.PrepareDecrypt(&Request{Context: ctx, Chain: raw, Escrow: f.escrow(), Mode: ModeHandle})
			if err != nil {
				t.Fatalf("PrepareDecrypt failed: %v", err)
			}
			ks, err := e.OpenKeyBlob(ctx, res.KeyBlob, false)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if ks != nil {
				ks.Release()
			}
		})
	}
}

func TestKeySetRelease(t *testing.T) {
	f := newFixture(t)
	e := newEngine(t)
	ctx := NewContext()

	res, err := e.PrepareDecrypt(&Request{
		Context: ctx,
		Chain:   f.chain(t, license.License{SecurityLevel: 150}, license.License{SecurityLevel: 150}),
		Escrow:  f.escrow(),
		Mode:    ModeHandle,
	})
	if err != nil {
		t.Fatalf("PrepareDecrypt failed: %v", err)
	}
	ks, err := e.OpenKeyBlob(ctx, res.KeyBlob, false)
	if err != nil {
		t.Fatalf("OpenKeyBlob failed: %v", err)
	}
	ci := ks.CI()
	ks.Release()
	if !bytes.Equal(ci, make([]byte, 16)) {
		t.Error("CI survives Release")
	}
}

func TestPrepareDecryptRevocation(t *testing.T) {
	f := newFixture(t)
	raw := f.chain(t,
		license.License{SecurityLevel: 150, RevocationInfoVersion: 4},
		license.License{SecurityLevel: 150, RevocationInfoVersion: 2})

	for _, test := range []struct {
		name    string
		list    []byte
		wantErr error
	}{
		{name: "no list", wantErr: commonerrors.ErrInvalidArgument},
		{name: "list without ceiling", list: EncodeRevocationList(RevocationList{Version: 1})[:2], wantErr: commonerrors.ErrInvalidArgument},
		{name: "ceiling below leaf", list: EncodeRevocationList(RevocationList{Version: 1, Ceiling: 3}), wantErr: commonerrors.ErrRevocationRejected},
		{name: "ceiling at leaf", list: EncodeRevocationList(RevocationList{Version: 1, Ceiling: 4})},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEngine(t, WithEnforceRevocation(true))
			_, err := e.PrepareDecrypt(&Request{
				Context:        NewContext(),
				Chain:          raw,
				Escrow:         f.escrow(),
				Mode:           ModeHandle,
				RevocationList: test.list,
			})
			if !errors.Is(err, test.wantErr) {
				t.Errorf("Got %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestPrepareDecryptRejectsForeignEscrow(t *testing.T) {
	f := newFixture(t)
	e := newEngine(t)

	_, err := e.PrepareDecrypt(&Request{
		Context: NewContext(),
		Chain:   f.chain(t, license.License{SecurityLevel: 150}, license.License{SecurityLevel: 150}),
		Escrow:  license.EncodeEscrow(f.rootKeys.Escrow(leafKeyID)),
		Mode:    ModeHandle,
	})
	if !errors.Is(err, commonerrors.ErrInvalidArgument) {
		t.Errorf("Got %v, want ErrInvalidArgument", err)
	}
	if _, err := e.PrepareDecrypt(&Request{Chain: []byte("XLIC")}); !errors.Is(err, commonerrors.ErrInvalidArgument) {
		t.Errorf("Got %v without a context, want ErrInvalidArgument", err)
	}
}

func TestParseModeRemap(t *testing.T) {
	remap, err := ParseModeRemap(map[string]string{"clear": "sample-protection", "Handle": "handle"})
	if err != nil {
		t.Fatalf("ParseModeRemap failed: %v", err)
	}
	want := map[Mode]Mode{ModeClear: ModeSampleProtection, ModeHandle: ModeHandle}
	if diff := cmp.Diff(want, remap); diff != "" {
		t.Errorf("Remap mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseModeRemap(map[string]string{"clear": "loud"}); !errors.Is(err, commonerrors.ErrInvalidArgument) {
		t.Errorf("Got %v for an unknown mode, want ErrInvalidArgument", err)
	}
}
