// Package licensing is the public entry point of the license engine.
//
// An Engine validates a license chain against escrowed keys, gates the
// requested decryption mode on the merged policy and seals the recovered
// content keys into a key blob bound to a session. The key blob is later
// opened by the decryption stage through OpenKeyBlob.
package licensing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/keyblob"
	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/internal/policy"
	"github.com/deploymenttheory/go-license-engine/internal/primitives"
	"github.com/deploymenttheory/go-license-engine/internal/scalable"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
	"github.com/deploymenttheory/go-license-engine/internal/validator"
)

// Context is a trusted execution session. Key blobs prepared in one context
// open only in the same context.
type Context struct {
	SessionID uuid.UUID
}

// NewContext starts a session with a random identifier.
func NewContext() *Context {
	return &Context{SessionID: uuid.New()}
}

// Request is the input of PrepareDecrypt.
type Request struct {
	Context *Context

	// Chain is the serialised leaf license, optionally followed by its root.
	Chain []byte
	// Escrow is the escrow container of the root-most license.
	Escrow []byte
	// ContentHeaderChecksum is checked against a leaf without a root.
	ContentHeaderChecksum []byte

	Mode                Mode
	SampleProtectionKey []byte

	// RevocationList is required when revocation is enforced.
	RevocationList    []byte
	EnforceRevocation bool
}

// Result describes a prepared key blob.
type Result struct {
	KeyBlob  []byte
	Mode     Mode
	KeyCount int
	Policy   policy.Info
}

// Engine prepares and opens key blobs.
type Engine struct {
	validator *validator.Validator
	binder    *keyblob.Binder
	logger    *zap.Logger

	now                func() time.Time
	remap              map[Mode]Mode
	enforceRevocation  bool
	allowReconstituted bool
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger             *zap.Logger
	now                func() time.Time
	maxDepth           int
	remap              map[Mode]Mode
	enforceRevocation  bool
	allowReconstituted bool
}

// WithLogger sets the logger. Key material is never logged.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithNow sets the clock used to check validity windows.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMaxTreeDepth bounds scalable key derivation.
func WithMaxTreeDepth(n int) Option {
	return func(o *options) {
		o.maxDepth = n
	}
}

// WithModeRemap installs an OEM decryption mode remap, applied before the
// requested mode is checked against the policy.
func WithModeRemap(remap map[Mode]Mode) Option {
	return func(o *options) {
		o.remap = remap
	}
}

// WithEnforceRevocation enforces revocation on every request.
func WithEnforceRevocation(enforce bool) Option {
	return func(o *options) {
		o.enforceRevocation = enforce
	}
}

// WithReconstitutedSessions controls whether OpenKeyBlob accepts blobs from
// an earlier session when the caller marks the open as reconstituted. It
// defaults to true; pass false to pin every blob to its own session.
func WithReconstitutedSessions(allow bool) Option {
	return func(o *options) {
		o.allowReconstituted = allow
	}
}

// New returns an Engine backed by p.
func New(p primitives.Provider, opts ...Option) *Engine {
	o := options{
		logger:             zap.NewNop(),
		now:                time.Now,
		maxDepth:           scalable.DefaultMaxDepth,
		allowReconstituted: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	return &Engine{
		validator:          validator.New(p, validator.WithLogger(o.logger), validator.WithMaxTreeDepth(o.maxDepth)),
		binder:             keyblob.New(p, o.logger),
		logger:             o.logger,
		now:                o.now,
		remap:              o.remap,
		enforceRevocation:  o.enforceRevocation,
		allowReconstituted: o.allowReconstituted,
	}
}

// NewWithDeviceSecret returns an Engine backed by the AES provider keyed
// from deviceSecret.
func NewWithDeviceSecret(deviceSecret []byte, uniqueID string, opts ...Option) (*Engine, error) {
	p, err := primitives.NewAESProvider(deviceSecret, uniqueID)
	if err != nil {
		return nil, err
	}
	return New(p, opts...), nil
}

// PrepareDecrypt validates req.Chain and seals the leaf content keys into a
// key blob for req.Context. Every intermediate key is wiped before it
// returns.
func (e *Engine) PrepareDecrypt(req *Request) (*Result, error) {
	arena := secure.NewArena()
	defer arena.Release()

	res, err := e.prepare(arena, req)
	if err != nil {
		e.logger.Debug("Prepare decrypt failed",
			zap.Stringer("kind", commonerrors.Kind(err)),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (e *Engine) prepare(arena *secure.Arena, req *Request) (*Result, error) {
	if req == nil || req.Context == nil {
		return nil, fmt.Errorf("%w: no context", commonerrors.ErrInvalidArgument)
	}

	chain, err := license.Parse(req.Chain)
	if err != nil {
		return nil, err
	}

	escrow, err := license.ParseEscrow(req.Escrow)
	if err != nil {
		return nil, err
	}
	defer escrow.Wipe()

	anchor := chain.Leaf
	if chain.HasRoot() {
		anchor = chain.Root
	}
	if escrow.KeyID != anchor.KeyID {
		return nil, fmt.Errorf("%w: escrow is bound to key %x, chain is anchored at %x",
			commonerrors.ErrInvalidArgument, escrow.KeyID, anchor.KeyID)
	}

	vreq := validator.Request{
		Chain:                 chain,
		Escrow:                escrow,
		ContentHeaderChecksum: req.ContentHeaderChecksum,
		EnforceRevocation:     e.enforceRevocation || req.EnforceRevocation,
	}
	if vreq.EnforceRevocation {
		if len(req.RevocationList) == 0 {
			return nil, fmt.Errorf("%w: revocation is enforced but no revocation list was given", commonerrors.ErrInvalidArgument)
		}
		rl, err := ParseRevocationList(req.RevocationList)
		if err != nil {
			return nil, err
		}
		vreq.RevocationCeiling = rl.Ceiling
	}

	vres, err := e.validator.Validate(arena, vreq)
	if err != nil {
		return nil, err
	}

	mode := resolveMode(e.remap, req.Mode)
	if err := checkMode(mode, &vres.Policy, req.SampleProtectionKey); err != nil {
		return nil, err
	}

	keys := []*secure.Key{vres.CI, vres.CK}
	if mode == ModeSampleProtection {
		sk, err := arena.KeyFrom(req.SampleProtectionKey)
		if err != nil {
			return nil, err
		}
		keys = append(keys, sk)
	}

	blob, err := e.binder.Bind(&keyblob.Contents{
		SessionID: req.Context.SessionID,
		Mode:      uint32(mode),
		Keys:      keys,
		Policy:    vres.Policy,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Prepared key blob",
		zap.String("session", req.Context.SessionID.String()),
		zap.Stringer("requested_mode", req.Mode),
		zap.Stringer("mode", mode),
		zap.Int("keys", len(keys)),
		zap.Uint32("security_level", vres.Policy.SecurityLevel))

	return &Result{
		KeyBlob:  blob,
		Mode:     mode,
		KeyCount: len(keys),
		Policy:   vres.Policy,
	}, nil
}

// KeySet is the content of an opened key blob. Its keys stay valid until
// Release.
type KeySet struct {
	arena    *secure.Arena
	contents *keyblob.Contents
}

// CI returns the content integrity key.
func (ks *KeySet) CI() []byte { return ks.contents.Keys[0].Bytes() }

// CK returns the content key.
func (ks *KeySet) CK() []byte { return ks.contents.Keys[1].Bytes() }

// SampleProtectionKey returns the sample protection key, or nil when the blob
// was not prepared for sample protection.
func (ks *KeySet) SampleProtectionKey() []byte {
	if len(ks.contents.Keys) < keyblob.MaxKeys {
		return nil
	}
	return ks.contents.Keys[2].Bytes()
}

// KeyCount returns the number of keys in the blob.
func (ks *KeySet) KeyCount() int { return len(ks.contents.Keys) }

// Mode returns the decryption mode the blob was prepared for.
func (ks *KeySet) Mode() Mode { return Mode(ks.contents.Mode) }

// SessionID returns the session the blob was prepared in.
func (ks *KeySet) SessionID() uuid.UUID { return ks.contents.SessionID }

// Policy returns the merged policy bound to the keys.
func (ks *KeySet) Policy() policy.Info { return ks.contents.Policy }

// Release wipes every key of the set.
func (ks *KeySet) Release() { ks.arena.Release() }

// OpenKeyBlob authenticates blob and returns its keys. The blob must come
// from ctx unless reconstituted is set, which the engine accepts unless
// built with WithReconstitutedSessions(false). The policy's validity window is checked against the engine
// clock.
func (e *Engine) OpenKeyBlob(ctx *Context, blob []byte, reconstituted bool) (*KeySet, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: no context", commonerrors.ErrInvalidArgument)
	}

	arena := secure.NewArena()
	c, err := e.binder.Open(arena, blob)
	if err != nil {
		arena.Release()
		return nil, err
	}

	if c.SessionID != ctx.SessionID && !(reconstituted && e.allowReconstituted) {
		arena.Release()
		return nil, fmt.Errorf("%w: blob from session %s opened in %s", commonerrors.ErrSessionMismatch, c.SessionID, ctx.SessionID)
	}
	if err := c.Policy.CheckValidity(e.now()); err != nil {
		arena.Release()
		return nil, err
	}

	e.logger.Debug("Opened key blob",
		zap.String("session", c.SessionID.String()),
		zap.Bool("reconstituted", reconstituted),
		zap.Int("keys", len(c.Keys)))

	return &KeySet{arena: arena, contents: c}, nil
}
