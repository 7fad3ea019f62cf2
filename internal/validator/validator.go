// Package validator verifies a parsed license chain and recovers the leaf
// content keys.
//
// A chain is validated along one of two paths. The scalable path applies to a
// leaf with an uplink descriptor under a root with an aux key table: the root
// is verified with the escrowed keys, the leaf keys are derived through the
// key derivation tree, then the leaf checksum and signature are checked with
// the recovered keys. Every other chain takes the simple path, where the leaf
// keys are either unwrapped with the escrowed root content key or are the
// escrowed keys themselves.
package validator

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/internal/policy"
	"github.com/deploymenttheory/go-license-engine/internal/primitives"
	"github.com/deploymenttheory/go-license-engine/internal/scalable"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
)

// Request is the input of a single validation.
type Request struct {
	Chain  *license.Chain
	Escrow *license.Escrow

	// ContentHeaderChecksum is verified against a root-less leaf when set.
	ContentHeaderChecksum []byte

	EnforceRevocation bool
	RevocationCeiling uint32
}

// Result carries the recovered leaf keys, owned by the arena passed to
// Validate, and the merged policy.
type Result struct {
	CI     *secure.Key
	CK     *secure.Key
	Policy policy.Info
}

// Validator checks license chains.
type Validator struct {
	provider primitives.Provider
	deriver  *scalable.Deriver
	logger   *zap.Logger
}

// Option configures a Validator.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	maxDepth int
}

// WithLogger sets the logger. Key material is never logged.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxTreeDepth bounds scalable key derivation.
func WithMaxTreeDepth(n int) Option {
	return func(o *options) {
		o.maxDepth = n
	}
}

// New returns a Validator backed by p.
func New(p primitives.Provider, opts ...Option) *Validator {
	o := options{
		logger:   zap.NewNop(),
		maxDepth: scalable.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	return &Validator{
		provider: p,
		deriver:  scalable.New(p, scalable.WithMaxDepth(o.maxDepth), scalable.WithLogger(o.logger)),
		logger:   o.logger,
	}
}

// Validate verifies req.Chain. Every key it allocates, including the keys of
// the result, belongs to arena; the caller releases the arena on every path.
func (v *Validator) Validate(arena *secure.Arena, req Request) (*Result, error) {
	chain := req.Chain
	if chain == nil || chain.Leaf == nil {
		return nil, fmt.Errorf("%w: no license chain", commonerrors.ErrInvalidArgument)
	}
	if req.Escrow == nil {
		return nil, fmt.Errorf("%w: no escrowed keys", commonerrors.ErrInvalidArgument)
	}

	scalableChain, err := classify(chain)
	if err != nil {
		return nil, err
	}

	escrowCI, err := arena.KeyFrom(req.Escrow.CI[:])
	if err != nil {
		return nil, err
	}
	escrowCK, err := arena.KeyFrom(req.Escrow.CK[:])
	if err != nil {
		return nil, err
	}

	var ci, ck *secure.Key
	switch {
	case scalableChain:
		ci, ck, err = v.validateScalable(arena, chain, escrowCI, escrowCK)
	case chain.HasRoot():
		ci, ck, err = v.validateSimpleWithRoot(arena, chain, escrowCI, escrowCK)
	default:
		ci, ck, err = v.validateLeafOnly(chain.Leaf, escrowCI, escrowCK, req.ContentHeaderChecksum)
	}
	if err != nil {
		return nil, err
	}

	if req.EnforceRevocation {
		if err := checkRevocation(chain, req.RevocationCeiling); err != nil {
			return nil, err
		}
	}

	for _, l := range []*license.License{chain.Leaf, chain.Root} {
		if l == nil {
			continue
		}
		if err := CheckRestrictions(l); err != nil {
			return nil, err
		}
	}

	info, err := policy.Merge(chain.Leaf, chain.Root)
	if err != nil {
		return nil, err
	}

	v.logger.Debug("License chain validated",
		zap.Bool("scalable", scalableChain),
		zap.Bool("root", chain.HasRoot()),
		zap.Uint32("security_level", info.SecurityLevel))

	return &Result{CI: ci, CK: ck, Policy: info}, nil
}

// classify reports whether chain takes the scalable path. A leaf with an
// uplink must sit under a root with an aux table and vice versa.
func classify(chain *license.Chain) (bool, error) {
	leafScalable := chain.Leaf.Scalable()
	if !chain.HasRoot() {
		if leafScalable {
			return false, fmt.Errorf("%w: scalable leaf without a root", commonerrors.ErrMalformedChain)
		}
		return false, nil
	}
	if chain.Root.Scalable() {
		return false, fmt.Errorf("%w: root license carries an uplink", commonerrors.ErrMalformedChain)
	}
	if leafScalable != chain.Root.HasAuxKeys() {
		return false, fmt.Errorf("%w: leaf scalable=%t but root aux table present=%t",
			commonerrors.ErrMalformedChain, leafScalable, chain.Root.HasAuxKeys())
	}
	return leafScalable, nil
}

func (v *Validator) validateScalable(arena *secure.Arena, chain *license.Chain, escrowCI, escrowCK *secure.Key) (ci, ck *secure.Key, err error) {
	leaf, root := chain.Leaf, chain.Root

	if err := v.verifySignature(root, escrowCI, "root"); err != nil {
		return nil, nil, err
	}

	shape, ok := leaf.KeyMaterial.Shape.(*license.ScalableKeys)
	if !ok {
		return nil, nil, fmt.Errorf("%w: leaf has no uplink", commonerrors.ErrMalformedChain)
	}
	ci, ck, err = v.deriver.DeriveLeafKeys(arena, escrowCK, root.KeyMaterial.AuxKeys, shape)
	if err != nil {
		return nil, nil, err
	}

	if err := v.provider.VerifyChecksum(ck, slices.Concat(leaf.KeyID[:], root.KeyID[:], shape.Descriptor()), leaf.KeyMaterial.Checksum); err != nil {
		return nil, nil, fmt.Errorf("leaf checksum: %w", err)
	}
	if err := v.verifySignature(leaf, ci, "leaf"); err != nil {
		return nil, nil, err
	}
	return ci, ck, nil
}

func (v *Validator) validateSimpleWithRoot(arena *secure.Arena, chain *license.Chain, escrowCI, escrowCK *secure.Key) (ci, ck *secure.Key, err error) {
	leaf, root := chain.Leaf, chain.Root

	if err := v.verifySignature(root, escrowCI, "root"); err != nil {
		return nil, nil, err
	}

	shape, ok := leaf.KeyMaterial.Shape.(*license.SimpleKeys)
	if !ok {
		return nil, nil, fmt.Errorf("%w: leaf has no wrapped keys", commonerrors.ErrMalformedChain)
	}
	wrapped := shape.WrappedKeys
	ci, ck = arena.NewKey(), arena.NewKey()
	if err := v.provider.UnwrapKeyPair(ci, ck, escrowCK, wrapped); err != nil {
		return nil, nil, fmt.Errorf("unwrap leaf keys: %w", err)
	}

	if err := v.provider.VerifyChecksum(escrowCK, slices.Concat(leaf.KeyID[:], wrapped), leaf.KeyMaterial.Checksum); err != nil {
		return nil, nil, fmt.Errorf("leaf checksum: %w", err)
	}
	if err := v.verifySignature(leaf, ci, "leaf"); err != nil {
		return nil, nil, err
	}
	return ci, ck, nil
}

func (v *Validator) validateLeafOnly(leaf *license.License, escrowCI, escrowCK *secure.Key, headerChecksum []byte) (ci, ck *secure.Key, err error) {
	if err := v.verifySignature(leaf, escrowCI, "leaf"); err != nil {
		return nil, nil, err
	}
	if len(headerChecksum) > 0 {
		if err := v.provider.VerifyChecksum(escrowCK, leaf.KeyID[:], headerChecksum); err != nil {
			return nil, nil, fmt.Errorf("content header checksum: %w", err)
		}
	}
	return escrowCI, escrowCK, nil
}

func (v *Validator) verifySignature(l *license.License, ci *secure.Key, role string) error {
	if err := v.provider.VerifySignature(ci, l.SignedBytes, l.Signature); err != nil {
		v.logger.Debug("Signature verification failed", zap.String("license", role))
		return fmt.Errorf("%s signature: %w", role, err)
	}
	return nil
}

func checkRevocation(chain *license.Chain, ceiling uint32) error {
	if riv := chain.Leaf.RevocationInfoVersion; riv > ceiling {
		return fmt.Errorf("%w: leaf revocation info version %d exceeds %d", commonerrors.ErrRevocationRejected, riv, ceiling)
	}
	if chain.HasRoot() {
		if riv := chain.Root.RevocationInfoVersion; riv > ceiling {
			return fmt.Errorf("%w: root revocation info version %d exceeds %d", commonerrors.ErrRevocationRejected, riv, ceiling)
		}
	}
	return nil
}
