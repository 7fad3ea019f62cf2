package scalable

import (
	"fmt"

	"go.uber.org/zap"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/internal/primitives"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
)

// DefaultMaxDepth bounds the number of descent steps per location. A 32-bit
// location tree never needs more than 31.
const DefaultMaxDepth = 32

// Deriver recovers scalable leaf keys.
type Deriver struct {
	provider primitives.Provider
	maxDepth int
	logger   *zap.Logger
}

// Option configures a Deriver.
type Option func(*Deriver)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(d *Deriver) {
		if n > 0 {
			d.maxDepth = n
		}
	}
}

// WithLogger sets the logger used for derivation traces.
func WithLogger(l *zap.Logger) Option {
	return func(d *Deriver) {
		if l != nil {
			d.logger = l
		}
	}
}

// New returns a Deriver backed by p.
func New(p primitives.Provider, opts ...Option) *Deriver {
	d := &Deriver{
		provider: p,
		maxDepth: DefaultMaxDepth,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolution is the outcome of deriving the key of a single location.
type Resolution struct {
	Key      *secure.Key
	Ancestor uint32
	Steps    int
}

// slot is one entry of the two-slot derivation stack.
type slot struct {
	location uint32
	key      *secure.Key
}

// ContentKeyPrime derives the key that unwraps aux table entries from the
// content key of the root license.
func (d *Deriver) ContentKeyPrime(arena *secure.Arena, rootCK *secure.Key) (*secure.Key, error) {
	ckPrime := arena.NewKey()
	if err := d.provider.DeriveKey(ckPrime, rootCK, primitives.ContentKeyPrimeConstant); err != nil {
		return nil, fmt.Errorf("derive content key prime: %w", err)
	}
	return ckPrime, nil
}

// Descend derives the key of target from the key of node, one level per step,
// alternating between two stack slots. All keys are allocated from arena.
func (d *Deriver) Descend(arena *secure.Arena, node uint32, nodeKey *secure.Key, target uint32) (*secure.Key, int, error) {
	stack := [2]slot{
		{location: node, key: arena.NewKey()},
		{key: arena.NewKey()},
	}
	stack[0].key.CopyFrom(nodeKey)

	idx, steps := 0, 0
	for stack[idx].location != target {
		if steps >= d.maxDepth {
			return nil, steps, fmt.Errorf("%w: %#x not reached from %#x within %d steps",
				commonerrors.ErrTreeResolutionFailed, target, node, d.maxDepth)
		}

		next, right, err := Step(stack[idx].location, target)
		if err != nil {
			return nil, steps, err
		}

		constant := primitives.LeftChildConstant
		if right {
			constant = primitives.RightChildConstant
		}

		other := 1 - idx
		if err := d.provider.DeriveKey(stack[other].key, stack[idx].key, constant); err != nil {
			return nil, steps, fmt.Errorf("derive child %#x: %w", next, err)
		}
		stack[other].location = next
		stack[idx].key.Wipe()
		idx = other
		steps++
	}

	return stack[idx].key, steps, nil
}

// DeriveLocation resolves target against a validated aux table.
func (d *Deriver) DeriveLocation(arena *secure.Arena, ckPrime *secure.Key, table []license.AuxKeyEntry, target uint32) (Resolution, error) {
	i, err := FindAncestor(table, target)
	if err != nil {
		return Resolution{}, err
	}
	entry := table[i]

	seed := arena.NewKey()
	if err := d.provider.UnwrapKey(seed, ckPrime, entry.WrappedKey); err != nil {
		return Resolution{}, fmt.Errorf("unwrap aux key %#x: %w", entry.Location, err)
	}

	key, steps, err := d.Descend(arena, entry.Location, seed, target)
	if err != nil {
		return Resolution{}, err
	}

	d.logger.Debug("Resolved scalable location",
		zap.String("location", fmt.Sprintf("%#x", target)),
		zap.String("ancestor", fmt.Sprintf("%#x", entry.Location)),
		zap.Int("steps", steps))

	return Resolution{Key: key, Ancestor: entry.Location, Steps: steps}, nil
}

// UplinkKey folds the keys of every uplink location into one accumulator.
func (d *Deriver) UplinkKey(arena *secure.Arena, ckPrime *secure.Key, table []license.AuxKeyEntry, uplinks []license.UplinkEntry) (*secure.Key, error) {
	if len(uplinks) == 0 {
		return nil, fmt.Errorf("%w: no uplink locations", commonerrors.ErrMalformedChain)
	}

	acc := arena.NewKey()
	for _, u := range uplinks {
		res, err := d.DeriveLocation(arena, ckPrime, table, u.Location)
		if err != nil {
			return nil, err
		}
		if err := d.provider.UpdateKey(acc, res.Key); err != nil {
			return nil, fmt.Errorf("update uplink key: %w", err)
		}
		res.Key.Wipe()
	}
	return acc, nil
}

// DeriveLeafKeys recovers the CI/CK pair of a scalable leaf from the content
// key of its root and the root's aux table. The returned keys belong to
// arena.
func (d *Deriver) DeriveLeafKeys(arena *secure.Arena, rootCK *secure.Key, table []license.AuxKeyEntry, leaf *license.ScalableKeys) (ci, ck *secure.Key, err error) {
	if err := ValidateAuxTable(table); err != nil {
		return nil, nil, err
	}

	ckPrime, err := d.ContentKeyPrime(arena, rootCK)
	if err != nil {
		return nil, nil, err
	}

	uplinkKey, err := d.UplinkKey(arena, ckPrime, table, leaf.Uplinks)
	if err != nil {
		return nil, nil, err
	}

	secondary := arena.NewKey()
	if err := d.provider.UnwrapKey(secondary, rootCK, leaf.SecondaryKey); err != nil {
		return nil, nil, fmt.Errorf("unwrap secondary key: %w", err)
	}

	if len(leaf.WrappedKeys) != 2*secure.KeySize {
		return nil, nil, fmt.Errorf("%w: leaf wraps %d bytes", commonerrors.ErrCryptographicFailure, len(leaf.WrappedKeys))
	}
	inner := arena.Track(make([]byte, len(leaf.WrappedKeys)))
	if err := d.provider.DecryptBlocks(inner, uplinkKey, leaf.WrappedKeys); err != nil {
		return nil, nil, fmt.Errorf("unwrap leaf keys: %w", err)
	}

	ci, ck = arena.NewKey(), arena.NewKey()
	if err := d.provider.UnwrapKeyPair(ci, ck, secondary, inner); err != nil {
		return nil, nil, fmt.Errorf("unwrap leaf keys: %w", err)
	}

	d.logger.Debug("Derived scalable leaf keys", zap.Int("uplinks", len(leaf.Uplinks)))
	return ci, ck, nil
}
