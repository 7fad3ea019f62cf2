// Package scalable derives content keys for scalable licenses from a binary
// key derivation tree addressed by 32-bit locations.
//
// A location encodes both a node and its subtree: the lowest set bit of a
// location is its boundary, and the node covers every non-zero location that
// agrees with it on all bits above the boundary, except the bare prefix
// itself. Leaves are odd locations and cover only themselves. The tree root
// is 0x80000000 and covers every non-zero location.
package scalable

import (
	"fmt"
	"math/bits"
	"sort"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/license"
)

// RootLocation is the location of the tree root.
const RootLocation uint32 = 1 << 31

// Boundary returns the lowest set bit of loc. It returns 0 for location 0,
// which names no node.
func Boundary(loc uint32) uint32 {
	return loc & -loc
}

// Range returns the inclusive span of locations covered by loc.
func Range(loc uint32) (lo, hi uint64) {
	b := uint64(Boundary(loc))
	return uint64(loc) - b + 1, uint64(loc) + b - 1
}

// Covers reports whether target lies in the subtree rooted at node.
func Covers(node, target uint32) bool {
	if node == 0 || target == 0 {
		return false
	}
	lo, hi := Range(node)
	return uint64(target) >= lo && uint64(target) <= hi
}

// Step returns the child of current on the path to target, and whether that
// child is the right child. target must be a strict descendant of current.
func Step(current, target uint32) (next uint32, right bool, err error) {
	if current == target || !Covers(current, target) {
		return 0, false, fmt.Errorf("%w: %#x is not below %#x", commonerrors.ErrTreeResolutionFailed, target, current)
	}

	c := bits.TrailingZeros32(current)
	// c > 0 here: a leaf covers only itself.
	right = target&(1<<c) != 0
	next = target&^(1<<c-1) | 1<<(c-1)
	return next, right, nil
}

// Depth returns the number of Steps from node down to target.
func Depth(node, target uint32) int {
	return bits.TrailingZeros32(node) - bits.TrailingZeros32(target)
}

// ValidateAuxTable checks that every entry names a node, carries a single
// wrapped key, and that entries are strictly ascending with disjoint
// subtrees.
func ValidateAuxTable(table []license.AuxKeyEntry) error {
	for i, e := range table {
		if e.Location == 0 {
			return fmt.Errorf("%w: aux entry %d has location 0", commonerrors.ErrMalformedChain, i)
		}
		if len(e.WrappedKey) != 16 {
			return fmt.Errorf("%w: aux entry %#x wraps %d bytes", commonerrors.ErrMalformedChain, e.Location, len(e.WrappedKey))
		}
		if i == 0 {
			continue
		}
		_, prevHi := Range(table[i-1].Location)
		lo, _ := Range(e.Location)
		if table[i-1].Location >= e.Location || prevHi >= lo {
			return fmt.Errorf("%w: aux entries %#x and %#x are out of order or overlap",
				commonerrors.ErrMalformedChain, table[i-1].Location, e.Location)
		}
	}
	return nil
}

// FindAncestor returns the index of the entry of a validated aux table whose
// subtree contains target.
func FindAncestor(table []license.AuxKeyEntry, target uint32) (int, error) {
	if target == 0 {
		return 0, fmt.Errorf("%w: location 0", commonerrors.ErrMalformedChain)
	}

	// last entry whose range starts at or before target
	i := sort.Search(len(table), func(i int) bool {
		lo, _ := Range(table[i].Location)
		return lo > uint64(target)
	}) - 1

	if i < 0 || !Covers(table[i].Location, target) {
		return 0, fmt.Errorf("%w: no aux entry covers %#x", commonerrors.ErrLocationUnresolved, target)
	}
	return i, nil
}
