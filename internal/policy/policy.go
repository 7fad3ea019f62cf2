// Package policy merges the playback policy of a license chain.
package policy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/license"
)

// DefaultOutputProtectionLevel applies to every category neither license
// specifies.
const DefaultOutputProtectionLevel uint16 = 100

// PlayEnablerFlags is a bit set of recognised play enablers.
type PlayEnablerFlags uint32

const (
	PlayEnablerUnknownOutput PlayEnablerFlags = 1 << iota
	PlayEnablerConstrainedResolutionUnknownOutput
)

// Play enabler identifiers as they appear in licenses.
var (
	UnknownOutputEnabler                      = uuid.MustParse("786627d8-c2a6-44be-8f88-08ae255b01a7")
	ConstrainedResolutionUnknownOutputEnabler = uuid.MustParse("b621d91f-edcc-4035-8d4b-dc71760d43e9")
)

var playEnablers = map[uuid.UUID]PlayEnablerFlags{
	UnknownOutputEnabler:                      PlayEnablerUnknownOutput,
	ConstrainedResolutionUnknownOutputEnabler: PlayEnablerConstrainedResolutionUnknownOutput,
}

// Restriction is a restriction object carried into the merged policy.
type Restriction struct {
	Category license.RestrictionCategory
	ID       [16]byte
	Config   []byte
}

// Info is the merged policy of a license chain.
type Info struct {
	SecurityLevel      uint32
	Begin              uint64
	End                uint64
	RealTimeExpiration bool
	OutputProtection   [license.OPLCount]uint16
	PlayEnablers       PlayEnablerFlags
	Restrictions       []Restriction
}

// restrictionOrder is the order in which restriction categories are merged.
var restrictionOrder = []license.RestrictionCategory{
	license.RestrictionAnalogVideo,
	license.RestrictionDigitalAudio,
	license.RestrictionDigitalVideo,
}

// Merge combines the policy of leaf and an optional root. A leaf requiring a
// higher security level than its root is a PolicyViolation.
func Merge(leaf, root *license.License) (Info, error) {
	info := Info{
		SecurityLevel:      leaf.SecurityLevel,
		Begin:              leaf.Begin,
		End:                leaf.End,
		RealTimeExpiration: leaf.RealTimeExpiration,
	}

	if root != nil {
		if leaf.SecurityLevel > root.SecurityLevel {
			return Info{}, fmt.Errorf("%w: leaf security level %d exceeds root security level %d",
				commonerrors.ErrPolicyViolation, leaf.SecurityLevel, root.SecurityLevel)
		}
		info.SecurityLevel = max(leaf.SecurityLevel, root.SecurityLevel)
		info.Begin = max(leaf.Begin, root.Begin)
		info.End = min(leaf.End, root.End)
		info.RealTimeExpiration = leaf.RealTimeExpiration || root.RealTimeExpiration
	}

	switch {
	case root != nil && root.OutputProtection != nil:
		info.OutputProtection = root.OutputProtection.Levels
	case leaf.OutputProtection != nil:
		info.OutputProtection = leaf.OutputProtection.Levels
	default:
		for i := range info.OutputProtection {
			info.OutputProtection[i] = DefaultOutputProtectionLevel
		}
	}

	info.PlayEnablers = mergePlayEnablers(leaf.PlayEnablers)
	info.Restrictions = collectRestrictions(leaf.RestrictionContainers)

	return info, nil
}

func mergePlayEnablers(ids [][16]byte) PlayEnablerFlags {
	var flags PlayEnablerFlags
	for _, id := range ids {
		flags |= playEnablers[uuid.UUID(id)]
	}
	if flags&PlayEnablerConstrainedResolutionUnknownOutput != 0 {
		flags &^= PlayEnablerUnknownOutput
	}
	return flags
}

func collectRestrictions(containers []license.RestrictionContainer) []Restriction {
	var out []Restriction
	for _, category := range restrictionOrder {
		for _, rc := range containers {
			if rc.Category != category {
				continue
			}
			for _, obj := range rc.Objects {
				if obj.Type != license.ObjectRestriction {
					continue
				}
				r := Restriction{Category: category, ID: obj.ID, Config: obj.Config}
				// An empty config does not survive a key blob round trip.
				if len(r.Config) == 0 {
					r.Config = nil
				}
				out = append(out, r)
			}
		}
	}
	return out
}

// Known reports whether c is a restriction category this engine enforces.
func Known(c license.RestrictionCategory) bool {
	for _, k := range restrictionOrder {
		if k == c {
			return true
		}
	}
	return false
}

// CheckValidity returns a PolicyViolation when now lies outside the validity
// window.
func (i *Info) CheckValidity(now time.Time) error {
	ts := now.Unix()
	if ts < 0 || uint64(ts) < i.Begin {
		return fmt.Errorf("%w: license not valid before %d", commonerrors.ErrPolicyViolation, i.Begin)
	}
	if uint64(ts) > i.End {
		return fmt.Errorf("%w: license expired at %d", commonerrors.ErrPolicyViolation, i.End)
	}
	return nil
}

// Unlimited reports whether the validity window has no end.
func (i *Info) Unlimited() bool {
	return i.End == license.EndUnlimited
}
