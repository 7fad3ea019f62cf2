package validator

import (
	"fmt"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/internal/policy"
)

// CheckRestrictions fails with a PolicyViolation when l carries a
// must-understand restriction container or object this engine does not
// recognise. Unrecognised optional entries are skipped.
func CheckRestrictions(l *license.License) error {
	for _, rc := range l.RestrictionContainers {
		if !policy.Known(rc.Category) {
			if rc.MustUnderstand {
				return fmt.Errorf("%w: unknown must-understand restriction category %d",
					commonerrors.ErrPolicyViolation, rc.Category)
			}
			continue
		}

		for _, obj := range rc.Objects {
			if obj.Type != license.ObjectRestriction && obj.MustUnderstand {
				return fmt.Errorf("%w: unknown must-understand object type %d in %s restrictions",
					commonerrors.ErrPolicyViolation, obj.Type, rc.Category)
			}
		}
	}
	return nil
}
