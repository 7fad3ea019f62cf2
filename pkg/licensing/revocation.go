package licensing

import (
	"fmt"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/protoutil"
)

// Revocation list field numbers.
const (
	revVersion = 1
	revCeiling = 2
)

// RevocationList is the device's current revocation data. Licenses whose
// revocation info version exceeds Ceiling are rejected.
type RevocationList struct {
	Version uint32
	Ceiling uint32
}

// EncodeRevocationList serialises rl.
func EncodeRevocationList(rl RevocationList) []byte {
	b := protoutil.AppendVarint(nil, revVersion, uint64(rl.Version))
	return protoutil.AppendVarint(b, revCeiling, uint64(rl.Ceiling))
}

// ParseRevocationList decodes a revocation list blob. The ceiling is
// required.
func ParseRevocationList(b []byte) (RevocationList, error) {
	var rl RevocationList
	var haveCeiling bool
	err := protoutil.ReadFields(b, func(f protoutil.Field) error {
		var err error
		switch f.Num {
		case revVersion:
			rl.Version, err = f.Uint32()
		case revCeiling:
			rl.Ceiling, err = f.Uint32()
			haveCeiling = true
		}
		return err
	})
	if err != nil {
		return RevocationList{}, fmt.Errorf("%w: revocation list: %v", commonerrors.ErrInvalidArgument, err)
	}
	if !haveCeiling {
		return RevocationList{}, fmt.Errorf("%w: revocation list carries no ceiling", commonerrors.ErrInvalidArgument)
	}
	return rl, nil
}
