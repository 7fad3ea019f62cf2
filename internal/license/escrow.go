package license

import (
	"fmt"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/protoutil"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
)

// Escrow field numbers.
const (
	escrowKeyID = 1
	escrowCI    = 2
	escrowCK    = 3
)

// Escrow holds the CI/CK pair bound to the root-most license of a chain.
// Its integrity is established by whoever hands it to the engine.
type Escrow struct {
	KeyID [KeyIDSize]byte
	CI    [secure.KeySize]byte
	CK    [secure.KeySize]byte
}

// Wipe overwrites the escrowed keys.
func (e *Escrow) Wipe() {
	secure.WipeBytes(e.CI[:])
	secure.WipeBytes(e.CK[:])
}

// EncodeEscrow serialises e.
func EncodeEscrow(e *Escrow) []byte {
	var b []byte
	b = protoutil.AppendBytes(b, escrowKeyID, e.KeyID[:])
	b = protoutil.AppendBytes(b, escrowCI, e.CI[:])
	return protoutil.AppendBytes(b, escrowCK, e.CK[:])
}

// ParseEscrow decodes an escrow container. All three fields are required.
func ParseEscrow(b []byte) (*Escrow, error) {
	e := &Escrow{}
	var seen int
	err := protoutil.ReadFields(b, func(f protoutil.Field) error {
		var dst []byte
		switch f.Num {
		case escrowKeyID:
			dst = e.KeyID[:]
		case escrowCI:
			dst = e.CI[:]
		case escrowCK:
			dst = e.CK[:]
		default:
			return nil
		}
		seen |= 1 << f.Num
		return f.Fixed(dst)
	})
	if err != nil {
		e.Wipe()
		return nil, fmt.Errorf("%w: escrow container: %v", commonerrors.ErrInvalidArgument, err)
	}
	if seen != 1<<escrowKeyID|1<<escrowCI|1<<escrowCK {
		e.Wipe()
		return nil, fmt.Errorf("%w: escrow container is incomplete", commonerrors.ErrInvalidArgument)
	}
	return e, nil
}
