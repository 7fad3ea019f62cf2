package licensing

import (
	"fmt"
	"strings"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/policy"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
)

// Mode selects how decrypted content leaves the protected environment.
type Mode uint32

const (
	// ModeHandle keeps decrypted samples behind an opaque handle.
	ModeHandle Mode = iota + 1
	// ModeSampleProtection re-encrypts samples under a sample protection key.
	ModeSampleProtection
	// ModeClear returns clear samples to the caller.
	ModeClear
)

// Highest security level each mode may serve.
const (
	MaxClearSecurityLevel            = 150
	MaxSampleProtectionSecurityLevel = 2000
)

var modeNames = map[Mode]string{
	ModeHandle:           "handle",
	ModeSampleProtection: "sample_protection",
	ModeClear:            "clear",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", uint32(m))
}

// ParseMode parses the name of a decryption mode.
func ParseMode(s string) (Mode, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown decryption mode %q", commonerrors.ErrInvalidArgument, s)
}

// ParseModeRemap converts a name-to-name table, as found in configuration,
// into a mode remap.
func ParseModeRemap(table map[string]string) (map[Mode]Mode, error) {
	remap := make(map[Mode]Mode, len(table))
	for from, to := range table {
		f, err := ParseMode(from)
		if err != nil {
			return nil, err
		}
		t, err := ParseMode(to)
		if err != nil {
			return nil, err
		}
		remap[f] = t
	}
	return remap, nil
}

// resolveMode applies the remap table once. Remapped modes are not remapped
// again.
func resolveMode(remap map[Mode]Mode, requested Mode) Mode {
	if m, ok := remap[requested]; ok {
		return m
	}
	return requested
}

// checkMode gates mode against the merged policy.
func checkMode(mode Mode, info *policy.Info, sampleKey []byte) error {
	switch mode {
	case ModeHandle:
		return nil
	case ModeClear:
		if info.SecurityLevel > MaxClearSecurityLevel {
			return fmt.Errorf("%w: clear output not allowed at security level %d", commonerrors.ErrPolicyViolation, info.SecurityLevel)
		}
		return nil
	case ModeSampleProtection:
		if info.SecurityLevel > MaxSampleProtectionSecurityLevel {
			return fmt.Errorf("%w: sample protection not allowed at security level %d", commonerrors.ErrPolicyViolation, info.SecurityLevel)
		}
		if len(sampleKey) != secure.KeySize {
			return fmt.Errorf("%w: sample protection needs a %d-byte key, got %d", commonerrors.ErrInvalidArgument, secure.KeySize, len(sampleKey))
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", commonerrors.ErrInvalidArgument, mode)
	}
}
