package ops

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/fsutil"
	"github.com/deploymenttheory/go-license-engine/internal/common/jsonutil"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
	"github.com/deploymenttheory/go-license-engine/pkg/licensing"
)

// ValidateParams selects the inputs of a validation. When ManifestPath is
// set, chain, escrow and content header checksum default to the manifest's,
// and files taken from the manifest must match its digests. The chain and
// the revocation list may be http(s) URLs.
type ValidateParams struct {
	ManifestPath string `mapstructure:"manifest"`
	ChainPath    string `mapstructure:"chain"`
	EscrowPath   string `mapstructure:"escrow"`

	Mode                  string `mapstructure:"mode"`
	SampleProtectionKey   string `mapstructure:"sample_protection_key"` // hex
	ContentHeaderChecksum string `mapstructure:"content_header_checksum"`

	RevocationListPath string `mapstructure:"revocation_list"`
	EnforceRevocation  bool   `mapstructure:"enforce_revocation"`

	OutPath string `mapstructure:"out"`

	// Digests taken from the manifest
	chainSHA256, escrowSHA256 string
}

// ValidateResult describes the key blob written by Validate.
type ValidateResult struct {
	KeyBlob       string `json:"key_blob"`
	Session       string `json:"session"`
	Mode          string `json:"mode"`
	KeyCount      int    `json:"key_count"`
	SecurityLevel uint32 `json:"security_level"`
}

// Validate validates a chain against its escrow and writes the resulting key
// blob to p.OutPath.
func Validate(cfg *config.AppConfig, logger *zap.Logger, p ValidateParams) (*ValidateResult, error) {
	if err := p.applyManifest(); err != nil {
		return nil, err
	}
	if p.ChainPath == "" || p.EscrowPath == "" || p.OutPath == "" {
		return nil, fmt.Errorf("%w: chain, escrow and output paths are required", commonerrors.ErrInvalidArgument)
	}

	mode := licensing.ModeHandle
	if p.Mode != "" {
		var err error
		if mode, err = licensing.ParseMode(p.Mode); err != nil {
			return nil, err
		}
	}

	req := &licensing.Request{
		Context:           licensing.NewContext(),
		Mode:              mode,
		EnforceRevocation: p.EnforceRevocation,
	}

	var err error
	if req.Chain, _, err = readInput(p.ChainPath, p.chainSHA256); err != nil {
		return nil, err
	}
	if req.Escrow, _, err = readInput(p.EscrowPath, p.escrowSHA256); err != nil {
		return nil, err
	}
	defer secure.WipeBytes(req.Escrow)

	if p.RevocationListPath != "" {
		if req.RevocationList, _, err = readInput(p.RevocationListPath, ""); err != nil {
			return nil, err
		}
	}
	if req.ContentHeaderChecksum, err = decodeHex("content header checksum", p.ContentHeaderChecksum); err != nil {
		return nil, err
	}
	if req.SampleProtectionKey, err = decodeHex("sample protection key", p.SampleProtectionKey); err != nil {
		return nil, err
	}
	defer secure.WipeBytes(req.SampleProtectionKey)

	engine, err := NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	res, err := engine.PrepareDecrypt(req)
	if err != nil {
		return nil, err
	}

	if err := fsutil.WriteFile(p.OutPath, res.KeyBlob, fsutil.SecretFileMode); err != nil {
		return nil, err
	}

	return &ValidateResult{
		KeyBlob:       p.OutPath,
		Session:       req.Context.SessionID.String(),
		Mode:          res.Mode.String(),
		KeyCount:      res.KeyCount,
		SecurityLevel: res.Policy.SecurityLevel,
	}, nil
}

func (p *ValidateParams) applyManifest() error {
	if p.ManifestPath == "" {
		return nil
	}
	var m Manifest
	if err := jsonutil.ReadJSONFile(p.ManifestPath, &m); err != nil {
		return err
	}
	dir := filepath.Dir(p.ManifestPath)
	if p.ChainPath == "" {
		p.ChainPath = filepath.Join(dir, m.Chain)
		p.chainSHA256 = m.ChainSHA256
	}
	if p.EscrowPath == "" {
		p.EscrowPath = filepath.Join(dir, m.Escrow)
		p.escrowSHA256 = m.EscrowSHA256
	}
	if p.ContentHeaderChecksum == "" {
		p.ContentHeaderChecksum = m.ContentHeaderChecksum
	}
	return nil
}

func decodeHex(what, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", commonerrors.ErrInvalidArgument, what, err)
	}
	return b, nil
}
