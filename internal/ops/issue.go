package ops

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-license-engine/internal/common/compressionutil"
	"github.com/deploymenttheory/go-license-engine/internal/common/cryptoutil"
	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/fsutil"
	"github.com/deploymenttheory/go-license-engine/internal/common/jsonutil"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/issuer"
	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/internal/scalable"
	"github.com/deploymenttheory/go-license-engine/internal/secure"
)

// Chain kinds the issue operation produces.
const (
	KindLeafOnly = "leaf-only"
	KindSimple   = "simple"
	KindScalable = "scalable"
)

// File names written into the output directory.
const (
	ChainFile    = "chain.lic"
	EscrowFile   = "escrow.bin"
	ManifestFile = "manifest.json"
)

// IssueParams describes a fixture chain.
type IssueParams struct {
	Kind   string `mapstructure:"kind"`
	OutDir string `mapstructure:"out_dir"`

	LeafSecurityLevel     uint32 `mapstructure:"leaf_security_level"`
	RootSecurityLevel     uint32 `mapstructure:"root_security_level"`
	Begin                 uint64 `mapstructure:"begin"`
	End                   uint64 `mapstructure:"end"` // 0 means unlimited
	RevocationInfoVersion uint32 `mapstructure:"revocation_info_version"`

	// Scalable chains only. An empty aux table publishes the tree root.
	Uplinks      []uint32 `mapstructure:"uplinks"`
	AuxLocations []uint32 `mapstructure:"aux_locations"`

	Compression string `mapstructure:"compression"`

	// Random is the source of keys and key IDs, crypto/rand when nil.
	Random io.Reader `mapstructure:"-"`
}

// Manifest records what was issued.
type Manifest struct {
	Kind                  string   `json:"kind"`
	Chain                 string   `json:"chain"`
	Escrow                string   `json:"escrow"`
	Compression           string   `json:"compression"`
	ChainSHA256           string   `json:"chain_sha256"`
	EscrowSHA256          string   `json:"escrow_sha256"`
	LeafKeyID             string   `json:"leaf_key_id"`
	RootKeyID             string   `json:"root_key_id,omitempty"`
	ContentHeaderChecksum string   `json:"content_header_checksum,omitempty"`
	Uplinks               []uint32 `json:"uplinks,omitempty"`
	AuxLocations          []uint32 `json:"aux_locations,omitempty"`
}

// Issue writes a signed chain, its escrow container and a manifest into
// p.OutDir.
func Issue(cfg *config.AppConfig, p IssueParams) (*Manifest, error) {
	if p.OutDir == "" {
		return nil, fmt.Errorf("%w: no output directory", commonerrors.ErrInvalidArgument)
	}
	compression, err := compressionutil.ParseFormat(p.Compression)
	if err != nil {
		return nil, err
	}
	if p.Random == nil {
		p.Random = rand.Reader
	}

	prov, err := issuerPrimitives(cfg)
	if err != nil {
		return nil, err
	}
	is := issuer.New(prov)

	leafKeys, err := issuer.NewKeyPair(p.Random)
	if err != nil {
		return nil, err
	}
	leafKeyID, err := newKeyID(p.Random)
	if err != nil {
		return nil, err
	}
	leafTpl := license.License{
		Version:               1,
		KeyID:                 leafKeyID,
		SecurityLevel:         p.LeafSecurityLevel,
		Begin:                 p.Begin,
		End:                   endOrUnlimited(p.End),
		RevocationInfoVersion: p.RevocationInfoVersion,
	}

	m := &Manifest{
		Kind:        p.Kind,
		Chain:       ChainFile,
		Escrow:      EscrowFile,
		Compression: compression.String(),
		LeafKeyID:   hex.EncodeToString(leafKeyID[:]),
	}

	var chain []byte
	var escrow *license.Escrow
	switch p.Kind {
	case KindLeafOnly:
		if chain, err = is.SimpleLeaf(leafTpl, leafKeys, nil); err != nil {
			return nil, err
		}
		sum, err := is.ContentHeaderChecksum(leafKeys, leafKeyID)
		if err != nil {
			return nil, err
		}
		m.ContentHeaderChecksum = hex.EncodeToString(sum)
		escrow = leafKeys.Escrow(leafKeyID)

	case KindSimple, KindScalable:
		rootKeys, err := issuer.NewKeyPair(p.Random)
		if err != nil {
			return nil, err
		}
		rootKeyID, err := newKeyID(p.Random)
		if err != nil {
			return nil, err
		}
		rootTpl := license.License{
			Version:               1,
			KeyID:                 rootKeyID,
			SecurityLevel:         p.RootSecurityLevel,
			End:                   license.EndUnlimited,
			RevocationInfoVersion: p.RevocationInfoVersion,
		}
		m.RootKeyID = hex.EncodeToString(rootKeyID[:])

		var leafRaw, rootRaw []byte
		if p.Kind == KindSimple {
			if leafRaw, err = is.SimpleLeaf(leafTpl, leafKeys, &rootKeys); err != nil {
				return nil, err
			}
			if rootRaw, err = is.Root(rootTpl, rootKeys, nil); err != nil {
				return nil, err
			}
		} else {
			if leafRaw, rootRaw, err = issueScalable(is, p, leafTpl, leafKeys, rootTpl, rootKeys); err != nil {
				return nil, err
			}
			m.Uplinks = p.Uplinks
			m.AuxLocations = auxLocations(p)
		}
		chain = license.AppendChain(leafRaw, rootRaw)
		escrow = rootKeys.Escrow(rootKeyID)

	default:
		return nil, fmt.Errorf("%w: unknown chain kind %q", commonerrors.ErrInvalidArgument, p.Kind)
	}

	escrowRaw := license.EncodeEscrow(escrow)
	escrow.Wipe()
	defer secure.WipeBytes(escrowRaw)

	if chain, err = compressionutil.Compress(chain, compression); err != nil {
		return nil, err
	}
	if m.ChainSHA256, err = cryptoutil.Digest(cryptoutil.SHA256, chain); err != nil {
		return nil, err
	}
	if m.EscrowSHA256, err = cryptoutil.Digest(cryptoutil.SHA256, escrowRaw); err != nil {
		return nil, err
	}
	if err := fsutil.WriteFile(filepath.Join(p.OutDir, ChainFile), chain, fsutil.PublicFileMode); err != nil {
		return nil, err
	}
	if err := fsutil.WriteFile(filepath.Join(p.OutDir, EscrowFile), escrowRaw, fsutil.SecretFileMode); err != nil {
		return nil, err
	}
	if err := jsonutil.WriteJSONFile(filepath.Join(p.OutDir, ManifestFile), m, fsutil.PublicFileMode); err != nil {
		return nil, err
	}
	return m, nil
}

func issueScalable(is *issuer.Issuer, p IssueParams, leafTpl license.License, leafKeys issuer.KeyPair,
	rootTpl license.License, rootKeys issuer.KeyPair,
) (leafRaw, rootRaw []byte, err error) {
	if len(p.Uplinks) == 0 {
		return nil, nil, fmt.Errorf("%w: a scalable chain needs uplink locations", commonerrors.ErrInvalidArgument)
	}

	var master, secondary [secure.KeySize]byte
	defer secure.WipeBytes(master[:])
	defer secure.WipeBytes(secondary[:])
	if _, err := io.ReadFull(p.Random, master[:]); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(p.Random, secondary[:]); err != nil {
		return nil, nil, err
	}

	table, err := is.AuxTable(master, rootKeys.CK, auxLocations(p))
	if err != nil {
		return nil, nil, err
	}
	for _, loc := range p.Uplinks {
		if _, err := scalable.FindAncestor(table, loc); err != nil {
			return nil, nil, fmt.Errorf("uplink %#x: %w", loc, err)
		}
	}

	if leafRaw, err = is.ScalableLeaf(leafTpl, leafKeys, rootKeys, rootTpl.KeyID, master, p.Uplinks, secondary); err != nil {
		return nil, nil, err
	}
	if rootRaw, err = is.Root(rootTpl, rootKeys, table); err != nil {
		return nil, nil, err
	}
	return leafRaw, rootRaw, nil
}

func auxLocations(p IssueParams) []uint32 {
	if len(p.AuxLocations) == 0 {
		return []uint32{scalable.RootLocation}
	}
	return p.AuxLocations
}

func newKeyID(r io.Reader) ([license.KeyIDSize]byte, error) {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return [license.KeyIDSize]byte{}, err
	}
	return id, nil
}

func endOrUnlimited(end uint64) uint64 {
	if end == 0 {
		return license.EndUnlimited
	}
	return end
}
