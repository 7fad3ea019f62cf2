package ops

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/jsonutil"
	"github.com/deploymenttheory/go-license-engine/internal/common/plistutil"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/internal/policy"
	"github.com/deploymenttheory/go-license-engine/pkg/licensing"
)

var oplNames = [license.OPLCount]string{
	"compressed_digital_video",
	"uncompressed_digital_video",
	"analog_video",
	"compressed_digital_audio",
	"uncompressed_digital_audio",
}

// ChainReport describes a parsed license chain. It never carries key
// material.
type ChainReport struct {
	Compression string         `json:"compression" plist:"compression" yaml:"compression"`
	Leaf        LicenseReport  `json:"leaf" plist:"leaf" yaml:"leaf"`
	Root        *LicenseReport `json:"root,omitempty" plist:"root,omitempty" yaml:"root,omitempty"`
}

// LicenseReport describes one license.
type LicenseReport struct {
	KeyID                 string              `json:"key_id" plist:"key_id" yaml:"key_id"`
	Version               uint32              `json:"version" plist:"version" yaml:"version"`
	Size                  int                 `json:"size" plist:"size" yaml:"size"`
	Shape                 string              `json:"shape" plist:"shape" yaml:"shape"`
	SecurityLevel         uint32              `json:"security_level" plist:"security_level" yaml:"security_level"`
	Begin                 uint64              `json:"begin" plist:"begin" yaml:"begin"`
	End                   uint64              `json:"end" plist:"end" yaml:"end"`
	RealTimeExpiration    bool                `json:"real_time_expiration" plist:"real_time_expiration" yaml:"real_time_expiration"`
	RevocationInfoVersion uint32              `json:"revocation_info_version" plist:"revocation_info_version" yaml:"revocation_info_version"`
	Uplinks               []uint32            `json:"uplinks,omitempty" plist:"uplinks,omitempty" yaml:"uplinks,omitempty"`
	AuxLocations          []uint32            `json:"aux_locations,omitempty" plist:"aux_locations,omitempty" yaml:"aux_locations,omitempty"`
	OutputProtection      map[string]uint16   `json:"output_protection,omitempty" plist:"output_protection,omitempty" yaml:"output_protection,omitempty"`
	PlayEnablers          []string            `json:"play_enablers,omitempty" plist:"play_enablers,omitempty" yaml:"play_enablers,omitempty"`
	Restrictions          []RestrictionReport `json:"restrictions,omitempty" plist:"restrictions,omitempty" yaml:"restrictions,omitempty"`
}

// RestrictionReport describes a restriction container.
type RestrictionReport struct {
	Category       string   `json:"category" plist:"category" yaml:"category"`
	MustUnderstand bool     `json:"must_understand" plist:"must_understand" yaml:"must_understand"`
	Objects        []string `json:"objects" plist:"objects" yaml:"objects"`
}

// BlobReport describes an opened key blob. Keys are counted, never shown.
type BlobReport struct {
	Session       string            `json:"session" plist:"session" yaml:"session"`
	Mode          string            `json:"mode" plist:"mode" yaml:"mode"`
	KeyCount      int               `json:"key_count" plist:"key_count" yaml:"key_count"`
	SecurityLevel uint32            `json:"security_level" plist:"security_level" yaml:"security_level"`
	Begin         uint64            `json:"begin" plist:"begin" yaml:"begin"`
	End           uint64            `json:"end" plist:"end" yaml:"end"`
	PlayEnablers  uint32            `json:"play_enablers" plist:"play_enablers" yaml:"play_enablers"`
	Output        map[string]uint16 `json:"output_protection" plist:"output_protection" yaml:"output_protection"`
	Restrictions  []string          `json:"restrictions,omitempty" plist:"restrictions,omitempty" yaml:"restrictions,omitempty"`
}

// InspectChain parses the chain at path, a file or an http(s) URL.
func InspectChain(path string) (*ChainReport, error) {
	data, format, err := readInput(path, "")
	if err != nil {
		return nil, err
	}
	chain, err := license.Parse(data)
	if err != nil {
		return nil, err
	}

	r := &ChainReport{Compression: format.String(), Leaf: licenseReport(chain.Leaf)}
	if chain.HasRoot() {
		root := licenseReport(chain.Root)
		r.Root = &root
	}
	return r, nil
}

func licenseReport(l *license.License) LicenseReport {
	r := LicenseReport{
		KeyID:                 hex.EncodeToString(l.KeyID[:]),
		Version:               l.Version,
		Size:                  len(l.Raw),
		Shape:                 "simple",
		SecurityLevel:         l.SecurityLevel,
		Begin:                 l.Begin,
		End:                   l.End,
		RealTimeExpiration:    l.RealTimeExpiration,
		RevocationInfoVersion: l.RevocationInfoVersion,
	}
	if s, ok := l.KeyMaterial.Shape.(*license.ScalableKeys); ok {
		r.Shape = "scalable"
		for _, u := range s.Uplinks {
			r.Uplinks = append(r.Uplinks, u.Location)
		}
	}
	for _, a := range l.KeyMaterial.AuxKeys {
		r.AuxLocations = append(r.AuxLocations, a.Location)
	}
	if l.OutputProtection != nil {
		r.OutputProtection = oplMap(l.OutputProtection.Levels)
	}
	for _, id := range l.PlayEnablers {
		r.PlayEnablers = append(r.PlayEnablers, uuid.UUID(id).String())
	}
	for _, rc := range l.RestrictionContainers {
		rr := RestrictionReport{Category: rc.Category.String(), MustUnderstand: rc.MustUnderstand}
		for _, o := range rc.Objects {
			rr.Objects = append(rr.Objects, uuid.UUID(o.ID).String())
		}
		r.Restrictions = append(r.Restrictions, rr)
	}
	return r
}

// InspectBlob opens the key blob at path as a reconstituted session. It
// fails with SessionMismatch when engine.allow_reconstituted is off.
func InspectBlob(cfg *config.AppConfig, logger *zap.Logger, path string) (*BlobReport, error) {
	blob, _, err := readInput(path, "")
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	ks, err := engine.OpenKeyBlob(licensing.NewContext(), blob, true)
	if err != nil {
		return nil, err
	}
	defer ks.Release()

	p := ks.Policy()
	return &BlobReport{
		Session:       ks.SessionID().String(),
		Mode:          ks.Mode().String(),
		KeyCount:      ks.KeyCount(),
		SecurityLevel: p.SecurityLevel,
		Begin:         p.Begin,
		End:           p.End,
		PlayEnablers:  uint32(p.PlayEnablers),
		Output:        oplMap(p.OutputProtection),
		Restrictions:  restrictionNames(p.Restrictions),
	}, nil
}

func oplMap(levels [license.OPLCount]uint16) map[string]uint16 {
	m := make(map[string]uint16, license.OPLCount)
	for i, v := range levels {
		m[oplNames[i]] = v
	}
	return m
}

func restrictionNames(rs []policy.Restriction) []string {
	var names []string
	for _, r := range rs {
		names = append(names, fmt.Sprintf("%s/%s", r.Category, uuid.UUID(r.ID)))
	}
	return names
}

// Render writes report to w as json, yaml, plist (XML) or bplist.
func Render(w io.Writer, report interface{}, format string) error {
	switch f := strings.ToLower(format); f {
	case "", "json":
		return jsonutil.Encode(w, report)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case "plist", "xml", "bplist", "binary", "openstep":
		pf, err := plistutil.ParseFormat(f)
		if err != nil {
			return err
		}
		return plistutil.Encode(w, report, pf)
	default:
		return fmt.Errorf("%w: unknown report format %q", commonerrors.ErrInvalidArgument, format)
	}
}
