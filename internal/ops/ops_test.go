package ops

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/license"
	"github.com/deploymenttheory/go-license-engine/pkg/licensing"
)

func testConfig() *config.AppConfig {
	var c config.AppConfig
	c.Engine.MaxTreeDepth = 32
	c.Engine.DeviceSecret = strings.Repeat("a5", 32)
	c.Engine.DeviceID = "ops-test"
	c.Engine.AllowReconstituted = true
	return &c
}

func TestIssueValidateInspect(t *testing.T) {
	cfg := testConfig()

	for _, test := range []struct {
		name   string
		params IssueParams
		mode   string
	}{
		{
			name:   "leaf only",
			params: IssueParams{Kind: KindLeafOnly, LeafSecurityLevel: 150},
			mode:   "clear",
		},
		{
			name:   "simple",
			params: IssueParams{Kind: KindSimple, LeafSecurityLevel: 2000, RootSecurityLevel: 3000, Compression: "xz"},
			mode:   "handle",
		},
		{
			name: "scalable",
			params: IssueParams{
				Kind:              KindScalable,
				LeafSecurityLevel: 2000,
				RootSecurityLevel: 2000,
				Uplinks:           []uint32{0x13, 0x55},
				AuxLocations:      []uint32{0x40},
				Compression:       "bzip2",
			},
			mode: "handle",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dir := t.TempDir()
			test.params.OutDir = dir

			m, err := Issue(cfg, test.params)
			if err != nil {
				t.Fatalf("Issue failed: %v", err)
			}
			if m.Kind != test.params.Kind {
				t.Errorf("Manifest kind %q, expected %q", m.Kind, test.params.Kind)
			}

			report, err := InspectChain(filepath.Join(dir, ChainFile))
			if err != nil {
				t.Fatalf("InspectChain failed: %v", err)
			}
			if report.Leaf.KeyID != m.LeafKeyID {
				t.Errorf("Report leaf key %s, manifest %s", report.Leaf.KeyID, m.LeafKeyID)
			}
			if (report.Root != nil) != (test.params.Kind != KindLeafOnly) {
				t.Errorf("Unexpected root presence in report: %+v", report.Root)
			}

			res, err := Validate(cfg, zap.NewNop(), ValidateParams{
				ManifestPath: filepath.Join(dir, ManifestFile),
				Mode:         test.mode,
				OutPath:      filepath.Join(dir, "key.blob"),
			})
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if res.KeyCount != 2 || res.Mode != test.mode {
				t.Errorf("Got %d keys in mode %s", res.KeyCount, res.Mode)
			}

			blob, err := InspectBlob(cfg, zap.NewNop(), res.KeyBlob)
			if err != nil {
				t.Fatalf("InspectBlob failed: %v", err)
			}
			if blob.Session != res.Session || blob.KeyCount != 2 {
				t.Errorf("Blob report %+v does not match validation %+v", blob, res)
			}
		})
	}
}

func TestIssueScalableChainReport(t *testing.T) {
	dir := t.TempDir()
	_, err := Issue(testConfig(), IssueParams{
		Kind:              KindScalable,
		OutDir:            dir,
		LeafSecurityLevel: 150,
		RootSecurityLevel: 150,
		Uplinks:           []uint32{0x13},
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	report, err := InspectChain(filepath.Join(dir, ChainFile))
	if err != nil {
		t.Fatalf("InspectChain failed: %v", err)
	}
	if report.Leaf.Shape != "scalable" || len(report.Leaf.Uplinks) != 1 {
		t.Errorf("Unexpected leaf report %+v", report.Leaf)
	}
	if len(report.Root.AuxLocations) != 1 || report.Root.AuxLocations[0] != 1<<31 {
		t.Errorf("Expected the tree root as the only aux location, got %v", report.Root.AuxLocations)
	}
	if report.Root.End != license.EndUnlimited {
		t.Errorf("Root end %d, expected unlimited", report.Root.End)
	}
}

func TestIssueRejects(t *testing.T) {
	cfg := testConfig()
	for _, test := range []struct {
		name   string
		params IssueParams
	}{
		{name: "no output directory", params: IssueParams{Kind: KindSimple}},
		{name: "unknown kind", params: IssueParams{Kind: "deep", OutDir: t.TempDir()}},
		{name: "scalable without uplinks", params: IssueParams{Kind: KindScalable, OutDir: t.TempDir()}},
		{name: "unknown compression", params: IssueParams{Kind: KindSimple, OutDir: t.TempDir(), Compression: "lz4"}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Issue(cfg, test.params); !errors.Is(err, commonerrors.ErrInvalidArgument) {
				t.Errorf("Got %v, want ErrInvalidArgument", err)
			}
		})
	}

	_, err := Issue(cfg, IssueParams{
		Kind:         KindScalable,
		OutDir:       t.TempDir(),
		Uplinks:      []uint32{0x13},
		AuxLocations: []uint32{0x60},
	})
	if !errors.Is(err, commonerrors.ErrLocationUnresolved) {
		t.Errorf("Got %v for an uncovered uplink, want ErrLocationUnresolved", err)
	}
}

func TestValidateErrors(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	if _, err := Issue(cfg, IssueParams{Kind: KindSimple, OutDir: dir, LeafSecurityLevel: 2000, RootSecurityLevel: 2000}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	manifest := filepath.Join(dir, ManifestFile)
	out := filepath.Join(dir, "key.blob")

	for _, test := range []struct {
		name    string
		params  ValidateParams
		wantErr error
	}{
		{name: "missing paths", params: ValidateParams{OutPath: out}, wantErr: commonerrors.ErrInvalidArgument},
		{name: "unknown mode", params: ValidateParams{ManifestPath: manifest, OutPath: out, Mode: "loud"}, wantErr: commonerrors.ErrInvalidArgument},
		{name: "clear above 150", params: ValidateParams{ManifestPath: manifest, OutPath: out, Mode: "clear"}, wantErr: commonerrors.ErrPolicyViolation},
		{name: "bad sample key", params: ValidateParams{ManifestPath: manifest, OutPath: out, Mode: "sample_protection", SampleProtectionKey: "xyz"}, wantErr: commonerrors.ErrInvalidArgument},
		{name: "missing chain file", params: ValidateParams{ChainPath: filepath.Join(dir, "none.lic"), EscrowPath: filepath.Join(dir, EscrowFile), OutPath: out}, wantErr: commonerrors.ErrFileNotFound},
		{name: "enforced revocation without list", params: ValidateParams{ManifestPath: manifest, OutPath: out, EnforceRevocation: true}, wantErr: commonerrors.ErrInvalidArgument},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Validate(cfg, zap.NewNop(), test.params); !errors.Is(err, test.wantErr) {
				t.Errorf("Got %v, want %v", err, test.wantErr)
			}
		})
	}

	res, err := Validate(cfg, zap.NewNop(), ValidateParams{
		ManifestPath:        manifest,
		OutPath:             out,
		Mode:                "sample-protection",
		SampleProtectionKey: strings.Repeat("5a", 16),
	})
	if err != nil {
		t.Fatalf("Validate with sample protection failed: %v", err)
	}
	if res.KeyCount != 3 {
		t.Errorf("Got %d keys, expected 3", res.KeyCount)
	}
}

func TestInspectBlobNeedsReconstitution(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	if _, err := Issue(cfg, IssueParams{Kind: KindSimple, OutDir: dir}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	res, err := Validate(cfg, zap.NewNop(), ValidateParams{ManifestPath: filepath.Join(dir, ManifestFile), OutPath: filepath.Join(dir, "key.blob")})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	strict := testConfig()
	strict.Engine.AllowReconstituted = false
	if _, err := InspectBlob(strict, zap.NewNop(), res.KeyBlob); !errors.Is(err, commonerrors.ErrSessionMismatch) {
		t.Errorf("Got %v, want ErrSessionMismatch", err)
	}
}

func TestRender(t *testing.T) {
	report := &BlobReport{Session: "s", Mode: "handle", KeyCount: 2, Output: oplMap([license.OPLCount]uint16{100, 100, 100, 100, 100})}

	for format, want := range map[string]string{
		"json":   `"key_count": 2`,
		"plist":  "<key>key_count</key>",
		"bplist": "bplist00",
		"yaml":   "key_count: 2",
	} {
		var buf bytes.Buffer
		if err := Render(&buf, report, format); err != nil {
			t.Fatalf("Render %s failed: %v", format, err)
		}
		if !strings.Contains(buf.String(), want) {
			t.Errorf("%s output lacks %q", format, want)
		}
	}

	if err := Render(&bytes.Buffer{}, report, "toml"); !errors.Is(err, commonerrors.ErrInvalidArgument) {
		t.Errorf("Got %v for toml, want ErrInvalidArgument", err)
	}
}

func TestValidateRejectsTamperedChain(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	if _, err := Issue(cfg, IssueParams{Kind: KindSimple, OutDir: dir}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	chainPath := filepath.Join(dir, ChainFile)
	chain, err := os.ReadFile(chainPath)
	if err != nil {
		t.Fatalf("Failed to read chain: %v", err)
	}
	chain[len(chain)-1] ^= 0xff
	if err := os.WriteFile(chainPath, chain, 0o644); err != nil {
		t.Fatalf("Failed to write chain: %v", err)
	}

	_, err = Validate(cfg, zap.NewNop(), ValidateParams{ManifestPath: filepath.Join(dir, ManifestFile), OutPath: filepath.Join(dir, "key.blob")})
	if !errors.Is(err, commonerrors.ErrChecksumFailed) {
		t.Errorf("Got %v, want ErrChecksumFailed", err)
	}
}

func TestValidateRevocationListFromURL(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	if _, err := Issue(cfg, IssueParams{Kind: KindSimple, OutDir: dir, RevocationInfoVersion: 7}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	ceiling := uint32(7)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(licensing.EncodeRevocationList(licensing.RevocationList{Version: 1, Ceiling: ceiling}))
	}))
	defer srv.Close()

	params := ValidateParams{
		ManifestPath:       filepath.Join(dir, ManifestFile),
		RevocationListPath: srv.URL + "/revocation",
		EnforceRevocation:  true,
		OutPath:            filepath.Join(dir, "key.blob"),
	}
	if _, err := Validate(cfg, zap.NewNop(), params); err != nil {
		t.Fatalf("Validate failed with the ceiling at the chain's version: %v", err)
	}

	ceiling = 6
	if _, err := Validate(cfg, zap.NewNop(), params); !errors.Is(err, commonerrors.ErrRevocationRejected) {
		t.Errorf("Got %v, want ErrRevocationRejected", err)
	}
}
