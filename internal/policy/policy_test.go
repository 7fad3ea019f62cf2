package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/license"
)

func TestMergeSecurityLevel(t *testing.T) {
	levels := []uint32{0, 150, 2000, 3000}
	for _, leafLevel := range levels {
		for _, rootLevel := range levels {
			leaf := &license.License{SecurityLevel: leafLevel, End: license.EndUnlimited}
			root := &license.License{SecurityLevel: rootLevel, End: license.EndUnlimited}

			info, err := Merge(leaf, root)
			if leafLevel > rootLevel {
				if !errors.Is(err, commonerrors.ErrPolicyViolation) {
					t.Errorf("leaf %d root %d: got %v, want ErrPolicyViolation", leafLevel, rootLevel, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("leaf %d root %d: Merge failed: %v", leafLevel, rootLevel, err)
			}
			if info.SecurityLevel != rootLevel {
				t.Errorf("leaf %d root %d: merged level %d", leafLevel, rootLevel, info.SecurityLevel)
			}
		}
	}

	info, err := Merge(&license.License{SecurityLevel: 2000}, nil)
	if err != nil || info.SecurityLevel != 2000 {
		t.Errorf("Leaf-only merge = %d, %v; expected 2000", info.SecurityLevel, err)
	}
}

func TestMergeValidityWindow(t *testing.T) {
	for _, test := range []struct {
		name               string
		leafBegin, leafEnd uint64
		rootBegin, rootEnd uint64
		wantBegin, wantEnd uint64
	}{
		{name: "intersection", leafBegin: 100, leafEnd: 500, rootBegin: 50, rootEnd: 400, wantBegin: 100, wantEnd: 400},
		{name: "root inside leaf", leafBegin: 0, leafEnd: 1000, rootBegin: 10, rootEnd: 20, wantBegin: 10, wantEnd: 20},
		{name: "unlimited", leafBegin: 0, leafEnd: license.EndUnlimited, rootBegin: 0, rootEnd: license.EndUnlimited, wantBegin: 0, wantEnd: license.EndUnlimited},
		{name: "unlimited root", leafBegin: 5, leafEnd: 60, rootBegin: 0, rootEnd: license.EndUnlimited, wantBegin: 5, wantEnd: 60},
	} {
		t.Run(test.name, func(t *testing.T) {
			leaf := &license.License{Begin: test.leafBegin, End: test.leafEnd}
			root := &license.License{Begin: test.rootBegin, End: test.rootEnd}
			info, err := Merge(leaf, root)
			if err != nil {
				t.Fatalf("Merge failed: %v", err)
			}
			if info.Begin != test.wantBegin || info.End != test.wantEnd {
				t.Errorf("Got [%d, %d], want [%d, %d]", info.Begin, info.End, test.wantBegin, test.wantEnd)
			}
		})
	}
}

func TestMergeOutputProtection(t *testing.T) {
	leafOPL := &license.OutputProtection{Levels: [license.OPLCount]uint16{200, 200, 200, 200, 200}}
	rootOPL := &license.OutputProtection{Levels: [license.OPLCount]uint16{300, 0, 300, 0, 300}}
	defaults := [license.OPLCount]uint16{100, 100, 100, 100, 100}

	for _, test := range []struct {
		name string
		leaf *license.OutputProtection
		root *license.OutputProtection
		want [license.OPLCount]uint16
	}{
		{name: "root wins", leaf: leafOPL, root: rootOPL, want: rootOPL.Levels},
		{name: "leaf only", leaf: leafOPL, want: leafOPL.Levels},
		{name: "root only", root: rootOPL, want: rootOPL.Levels},
		{name: "defaults", want: defaults},
	} {
		t.Run(test.name, func(t *testing.T) {
			info, err := Merge(&license.License{OutputProtection: test.leaf}, &license.License{OutputProtection: test.root})
			if err != nil {
				t.Fatalf("Merge failed: %v", err)
			}
			if info.OutputProtection != test.want {
				t.Errorf("Got %v, want %v", info.OutputProtection, test.want)
			}
		})
	}
}

func TestMergePlayEnablers(t *testing.T) {
	unknown := [16]byte(UnknownOutputEnabler)
	constrained := [16]byte(ConstrainedResolutionUnknownOutputEnabler)
	unrecognised := [16]byte{0xDE, 0xAD}

	for _, test := range []struct {
		name string
		ids  [][16]byte
		want PlayEnablerFlags
	}{
		{name: "none", want: 0},
		{name: "unknown output", ids: [][16]byte{unknown}, want: PlayEnablerUnknownOutput},
		{name: "constrained supersedes", ids: [][16]byte{unknown, constrained}, want: PlayEnablerConstrainedResolutionUnknownOutput},
		{name: "unrecognised ignored", ids: [][16]byte{unrecognised, unknown}, want: PlayEnablerUnknownOutput},
	} {
		t.Run(test.name, func(t *testing.T) {
			info, err := Merge(&license.License{PlayEnablers: test.ids}, nil)
			if err != nil {
				t.Fatalf("Merge failed: %v", err)
			}
			if info.PlayEnablers != test.want {
				t.Errorf("Got %b, want %b", info.PlayEnablers, test.want)
			}
		})
	}
}

func TestMergeRestrictions(t *testing.T) {
	leaf := &license.License{
		RestrictionContainers: []license.RestrictionContainer{
			{Category: license.RestrictionDigitalVideo, Objects: []license.RestrictionObject{
				{Type: license.ObjectRestriction, ID: [16]byte{3}, Config: []byte("dv")},
			}},
			{Category: license.RestrictionAnalogVideo, Objects: []license.RestrictionObject{
				{Type: license.ObjectRestriction, ID: [16]byte{1}, Config: []byte("av")},
				{Type: 99, ID: [16]byte{0xFF}},
			}},
			{Category: license.RestrictionDigitalAudio, Objects: []license.RestrictionObject{
				{Type: license.ObjectRestriction, ID: [16]byte{2}},
			}},
			{Category: 42},
		},
	}

	info, err := Merge(leaf, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	want := []Restriction{
		{Category: license.RestrictionAnalogVideo, ID: [16]byte{1}, Config: []byte("av")},
		{Category: license.RestrictionDigitalAudio, ID: [16]byte{2}},
		{Category: license.RestrictionDigitalVideo, ID: [16]byte{3}, Config: []byte("dv")},
	}
	if diff := cmp.Diff(want, info.Restrictions); diff != "" {
		t.Errorf("Restrictions mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeEmptyRestrictionConfig(t *testing.T) {
	leaf := &license.License{
		RestrictionContainers: []license.RestrictionContainer{
			{Category: license.RestrictionAnalogVideo, Objects: []license.RestrictionObject{
				{Type: license.ObjectRestriction, ID: [16]byte{1}, Config: []byte{}},
			}},
		},
	}

	info, err := Merge(leaf, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(info.Restrictions) != 1 {
		t.Fatalf("Got %d restrictions, want 1", len(info.Restrictions))
	}
	if info.Restrictions[0].Config != nil {
		t.Errorf("Got config %#v, want nil", info.Restrictions[0].Config)
	}
}

func TestCheckValidity(t *testing.T) {
	info := Info{Begin: 100, End: 400}
	for _, test := range []struct {
		at      int64
		wantErr bool
	}{
		{at: 99, wantErr: true},
		{at: 100},
		{at: 400},
		{at: 401, wantErr: true},
	} {
		err := info.CheckValidity(time.Unix(test.at, 0))
		if test.wantErr && !errors.Is(err, commonerrors.ErrPolicyViolation) {
			t.Errorf("At %d: got %v, want ErrPolicyViolation", test.at, err)
		}
		if !test.wantErr && err != nil {
			t.Errorf("At %d: unexpected error %v", test.at, err)
		}
	}

	unlimited := Info{End: license.EndUnlimited}
	if err := unlimited.CheckValidity(time.Now()); err != nil || !unlimited.Unlimited() {
		t.Errorf("Unlimited window rejected: %v", err)
	}
}
