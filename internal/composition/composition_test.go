package composition

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/deploymenttheory/go-license-engine/internal/common/compressionutil"
	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/ops"
)

const fixtureWorkflow = `
name: fixture-roundtrip
description: issue a chain, validate it and inspect the key blob
variables:
  sl: 2000
steps:
  - name: issue
    type: issue
    kind: simple
    out_dir: '{{.work}}/fixture'
    leaf_security_level: '{{.sl}}'
    root_security_level: 3000
  - name: validate
    type: validate
    manifest: '{{.manifest}}'
    out: '{{.work}}/key.blob'
  - name: clear-denied
    type: validate
    expect_error: policy_violation
    manifest: '{{.manifest}}'
    mode: clear
    out: '{{.work}}/clear.blob'
  - name: inspect
    type: inspect
    condition: '{{eq .mode "handle"}}'
    target: blob
    path: '{{.key_blob}}'
    format: json
    out: '{{.work}}/blob.json'
  - name: skipped
    type: inspect
    condition: '{{eq .key_count 3}}'
    target: chain
    path: '{{.chain}}'
  - name: recompress
    type: compress
    source: '{{.chain}}'
    destination: '{{.work}}/chain.lic.xz'
    format: xz
`

func testConfig() *config.AppConfig {
	var c config.AppConfig
	c.Engine.MaxTreeDepth = 32
	c.Engine.DeviceSecret = strings.Repeat("3c", 32)
	c.Engine.DeviceID = "workflow-test"
	c.Engine.AllowReconstituted = true
	c.Output.Format = "json"
	return &c
}

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write workflow: %v", err)
	}
	return path
}

func TestWorkflowRoundTrip(t *testing.T) {
	work := t.TempDir()
	wf, err := LoadWorkflow(writeWorkflow(t, fixtureWorkflow))
	if err != nil {
		t.Fatalf("LoadWorkflow failed: %v", err)
	}
	wf.Variables["work"] = work

	if errs := ValidateWorkflow(wf); len(errs) != 0 {
		t.Fatalf("ValidateWorkflow reported %v", errs)
	}
	if err := executeWorkflow(testConfig(), wf); err != nil {
		t.Fatalf("executeWorkflow failed: %v", err)
	}

	if got := wf.Variables["key_count"]; got != 2 {
		t.Errorf("key_count = %v, expected 2", got)
	}
	if got := wf.Variables["clear-denied_error"]; got != "policy_violation" {
		t.Errorf("clear-denied_error = %v", got)
	}
	if _, ok := wf.Variables["report"].(*ops.BlobReport); !ok {
		t.Errorf("report = %T, expected the blob report of the inspect step", wf.Variables["report"])
	}
	if _, err := os.Stat(filepath.Join(work, "blob.json")); err != nil {
		t.Errorf("Inspect output missing: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(work, "chain.lic.xz"))
	if err != nil {
		t.Fatalf("Recompressed chain missing: %v", err)
	}
	if f := compressionutil.Detect(raw); f != compressionutil.FormatXZ {
		t.Errorf("Recompressed chain is %s, expected xz", f)
	}
	plain, err := os.ReadFile(filepath.Join(work, "fixture", ops.ChainFile))
	if err != nil {
		t.Fatalf("Chain missing: %v", err)
	}
	data, _, err := compressionutil.Decompress(raw)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if diff := cmp.Diff(plain, data); diff != "" {
		t.Errorf("Recompressed chain differs (-want +got):\n%s", diff)
	}
}

func TestExpectErrorMismatch(t *testing.T) {
	work := t.TempDir()
	wf := &Workflow{
		Name:      "mismatch",
		Variables: map[string]interface{}{"work": work},
		Steps: []Step{
			{Name: "issue", Type: "issue", Parameters: map[string]interface{}{
				"kind": "leaf-only", "out_dir": "{{.work}}", "leaf_security_level": 100,
			}},
			{Name: "validate", Type: "validate", ExpectError: "policy_violation", Parameters: map[string]interface{}{
				"manifest": "{{.manifest}}", "mode": "clear", "out": "{{.work}}/key.blob",
			}},
		},
	}

	err := executeWorkflow(testConfig(), wf)
	if err == nil || !strings.Contains(err.Error(), "expected policy_violation") {
		t.Errorf("Got %v, expected an unexpected success to fail the workflow", err)
	}
}

func TestStepErrorsPropagate(t *testing.T) {
	wf := &Workflow{
		Name: "bad-params",
		Steps: []Step{
			{Name: "issue", Type: "issue", Parameters: map[string]interface{}{
				"kind": "simple", "out_dir": t.TempDir(), "colour": "blue",
			}},
		},
	}
	if err := executeWorkflow(testConfig(), wf); !errors.Is(err, commonerrors.ErrInvalidArgument) {
		t.Errorf("Got %v for an unknown parameter, want ErrInvalidArgument", err)
	}

	wf.Steps[0].Parameters = map[string]interface{}{"kind": "simple", "out_dir": "{{.nowhere}}"}
	if err := executeWorkflow(testConfig(), wf); err == nil {
		t.Error("Expected an undefined template variable to fail the step")
	}
}

func TestDecodeParametersWeakTyping(t *testing.T) {
	var p ops.IssueParams
	err := decodeParameters(map[string]interface{}{
		"kind":                "scalable",
		"uplinks":             []interface{}{"0x13", 85},
		"leaf_security_level": "150",
	}, &p)
	if err != nil {
		t.Fatalf("decodeParameters failed: %v", err)
	}
	if diff := cmp.Diff([]uint32{0x13, 0x55}, p.Uplinks); diff != "" {
		t.Errorf("Uplinks mismatch (-want +got):\n%s", diff)
	}
	if p.LeafSecurityLevel != 150 {
		t.Errorf("LeafSecurityLevel = %d", p.LeafSecurityLevel)
	}
}

func TestValidateWorkflow(t *testing.T) {
	wf := &Workflow{
		Steps: []Step{
			{Name: "a", Type: "issue", Parameters: map[string]interface{}{"kind": "simple"}},
			{Name: "a", Type: "validate", Parameters: map[string]interface{}{"out": "x", "chain": "c"}},
			{Name: "b", Type: "download"},
			{Name: "c", Type: "compress", ExpectError: "internal", Parameters: map[string]interface{}{
				"source": "s", "destination": "d", "format": "xz",
			}},
			{Type: "inspect", Parameters: map[string]interface{}{"target": "chain", "path": "p"}},
		},
	}

	var got []string
	for _, err := range ValidateWorkflow(wf) {
		got = append(got, err.Error())
	}
	want := []string{
		"workflow name is required",
		"step 1 (a): missing required parameter 'out_dir'",
		"step 2: duplicate name 'a'",
		"step 2 (a): missing required parameter 'escrow'",
		"step 3 (b): invalid type 'download'",
		"step 4 (c): expect_error is only allowed on validate and inspect steps",
		"step 5: name is required",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ValidateWorkflow mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadWorkflowMissingFile(t *testing.T) {
	_, err := LoadWorkflow(filepath.Join(t.TempDir(), "none.yaml"))
	if !errors.Is(err, commonerrors.ErrFileNotFound) {
		t.Errorf("Got %v, want ErrFileNotFound", err)
	}
}
