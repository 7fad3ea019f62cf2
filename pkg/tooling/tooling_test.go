package tooling

import (
	"strings"
	"testing"
)

func TestExecuteWorkflowFromYAML(t *testing.T) {
	if err := Initialize(InitOptions{SuppressLog: true}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	SetDeviceSecret(strings.Repeat("7e", 32), "tooling-test")
	SetModeRemap(map[string]string{"clear": "handle"})
	defer Shutdown()

	work := t.TempDir()
	res, err := ExecuteWorkflowFromYAML(`
name: remapped-clear
variables:
  work: '` + work + `'
steps:
  - name: issue
    type: issue
    kind: leaf-only
    out_dir: '{{.work}}'
    leaf_security_level: 2000
  - name: validate
    type: validate
    manifest: '{{.manifest}}'
    mode: clear
    out: '{{.work}}/key.blob'
`)
	if err != nil {
		t.Fatalf("ExecuteWorkflowFromYAML failed: %v (%s)", err, res.ErrorMessage)
	}
	if !res.Success {
		t.Fatalf("Workflow reported failure: %s", res.ErrorMessage)
	}
	if got := res.Variables["mode"]; got != "handle" {
		t.Errorf("mode = %v, expected the remapped handle mode", got)
	}
}

func TestExecuteWorkflowValidation(t *testing.T) {
	if err := Initialize(InitOptions{SuppressLog: true}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	res, err := ExecuteWorkflowFromYAML("name: empty\n")
	if err == nil {
		t.Fatal("Expected a workflow without steps to fail validation")
	}
	if res.Success || !strings.Contains(res.ErrorMessage, "at least one step") {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("GetVersion() = %q, expected %q", GetVersion(), Version)
	}
}
