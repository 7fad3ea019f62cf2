// Package composition runs workflows: ordered batches of issue, validate,
// inspect and compress steps read from a YAML or JSON file.
package composition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/viper"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/fsutil"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/logger"
)

// LoadWorkflow loads a workflow from a file
func LoadWorkflow(filePath string) (*Workflow, error) {
	v := viper.New()

	if !fsutil.FileExists(filePath) {
		return nil, fmt.Errorf("%w: workflow %s", commonerrors.ErrFileNotFound, filePath)
	}

	v.SetConfigFile(filePath)

	// Default to YAML if no extension
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext != "" {
		v.SetConfigType(ext[1:])
	} else {
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading workflow file: %v", commonerrors.ErrConfigParseError, err)
	}

	workflow := &Workflow{}
	if err := v.Unmarshal(workflow); err != nil {
		return nil, fmt.Errorf("%w: parsing workflow: %v", commonerrors.ErrConfigParseError, err)
	}

	if workflow.Variables == nil {
		workflow.Variables = make(map[string]interface{})
	}
	addSystemVariables(workflow)

	return workflow, nil
}

// addSystemVariables adds system variables the workflow does not set itself
func addSystemVariables(workflow *Workflow) {
	system := map[string]interface{}{
		"temp_dir":  os.TempDir(),
		"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
	}
	if cwd, err := os.Getwd(); err == nil {
		system["current_dir"] = cwd
	}
	if dir, err := fsutil.GetConfigDir(config.AppName); err == nil {
		system["config_dir"] = dir
	}

	for k, val := range system {
		if _, ok := workflow.Variables[k]; !ok {
			workflow.Variables[k] = val
		}
	}
}

// processParameters renders the template strings of a step's parameters
// against the current variables. Lists of strings are rendered item by item.
func processParameters(step Step, variables map[string]interface{}) (map[string]interface{}, error) {
	processed := make(map[string]interface{}, len(step.Parameters))
	for key, value := range step.Parameters {
		switch val := value.(type) {
		case string:
			out, err := processTemplate(val, variables)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", key, err)
			}
			processed[key] = out
		case []interface{}:
			items := make([]interface{}, len(val))
			for i, item := range val {
				s, ok := item.(string)
				if !ok {
					items[i] = item
					continue
				}
				out, err := processTemplate(s, variables)
				if err != nil {
					return nil, fmt.Errorf("parameter %s[%d]: %w", key, i, err)
				}
				items[i] = out
			}
			processed[key] = items
		default:
			processed[key] = value
		}
	}
	return processed, nil
}

// processTemplate processes a single template string
func processTemplate(templateString string, variables map[string]interface{}) (string, error) {
	if !strings.Contains(templateString, "{{") {
		return templateString, nil
	}

	tmpl, err := template.New("inline").Option("missingkey=error").Parse(templateString)
	if err != nil {
		return "", err
	}

	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, variables); err != nil {
		return "", err
	}
	return buffer.String(), nil
}

// ValidateWorkflow validates the workflow structure and parameters
func ValidateWorkflow(workflow *Workflow) []error {
	var errs []error

	if workflow.Name == "" {
		errs = append(errs, fmt.Errorf("workflow name is required"))
	}
	if len(workflow.Steps) == 0 {
		errs = append(errs, fmt.Errorf("workflow must contain at least one step"))
	}

	names := make(map[string]bool, len(workflow.Steps))
	for i, step := range workflow.Steps {
		if step.Name == "" {
			errs = append(errs, fmt.Errorf("step %d: name is required", i+1))
		} else if names[step.Name] {
			errs = append(errs, fmt.Errorf("step %d: duplicate name '%s'", i+1, step.Name))
		}
		names[step.Name] = true

		if step.Type == "" {
			errs = append(errs, fmt.Errorf("step %d (%s): type is required", i+1, step.Name))
			continue
		}
		if _, ok := stepHandlers[step.Type]; !ok {
			errs = append(errs, fmt.Errorf("step %d (%s): invalid type '%s'", i+1, step.Name, step.Type))
			continue
		}
		if step.ExpectError != "" && step.Type != "validate" && step.Type != "inspect" {
			errs = append(errs, fmt.Errorf("step %d (%s): expect_error is only allowed on validate and inspect steps", i+1, step.Name))
		}

		for _, err := range validateStepParameters(step) {
			errs = append(errs, fmt.Errorf("step %d (%s): %w", i+1, step.Name, err))
		}
	}

	return errs
}

// validateStepParameters checks that the parameters a step type needs are present
func validateStepParameters(step Step) []error {
	var errs []error
	require := func(names ...string) {
		for _, name := range names {
			if _, ok := step.Parameters[name]; !ok {
				errs = append(errs, fmt.Errorf("missing required parameter '%s'", name))
			}
		}
	}

	switch step.Type {
	case "issue":
		require("kind", "out_dir")
	case "validate":
		require("out")
		if _, ok := step.Parameters["manifest"]; !ok {
			require("chain", "escrow")
		}
	case "inspect":
		require("target", "path")
	case "compress":
		require("source", "destination", "format")
	}

	return errs
}

// ExecuteWorkflow executes the workflow steps against the loaded configuration
func ExecuteWorkflow(workflow *Workflow) error {
	return executeWorkflow(&config.Instance, workflow)
}

func executeWorkflow(cfg *config.AppConfig, workflow *Workflow) error {
	logger.LogInfo("Starting workflow execution", map[string]interface{}{
		"workflow": workflow.Name,
		"steps":    len(workflow.Steps),
	})

	if workflow.Variables == nil {
		workflow.Variables = make(map[string]interface{})
	}

	for i, step := range workflow.Steps {
		logger.LogInfo(fmt.Sprintf("Executing step %d/%d: %s", i+1, len(workflow.Steps), step.Name),
			map[string]interface{}{
				"type":        step.Type,
				"description": step.Description,
			})

		if step.Condition != "" {
			shouldRun, err := evaluateCondition(step.Condition, workflow.Variables)
			if err != nil {
				return fmt.Errorf("error evaluating condition for step '%s': %w", step.Name, err)
			}
			if !shouldRun {
				logger.LogInfo(fmt.Sprintf("Skipping step %d/%d: %s (condition not met)", i+1, len(workflow.Steps), step.Name), nil)
				continue
			}
		}

		handler, found := stepHandlers[step.Type]
		if !found {
			return fmt.Errorf("no handler found for step type '%s'", step.Type)
		}

		params, err := processParameters(step, workflow.Variables)
		if err != nil {
			return fmt.Errorf("error processing templates in step '%s': %w", step.Name, err)
		}
		step.Parameters = params

		result, err := handler(cfg, step)
		if err := checkExpectedError(step, err); err != nil {
			return fmt.Errorf("error executing step '%s': %w", step.Name, err)
		}

		for k, v := range result {
			workflow.Variables[k] = v
		}
		workflow.Variables[step.Name+"_error"] = commonerrors.Kind(err).String()

		logger.LogInfo(fmt.Sprintf("Completed step %d/%d: %s", i+1, len(workflow.Steps), step.Name), nil)
	}

	logger.LogInfo("Workflow execution completed successfully", map[string]interface{}{
		"workflow": workflow.Name,
	})
	return nil
}

// checkExpectedError reconciles a step's outcome with its expect_error
// setting. It returns nil when the step behaved as declared.
func checkExpectedError(step Step, err error) error {
	if step.ExpectError == "" {
		return err
	}
	if err == nil {
		return fmt.Errorf("step succeeded, expected %s", step.ExpectError)
	}
	if got := commonerrors.Kind(err).String(); got != step.ExpectError {
		return fmt.Errorf("failed with %s, expected %s: %w", got, step.ExpectError, err)
	}
	logger.LogInfo("Step failed as expected", map[string]interface{}{
		"step":  step.Name,
		"kind":  step.ExpectError,
		"error": err.Error(),
	})
	return nil
}
