// Package tooling exposes the workflow runner to programs embedding the
// license engine.
package tooling

import (
	"fmt"
	"os"
	"strings"

	"github.com/deploymenttheory/go-license-engine/internal/composition"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/logger"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "0.1.0"

// InitOptions contains options for initializing the tooling API
type InitOptions struct {
	ConfigFile  string // Path to configuration file
	Debug       bool   // Enable debug logging
	LogFormat   string // Log format: "human" or "json"
	LogFile     string // Path to log file
	SuppressLog bool   // Suppress all logging
}

// WorkflowResult contains the results of a workflow execution
type WorkflowResult struct {
	Success      bool                   // Whether the workflow completed successfully
	ErrorMessage string                 // Error message if any
	Variables    map[string]interface{} // Final state of variables after workflow execution
}

var initialized bool

// Initialize initializes the tooling API with the given options
func Initialize(options InitOptions) error {
	if initialized {
		return nil
	}

	configErr := config.Initialize(options.ConfigFile)

	if options.Debug {
		config.Instance.Debug = true
	}
	if options.LogFormat != "" {
		config.Instance.LogFormat = options.LogFormat
	}
	if options.LogFile != "" {
		config.Instance.LogFile = options.LogFile
	}

	if !options.SuppressLog {
		logConfig := logger.LoggerConfig{
			Debug:     config.Instance.Debug,
			LogFormat: config.Instance.LogFormat,
			LogFile:   config.Instance.LogFile,
		}
		if err := logger.InitLogger(logConfig); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		logger.LogInfo("Tooling API initialized", map[string]interface{}{
			"config_file": options.ConfigFile,
			"debug":       options.Debug,
			"log_format":  options.LogFormat,
		})
		if configErr != nil {
			logger.LogWarn("Configuration initialization warning", map[string]interface{}{
				"error": configErr.Error(),
			})
		}
	}

	initialized = true
	return nil
}

// DefaultOptions returns the default initialization options
func DefaultOptions() InitOptions {
	return InitOptions{
		LogFormat: "human",
	}
}

func ensureInitialized() error {
	if initialized {
		return nil
	}
	if err := Initialize(DefaultOptions()); err != nil {
		return fmt.Errorf("failed to initialize tooling API: %w", err)
	}
	return nil
}

// ExecuteWorkflow executes a workflow defined in a file
func ExecuteWorkflow(workflowFile string) (*WorkflowResult, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}

	logger.LogInfo("Executing workflow", map[string]interface{}{
		"file": workflowFile,
	})

	workflow, err := composition.LoadWorkflow(workflowFile)
	if err != nil {
		return &WorkflowResult{
			ErrorMessage: fmt.Sprintf("Failed to load workflow: %s", err),
		}, err
	}

	if errs := composition.ValidateWorkflow(workflow); len(errs) > 0 {
		messages := make([]string, 0, len(errs))
		for _, err := range errs {
			messages = append(messages, err.Error())
		}
		message := fmt.Sprintf("Workflow validation failed with %d errors: %s",
			len(errs), strings.Join(messages, "; "))

		return &WorkflowResult{ErrorMessage: message}, fmt.Errorf("%s", message)
	}

	if err := config.Instance.Validate(); err != nil {
		return &WorkflowResult{ErrorMessage: err.Error()}, err
	}

	if err := composition.ExecuteWorkflow(workflow); err != nil {
		return &WorkflowResult{
			ErrorMessage: fmt.Sprintf("Workflow execution failed: %s", err),
			Variables:    workflow.Variables,
		}, err
	}

	return &WorkflowResult{
		Success:   true,
		Variables: workflow.Variables,
	}, nil
}

// ExecuteWorkflowFromYAML executes a workflow defined in a YAML string
func ExecuteWorkflowFromYAML(workflowYAML string) (*WorkflowResult, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp("", "workflow-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.WriteString(workflowYAML); err != nil {
		tempFile.Close()
		return nil, fmt.Errorf("failed to write workflow to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temporary file: %w", err)
	}

	return ExecuteWorkflow(tempFile.Name())
}

// SetDeviceSecret sets the hex encoded device secret and the device
// identifier the engine seals key blobs with.
func SetDeviceSecret(secretHex, deviceID string) {
	_ = ensureInitialized()

	config.Instance.Engine.DeviceSecret = secretHex
	if deviceID != "" {
		config.Instance.Engine.DeviceID = deviceID
	}
}

// SetModeRemap replaces the decryption mode remap table.
func SetModeRemap(remap map[string]string) {
	_ = ensureInitialized()

	config.Instance.Engine.ModeRemap = remap
}

// SetEnforceRevocation toggles revocation enforcement for every validation.
func SetEnforceRevocation(enforce bool) {
	_ = ensureInitialized()

	config.Instance.Engine.EnforceRevocation = enforce
}

// GetVersion returns the current version of the tooling API
func GetVersion() string {
	return Version
}

// Shutdown flushes buffered log entries
func Shutdown() error {
	if initialized {
		logger.LogInfo("Tooling API shutting down", nil)
		logger.Sync()
	}
	return nil
}
