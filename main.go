package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/deploymenttheory/go-license-engine/cmd"
	"github.com/deploymenttheory/go-license-engine/internal/composition"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/logger"
	"github.com/deploymenttheory/go-license-engine/pkg/tooling"
)

// Mode constants
const (
	ModeCLI      = "cli"
	ModeWorkflow = "workflow"
)

func main() {
	configFile := os.Getenv("LICENSE_ENGINE_CONFIG")

	// For configuration errors we print to stderr and exit since we can't continue
	if err := config.Initialize(configFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing configuration: %v\n", err)
		os.Exit(1)
	}

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	logger.LogInfo("Application started", map[string]interface{}{
		"version": tooling.GetVersion(),
		"mode":    getModeString(),
	})

	if workflowWithoutCLI() {
		if err := runWorkflow(); err != nil {
			logger.LogError("Workflow execution failed", err, nil)
			logger.Sync()
			os.Exit(1)
		}
	} else {
		// Cobra handles --workflow itself
		cmd.Execute()
	}

	logger.Sync()
}

// initLogging initializes the logger based on configuration settings
func initLogging() error {
	logConfig := logger.LoggerConfig{
		Debug:     config.Instance.Debug,
		LogFormat: config.Instance.LogFormat,
		LogFile:   config.Instance.LogFile,
	}

	return logger.InitLogger(logConfig)
}

// isWorkflowMode determines if the program was run with a workflow file
func isWorkflowMode() bool {
	if os.Getenv("RUN_MODE") == ModeWorkflow {
		return true
	}
	return getWorkflowFile() != ""
}

// workflowWithoutCLI reports whether a workflow runs without going through
// cobra: RUN_MODE=workflow, or a bare invocation with WORKFLOW set.
func workflowWithoutCLI() bool {
	return os.Getenv("RUN_MODE") == ModeWorkflow || (len(os.Args) == 1 && os.Getenv("WORKFLOW") != "")
}

// getWorkflowFile gets the workflow file path from arguments or environment
func getWorkflowFile() string {
	for i, arg := range os.Args {
		if (arg == "--workflow" || arg == "-w") && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--workflow="); ok {
			return v
		}
		if v, ok := strings.CutPrefix(arg, "-w="); ok {
			return v
		}
	}

	return os.Getenv("WORKFLOW")
}

// runWorkflow loads and executes the workflow
func runWorkflow() error {
	workflowFile := getWorkflowFile()
	if workflowFile == "" {
		return fmt.Errorf("workflow mode specified but no workflow file provided")
	}

	workflow, err := composition.LoadWorkflow(workflowFile)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	if errs := composition.ValidateWorkflow(workflow); len(errs) > 0 {
		for _, err := range errs {
			logger.LogError("Workflow validation error", err, nil)
		}
		return fmt.Errorf("workflow validation failed with %d errors", len(errs))
	}
	if err := config.Instance.Validate(); err != nil {
		return err
	}

	return composition.ExecuteWorkflow(workflow)
}

// getModeString returns a string representation of the current execution mode
func getModeString() string {
	if isWorkflowMode() {
		return ModeWorkflow
	}
	return ModeCLI
}
