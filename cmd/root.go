package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-license-engine/internal/composition"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/logger"
)

var cfgFile string
var workflowFile string

// rootCmd represents the base CLI command
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Validate chained content licenses and derive content keys",
	Long: `license-engine validates leaf and root license chains against their
escrowed keys, resolves scalable key derivation trees and seals the
resulting content keys into a session bound key blob.

It can also issue fixture chains and run batches of operations from a
workflow file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// If config file was explicitly specified via flag, reload before
		// applying flag overrides
		if cmd.Flags().Changed("config") && cfgFile != "" {
			if err := config.Reload(cfgFile); err != nil {
				logger.LogError("Error loading config file", err, map[string]interface{}{
					"config_file": cfgFile,
				})
			}
		}

		if cmd.Flags().Changed("debug") {
			config.Instance.Debug, _ = cmd.Flags().GetBool("debug")
		}
		if cmd.Flags().Changed("log-format") {
			config.Instance.LogFormat, _ = cmd.Flags().GetString("log-format")
		}
		if cmd.Flags().Changed("debug") || cmd.Flags().Changed("log-format") || cmd.Flags().Changed("config") {
			if err := logger.InitLogger(logger.LoggerConfig{
				Debug:     config.Instance.Debug,
				LogFormat: config.Instance.LogFormat,
				LogFile:   config.Instance.LogFile,
			}); err != nil {
				return err
			}
		}

		return config.Instance.Validate()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if workflowFile != "" {
			return executeWorkflow(workflowFile)
		}
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.LogError("Command execution failed", err, nil)
		fmt.Fprintln(os.Stderr, "Error:", err)
		logger.Sync()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is search in standard locations)")
	rootCmd.PersistentFlags().StringVarP(&workflowFile, "workflow", "w", "", "workflow file to execute")
	rootCmd.PersistentFlags().Bool("debug", config.Instance.Debug, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", config.Instance.LogFormat, "Log format: json or human")

	rootCmd.AddCommand(versionCmd)
}

// executeWorkflow loads, validates and runs a workflow file
func executeWorkflow(file string) error {
	logger.LogInfo("Executing workflow", map[string]interface{}{
		"file": file,
	})

	workflow, err := composition.LoadWorkflow(file)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	if errs := composition.ValidateWorkflow(workflow); len(errs) > 0 {
		for _, err := range errs {
			logger.LogError("Workflow validation error", err, nil)
		}
		return fmt.Errorf("workflow validation failed with %d errors", len(errs))
	}

	return composition.ExecuteWorkflow(workflow)
}
