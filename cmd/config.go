package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/ops"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or save the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ops.Render(cmd.OutOrStdout(), config.Settings(), configFormat)
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save <file>",
	Short: "Write the effective configuration, without the device secret, to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SaveConfig(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "output format: yaml or json")

	configCmd.AddCommand(configShowCmd, configSaveCmd)
	rootCmd.AddCommand(configCmd)
}
