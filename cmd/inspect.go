package cmd

import (
	"bytes"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-license-engine/internal/common/fsutil"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/logger"
	"github.com/deploymenttheory/go-license-engine/internal/ops"
)

var inspectFormat, inspectOut string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Describe license chains and key blobs without revealing keys",
}

var inspectChainCmd = &cobra.Command{
	Use:   "chain <file>",
	Short: "Parse a license chain and report its licenses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := ops.InspectChain(args[0])
		if err != nil {
			return err
		}
		return writeReport(cmd, report)
	},
}

var inspectBlobCmd = &cobra.Command{
	Use:   "blob <file>",
	Short: "Open a key blob as a reconstituted session and report its policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := ops.InspectBlob(&config.Instance, logger.Zap(), args[0])
		if err != nil {
			return err
		}
		return writeReport(cmd, report)
	},
}

// writeReport renders report to --out, or to stdout when no file is given.
func writeReport(cmd *cobra.Command, report interface{}) error {
	format := inspectFormat
	if !cmd.Flags().Changed("format") {
		format = config.Instance.Output.Format
	}
	if inspectOut == "" {
		return ops.Render(cmd.OutOrStdout(), report, format)
	}

	var buf bytes.Buffer
	if err := ops.Render(&buf, report, format); err != nil {
		return err
	}
	return fsutil.WriteFile(inspectOut, buf.Bytes(), fsutil.PublicFileMode)
}

func init() {
	inspectCmd.PersistentFlags().StringVar(&inspectFormat, "format", "json", "report format: json, yaml, plist, bplist or openstep")
	inspectCmd.PersistentFlags().StringVarP(&inspectOut, "out", "o", "", "write the report to a file")

	inspectCmd.AddCommand(inspectChainCmd, inspectBlobCmd)
	rootCmd.AddCommand(inspectCmd)
}
