package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/logger"
	"github.com/deploymenttheory/go-license-engine/internal/ops"
)

var validateParams ops.ValidateParams
var validateFormat string

// validateCmd validates a license chain into a key blob
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a license chain and seal its content keys into a key blob",
	Example: `  license-engine validate --manifest fixture/manifest.json --out key.blob
  license-engine validate --chain chain.lic --escrow escrow.bin --mode sample-protection \
      --sample-protection-key 000102030405060708090a0b0c0d0e0f --out key.blob`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("format") {
			validateFormat = config.Instance.Output.Format
		}
		res, err := ops.Validate(&config.Instance, logger.Zap(), validateParams)
		if err != nil {
			return err
		}
		return ops.Render(cmd.OutOrStdout(), res, validateFormat)
	},
}

func init() {
	f := validateCmd.Flags()
	f.StringVar(&validateParams.ManifestPath, "manifest", "", "issue manifest supplying chain, escrow and checksum")
	f.StringVar(&validateParams.ChainPath, "chain", "", "license chain file")
	f.StringVar(&validateParams.EscrowPath, "escrow", "", "escrow container file")
	f.StringVar(&validateParams.Mode, "mode", "handle", "decryption mode: handle, sample-protection or clear")
	f.StringVar(&validateParams.SampleProtectionKey, "sample-protection-key", "", "16 byte sample protection key, hex")
	f.StringVar(&validateParams.ContentHeaderChecksum, "content-header-checksum", "", "content header checksum, hex")
	f.StringVar(&validateParams.RevocationListPath, "revocation-list", "", "revocation list file")
	f.BoolVar(&validateParams.EnforceRevocation, "enforce-revocation", false, "require and enforce a revocation list")
	f.StringVarP(&validateParams.OutPath, "out", "o", "key.blob", "key blob output file")
	f.StringVar(&validateFormat, "format", "json", "result format: json, yaml or plist")

	rootCmd.AddCommand(validateCmd)
}
