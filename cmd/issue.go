package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/logger"
	"github.com/deploymenttheory/go-license-engine/internal/ops"
)

var issueParams ops.IssueParams
var issueUplinks, issueAux []string

// issueCmd writes a fixture chain with its escrow container
var issueCmd = &cobra.Command{
	Use:       "issue {leaf-only|simple|scalable}",
	Short:     "Issue a signed fixture license chain",
	ValidArgs: []string{ops.KindLeafOnly, ops.KindSimple, ops.KindScalable},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := issueParams
		p.Kind = args[0]
		if !cmd.Flags().Changed("compression") {
			p.Compression = config.Instance.Output.Compression
		}

		var err error
		if p.Uplinks, err = parseLocations(issueUplinks); err != nil {
			return err
		}
		if p.AuxLocations, err = parseLocations(issueAux); err != nil {
			return err
		}

		m, err := ops.Issue(&config.Instance, p)
		if err != nil {
			return err
		}
		logger.LogInfo("Issued license chain", map[string]interface{}{
			"kind":    m.Kind,
			"out_dir": p.OutDir,
		})
		return ops.Render(cmd.OutOrStdout(), m, "json")
	},
}

// parseLocations parses tree locations written in decimal or 0x hex.
func parseLocations(values []string) ([]uint32, error) {
	var locs []uint32
	for _, s := range values {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: location %q: %v", commonerrors.ErrInvalidArgument, s, err)
		}
		locs = append(locs, uint32(v))
	}
	return locs, nil
}

func init() {
	f := issueCmd.Flags()
	f.StringVarP(&issueParams.OutDir, "out", "o", ".", "output directory")
	f.Uint32Var(&issueParams.LeafSecurityLevel, "leaf-security-level", 150, "security level of the leaf license")
	f.Uint32Var(&issueParams.RootSecurityLevel, "root-security-level", 150, "security level of the root license")
	f.Uint64Var(&issueParams.Begin, "begin", 0, "leaf validity start, seconds since the epoch")
	f.Uint64Var(&issueParams.End, "end", 0, "leaf validity end, seconds since the epoch (0 is unlimited)")
	f.Uint32Var(&issueParams.RevocationInfoVersion, "revocation-info-version", 0, "revocation info version carried by both licenses")
	f.StringSliceVar(&issueUplinks, "uplink", nil, "uplink location of a scalable leaf (repeatable)")
	f.StringSliceVar(&issueAux, "aux", nil, "auxiliary key location of a scalable root (repeatable)")
	f.StringVar(&issueParams.Compression, "compression", "", "chain compression: none, gzip, bzip2 or xz")

	rootCmd.AddCommand(issueCmd)
}
