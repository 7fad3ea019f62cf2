package composition

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/deploymenttheory/go-license-engine/internal/common/compressionutil"
	commonerrors "github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/fsutil"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/logger"
	"github.com/deploymenttheory/go-license-engine/internal/ops"
)

// StepHandler executes a workflow step whose parameters are already rendered.
// The returned values are merged into the workflow variables.
type StepHandler func(cfg *config.AppConfig, step Step) (map[string]interface{}, error)

var stepHandlers = map[string]StepHandler{
	"issue":    handleIssueStep,
	"validate": handleValidateStep,
	"inspect":  handleInspectStep,
	"compress": handleCompressStep,
}

// evaluateCondition renders the condition and checks whether it reads as true
func evaluateCondition(condition string, variables map[string]interface{}) (bool, error) {
	result, err := processTemplate(condition, variables)
	if err != nil {
		return false, err
	}

	result = strings.TrimSpace(strings.ToLower(result))
	return result == "true" || result == "yes" || result == "1", nil
}

// decodeParameters decodes step parameters into out. Scalars are converted
// weakly so that "0x13" and 19 both fill a uint32.
func decodeParameters(params map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("%w: %v", commonerrors.ErrInvalidArgument, err)
	}
	return nil
}

func handleIssueStep(cfg *config.AppConfig, step Step) (map[string]interface{}, error) {
	var p ops.IssueParams
	if err := decodeParameters(step.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Compression == "" {
		p.Compression = cfg.Output.Compression
	}

	m, err := ops.Issue(cfg, p)
	if err != nil {
		return nil, err
	}
	logger.LogInfo("Issued license chain", map[string]interface{}{
		"kind":     m.Kind,
		"leaf_key": m.LeafKeyID,
		"out_dir":  p.OutDir,
	})

	return map[string]interface{}{
		"manifest":    filepath.Join(p.OutDir, ops.ManifestFile),
		"chain":       filepath.Join(p.OutDir, ops.ChainFile),
		"escrow":      filepath.Join(p.OutDir, ops.EscrowFile),
		"leaf_key_id": m.LeafKeyID,
		"root_key_id": m.RootKeyID,
	}, nil
}

func handleValidateStep(cfg *config.AppConfig, step Step) (map[string]interface{}, error) {
	var p ops.ValidateParams
	if err := decodeParameters(step.Parameters, &p); err != nil {
		return nil, err
	}
	res, err := ops.Validate(cfg, logger.Zap(), p)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"key_blob":  res.KeyBlob,
		"session":   res.Session,
		"mode":      res.Mode,
		"key_count": res.KeyCount,
	}, nil
}

type inspectParams struct {
	Target string `mapstructure:"target"` // chain or blob
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
	Out    string `mapstructure:"out"`
}

func handleInspectStep(cfg *config.AppConfig, step Step) (map[string]interface{}, error) {
	var p inspectParams
	if err := decodeParameters(step.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Format == "" {
		p.Format = cfg.Output.Format
	}

	var report interface{}
	var err error
	switch p.Target {
	case "chain":
		report, err = ops.InspectChain(p.Path)
	case "blob":
		report, err = ops.InspectBlob(cfg, logger.Zap(), p.Path)
	default:
		return nil, fmt.Errorf("%w: inspect target must be chain or blob, got %q", commonerrors.ErrInvalidArgument, p.Target)
	}
	if err != nil {
		return nil, err
	}

	if p.Out != "" {
		var buf bytes.Buffer
		if err := ops.Render(&buf, report, p.Format); err != nil {
			return nil, err
		}
		if err := fsutil.WriteFile(p.Out, buf.Bytes(), fsutil.PublicFileMode); err != nil {
			return nil, err
		}
	}

	return map[string]interface{}{"report": report}, nil
}

type compressParams struct {
	Source      string `mapstructure:"source"`
	Destination string `mapstructure:"destination"`
	Format      string `mapstructure:"format"`
}

// handleCompressStep rewrites a file in another compression format. The
// source may itself be compressed in any supported format.
func handleCompressStep(_ *config.AppConfig, step Step) (map[string]interface{}, error) {
	var p compressParams
	if err := decodeParameters(step.Parameters, &p); err != nil {
		return nil, err
	}
	format, err := compressionutil.ParseFormat(p.Format)
	if err != nil {
		return nil, err
	}

	raw, err := fsutil.ReadFile(p.Source)
	if err != nil {
		return nil, err
	}
	data, from, err := compressionutil.Decompress(raw)
	if err != nil {
		return nil, err
	}
	out, err := compressionutil.Compress(data, format)
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteFile(p.Destination, out, fsutil.PublicFileMode); err != nil {
		return nil, err
	}

	logger.LogDebug("Recompressed file", map[string]interface{}{
		"source": p.Source,
		"from":   from.String(),
		"to":     format.String(),
	})
	return map[string]interface{}{"compressed": p.Destination}, nil
}
