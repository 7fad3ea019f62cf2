// Package ops implements the file-level operations behind the CLI commands
// and workflow steps: issuing fixture chains, validating a chain into a key
// blob and inspecting chains and key blobs.
package ops

import (
	"context"
	"crypto/rand"
	"fmt"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-license-engine/internal/common/compressionutil"
	"github.com/deploymenttheory/go-license-engine/internal/common/cryptoutil"
	"github.com/deploymenttheory/go-license-engine/internal/common/fsutil"
	"github.com/deploymenttheory/go-license-engine/internal/common/netutil"
	"github.com/deploymenttheory/go-license-engine/internal/config"
	"github.com/deploymenttheory/go-license-engine/internal/primitives"
	"github.com/deploymenttheory/go-license-engine/pkg/licensing"
)

// NewEngine builds an engine from the engine section of cfg.
func NewEngine(cfg *config.AppConfig, logger *zap.Logger) (*licensing.Engine, error) {
	p, err := devicePrimitives(cfg)
	if err != nil {
		return nil, err
	}
	remap, err := licensing.ParseModeRemap(cfg.Engine.ModeRemap)
	if err != nil {
		return nil, err
	}

	return licensing.New(p,
		licensing.WithLogger(logger),
		licensing.WithMaxTreeDepth(cfg.Engine.MaxTreeDepth),
		licensing.WithModeRemap(remap),
		licensing.WithEnforceRevocation(cfg.Engine.EnforceRevocation),
		licensing.WithReconstitutedSessions(cfg.Engine.AllowReconstituted),
	), nil
}

func devicePrimitives(cfg *config.AppConfig) (*primitives.AESProvider, error) {
	secret, err := cfg.DeviceSecret()
	if err != nil {
		return nil, err
	}
	return primitives.NewAESProvider(secret, cfg.Engine.DeviceID)
}

// issuerPrimitives returns the device provider when a device secret is
// configured. Issuing never seals, so any secret serves otherwise.
func issuerPrimitives(cfg *config.AppConfig) (*primitives.AESProvider, error) {
	if cfg.Engine.DeviceSecret != "" {
		return devicePrimitives(cfg)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return primitives.NewAESProvider(secret, cfg.Engine.DeviceID)
}

// readInput reads a file or an http(s) URL, checks its SHA-256 digest when
// one is given and strips any compression.
func readInput(path, wantSHA256 string) ([]byte, compressionutil.Format, error) {
	var raw []byte
	var err error
	if netutil.IsURL(path) {
		raw, err = netutil.Fetch(context.Background(), path, compressionutil.MaxDecompressedSize)
	} else {
		raw, err = fsutil.ReadFile(path)
	}
	if err != nil {
		return nil, compressionutil.FormatNone, err
	}
	if wantSHA256 != "" {
		if err := cryptoutil.Verify(cryptoutil.SHA256, raw, wantSHA256); err != nil {
			return nil, compressionutil.FormatNone, fmt.Errorf("%s: %w", path, err)
		}
	}
	data, format, err := compressionutil.Decompress(raw)
	if err != nil {
		return nil, format, fmt.Errorf("%s: %w", path, err)
	}
	return data, format, nil
}
