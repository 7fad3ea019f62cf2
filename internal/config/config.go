package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/fsutil"
	"github.com/deploymenttheory/go-license-engine/internal/common/osutil"
	"github.com/deploymenttheory/go-license-engine/internal/scalable"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "license-engine"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "LICENSE_ENGINE"
)

// AppConfig holds the application configuration
type AppConfig struct {
	// Core settings
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Engine settings
	Engine struct {
		MaxTreeDepth       int    `mapstructure:"max_tree_depth"`
		EnforceRevocation  bool   `mapstructure:"enforce_revocation"`
		AllowReconstituted bool   `mapstructure:"allow_reconstituted"`
		DeviceSecret       string `mapstructure:"device_secret"` // hex
		DeviceID           string `mapstructure:"device_id"`

		// ModeRemap maps a requested decryption mode onto the mode the
		// device actually serves, e.g. clear: handle.
		ModeRemap map[string]string `mapstructure:"mode_remap"`
	} `mapstructure:"engine"`

	// Output settings
	Output struct {
		Format      string `mapstructure:"format"` // json, plist, bplist
		Compression string `mapstructure:"compression"`
	} `mapstructure:"output"`
}

// Global variables
var (
	// Global configuration instance
	Instance AppConfig

	// Status indicators
	ConfigLoaded bool
	ConfigFile   string

	// Viper instance
	v *viper.Viper

	initOnce sync.Once
)

// Initialize sets up the configuration system
func Initialize(cfgFile string) error {
	var err error

	initOnce.Do(func() {
		err = load(cfgFile)
	})

	return err
}

// Reload discards the loaded configuration and reads cfgFile.
func Reload(cfgFile string) error {
	initOnce = sync.Once{}
	Instance = AppConfig{}
	return Initialize(cfgFile)
}

func load(cfgFile string) error {
	v = viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		addSearchPaths(v)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var err error
	if readErr := v.ReadInConfig(); readErr != nil {
		if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok {
			// Only capture error if the config file was found but couldn't be read
			err = fmt.Errorf("%w: %v", errors.ErrConfigParseError, readErr)
		}
		ConfigLoaded = false
		ConfigFile = ""
	} else {
		ConfigLoaded = true
		ConfigFile = v.ConfigFileUsed()
	}

	if unmarshalErr := v.Unmarshal(&Instance); unmarshalErr != nil {
		return fmt.Errorf("%w: %v", errors.ErrConfigParseError, unmarshalErr)
	}

	ensureDirectories()
	return err
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")

	logDir, err := fsutil.GetLogDir(AppName)
	if err == nil {
		v.SetDefault("log_file", filepath.Join(logDir, "license-engine.log"))
	} else {
		v.SetDefault("log_file", "logs/license-engine.log")
	}

	v.SetDefault("engine.max_tree_depth", scalable.DefaultMaxDepth)
	v.SetDefault("engine.enforce_revocation", false)
	v.SetDefault("engine.allow_reconstituted", true)
	v.SetDefault("engine.device_secret", "")
	v.SetDefault("engine.device_id", AppName)

	v.SetDefault("output.format", "json")
	v.SetDefault("output.compression", "none")
}

// addSearchPaths adds config search paths
func addSearchPaths(v *viper.Viper) {
	v.AddConfigPath(".")

	if configDir, err := fsutil.GetConfigDir(AppName); err == nil {
		v.AddConfigPath(configDir)
	}

	// In CI only the working directory and the system directory apply
	if osutil.IsRunningInPipeline() {
		v.AddConfigPath("/etc/" + AppName)
		return
	}

	if systemConfigDir, err := fsutil.GetSystemConfigDir(AppName); err == nil {
		v.AddConfigPath(systemConfigDir)
	}
}

// ensureDirectories creates necessary directories based on configuration
func ensureDirectories() {
	if osutil.IsRunningInPipeline() && os.Getenv("CREATE_DIRS") != "true" {
		return
	}
	if Instance.LogFile != "" {
		_ = fsutil.CreateDirIfNotExists(filepath.Dir(Instance.LogFile))
	}
}

// DeviceSecret decodes the configured device secret.
func (c *AppConfig) DeviceSecret() ([]byte, error) {
	if c.Engine.DeviceSecret == "" {
		return nil, fmt.Errorf("%w: engine.device_secret is not set", errors.ErrConfigInvalid)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(c.Engine.DeviceSecret))
	if err != nil {
		return nil, fmt.Errorf("%w: engine.device_secret: %v", errors.ErrConfigInvalid, err)
	}
	return secret, nil
}

// Validate checks the engine settings.
func (c *AppConfig) Validate() error {
	if c.Engine.MaxTreeDepth < 1 || c.Engine.MaxTreeDepth > 32 {
		return fmt.Errorf("%w: engine.max_tree_depth must be within [1, 32], got %d", errors.ErrConfigInvalid, c.Engine.MaxTreeDepth)
	}
	switch c.LogFormat {
	case "human", "json":
	default:
		return fmt.Errorf("%w: log_format must be human or json, got %q", errors.ErrConfigInvalid, c.LogFormat)
	}
	return nil
}

// SaveConfig saves the current configuration to a file
func SaveConfig(filePath string) error {
	saveV := viper.New()
	saveV.SetConfigFile(filePath)

	saveV.Set("debug", Instance.Debug)
	saveV.Set("log_format", Instance.LogFormat)
	saveV.Set("log_file", Instance.LogFile)
	saveV.Set("engine.max_tree_depth", Instance.Engine.MaxTreeDepth)
	saveV.Set("engine.enforce_revocation", Instance.Engine.EnforceRevocation)
	saveV.Set("engine.allow_reconstituted", Instance.Engine.AllowReconstituted)
	saveV.Set("engine.device_id", Instance.Engine.DeviceID)
	saveV.Set("engine.mode_remap", Instance.Engine.ModeRemap)
	saveV.Set("output.format", Instance.Output.Format)
	saveV.Set("output.compression", Instance.Output.Compression)

	if err := fsutil.CreateDirIfNotExists(filepath.Dir(filePath)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return saveV.WriteConfig()
}

// Settings returns the effective settings as nested maps keyed like the
// config file. The device secret is redacted.
func Settings() map[string]interface{} {
	settings := map[string]interface{}{
		"debug":      Instance.Debug,
		"log_format": Instance.LogFormat,
		"log_file":   Instance.LogFile,
		"engine": map[string]interface{}{
			"max_tree_depth":      Instance.Engine.MaxTreeDepth,
			"enforce_revocation":  Instance.Engine.EnforceRevocation,
			"allow_reconstituted": Instance.Engine.AllowReconstituted,
			"device_id":           Instance.Engine.DeviceID,
			"device_secret":       redact(Instance.Engine.DeviceSecret),
			"mode_remap":          Instance.Engine.ModeRemap,
		},
		"output": map[string]interface{}{
			"format":      Instance.Output.Format,
			"compression": Instance.Output.Compression,
		},
	}
	if ConfigLoaded {
		settings["config_file"] = ConfigFile
	}
	return settings
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "<redacted>"
}
