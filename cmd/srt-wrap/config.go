package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/tailscale/hujson"
)

// ErrDuplicateConfigFiles is returned when both .json and .jsonc config files exist.
var ErrDuplicateConfigFiles = errors.New("duplicate config files")

// Default termination delays, in seconds.
const (
	defaultTerminateTimeout     = 10.0
	defaultTerminateIdleTimeout = 0.0
)

// Config holds the application configuration.
type Config struct {
	// Runtime is the container runtime's root. Empty runs on the host OS.
	Runtime string `json:"runtime,omitempty"`

	// GraphicsProvider supplies graphics drivers. Empty means the host.
	GraphicsProvider string `json:"graphicsProvider,omitempty"`

	RemoveGameOverlay *bool `json:"removeGameOverlay,omitempty"`

	// Filesystem lists extra host paths shared read-write.
	Filesystem []string `json:"filesystem,omitempty"`

	// TerminateTimeout is how long, in seconds, children get between
	// SIGTERM and SIGKILL once the game has exited.
	TerminateTimeout *float64 `json:"terminateTimeout,omitempty"`

	// TerminateIdleTimeout is how long, in seconds, children may keep
	// running after the game exits before SIGTERM.
	TerminateIdleTimeout *float64 `json:"terminateIdleTimeout,omitempty"`

	// VerifyRuntime checks the runtime against its manifest before use.
	VerifyRuntime *bool `json:"verifyRuntime,omitempty"`

	// Env is set inside the sandbox.
	Env map[string]string `json:"env,omitempty"`

	// Resolved (not serialized)
	EffectiveCwd      string            `json:"-"`
	LoadedConfigFiles map[string]string `json:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RemoveGameOverlay:    boolPtr(false),
		TerminateTimeout:     float64Ptr(defaultTerminateTimeout),
		TerminateIdleTimeout: float64Ptr(defaultTerminateIdleTimeout),
		VerifyRuntime:        boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func float64Ptr(f float64) *float64 {
	return &f
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

func (c *Config) terminateTimeout() time.Duration {
	return seconds(c.TerminateTimeout, defaultTerminateTimeout)
}

func (c *Config) terminateIdleTimeout() time.Duration {
	return seconds(c.TerminateIdleTimeout, defaultTerminateIdleTimeout)
}

func seconds(value *float64, def float64) time.Duration {
	s := def
	if value != nil && *value >= 0 {
		s = *value
	}

	return time.Duration(s * float64(time.Second))
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // --config flag value
	Env             map[string]string // Environment variables (for XDG_CONFIG_HOME)
}

// LoadConfig loads configuration with the following precedence (later overrides earlier):
//  1. Built-in defaults
//  2. Global config: $XDG_CONFIG_HOME/srt-wrap/config.json or config.jsonc
//     (defaults to ~/.config/srt-wrap/) - always loaded if exists
//  3. Project config OR --config path (not both):
//     - Without --config: .srt-wrap.json or .srt-wrap.jsonc in workDir
//     - With --config: uses that path instead of project config
//
// Both .json and .jsonc files support comments via tailscale/hujson.
// If both .json and .jsonc exist at the same location, it's an error.
// Relative runtime, graphicsProvider and filesystem paths are resolved
// against the directory of the file that sets them.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	if !filepath.IsAbs(workDir) {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}

		workDir = filepath.Join(cwd, workDir)
	}

	cfg := DefaultConfig()
	loaded := make(map[string]string)

	globalConfigBasePath := getUserConfigBasePath(input.Env)

	globalConfigPath, findErr := findConfigFile(globalConfigBasePath)
	if findErr == nil {
		globalCfg, loadErr := loadConfigFile(globalConfigPath)
		if loadErr != nil {
			return Config{}, loadErr
		}

		cfg = mergeConfigs(&cfg, &globalCfg)
		loaded["global"] = globalConfigPath
	} else if !errors.Is(findErr, os.ErrNotExist) {
		return Config{}, findErr
	}

	if input.ConfigPath != "" {
		configPath := input.ConfigPath
		if !filepath.IsAbs(configPath) {
			configPath = filepath.Join(workDir, configPath)
		}

		explicitCfg, err := loadConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfigs(&cfg, &explicitCfg)
		loaded["explicit"] = configPath
	} else {
		projectConfigBasePath := filepath.Join(workDir, ".srt-wrap")

		projectConfigPath, findErr := findConfigFile(projectConfigBasePath)
		if findErr == nil {
			projectCfg, loadErr := loadConfigFile(projectConfigPath)
			if loadErr != nil {
				return Config{}, loadErr
			}

			cfg = mergeConfigs(&cfg, &projectCfg)
			loaded["project"] = projectConfigPath
		} else if !errors.Is(findErr, os.ErrNotExist) {
			return Config{}, findErr
		}
	}

	cfg.EffectiveCwd = workDir
	cfg.LoadedConfigFiles = loaded

	return cfg, nil
}

// findConfigFile finds a config file at basePath + ".json" or ".jsonc" and
// returns an error if both exist.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, jsonErr := fileExists(jsonPath)
	if jsonErr != nil {
		return "", jsonErr
	}

	jsoncExists, jsoncErr := fileExists(jsoncPath)
	if jsoncErr != nil {
		return "", jsoncErr
	}

	if jsonExists && jsoncExists {
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateConfigFiles, jsonPath, jsoncPath)
	}

	if jsonExists {
		return jsonPath, nil
	}

	if jsoncExists {
		return jsoncPath, nil
	}

	return "", os.ErrNotExist
}

// fileExists checks if a file exists and is not a directory.
// Returns (true, nil) if file exists, (false, nil) if not found,
// or (false, error) for other errors (e.g., permission denied).
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	if info.IsDir() {
		return false, nil
	}

	return true, nil
}

// loadConfigFile loads and parses a JSON/JSONC config file.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.Runtime = resolveConfigPath(base, cfg.Runtime)
	cfg.GraphicsProvider = resolveConfigPath(base, cfg.GraphicsProvider)

	for i, p := range cfg.Filesystem {
		if p != "" && p[0] != '~' {
			cfg.Filesystem[i] = resolveConfigPath(base, p)
		}
	}

	return cfg, nil
}

func resolveConfigPath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(base, path)
}

// mergeConfigs merges override into base, with override taking precedence.
// Empty/zero values in override do not override base values. Env maps are
// merged key by key.
func mergeConfigs(base, override *Config) Config {
	result := *base

	if override.Runtime != "" {
		result.Runtime = override.Runtime
	}

	if override.GraphicsProvider != "" {
		result.GraphicsProvider = override.GraphicsProvider
	}

	if override.RemoveGameOverlay != nil {
		result.RemoveGameOverlay = override.RemoveGameOverlay
	}

	if len(override.Filesystem) > 0 {
		result.Filesystem = override.Filesystem
	}

	if override.TerminateTimeout != nil {
		result.TerminateTimeout = override.TerminateTimeout
	}

	if override.TerminateIdleTimeout != nil {
		result.TerminateIdleTimeout = override.TerminateIdleTimeout
	}

	if override.VerifyRuntime != nil {
		result.VerifyRuntime = override.VerifyRuntime
	}

	if len(override.Env) > 0 {
		merged := make(map[string]string, len(base.Env)+len(override.Env))

		for k, v := range base.Env {
			merged[k] = v
		}

		for k, v := range override.Env {
			merged[k] = v
		}

		result.Env = merged
	}

	return result
}

// getUserConfigBasePath returns the user config base path (without extension).
// $XDG_CONFIG_HOME is taken from env when present, so tests and wrappers can
// redirect it; otherwise the XDG default for the current user is used.
func getUserConfigBasePath(env map[string]string) string {
	if dir, ok := env["XDG_CONFIG_HOME"]; ok && dir != "" {
		return filepath.Join(dir, "srt-wrap", "config")
	}

	return filepath.Join(xdg.ConfigHome, "srt-wrap", "config")
}
