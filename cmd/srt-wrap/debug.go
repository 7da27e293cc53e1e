package main

import (
	"fmt"
	"io"
	"strings"
)

// DebugLogger provides structured debug output for sandbox startup.
// It is disabled by default (when output is nil) and outputs to stderr when enabled.
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger creates a new debug logger.
// If output is nil, the logger is disabled and all methods are no-ops.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

// Enabled returns true if debug logging is enabled.
func (d *DebugLogger) Enabled() bool {
	return d.output != nil
}

// Section outputs a section header.
func (d *DebugLogger) Section(name string) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "\n=== %s ===\n", name)
}

// Logf outputs a formatted debug message.
func (d *DebugLogger) Logf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// Bulletf outputs an indented bullet point item.
func (d *DebugLogger) Bulletf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  • "+format+"\n", args...)
}

// ConfigFile outputs information about a config file.
func (d *DebugLogger) ConfigFile(label, path string, loaded bool) {
	if d.output == nil {
		return
	}

	if loaded {
		_, _ = fmt.Fprintf(d.output, "  %s: %s\n", label, path)
	} else {
		_, _ = fmt.Fprintf(d.output, "  %s: (not found)\n", label)
	}
}

// Setting outputs a setting value with its source.
func (d *DebugLogger) Setting(name string, value any, source string) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  %s: %v (%s)\n", name, value, source)
}

// BwrapArgs outputs bwrap arguments, one operation per line.
func (d *DebugLogger) BwrapArgs(args []string) {
	if d.output == nil {
		return
	}

	for _, group := range groupBwrapArgs(args) {
		_, _ = fmt.Fprintf(d.output, "  %s\n", strings.Join(group, " "))
	}
}

// bwrapArity is the number of operands each bwrap option takes.
var bwrapArity = map[string]int{
	"--bind":        2,
	"--bind-try":    2,
	"--ro-bind":     2,
	"--ro-bind-try": 2,
	"--symlink":     2,
	"--setenv":      2,
	"--tmpfs":       1,
	"--dir":         1,
	"--dev":         1,
	"--proc":        1,
	"--unsetenv":    1,
	"--chdir":       1,
}

// groupBwrapArgs splits args into options with their operands.
func groupBwrapArgs(args []string) [][]string {
	var groups [][]string

	for idx := 0; idx < len(args); {
		next := min(idx+1+bwrapArity[args[idx]], len(args))
		groups = append(groups, args[idx:next])
		idx = next
	}

	return groups
}

// debugConfigLoading outputs debug information about config file loading.
func debugConfigLoading(debug *DebugLogger, cfg *Config) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Config Loading")

	if len(cfg.LoadedConfigFiles) == 0 {
		debug.Logf("  No config files loaded (using defaults)")

		return
	}

	if path, ok := cfg.LoadedConfigFiles["global"]; ok {
		debug.ConfigFile("Global config", path, true)
	} else {
		debug.ConfigFile("Global config", "", false)
	}

	if path, ok := cfg.LoadedConfigFiles["explicit"]; ok {
		debug.ConfigFile("Explicit config (--config)", path, true)
	} else if path, ok := cfg.LoadedConfigFiles["project"]; ok {
		debug.ConfigFile("Project config", path, true)
	} else {
		debug.ConfigFile("Project config", "", false)
	}
}

// FlagChecker is an interface for checking if CLI flags were set.
type FlagChecker interface {
	Changed(name string) bool
}

// debugConfigMerge outputs the settings in effect after CLI flags are applied.
func debugConfigMerge(debug *DebugLogger, cfg *Config, flags FlagChecker) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Config Merge")

	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "(host OS)"
	}

	provider := cfg.GraphicsProvider
	if provider == "" {
		provider = "(host)"
	}

	debug.Setting("runtime", runtime, configSource(cfg.LoadedConfigFiles, "runtime", flags))
	debug.Setting("graphicsProvider", provider, configSource(cfg.LoadedConfigFiles, "graphics-provider", flags))
	debug.Setting("removeGameOverlay", boolValue(cfg.RemoveGameOverlay), configSource(cfg.LoadedConfigFiles, "remove-game-overlay", flags))
	debug.Setting("verifyRuntime", boolValue(cfg.VerifyRuntime), configSource(cfg.LoadedConfigFiles, "verify-runtime", flags))
	debug.Setting("terminateIdleTimeout", cfg.terminateIdleTimeout(), configSource(cfg.LoadedConfigFiles, "terminate-idle-timeout", flags))
	debug.Setting("terminateTimeout", cfg.terminateTimeout(), configSource(cfg.LoadedConfigFiles, "terminate-timeout", flags))

	for _, path := range cfg.Filesystem {
		debug.Bulletf("filesystem: %s", path)
	}
}

// configSource determines the source of a config value.
func configSource(loadedFiles map[string]string, flagName string, flags FlagChecker) string {
	if flags != nil && flags.Changed(flagName) {
		return "cli"
	}

	if _, ok := loadedFiles["explicit"]; ok {
		return "explicit config"
	}

	if _, ok := loadedFiles["project"]; ok {
		return "project config"
	}

	if _, ok := loadedFiles["global"]; ok {
		return "global config"
	}

	return "default"
}

// DebugPreload outputs the LD_PRELOAD rewrite.
func DebugPreload(debug *DebugLogger, original, remapped []string) {
	if !debug.Enabled() {
		return
	}

	debug.Section("LD_PRELOAD")

	if len(original) == 0 {
		debug.Logf("  (none)")

		return
	}

	for _, entry := range original {
		debug.Bulletf("in:  %s", entry)
	}

	for _, entry := range remapped {
		debug.Bulletf("out: %s", entry)
	}
}

// DebugBwrapArgs outputs debug information about generated bwrap arguments.
func DebugBwrapArgs(debug *DebugLogger, args []string) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Generated bwrap Arguments")
	debug.BwrapArgs(args)
}
