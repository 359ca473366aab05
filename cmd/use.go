package cmd

import (
	"os"
	"strings"

	"go.uber.org/fx"
)

const (
	DefaultConfigPath = "ultrasync.yaml"
	ConfigEnv         = "ULTRASYNC_CONFIG"
)

// Use includes opts only when the command selected by args is name or one of
// its subcommands. Use("cache") matches "cache clear".
func Use(args []string, name string, opts ...fx.Option) fx.Option {
	if !matchesPathPrefix(CommandPath(args), normalizePath(name)) {
		return fx.Options()
	}
	return fx.Options(opts...)
}

// CommandPath is the command words of args, flags and their values removed.
func CommandPath(args []string) string {
	var parts []string
	skipValue := false
	for _, arg := range args {
		trimmed := strings.TrimSpace(arg)
		if trimmed == "" {
			continue
		}
		if skipValue {
			skipValue = false
			continue
		}
		if trimmed == "--" {
			break
		}
		if strings.HasPrefix(trimmed, "-") {
			skipValue = isConfigFlag(trimmed)
			continue
		}
		parts = append(parts, trimmed)
	}
	return normalizePath(strings.Join(parts, " "))
}

// ConfigPath finds the --config value in args, then ULTRASYNC_CONFIG, then
// the default path.
func ConfigPath(args []string) string {
	for i, arg := range args {
		for _, prefix := range []string{"--" + ConfigFlag + "=", "-c="} {
			if v, ok := strings.CutPrefix(arg, prefix); ok {
				return v
			}
		}
		if isConfigFlag(arg) && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv(ConfigEnv); v != "" {
		return v
	}
	return DefaultConfigPath
}

func isConfigFlag(arg string) bool {
	return arg == "--"+ConfigFlag || arg == "-c"
}

func matchesPathPrefix(path string, want string) bool {
	if want == "" {
		return false
	}
	if path == want {
		return true
	}
	return strings.HasPrefix(path, want+" ")
}

func normalizePath(path string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(path)), " ")
}
