// Package buildenv builds the environment passed to child build processes.
// Child commands never inherit os.Environ() wholesale: they get a base
// whitelist, the config's allowed variables, and per-target additions, so a
// run behaves the same on a developer laptop and in CI.
package buildenv

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"monoforge/internal/config"
	"monoforge/internal/logging"
)

// ForTarget returns the environment for one target's command. It merges:
// 1. The base whitelist (PATH, HOME, temp dirs, toolchain caches)
// 2. Variables named in execution.allowed_env_vars
// 3. The target's own env map (highest precedence)
func ForTarget(cfg *config.Config, targetName string, extra map[string]string) []string {
	env := baseEnv()

	if cfg != nil {
		for _, key := range cfg.Execution.AllowedEnvVars {
			if val := os.Getenv(key); val != "" {
				env = setEnvKey(env, key, val)
			}
		}
	}

	// Deterministic order keeps runs reproducible for identical config
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = setEnvKey(env, key, extra[key])
		logging.ExecDebug("target %s env: %s=%s", targetName, key, extra[key])
	}

	logging.ExecDebug("environment for %s has %d vars", targetName, len(env))
	return env
}

// baseEnv returns the variables every child process needs to run at all.
func baseEnv() []string {
	env := []string{}

	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}

	essentialVars := []string{
		"HOME",         // Required on Unix
		"USERPROFILE",  // Required on Windows
		"LOCALAPPDATA", // npm and Go cache defaults on Windows
		"TEMP",
		"TMP",
		"TMPDIR",
		"GOPATH",
		"GOROOT",
		"GOCACHE",
		"NPM_CONFIG_CACHE",
	}

	for _, key := range essentialVars {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}

	// npm resolves its cache under HOME; derive one when HOME is absent so
	// child installs do not fail in minimal containers.
	if !hasEnvKey(env, "NPM_CONFIG_CACHE") && !hasEnvKey(env, "HOME") {
		if cache := deriveNpmCache(); cache != "" {
			env = append(env, "NPM_CONFIG_CACHE="+cache)
			logging.ExecDebug("derived NPM_CONFIG_CACHE: %s", cache)
		}
	}

	return env
}

// deriveNpmCache determines a usable npm cache path when HOME is not set.
func deriveNpmCache() string {
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		return filepath.Join(localAppData, "npm-cache")
	}
	if tmp := os.Getenv("TEMP"); tmp != "" {
		return filepath.Join(tmp, "npm-cache")
	}
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return filepath.Join(tmp, "npm-cache")
	}
	return ""
}

// hasEnvKey checks if an environment key is already set.
func hasEnvKey(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

// setEnvKey sets or updates an environment variable.
func setEnvKey(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = key + "=" + value
			return env
		}
	}
	return append(env, key+"="+value)
}

// MergeEnv merges additional environment variables into base env.
// Later values override earlier ones.
func MergeEnv(base []string, additional ...string) []string {
	result := make([]string, len(base))
	copy(result, base)

	for _, add := range additional {
		parts := strings.SplitN(add, "=", 2)
		if len(parts) == 2 {
			result = setEnvKey(result, parts[0], parts[1])
		}
	}

	return result
}
