package config

import (
	"os"
	"strings"
)

// Environment overrides. Credentials are read by the forge, never stored here.
const (
	EnvTrunk       = "LATTICE_TRUNK"
	EnvRemote      = "LATTICE_REMOTE"
	EnvForge       = "LATTICE_FORGE"
	EnvLogLevel    = "LATTICE_LOG_LEVEL"
	EnvLockTimeout = "LATTICE_LOCK_TIMEOUT"
	EnvVerify      = "LATTICE_VERIFY_ANCESTRY"
)

// applyEnvOverrides replaces settings with any non-empty environment value
func applyEnvOverrides(settings *RawSettings) {
	get := func(k string) (string, bool) {
		v := strings.TrimSpace(os.Getenv(k))
		return v, v != ""
	}
	if v, ok := get(EnvTrunk); ok {
		settings.Trunk = &v
	}
	if v, ok := get(EnvRemote); ok {
		settings.Remote = &v
	}
	if v, ok := get(EnvForge); ok {
		settings.Forge = &v
	}
	if v, ok := get(EnvLogLevel); ok {
		settings.LogLevel = &v
	}
	if v, ok := get(EnvLockTimeout); ok {
		settings.LockTimeout = &v
	}
	if v, ok := get(EnvVerify); ok {
		b := toBool(v)
		settings.VerifyAncestry = &b
	}
}

// toBool converts various string representations to boolean
func toBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "1" || s == "true" || s == "yes" || s == "on"
}
