package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"

	"github.com/YoshitsuguKoike/lattice/internal/app/config"
)

const (
	DefaultTrunk        = "main"
	DefaultRemote       = "origin"
	DefaultGitHubAPIURL = "https://api.github.com"
	DefaultLockTimeout  = 10 * time.Second
	DefaultLogLevel     = "warn"
)

// RawGitHub is the github section of config.yaml
type RawGitHub struct {
	APIURL *string `yaml:"api_url"`
	Repo   *string `yaml:"repo"`
}

// RawSettings represents the structure of config.yaml.
// Pointer fields distinguish "unset" from a zero value so files can be layered.
type RawSettings struct {
	// Repository
	Trunk  *string `yaml:"trunk"`
	Remote *string `yaml:"remote"`

	// Forge
	Forge  *string    `yaml:"forge"`
	GitHub *RawGitHub `yaml:"github"`

	// Engine
	LockTimeout    *string `yaml:"lock_timeout"`
	VerifyAncestry *bool   `yaml:"verify_ancestry"`

	// Logging
	LogLevel *string `yaml:"log_level"`
}

// LoadSettings loads the user file, then the repository file on top of it,
// then environment overrides.
// Priority: env > repo config.yaml > user config.yaml > defaults
func LoadSettings(afs afero.Fs, userPath, repoPath string) (*config.AppConfig, error) {
	settings := &RawSettings{}
	var sources, paths []string

	for _, f := range []struct {
		name string
		path string
	}{{"user", userPath}, {"repo", repoPath}} {
		if f.path == "" {
			continue
		}
		layer, err := readSettings(afs, f.path)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			continue
		}
		merge(settings, layer)
		sources = append(sources, f.name)
		paths = append(paths, f.path)
	}

	applyEnvOverrides(settings)
	applyDefaults(settings)

	if err := validate(settings); err != nil {
		return nil, err
	}

	source := "default"
	if len(sources) > 0 {
		source = strings.Join(sources, "+")
	}
	return buildAppConfig(settings, source, paths)
}

// readSettings decodes one file strictly. A missing file returns nil.
func readSettings(afs afero.Fs, path string) (*RawSettings, error) {
	data, err := afero.ReadFile(afs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseSettings(data, path)
}

// ParseSettings decodes YAML, rejecting unknown fields
func ParseSettings(data []byte, path string) (*RawSettings, error) {
	settings := &RawSettings{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(settings); err != nil {
		if errors.Is(err, io.EOF) {
			return settings, nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return settings, nil
}

// merge copies every set field of over into base
func merge(base, over *RawSettings) {
	if over.Trunk != nil {
		base.Trunk = over.Trunk
	}
	if over.Remote != nil {
		base.Remote = over.Remote
	}
	if over.Forge != nil {
		base.Forge = over.Forge
	}
	if over.GitHub != nil {
		if base.GitHub == nil {
			base.GitHub = &RawGitHub{}
		}
		if over.GitHub.APIURL != nil {
			base.GitHub.APIURL = over.GitHub.APIURL
		}
		if over.GitHub.Repo != nil {
			base.GitHub.Repo = over.GitHub.Repo
		}
	}
	if over.LockTimeout != nil {
		base.LockTimeout = over.LockTimeout
	}
	if over.VerifyAncestry != nil {
		base.VerifyAncestry = over.VerifyAncestry
	}
	if over.LogLevel != nil {
		base.LogLevel = over.LogLevel
	}
}

// applyDefaults fills in default values for any nil fields
func applyDefaults(settings *RawSettings) {
	if settings.Trunk == nil {
		v := DefaultTrunk
		settings.Trunk = &v
	}
	if settings.Remote == nil {
		v := DefaultRemote
		settings.Remote = &v
	}
	if settings.Forge == nil {
		v := config.ForgeNone
		settings.Forge = &v
	}
	if settings.GitHub == nil {
		settings.GitHub = &RawGitHub{}
	}
	if settings.GitHub.APIURL == nil {
		v := DefaultGitHubAPIURL
		settings.GitHub.APIURL = &v
	}
	if settings.GitHub.Repo == nil {
		v := ""
		settings.GitHub.Repo = &v
	}
	if settings.LockTimeout == nil {
		v := DefaultLockTimeout.String()
		settings.LockTimeout = &v
	}
	if settings.VerifyAncestry == nil {
		v := true
		settings.VerifyAncestry = &v
	}
	if settings.LogLevel == nil {
		v := DefaultLogLevel
		settings.LogLevel = &v
	}
}

func validate(settings *RawSettings) error {
	switch *settings.Forge {
	case config.ForgeNone, config.ForgeGitHub:
	default:
		return fmt.Errorf("forge must be %q or %q, got %q", config.ForgeGitHub, config.ForgeNone, *settings.Forge)
	}
	if *settings.Forge == config.ForgeGitHub {
		owner, name, ok := strings.Cut(*settings.GitHub.Repo, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("github.repo must be owner/name, got %q", *settings.GitHub.Repo)
		}
	}
	if _, err := parseTimeout(*settings.LockTimeout); err != nil {
		return err
	}
	switch strings.ToLower(*settings.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", *settings.LogLevel)
	}
	return nil
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("lock_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("lock_timeout must not be negative, got %s", s)
	}
	return d, nil
}

// Version hashes the settings that change what a stack means: trunk,
// remote and forge identity, and ancestry checking. Log level and lock
// timeout do not change it.
func Version(settings *RawSettings) (string, error) {
	canonical, err := json.Marshal(struct {
		Trunk          string `json:"trunk"`
		Remote         string `json:"remote"`
		Forge          string `json:"forge"`
		Repo           string `json:"repo"`
		VerifyAncestry bool   `json:"verify_ancestry"`
	}{
		Trunk:          *settings.Trunk,
		Remote:         *settings.Remote,
		Forge:          *settings.Forge,
		Repo:           *settings.GitHub.Repo,
		VerifyAncestry: *settings.VerifyAncestry,
	})
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:8]), nil
}

// buildAppConfig converts RawSettings to AppConfig
func buildAppConfig(settings *RawSettings, configSource string, paths []string) (*config.AppConfig, error) {
	timeout, err := parseTimeout(*settings.LockTimeout)
	if err != nil {
		return nil, err
	}
	version, err := Version(settings)
	if err != nil {
		return nil, err
	}
	return config.NewAppConfig(
		*settings.Trunk,
		*settings.Remote,
		*settings.Forge,
		*settings.GitHub.APIURL,
		*settings.GitHub.Repo,
		timeout,
		*settings.VerifyAncestry,
		strings.ToLower(*settings.LogLevel),
		version,
		configSource,
		paths,
	), nil
}

// CreateDefaultSettings renders a config.yaml with every default spelled out
func CreateDefaultSettings() []byte {
	settings := &RawSettings{}
	applyDefaults(settings)

	data, _ := yaml.Marshal(settings)
	return data
}
