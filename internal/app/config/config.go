package config

import "time"

// Forge providers
const (
	ForgeNone   = "none"
	ForgeGitHub = "github"
)

// Config provides read-only access to the effective configuration.
// The app layer never sees where a value came from beyond ConfigSource.
type Config interface {
	// Repository
	Trunk() string  // Trunk branch name (trunk, LATTICE_TRUNK)
	Remote() string // Remote used by push/fetch (remote)

	// Forge
	Forge() string        // Forge provider: "github" or "none"
	GitHubAPIURL() string // REST endpoint (github.api_url)
	GitHubRepo() string   // owner/name (github.repo)

	// Engine
	LockTimeout() time.Duration // Wait for the repository lock (lock_timeout)
	VerifyAncestry() bool       // Check base reachability after each operation

	// Logging
	LogLevel() string // Minimum stderr level (log_level, LATTICE_LOG_LEVEL)

	// Version is a digest of every effective value; it feeds the fingerprint
	Version() string

	// Metadata
	ConfigSource() string   // "default", "user", "repo" or "user+repo"
	SettingPaths() []string // Files that contributed values
}

// AppConfig is the concrete implementation of Config
type AppConfig struct {
	trunk  string
	remote string

	forge        string
	githubAPIURL string
	githubRepo   string

	lockTimeout    time.Duration
	verifyAncestry bool

	logLevel string

	version      string
	configSource string
	settingPaths []string
}

func (c *AppConfig) Trunk() string { return c.trunk }
func (c *AppConfig) Remote() string { return c.remote }
func (c *AppConfig) Forge() string { return c.forge }
func (c *AppConfig) GitHubAPIURL() string { return c.githubAPIURL }
func (c *AppConfig) GitHubRepo() string { return c.githubRepo }
func (c *AppConfig) LockTimeout() time.Duration { return c.lockTimeout }
func (c *AppConfig) VerifyAncestry() bool { return c.verifyAncestry }
func (c *AppConfig) LogLevel() string { return c.logLevel }
func (c *AppConfig) Version() string { return c.version }
func (c *AppConfig) ConfigSource() string { return c.configSource }
func (c *AppConfig) SettingPaths() []string { return append([]string(nil), c.settingPaths...) }

// NewAppConfig creates a new AppConfig with the given values.
// This is called by the infrastructure layer after loading and merging files.
func NewAppConfig(
	trunk, remote string,
	forge, githubAPIURL, githubRepo string,
	lockTimeout time.Duration, verifyAncestry bool,
	logLevel string,
	version, configSource string, settingPaths []string,
) *AppConfig {
	return &AppConfig{
		trunk:          trunk,
		remote:         remote,
		forge:          forge,
		githubAPIURL:   githubAPIURL,
		githubRepo:     githubRepo,
		lockTimeout:    lockTimeout,
		verifyAncestry: verifyAncestry,
		logLevel:       logLevel,
		version:        version,
		configSource:   configSource,
		settingPaths:   append([]string(nil), settingPaths...),
	}
}
