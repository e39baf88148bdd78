package app

import (
	"os"
	"path/filepath"
)

// Paths holds every file lattice keeps outside of refs
type Paths struct {
	CommonDir  string // git common dir, shared by all worktrees
	Home       string // <common>/lattice
	OpState    string // <common>/lattice/op-state.json
	OpsDir     string // <common>/lattice/ops (one journal per op)
	Lock       string // <common>/lattice/lock
	LockInfo   string // <common>/lattice/lock.info
	RepoConfig string // <common>/lattice/config.yaml

	UserHome        string // ~/.config/lattice
	UserConfig      string // ~/.config/lattice/config.yaml
	CredentialsLock string // ~/.config/lattice/credentials.lock
}

// ResolvePaths derives all paths from the repository's common dir
func ResolvePaths(commonDir string) Paths {
	home := filepath.Join(commonDir, "lattice")
	user := UserHome()
	return Paths{
		CommonDir:  commonDir,
		Home:       home,
		OpState:    filepath.Join(home, "op-state.json"),
		OpsDir:     filepath.Join(home, "ops"),
		Lock:       filepath.Join(home, "lock"),
		LockInfo:   filepath.Join(home, "lock.info"),
		RepoConfig: filepath.Join(home, "config.yaml"),

		UserHome:        user,
		UserConfig:      filepath.Join(user, "config.yaml"),
		CredentialsLock: filepath.Join(user, "credentials.lock"),
	}
}

// UserHome returns the per-user lattice directory (LATTICE_CONFIG_HOME overrides)
func UserHome() string {
	if dir := os.Getenv("LATTICE_CONFIG_HOME"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = filepath.Join(os.TempDir(), "lattice-config")
	}
	return filepath.Join(base, "lattice")
}

// JournalPath returns the journal file of one operation
func (p Paths) JournalPath(opID string) string {
	return filepath.Join(p.OpsDir, opID+".jsonl")
}
