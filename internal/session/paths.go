package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.kuchlu.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kuchlu")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the engine-owned kuchlu.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "kuchlu.db")
}

// StagingDir returns the directory where attachment files are staged
// before upload. Upload tasks reference files inside it by path.
func StagingDir(name string) string {
	return filepath.Join(Dir(name), "staging")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "kuchlud.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		StagingDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
