package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the default data directory based on the host OS:
// $XDG_DATA_HOME/correlator, /var/lib/correlator, the macOS or Windows
// per-user application directory, and finally ~/.correlator. Without a home
// directory it is ./data.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "correlator")
	}

	candidates := []struct{ parent, dir string }{
		{"/var/lib", "/var/lib/correlator"},
		{filepath.Join(homeDir, "Library"), filepath.Join(homeDir, "Library", "Application Support", "Correlator")},
		{filepath.Join(homeDir, "AppData"), filepath.Join(homeDir, "AppData", "Local", "Correlator")},
	}
	for _, c := range candidates {
		if isDir(c.parent) {
			return c.dir
		}
	}
	return filepath.Join(homeDir, ".correlator")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
