// Package hokihome resolves the per-user state directory (~/.hokipoki)
// shared by the vault, tunnel binary cache and transient git repos.
package hokihome

import (
	"fmt"
	"os"
	"path/filepath"
)

const dirName = ".hokipoki"

// Dir returns the state directory, creating it with owner-only
// permissions on first use. HOKIPOKI_HOME overrides the location.
func Dir() (string, error) {
	base := os.Getenv("HOKIPOKI_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		base = filepath.Join(home, dirName)
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return base, nil
}

// BinDir holds downloaded helper binaries (the tunnel client).
func BinDir() (string, error) {
	return subdir("bin")
}

// TmpDir holds transient per-task state (bare git repos).
func TmpDir() (string, error) {
	return subdir("tmp")
}

func subdir(name string) (string, error) {
	base, err := Dir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s dir: %w", name, err)
	}
	return dir, nil
}
