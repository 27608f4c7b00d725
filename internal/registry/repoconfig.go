package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"SecureVault/internal/database"
	verrors "SecureVault/internal/errors"
)

// RepoConfig is the portable description stored at <repo>/.vault/config.json.
// It lets a repository directory be re-imported into a fresh registry.
type RepoConfig struct {
	Name       string `json:"name"`
	QuotaBytes uint64 `json:"quota_bytes"`
}

// RepoConfigPath returns the config file path for a repository root.
func RepoConfigPath(repoRoot string) string {
	return filepath.Join(database.VaultDir(repoRoot), database.RepoConfigName)
}

// ReadRepoConfig loads a repository's portable config file. The path may
// point at the config file itself or at the repository root.
func ReadRepoConfig(path string) (*RepoConfig, string, error) {
	configPath := path
	if filepath.Base(path) != database.RepoConfigName {
		configPath = RepoConfigPath(path)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, "", verrors.NewIOError("read", configPath, err)
	}
	var cfg RepoConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", configPath, err)
	}

	// The repository root is two levels above .vault/config.json.
	repoRoot := filepath.Dir(filepath.Dir(configPath))
	return &cfg, repoRoot, nil
}

// WriteRepoConfig rewrites a repository's portable config file. Called on
// create and whenever name or quota change so the directory stays
// re-importable.
func WriteRepoConfig(repoRoot string, cfg *RepoConfig) error {
	if err := os.MkdirAll(database.VaultDir(repoRoot), 0o700); err != nil {
		return verrors.NewIOError("create", database.VaultDir(repoRoot), err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal repo config: %w", err)
	}

	path := RepoConfigPath(repoRoot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return verrors.NewIOError("write", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return verrors.NewIOError("rename", path, err)
	}
	return nil
}
