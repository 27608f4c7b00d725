// Package config persists the global application configuration: the
// PIN-wrapped master key material and app-wide settings. The configuration
// is a single JSON document; every mutation rewrites the whole file through
// a temp-file-plus-rename so a crash never leaves a partial write behind.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"SecureVault/internal/crypto"
	verrors "SecureVault/internal/errors"
)

// AppName names the per-user configuration directory.
const AppName = "SecureVault"

const configFileName = "config.json"

// Recognized document keys.
const (
	keyEncryptedMasterKey = "encrypted_master_key"
	keyMasterKeySalt      = "master_key_salt"
	keyMasterKeyNonce     = "master_key_nonce"
	keyMasterKeyHash      = "master_key_hash"
	keyActiveRepositoryID = "active_repository_id"
	keyDarkMode           = "dark_mode"
	keyLanguage           = "language"
)

// Store is the global configuration store rooted at a directory.
type Store struct {
	dir  string
	path string
	data map[string]any
}

// DefaultDir returns the per-user configuration directory:
// %APPDATA%\SecureVault on Windows, ~/.securevault elsewhere.
func DefaultDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, AppName), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".securevault"), nil
}

// Open loads (or initializes) the configuration store rooted at dir.
// A malformed document is treated as empty, matching the recover-by-reset
// behavior of the desktop application; a missing file is a fresh store,
// and any other read failure is returned as an IOError.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, verrors.NewIOError("create", dir, err)
	}

	s := &Store{
		dir:  dir,
		path: filepath.Join(dir, configFileName),
		data: map[string]any{},
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, verrors.NewIOError("read", s.path, err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.data = map[string]any{}
	}
	return s, nil
}

// Dir returns the configuration directory.
func (s *Store) Dir() string {
	return s.dir
}

// DatabasePath returns the path of the global registry database, which
// lives alongside config.json.
func (s *Store) DatabasePath() string {
	return filepath.Join(s.dir, "vault.db")
}

// FirstRun reports whether no master key has been set up yet.
func (s *Store) FirstRun() bool {
	_, ok := s.data[keyEncryptedMasterKey]
	return !ok
}

// WrappedMasterKey returns the persisted wrapped master key material, or
// ErrNotFound if this is a first run.
func (s *Store) WrappedMasterKey() (*crypto.WrappedKey, error) {
	ct, err := s.hexField(keyEncryptedMasterKey)
	if err != nil {
		return nil, err
	}
	salt, err := s.hexField(keyMasterKeySalt)
	if err != nil {
		return nil, err
	}
	nonce, err := s.hexField(keyMasterKeyNonce)
	if err != nil {
		return nil, err
	}
	hash, _ := s.data[keyMasterKeyHash].(string)
	return &crypto.WrappedKey{Ciphertext: ct, Salt: salt, Nonce: nonce, Hash: hash}, nil
}

// SetWrappedMasterKey persists the wrapped master key material.
func (s *Store) SetWrappedMasterKey(w *crypto.WrappedKey) error {
	s.data[keyEncryptedMasterKey] = hex.EncodeToString(w.Ciphertext)
	s.data[keyMasterKeySalt] = hex.EncodeToString(w.Salt)
	s.data[keyMasterKeyNonce] = hex.EncodeToString(w.Nonce)
	s.data[keyMasterKeyHash] = w.Hash
	return s.save()
}

// ActiveRepositoryID returns the last-used repository id, or 0 if none is
// recorded. The id may be stale; callers must verify at unlock.
func (s *Store) ActiveRepositoryID() int64 {
	switch v := s.data[keyActiveRepositoryID].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

// SetActiveRepositoryID persists the active repository id. Zero clears it.
func (s *Store) SetActiveRepositoryID(id int64) error {
	if id == 0 {
		delete(s.data, keyActiveRepositoryID)
	} else {
		s.data[keyActiveRepositoryID] = id
	}
	return s.save()
}

// DarkMode returns the UI theme preference (defaults to true).
func (s *Store) DarkMode() bool {
	if v, ok := s.data[keyDarkMode].(bool); ok {
		return v
	}
	return true
}

// SetDarkMode persists the UI theme preference.
func (s *Store) SetDarkMode(v bool) error {
	s.data[keyDarkMode] = v
	return s.save()
}

// Language returns the UI language preference (defaults to "en").
func (s *Store) Language() string {
	if v, ok := s.data[keyLanguage].(string); ok && v != "" {
		return v
	}
	return "en"
}

// SetLanguage persists the UI language preference.
func (s *Store) SetLanguage(v string) error {
	s.data[keyLanguage] = v
	return s.save()
}

// Get returns an arbitrary configuration value.
func (s *Store) Get(key string) (any, bool) {
	v, ok := s.data[key]
	return v, ok
}

// Set persists an arbitrary configuration value.
func (s *Store) Set(key string, value any) error {
	s.data[key] = value
	return s.save()
}

func (s *Store) hexField(key string) ([]byte, error) {
	v, ok := s.data[key].(string)
	if !ok || v == "" {
		return nil, fmt.Errorf("config field %s: %w", key, verrors.ErrNotFound)
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("config field %s: %w", key, err)
	}
	return b, nil
}

// save rewrites the whole document. Write-to-temp plus rename keeps the
// document intact if the process dies mid-write.
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return verrors.NewIOError("write", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return verrors.NewIOError("rename", s.path, err)
	}
	return nil
}
