package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"SecureVault/internal/crypto"
	verrors "SecureVault/internal/errors"
)

func TestFirstRun(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !s.FirstRun() {
		t.Error("fresh store should report first run")
	}
	if _, err := s.WrappedMasterKey(); !errors.Is(err, verrors.ErrNotFound) {
		t.Errorf("WrappedMasterKey on fresh store: err = %v; want ErrNotFound", err)
	}
}

func TestWrappedMasterKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	master, _ := crypto.GenerateMasterKey()
	wrapped, err := crypto.WrapMasterKey(master, "1234")
	if err != nil {
		t.Fatalf("WrapMasterKey failed: %v", err)
	}
	if err := s.SetWrappedMasterKey(wrapped); err != nil {
		t.Fatalf("SetWrappedMasterKey failed: %v", err)
	}
	if s.FirstRun() {
		t.Error("store should not report first run after key setup")
	}

	// The document must contain the four hex fields.
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("read config.json: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("config.json is not valid JSON: %v", err)
	}
	for _, key := range []string{"encrypted_master_key", "master_key_salt", "master_key_nonce", "master_key_hash"} {
		if v, ok := doc[key].(string); !ok || v == "" {
			t.Errorf("config.json missing field %s", key)
		}
	}

	// Reload and unwrap.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := s2.WrappedMasterKey()
	if err != nil {
		t.Fatalf("WrappedMasterKey failed: %v", err)
	}
	unwrapped, err := crypto.UnwrapMasterKey(got, "1234")
	if err != nil {
		t.Fatalf("UnwrapMasterKey after reload failed: %v", err)
	}
	for i := range master {
		if unwrapped[i] != master[i] {
			t.Fatal("master key changed across persistence round trip")
		}
	}
}

func TestActiveRepositoryID(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	if s.ActiveRepositoryID() != 0 {
		t.Error("fresh store should have no active repository")
	}
	if err := s.SetActiveRepositoryID(7); err != nil {
		t.Fatalf("SetActiveRepositoryID failed: %v", err)
	}

	s2, _ := Open(dir)
	if got := s2.ActiveRepositoryID(); got != 7 {
		t.Errorf("ActiveRepositoryID after reload = %d; want 7", got)
	}

	if err := s2.SetActiveRepositoryID(0); err != nil {
		t.Fatalf("clearing active repository failed: %v", err)
	}
	if s2.ActiveRepositoryID() != 0 {
		t.Error("active repository should be cleared")
	}
}

func TestPreferences(t *testing.T) {
	s, _ := Open(t.TempDir())

	if !s.DarkMode() {
		t.Error("dark mode should default to true")
	}
	if err := s.SetDarkMode(false); err != nil {
		t.Fatal(err)
	}
	if s.DarkMode() {
		t.Error("dark mode should be false after SetDarkMode(false)")
	}

	if s.Language() != "en" {
		t.Errorf("default language = %q; want en", s.Language())
	}
	if err := s.SetLanguage("zh"); err != nil {
		t.Fatal(err)
	}
	if s.Language() != "zh" {
		t.Errorf("language = %q; want zh", s.Language())
	}
}

func TestMalformedDocumentResets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open on malformed document failed: %v", err)
	}
	if !s.FirstRun() {
		t.Error("malformed document should behave as empty")
	}
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	if err := s.SetDarkMode(false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Error("temp file should be renamed away after save")
	}
}
