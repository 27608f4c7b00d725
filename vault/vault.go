// Package vault is the façade the embedding application consumes. It wires
// the global configuration, the repository registry and per-repository
// sessions into one explicit context object - no package-level state.
//
// Typical flow:
//
//	core, _ := vault.New(vault.Options{})
//	defer core.Close()
//
//	if core.FirstRun() {
//	    _ = core.SetupMasterKey(pin)
//	}
//	key, err := core.Unlock(pin)       // vault.ErrCryptoFailure on a bad PIN
//	defer key.Close()
//
//	session, _ := core.OpenRepo(repoID, key)
//	defer session.Close()
//
//	opID, _ := session.Import(paths, vault.RootID)
//	rec, _ := session.Poll(opID)
package vault

import (
	"fmt"
	"os"

	"SecureVault/internal/config"
	"SecureVault/internal/crypto"
	verrors "SecureVault/internal/errors"
	"SecureVault/internal/log"
	"SecureVault/internal/registry"
	"SecureVault/internal/vfs"

	"github.com/Picocrypt/zxcvbn-go"
)

// Error taxonomy re-exported for callers.
var (
	ErrCryptoFailure = verrors.ErrCryptoFailure
	ErrNotFound      = verrors.ErrNotFound
	ErrMissingBlob   = verrors.ErrMissingBlob
	ErrNameCollision = verrors.ErrNameCollision
	ErrPathCollision = verrors.ErrPathCollision
	ErrQuotaExceeded = verrors.ErrQuotaExceeded
	ErrInterrupted   = verrors.ErrInterrupted
	ErrCancelled     = verrors.ErrCancelled
	ErrLocked        = verrors.ErrLocked
	ErrInvalidName   = verrors.ErrInvalidName
)

// RootID is the implicit root directory of every repository tree.
const RootID = vfs.RootID

// MasterKey is the unlocked in-memory master key. Close zeroes it.
type MasterKey = crypto.KeyMaterial

// RepositoryDescriptor describes one registered repository.
type RepositoryDescriptor = registry.Descriptor

// Entry is a decrypted virtual tree node.
type Entry = vfs.File

// Options configures a Core.
type Options struct {
	// ConfigDir overrides the default per-user configuration directory.
	// Used by tests and portable deployments.
	ConfigDir string
}

// Core owns the global configuration and the repository registry.
type Core struct {
	cfg *config.Store
	reg *registry.Registry
}

// New opens the global configuration and registry.
func New(opts Options) (*Core, error) {
	dir := opts.ConfigDir
	if dir == "" {
		var err error
		dir, err = config.DefaultDir()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.Open(dir)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	return &Core{cfg: cfg, reg: reg}, nil
}

// Close releases the registry database.
func (c *Core) Close() error {
	return c.reg.Close()
}

// Config exposes UI preference accessors (dark mode, language).
func (c *Core) Config() *config.Store {
	return c.cfg
}

// FirstRun reports whether no master key has been set up yet.
func (c *Core) FirstRun() bool {
	return c.cfg.FirstRun()
}

// SetupMasterKey generates a fresh master key, wraps it under the PIN and
// persists the wrapped material. Refuses to overwrite an existing key -
// use ChangePIN to rewrap.
func (c *Core) SetupMasterKey(pin string) error {
	if !c.cfg.FirstRun() {
		return fmt.Errorf("master key already configured, use ChangePIN")
	}

	masterKey, err := crypto.GenerateMasterKey()
	if err != nil {
		return err
	}
	defer crypto.SecureZero(masterKey)

	wrapped, err := crypto.WrapMasterKey(masterKey, pin)
	if err != nil {
		return err
	}
	return c.cfg.SetWrappedMasterKey(wrapped)
}

// Unlock derives the PIN key, unwraps the master key and verifies its
// fingerprint. A wrong PIN yields the opaque ErrCryptoFailure. The caller
// owns the returned key and must Close it on shutdown.
func (c *Core) Unlock(pin string) (*MasterKey, error) {
	wrapped, err := c.cfg.WrappedMasterKey()
	if err != nil {
		return nil, err
	}

	masterKey, err := crypto.UnwrapMasterKey(wrapped, pin)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureZero(masterKey)

	return crypto.NewKeyMaterial(masterKey), nil
}

// ChangePIN rewraps the master key under a new PIN with fresh salt and
// nonce. The master key itself does not change, so repositories stay
// readable.
func (c *Core) ChangePIN(oldPIN, newPIN string) error {
	wrapped, err := c.cfg.WrappedMasterKey()
	if err != nil {
		return err
	}
	masterKey, err := crypto.UnwrapMasterKey(wrapped, oldPIN)
	if err != nil {
		return err
	}
	defer crypto.SecureZero(masterKey)

	rewrapped, err := crypto.WrapMasterKey(masterKey, newPIN)
	if err != nil {
		return err
	}
	return c.cfg.SetWrappedMasterKey(rewrapped)
}

// PinStrength scores a candidate PIN from 0 (trivial) to 4 (strong) for
// the embedding UI's strength meter.
func PinStrength(pin string) int {
	if pin == "" {
		return 0
	}
	return zxcvbn.PasswordStrength(pin, nil).Score
}

// CreateRepo registers a repository, materializes its on-disk structure
// and writes the portable repo config.
func (c *Core) CreateRepo(name, path string, quotaBytes uint64) (*RepositoryDescriptor, error) {
	desc, err := c.reg.Create(name, path, quotaBytes)
	if err != nil {
		return nil, err
	}

	if err := c.materializeRepo(desc); err != nil {
		// Roll the registry row back; the directory may be partially
		// created but carries no secrets yet.
		_ = c.reg.Delete(desc.ID)
		return nil, err
	}
	return desc, nil
}

// ListRepos lists all registered repositories.
func (c *Core) ListRepos() ([]RepositoryDescriptor, error) {
	return c.reg.List()
}

// GetRepo returns one repository descriptor.
func (c *Core) GetRepo(id int64) (*RepositoryDescriptor, error) {
	return c.reg.Get(id)
}

// RenameRepo renames a repository and refreshes its portable config.
func (c *Core) RenameRepo(id int64, newName string) error {
	if err := c.reg.Rename(id, newName); err != nil {
		return err
	}
	return c.syncRepoConfig(id)
}

// SetRepoQuota changes a repository's quota and refreshes its portable
// config.
func (c *Core) SetRepoQuota(id int64, quotaBytes uint64) error {
	if err := c.reg.SetQuota(id, quotaBytes); err != nil {
		return err
	}
	return c.syncRepoConfig(id)
}

// DeleteRepo removes a repository from the registry. With removeFiles the
// on-disk vault tree is deleted too.
func (c *Core) DeleteRepo(id int64, removeFiles bool) error {
	desc, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if err := c.reg.Delete(id); err != nil {
		return err
	}
	if c.cfg.ActiveRepositoryID() == id {
		_ = c.cfg.SetActiveRepositoryID(0)
	}
	if removeFiles {
		if err := os.RemoveAll(desc.Path); err != nil {
			return verrors.NewIOError("remove", desc.Path, err)
		}
	}
	return nil
}

// ImportRepo reconstitutes a registry row from a repository config file
// (or repository root path). On a name collision the repository is
// registered under a suffixed name and renamed reports true.
func (c *Core) ImportRepo(path string) (desc *RepositoryDescriptor, renamed bool, err error) {
	cfg, repoRoot, err := registry.ReadRepoConfig(path)
	if err != nil {
		return nil, false, err
	}
	desc, renamed, err = c.reg.Import(repoRoot, cfg)
	if err != nil {
		return nil, false, err
	}
	if renamed {
		// Keep the portable config in sync with the registered name.
		err = registry.WriteRepoConfig(repoRoot, &registry.RepoConfig{
			Name:       desc.Name,
			QuotaBytes: desc.QuotaBytes,
		})
	}
	return desc, renamed, err
}

// SetActiveRepo records the last-used repository in the global config.
func (c *Core) SetActiveRepo(id int64) error {
	if id != 0 {
		if _, err := c.reg.Get(id); err != nil {
			return err
		}
	}
	return c.cfg.SetActiveRepositoryID(id)
}

// ActiveRepoID returns the last-used repository id, which may be stale.
func (c *Core) ActiveRepoID() int64 {
	return c.cfg.ActiveRepositoryID()
}

func (c *Core) materializeRepo(desc *RepositoryDescriptor) error {
	db, err := openRepoDB(desc.Path)
	if err != nil {
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}
	return registry.WriteRepoConfig(desc.Path, &registry.RepoConfig{
		Name:       desc.Name,
		QuotaBytes: desc.QuotaBytes,
	})
}

func (c *Core) syncRepoConfig(id int64) error {
	desc, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	err = registry.WriteRepoConfig(desc.Path, &registry.RepoConfig{
		Name:       desc.Name,
		QuotaBytes: desc.QuotaBytes,
	})
	if err != nil {
		// The directory may be offline (removed drive). The registry row is
		// already updated and the portable config catches up at next open.
		l := log.WithComponent("core")
		l.Warn().Err(err).Int64("repo", id).Msg("portable repo config not updated")
	}
	return nil
}
