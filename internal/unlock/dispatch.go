// Package unlock implements the unlock dispatch algorithm: resolve a
// masterkey via the keyslot container, pick the matching config slot via
// the config container by signature, stage it for an external
// filesystem provider, and guarantee cleanup on every exit path.
package unlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/plausible/vaultcore/internal/atomicwrite"
	"github.com/plausible/vaultcore/internal/keyslot"
	"github.com/plausible/vaultcore/internal/vaultconfig"
	"github.com/plausible/vaultcore/krypto"
	"github.com/plausible/vaultcore/masterkey"
)

const (
	masterkeyFilename = "masterkey.cryptomator"
	configFilename    = "vault.cryptomator"
	unlockDotfileName = ".vault.cryptomator.unlock"
)

// Errors surfaced by Unlock, by abstract meaning rather than concrete
// type, matching how a caller must branch on them.
var (
	ErrWrongPassphrase  = keyslot.ErrWrongPassphrase
	ErrNoMatchingConfig = vaultconfig.ErrNoMatchingConfig
	ErrMountFailed      = errors.New("unlock: mount failed")
)

// MountOptions carries mount-time flags through to the filesystem
// provider. Unlock passes them on unchanged and write-protects nothing
// itself; ReadOnly is interpreted only by the provider.
type MountOptions struct {
	ReadOnly bool
}

// Handle represents a mounted filesystem. Lock unmounts it and, together
// with the unlock dotfile's removal, is the caller's signal that the
// identity resolved during Unlock is no longer active.
type Handle interface {
	Lock() error
}

// FilesystemProvider is the external mount surface Unlock delegates to
// once it has resolved which config token is active. It never sees the
// masterkey or password.
type FilesystemProvider interface {
	// Mount opens the ciphertext filesystem rooted at vaultDir using the
	// config file named configFile (either the plain vault.cryptomator
	// legacy token or the unlock dotfile staged by Unlock).
	Mount(vaultDir, configFile string, opts MountOptions) (Handle, error)
}

// Unlock resolves password against the vault at vaultDir and, on
// success, hands the winning identity's config to fs and returns its
// mount handle. Every return zeroizes the masterkey's raw bytes. On
// failure the masterkey is also destroyed and the unlock dotfile, if one
// was staged, is removed; on success the dotfile stays in place until the
// returned handle's Lock removes it. The caller never learns which config
// slot (if any) won.
func Unlock(vaultDir string, password []byte, fs FilesystemProvider, opts MountOptions) (Handle, error) {
	mkPath := filepath.Join(vaultDir, masterkeyFilename)
	cfgPath := filepath.Join(vaultDir, configFilename)
	dotfilePath := filepath.Join(vaultDir, unlockDotfileName)

	mk, err := keyslot.New().Load(mkPath, password)
	if err != nil {
		if errors.Is(err, keyslot.ErrWrongPassphrase) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("unlock: load masterkey: %w", err)
	}

	succeeded := false
	dotfileStaged := false
	defer func() {
		if !succeeded {
			mk.Destroy()
			if dotfileStaged {
				os.Remove(dotfilePath)
			}
		}
	}()

	raw, err := mk.Bytes()
	if err != nil {
		return nil, fmt.Errorf("unlock: read masterkey bytes: %w", err)
	}
	defer krypto.Zero(raw)

	multi, err := vaultconfig.IsMultiKeyslot(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("unlock: stat config container: %w", err)
	}

	mountConfigFile := configFilename
	if multi {
		verified, err := vaultconfig.Load(cfgPath, raw)
		if err != nil {
			if errors.Is(err, vaultconfig.ErrNoMatchingConfig) {
				return nil, ErrNoMatchingConfig
			}
			return nil, fmt.Errorf("unlock: load config container: %w", err)
		}

		if err := atomicwrite.File(dotfilePath, []byte(verified.Token), 0o600); err != nil {
			return nil, fmt.Errorf("unlock: stage unlock dotfile: %w", err)
		}
		dotfileStaged = true
		mountConfigFile = unlockDotfileName
	}

	handle, err := fs.Mount(vaultDir, mountConfigFile, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMountFailed, err)
	}

	succeeded = true
	return &lockingHandle{inner: handle, dotfilePath: dotfilePath, dotfileStaged: dotfileStaged, mk: mk}, nil
}

// lockingHandle wraps a provider's Handle so that Lock also destroys the
// masterkey this unlock resolved and removes the unlock dotfile, mirroring
// the same cleanup an unlock failure performs.
type lockingHandle struct {
	inner         Handle
	dotfilePath   string
	dotfileStaged bool
	mk            *masterkey.Masterkey
}

func (h *lockingHandle) Lock() error {
	err := h.inner.Lock()
	h.mk.Destroy()
	if h.dotfileStaged {
		os.Remove(h.dotfilePath)
	}
	return err
}
