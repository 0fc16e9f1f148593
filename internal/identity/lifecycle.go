// Package identity orchestrates the vault directory's state machine on
// top of the keyslot container (C2) and config container (C3): creating
// the primary identity, adding and removing hidden secondary identities,
// and never revealing how many identities exist.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plausible/vaultcore/auth"
	"github.com/plausible/vaultcore/internal/atomicwrite"
	"github.com/plausible/vaultcore/internal/keyslot"
	"github.com/plausible/vaultcore/internal/vaultconfig"
	"github.com/plausible/vaultcore/krypto"
	"github.com/plausible/vaultcore/masterkey"
)

// hibpCheckTimeout bounds the advisory HIBP lookup performed during
// identity creation; a slow or unreachable network must never hold up
// vault initialization.
const hibpCheckTimeout = 4 * time.Second

const (
	masterkeyFilename    = "masterkey.cryptomator"
	vaultConfigFilename  = "vault.cryptomator"
	dataDirName          = "d"
	externalReadmeName   = "README_BEFORE_YOU_COPY_ANYTHING.rtf"
	internalReadmeName   = "README_IF_YOU_FOUND_THIS_VAULT.rtf"
	tempWorkspacePattern = "vlt-*"

	// weakScoreThreshold is the zxcvbn score below which a new identity
	// password is logged as weak. This is advisory only: nothing here
	// refuses to create the identity over it.
	weakScoreThreshold = 3
)

func warnIfWeak(password []byte, logContext string) {
	score := auth.StrengthScore(string(password), 1)
	if score >= 0 && score < weakScoreThreshold {
		logrus.WithField("context", logContext).WithField("score", score).
			Warn("password strength is below the recommended threshold")
	}
}

// warnIfPolicyViolation logs (never blocks) when password fails the
// length/character-class policy, matching the teacher's own advisory
// treatment of that policy at identity-creation time.
func warnIfPolicyViolation(password []byte, logContext string) {
	if err := auth.ValidateMasterPassword(string(password)); err != nil {
		logrus.WithField("context", logContext).WithError(err).
			Warn("password does not meet the recommended policy")
	}
}

// warnIfPwned performs a best-effort k-anonymity HIBP lookup and logs
// (never blocks) when the password is found in a known breach corpus.
// Network errors are logged at a lower level and otherwise swallowed:
// an unreachable HIBP endpoint must never prevent identity creation.
func warnIfPwned(password []byte, logContext string) {
	ctx, cancel := context.WithTimeout(context.Background(), hibpCheckTimeout)
	defer cancel()

	result, err := auth.CheckHIBP(ctx, string(password))
	if err != nil {
		logrus.WithField("context", logContext).WithError(err).
			Debug("could not check password against HIBP")
		return
	}
	if result.Found {
		logrus.WithField("context", logContext).WithField("breach_count", result.Count).
			Warn("password appears in a known breach corpus")
	}
}

// ErrAlreadyInitialized is returned by InitPrimary when a masterkey file
// already exists at the target vault directory.
var ErrAlreadyInitialized = errors.New("identity: vault directory already initialized")

// ErrAuthRequired is returned by AddSecondary when the caller-supplied
// primary password does not authenticate against the existing keyslot
// container. No keyslot or config-slot mutation is attempted in that case.
var ErrAuthRequired = errors.New("identity: primary password verification failed")

// FilesystemProvider is the external cryptographic filesystem the vault
// core delegates actual ciphertext storage to. C4 uses it only to
// bootstrap a fresh identity's config token and root directory layout;
// it never reads or writes file contents itself.
type FilesystemProvider interface {
	// InitFilesystem creates a fresh encrypted filesystem rooted at
	// rootDir, keyed by masterkeyBytes, and returns the signed
	// configuration token describing it.
	InitFilesystem(rootDir string, masterkeyBytes []byte) (configToken string, err error)
}

func masterkeyPath(vaultDir string) string   { return filepath.Join(vaultDir, masterkeyFilename) }
func vaultConfigPath(vaultDir string) string { return filepath.Join(vaultDir, vaultConfigFilename) }

// InitPrimary creates a brand-new vault directory's primary identity: a
// multi-keyslot masterkey container with the primary keyslot in slot 0, a
// multi-slot config container with the primary token in slot 0, and the
// vault-external/vault-internal README files. It fails with
// ErrAlreadyInitialized if the masterkey file already exists.
func InitPrimary(vaultDir string, password []byte, workFactor uint32, fs FilesystemProvider) error {
	mkPath := masterkeyPath(vaultDir)
	if _, err := os.Stat(mkPath); err == nil {
		return ErrAlreadyInitialized
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("identity: stat masterkey file: %w", err)
	}

	warnIfWeak(password, "init-primary")
	warnIfPolicyViolation(password, "init-primary")
	warnIfPwned(password, "init-primary")

	mk, err := masterkey.Generate()
	if err != nil {
		return fmt.Errorf("identity: generate primary masterkey: %w", err)
	}
	defer mk.Destroy()

	if err := keyslot.New().Persist(mkPath, mk, password, workFactor); err != nil {
		return fmt.Errorf("identity: persist keyslot container: %w", err)
	}

	rawBytes, err := mk.Bytes()
	if err != nil {
		return fmt.Errorf("identity: read masterkey bytes: %w", err)
	}
	token, err := fs.InitFilesystem(vaultDir, rawBytes)
	if err != nil {
		return fmt.Errorf("identity: initialize filesystem: %w", err)
	}
	if err := vaultconfig.Persist(vaultConfigPath(vaultDir), token); err != nil {
		return fmt.Errorf("identity: persist config container: %w", err)
	}

	if err := writeReadmeFiles(vaultDir); err != nil {
		return fmt.Errorf("identity: write readme files: %w", err)
	}

	logrus.WithField("vault", vaultDir).Info("initialized primary identity")
	return nil
}

// AddSecondary adds a hidden identity to an already-initialized vault.
// The primary password is verified first and never persisted anywhere;
// on success a fresh masterkey is generated for the secondary identity,
// a scratch filesystem is initialized under it to obtain a config token
// and directory layout, and the resulting keyslot, config slot, and
// top-level directory tree are committed to the live vault.
func AddSecondary(vaultDir string, primaryPassword, secondaryPassword []byte, workFactor uint32, fs FilesystemProvider) error {
	mkPath := masterkeyPath(vaultDir)
	cfgPath := vaultConfigPath(vaultDir)
	container := keyslot.New()

	verifyKey, verr := container.Load(mkPath, primaryPassword)
	if verr != nil {
		if errors.Is(verr, keyslot.ErrWrongPassphrase) {
			return ErrAuthRequired
		}
		return fmt.Errorf("identity: verify primary password: %w", verr)
	}
	verifyKey.Destroy()

	warnIfWeak(secondaryPassword, "add-secondary")
	warnIfPolicyViolation(secondaryPassword, "add-secondary")
	warnIfPwned(secondaryPassword, "add-secondary")

	secondaryMK, err := masterkey.Generate()
	if err != nil {
		return fmt.Errorf("identity: generate secondary masterkey: %w", err)
	}
	defer secondaryMK.Destroy()

	tempDir, err := os.MkdirTemp("", tempWorkspacePattern)
	if err != nil {
		return fmt.Errorf("identity: create scratch workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			logrus.WithError(rmErr).WithField("dir", tempDir).Warn("failed to clean up scratch workspace")
		}
	}()

	rawBytes, err := secondaryMK.Bytes()
	if err != nil {
		return fmt.Errorf("identity: read secondary masterkey bytes: %w", err)
	}
	token, err := fs.InitFilesystem(tempDir, rawBytes)
	if err != nil {
		return fmt.Errorf("identity: initialize scratch filesystem: %w", err)
	}

	if err := container.AddKeyslot(mkPath, secondaryMK, secondaryPassword, primaryPassword, workFactor); err != nil {
		return fmt.Errorf("identity: add keyslot: %w", err)
	}
	if err := vaultconfig.AddConfigSlot(cfgPath, token); err != nil {
		return fmt.Errorf("identity: add config slot: %w", err)
	}

	if err := mirrorDirectoryTree(filepath.Join(tempDir, dataDirName), filepath.Join(vaultDir, dataDirName)); err != nil {
		logrus.WithError(err).Warn("failed to mirror secondary identity's directory structure")
	}

	logrus.WithField("vault", vaultDir).Info("added secondary identity")
	return nil
}

// Remove deletes the identity bound to password: its config slot
// (best-effort — a legacy single-slot config simply reports no removal)
// and its keyslot. It reports false, with no mutation, if password does
// not authenticate against any keyslot.
func Remove(vaultDir string, password []byte) (bool, error) {
	mkPath := masterkeyPath(vaultDir)
	cfgPath := vaultConfigPath(vaultDir)
	container := keyslot.New()

	mk, err := container.Load(mkPath, password)
	if err != nil {
		if errors.Is(err, keyslot.ErrWrongPassphrase) {
			return false, nil
		}
		return false, fmt.Errorf("identity: load masterkey: %w", err)
	}
	defer mk.Destroy()

	rawBytes, err := mk.Bytes()
	if err != nil {
		return false, fmt.Errorf("identity: read masterkey bytes: %w", err)
	}
	defer krypto.Zero(rawBytes)

	if _, cfgErr := vaultconfig.RemoveConfigSlot(cfgPath, rawBytes); cfgErr != nil {
		logrus.WithError(cfgErr).Warn("best-effort config slot removal failed")
	}

	removed, err := container.RemoveKeyslot(mkPath, password)
	if err != nil {
		return false, fmt.Errorf("identity: remove keyslot: %w", err)
	}

	logrus.WithField("vault", vaultDir).Info("removed identity")
	return removed, nil
}

// mirrorDirectoryTree recreates every directory (not file) found under
// src as a corresponding directory under dst. A missing src is not an
// error: a freshly initialized filesystem with no subdirectories yet is
// a normal outcome.
func mirrorDirectoryTree(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return os.MkdirAll(filepath.Join(dst, rel), 0o700)
	})
}

func writeReadmeFiles(vaultDir string) error {
	external := "This directory contains an encrypted vault.\n" +
		"Do not move, rename, or copy individual files inside it by hand.\n"
	internal := "You have found someone else's encrypted vault.\n" +
		"Its contents are inaccessible without the corresponding password.\n"

	if err := atomicwrite.File(filepath.Join(vaultDir, externalReadmeName), []byte(external), 0o644); err != nil {
		return err
	}
	return atomicwrite.File(filepath.Join(vaultDir, internalReadmeName), []byte(internal), 0o644)
}
