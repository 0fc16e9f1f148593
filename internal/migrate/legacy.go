// Package migrate folds a legacy vault.bak hidden-identity file into the
// multi-keyslot vault.cryptomator config container, eliminating the one
// remaining on-disk artifact that reveals a hidden identity's existence.
package migrate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/plausible/vaultcore/configtoken"
	"github.com/plausible/vaultcore/internal/atomicwrite"
	"github.com/plausible/vaultcore/internal/vaultconfig"
)

const (
	configFilename       = "vault.cryptomator"
	backupFilename       = "vault.bak"
	migratedBackupSuffix = ".migrated"
	tempFilePattern      = ".vault-migration-*.tmp"
)

// NeedsMigration reports whether vaultDir still carries a legacy
// vault.bak file.
func NeedsMigration(vaultDir string) bool {
	_, err := os.Stat(filepath.Join(vaultDir, backupFilename))
	return err == nil
}

// WasMigrated reports whether a migration has already run against
// vaultDir (the crash-safety backup it leaves behind still exists).
func WasMigrated(vaultDir string) bool {
	_, err := os.Stat(filepath.Join(vaultDir, backupFilename+migratedBackupSuffix))
	return err == nil
}

// Migrate merges vault.bak into vault.cryptomator as a second config
// slot, then deletes vault.bak. It is a no-op (not an error) when no
// vault.bak is present, which makes repeated calls idempotent. The merge
// is built entirely in a temp file and committed with a single atomic
// rename over vault.cryptomator; vault.bak is backed up to
// vault.bak.migrated before it is deleted, and the temp file is removed
// on any failure path so the original files are left untouched.
func Migrate(vaultDir string) error {
	cfgPath := filepath.Join(vaultDir, configFilename)
	bakPath := filepath.Join(vaultDir, backupFilename)
	migratedPath := bakPath + migratedBackupSuffix

	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("migrate: stat vault.bak: %w", err)
	}

	primaryToken, err := os.ReadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("migrate: read primary config: %w", err)
	}
	hiddenToken, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("migrate: read vault.bak: %w", err)
	}

	if _, err := configtoken.Decode(string(primaryToken)); err != nil {
		return fmt.Errorf("migrate: primary config is not a valid token: %w", err)
	}
	if _, err := configtoken.Decode(string(hiddenToken)); err != nil {
		return fmt.Errorf("migrate: vault.bak is not a valid token: %w", err)
	}

	tempFile, err := os.CreateTemp(vaultDir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("migrate: create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()
	defer os.Remove(tempPath)

	if err := vaultconfig.Persist(tempPath, string(primaryToken)); err != nil {
		return fmt.Errorf("migrate: build merged config: %w", err)
	}
	if err := vaultconfig.AddConfigSlot(tempPath, string(hiddenToken)); err != nil {
		return fmt.Errorf("migrate: add hidden config slot: %w", err)
	}

	backupBytes, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("migrate: re-read vault.bak for backup: %w", err)
	}
	if err := atomicwrite.File(migratedPath, backupBytes, 0o600); err != nil {
		return fmt.Errorf("migrate: write vault.bak.migrated: %w", err)
	}

	if err := os.Rename(tempPath, cfgPath); err != nil {
		return fmt.Errorf("migrate: commit merged config: %w", err)
	}

	if err := os.Remove(bakPath); err != nil {
		return fmt.Errorf("migrate: remove vault.bak: %w", err)
	}

	logrus.WithField("vault", vaultDir).Info("migrated legacy vault.bak into multi-keyslot config")
	return nil
}

// MigrateIfNeeded runs Migrate only when NeedsMigration reports true,
// logging and swallowing any failure so transparent migration during
// ordinary vault operations never blocks them. It reports whether a
// migration actually happened.
func MigrateIfNeeded(vaultDir string) bool {
	if !NeedsMigration(vaultDir) {
		return false
	}
	if err := Migrate(vaultDir); err != nil {
		logrus.WithError(err).WithField("vault", vaultDir).Warn("failed to migrate vault.bak, will retry later")
		return false
	}
	return true
}
