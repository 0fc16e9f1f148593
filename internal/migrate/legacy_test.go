package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/plausible/vaultcore/configtoken"
	"github.com/plausible/vaultcore/internal/vaultconfig"
)

func testMasterkeyBytes(seed byte) []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func issueToken(t *testing.T, mkBytes []byte) string {
	t.Helper()
	tok, err := configtoken.Issue(mkBytes, configtoken.Payload{
		CipherCombo:         "SIV_GCM",
		ShorteningThreshold: 220,
		RootDirID:           uuid.NewString(),
	})
	require.NoError(t, err)
	return tok
}

func TestNeedsMigrationFalseWithoutBackup(t *testing.T) {
	vaultDir := t.TempDir()
	require.False(t, NeedsMigration(vaultDir))
}

func TestMigrateMergesBackupAndDeletesIt(t *testing.T) {
	vaultDir := t.TempDir()
	primaryMK := testMasterkeyBytes(0)
	hiddenMK := testMasterkeyBytes(0x80)

	require.NoError(t, os.WriteFile(filepath.Join(vaultDir, configFilename), []byte(issueToken(t, primaryMK)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(vaultDir, backupFilename), []byte(issueToken(t, hiddenMK)), 0o600))

	require.True(t, NeedsMigration(vaultDir))

	require.NoError(t, Migrate(vaultDir))

	_, err := os.Stat(filepath.Join(vaultDir, backupFilename))
	require.True(t, os.IsNotExist(err), "vault.bak must be deleted after migration")

	_, err = os.Stat(filepath.Join(vaultDir, backupFilename+migratedBackupSuffix))
	require.NoError(t, err, "vault.bak.migrated backup must exist")
	require.True(t, WasMigrated(vaultDir))

	multi, err := vaultconfig.IsMultiKeyslot(filepath.Join(vaultDir, configFilename))
	require.NoError(t, err)
	require.True(t, multi)

	got, err := vaultconfig.Load(filepath.Join(vaultDir, configFilename), primaryMK)
	require.NoError(t, err)
	require.Equal(t, 0, got.SlotIndex)

	got, err = vaultconfig.Load(filepath.Join(vaultDir, configFilename), hiddenMK)
	require.NoError(t, err)
	require.Equal(t, 1, got.SlotIndex)
}

func TestMigrateIsIdempotent(t *testing.T) {
	vaultDir := t.TempDir()
	primaryMK := testMasterkeyBytes(0)
	hiddenMK := testMasterkeyBytes(0x80)

	require.NoError(t, os.WriteFile(filepath.Join(vaultDir, configFilename), []byte(issueToken(t, primaryMK)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(vaultDir, backupFilename), []byte(issueToken(t, hiddenMK)), 0o600))

	require.True(t, MigrateIfNeeded(vaultDir))
	require.False(t, MigrateIfNeeded(vaultDir), "a second call with no vault.bak must be a no-op")

	require.NoError(t, Migrate(vaultDir), "Migrate itself is also idempotent once vault.bak is gone")

	cfgBytesBefore, err := os.ReadFile(filepath.Join(vaultDir, configFilename))
	require.NoError(t, err)
	require.NoError(t, Migrate(vaultDir))
	cfgBytesAfter, err := os.ReadFile(filepath.Join(vaultDir, configFilename))
	require.NoError(t, err)
	require.Equal(t, cfgBytesBefore, cfgBytesAfter)
}

func TestMigrateFailsCleanlyWhenPrimaryConfigMissing(t *testing.T) {
	vaultDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(vaultDir, backupFilename), []byte(issueToken(t, testMasterkeyBytes(0))), 0o600))

	err := Migrate(vaultDir)
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(vaultDir, backupFilename))
	require.NoError(t, err, "vault.bak must survive a failed migration")
}

func TestMigrateLeavesNoTempFileOnDisk(t *testing.T) {
	vaultDir := t.TempDir()
	primaryMK := testMasterkeyBytes(0)
	hiddenMK := testMasterkeyBytes(0x80)
	require.NoError(t, os.WriteFile(filepath.Join(vaultDir, configFilename), []byte(issueToken(t, primaryMK)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(vaultDir, backupFilename), []byte(issueToken(t, hiddenMK)), 0o600))

	require.NoError(t, Migrate(vaultDir))

	entries, err := os.ReadDir(vaultDir)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	require.True(t, names[configFilename])
	require.True(t, names[backupFilename+migratedBackupSuffix])
	require.Len(t, entries, 2, "no leftover temp migration file should remain")
}
