package fsprovider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plausible/vaultcore/internal/db"
	"github.com/plausible/vaultcore/internal/identity"
	"github.com/plausible/vaultcore/internal/unlock"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o600)
}

func getEntryRow(s *Session, website, username string) (*db.EntryRow, error) {
	return db.GetEntryBySiteAndUser(s.db, website, username)
}

func TestInitFilesystemCreatesContentDatabase(t *testing.T) {
	vaultDir := t.TempDir()
	p := New()

	token, err := p.InitFilesystem(vaultDir, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	matches, err := filepath.Glob(filepath.Join(vaultDir, "content-*.db"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestMountOpensSessionAndRoundTripsEntries(t *testing.T) {
	vaultDir := t.TempDir()
	p := New()

	mk := []byte("0123456789abcdef0123456789abcdef")
	token, err := p.InitFilesystem(vaultDir, mk)
	require.NoError(t, err)
	require.NoError(t, writeFile(filepath.Join(vaultDir, "vault.cryptomator"), token))

	h, err := p.Mount(vaultDir, "vault.cryptomator", unlock.MountOptions{})
	require.NoError(t, err)
	session := h.(*Session)

	require.NoError(t, session.Add("example.com", "alice", "s3cret"))

	got, err := session.Get("example.com", "alice")
	require.NoError(t, err)
	require.Equal(t, "s3cret", got)

	items, err := session.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "example.com", items[0].Website)

	require.NoError(t, session.Update("example.com", "alice", "", "newpass"))
	got, err = session.Get("example.com", "alice")
	require.NoError(t, err)
	require.Equal(t, "newpass", got)

	require.NoError(t, session.Delete("example.com", "alice"))
	_, err = session.Get("example.com", "alice")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, session.Lock())
	_, err = session.Get("example.com", "alice")
	require.ErrorIs(t, err, ErrLocked)
}

func TestGetRotatesSaltAndCiphertextOnRead(t *testing.T) {
	vaultDir := t.TempDir()
	p := New()
	mk := []byte("0123456789abcdef0123456789abcdef")
	token, err := p.InitFilesystem(vaultDir, mk)
	require.NoError(t, err)
	require.NoError(t, writeFile(filepath.Join(vaultDir, "vault.cryptomator"), token))

	h, err := p.Mount(vaultDir, "vault.cryptomator", unlock.MountOptions{})
	require.NoError(t, err)
	session := h.(*Session)
	require.NoError(t, session.Add("example.com", "bob", "hunter2"))

	row1, err := dbRowFor(session, "example.com", "bob")
	require.NoError(t, err)

	_, err = session.Get("example.com", "bob")
	require.NoError(t, err)

	row2, err := dbRowFor(session, "example.com", "bob")
	require.NoError(t, err)

	require.NotEqual(t, row1.Salt, row2.Salt)
	require.NotEqual(t, row1.EncryptedPass, row2.EncryptedPass)
}

func TestReadOnlySessionRejectsWrites(t *testing.T) {
	vaultDir := t.TempDir()
	p := New()
	mk := []byte("0123456789abcdef0123456789abcdef")
	token, err := p.InitFilesystem(vaultDir, mk)
	require.NoError(t, err)
	require.NoError(t, writeFile(filepath.Join(vaultDir, "vault.cryptomator"), token))

	h, err := p.Mount(vaultDir, "vault.cryptomator", unlock.MountOptions{ReadOnly: true})
	require.NoError(t, err)
	session := h.(*Session)

	require.Error(t, session.Add("example.com", "carol", "pw"))
}

func TestMountViaIdentityAndUnlockEndToEnd(t *testing.T) {
	vaultDir := t.TempDir()
	p := New()

	require.NoError(t, identity.InitPrimary(vaultDir, []byte("primary-pw"), 1, p))
	require.NoError(t, identity.AddSecondary(vaultDir, []byte("primary-pw"), []byte("hidden-pw"), 1, p))

	handle, err := unlock.Unlock(vaultDir, []byte("primary-pw"), p, unlock.MountOptions{})
	require.NoError(t, err)
	primarySession := handle.(*Session)
	require.NoError(t, primarySession.Add("bank.example", "alice", "primary-secret"))
	require.NoError(t, primarySession.Lock())

	handle, err = unlock.Unlock(vaultDir, []byte("hidden-pw"), p, unlock.MountOptions{})
	require.NoError(t, err)
	hiddenSession := handle.(*Session)
	items, err := hiddenSession.List()
	require.NoError(t, err)
	require.Empty(t, items, "hidden identity's content store must be independent of the primary's")
	require.NoError(t, hiddenSession.Lock())
}

func dbRowFor(s *Session, website, username string) (row struct {
	Salt          []byte
	EncryptedPass []byte
}, err error) {
	r, err := getEntryRow(s, website, username)
	if err != nil {
		return row, err
	}
	row.Salt = r.Salt
	row.EncryptedPass = r.EncryptedPass
	return row, nil
}
