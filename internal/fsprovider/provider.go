// Package fsprovider is a SQLite-backed stand-in for the real, external
// encrypted filesystem a deployed vault would mount. The actual vault core
// (internal/keyslot, internal/vaultconfig, internal/identity,
// internal/unlock) treats that filesystem as an opaque implementation of
// the identity.FilesystemProvider and unlock.FilesystemProvider contracts
// and never inspects its internals; this package exists so those
// contracts have a concrete, exercisable implementation to drive from
// integration tests and cmd/vaultctl. Its own content cryptography is
// illustrative, not a security boundary: the real provider's internal
// ciphertext scheme is explicitly out of scope.
package fsprovider

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/plausible/vaultcore/configtoken"
	"github.com/plausible/vaultcore/internal/db"
	"github.com/plausible/vaultcore/internal/unlock"
	"github.com/plausible/vaultcore/krypto"
)

const (
	contentDBPrefix = "content-"
	contentDBSuffix = ".db"
	contentKeyInfo  = "vaultcore.fsprovider.content-key.v1"
)

// ErrNotFound is returned by Get/Update/Delete when no row matches.
var ErrNotFound = errors.New("fsprovider: entry not found")

// ErrLocked is returned by content operations once their Session's Lock
// has already run.
var ErrLocked = errors.New("fsprovider: session is locked")

// Provider implements both identity.FilesystemProvider (InitFilesystem)
// and unlock.FilesystemProvider (Mount). It carries no state of its own;
// every identity's content lives in its own SQLite file inside the vault
// directory, named after that identity's RootDirID.
type Provider struct{}

// New returns a ready Provider.
func New() *Provider { return &Provider{} }

func contentDBPath(dir, rootDirID string) string {
	return filepath.Join(dir, contentDBPrefix+rootDirID+contentDBSuffix)
}

// deriveContentKey derives this identity's content encryption key from its
// RootDirID alone. The RootDirID is not secret: it names the content
// database file on disk (see contentDBPath) and sits unencrypted in the
// config token, so this derivation protects nothing by itself, matching
// the illustrative nature of this package.
func deriveContentKey(rootDirID string) ([]byte, error) {
	return krypto.HKDFSHA256([]byte(rootDirID), nil, []byte(contentKeyInfo), 32)
}

// InitFilesystem creates a fresh, empty content database rooted at
// rootDir and returns a signed config token identifying it. masterkeyBytes
// is used only to sign the token (via configtoken.Issue); it plays no
// role in this provider's own content key, which is derived from the
// freshly generated RootDirID instead.
func (p *Provider) InitFilesystem(rootDir string, masterkeyBytes []byte) (string, error) {
	rootDirID := uuid.NewString()

	if err := os.MkdirAll(rootDir, 0o700); err != nil {
		return "", fmt.Errorf("fsprovider: create root dir: %w", err)
	}

	handle, err := db.Open(contentDBPath(rootDir, rootDirID))
	if err != nil {
		return "", fmt.Errorf("fsprovider: open content db: %w", err)
	}
	defer db.Close(handle)

	if err := db.Migrate(handle); err != nil {
		return "", fmt.Errorf("fsprovider: migrate content db: %w", err)
	}

	token, err := configtoken.Issue(masterkeyBytes, configtoken.Payload{
		CipherCombo:         "AES256GCM+HKDFSHA256",
		ShorteningThreshold: 220,
		RootDirID:           rootDirID,
	})
	if err != nil {
		return "", fmt.Errorf("fsprovider: issue config token: %w", err)
	}
	return token, nil
}

// Mount opens the content database named by the config token stored at
// vaultDir/configFile and returns a Session over it. It reads configFile
// itself but never verifies its signature, since this provider has no
// masterkey to verify it with. unlock.Unlock verifies a token taken from
// a multi-slot config container before staging it; a legacy single-token
// config file reaches Mount without that check.
func (p *Provider) Mount(vaultDir, configFile string, opts unlock.MountOptions) (unlock.Handle, error) {
	raw, err := os.ReadFile(filepath.Join(vaultDir, configFile))
	if err != nil {
		return nil, fmt.Errorf("fsprovider: read config file: %w", err)
	}

	unverified, err := configtoken.Decode(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("fsprovider: decode config token: %w", err)
	}
	rootDirID := unverified.PayloadUnchecked().RootDirID

	handle, err := db.Open(contentDBPath(vaultDir, rootDirID))
	if err != nil {
		return nil, fmt.Errorf("fsprovider: open content db: %w", err)
	}
	if err := db.Migrate(handle); err != nil {
		db.Close(handle)
		return nil, fmt.Errorf("fsprovider: migrate content db: %w", err)
	}

	contentKey, err := deriveContentKey(rootDirID)
	if err != nil {
		db.Close(handle)
		return nil, fmt.Errorf("fsprovider: derive content key: %w", err)
	}

	return &Session{db: handle, contentKey: contentKey, readOnly: opts.ReadOnly}, nil
}

// Session is the mounted handle this provider hands back to Unlock. It
// satisfies unlock.Handle via Lock and exposes credential CRUD for
// cmd/vaultctl and the example tools to drive.
type Session struct {
	db         *db.DB
	contentKey []byte
	readOnly   bool
	locked     bool
}

// Lock closes the underlying database handle and zeroizes the content
// key. It satisfies unlock.Handle.
func (s *Session) Lock() error {
	if s.locked {
		return nil
	}
	s.locked = true
	krypto.Zero(s.contentKey)
	return db.Close(s.db)
}

func (s *Session) checkUsable() error {
	if s.locked {
		return ErrLocked
	}
	return nil
}

// Add stores a new (website, username, password) credential.
func (s *Session) Add(website, username, plaintext string) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if s.readOnly {
		return errors.New("fsprovider: session is read-only")
	}
	if website == "" || username == "" {
		return errors.New("fsprovider: website and username are required")
	}
	if plaintext == "" {
		return errors.New("fsprovider: password cannot be empty")
	}

	salt, blob, err := encryptEntry(s.contentKey, website, username, "password", plaintext)
	if err != nil {
		return err
	}
	_, err = db.InsertEntry(s.db, website, username, "password", salt, blob)
	return err
}

// Get returns the decrypted password for (website, username), rotating
// its salt and ciphertext in place as a side effect.
func (s *Session) Get(website, username string) (string, error) {
	if err := s.checkUsable(); err != nil {
		return "", err
	}

	row, err := db.GetEntryBySiteAndUser(s.db, website, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}

	plain, newSalt, newBlob, err := decryptEntry(s.contentKey, website, username, row.Type, row.Salt, row.EncryptedPass)
	if err != nil {
		return "", err
	}

	if !s.readOnly {
		if err := db.UpdateEntryCipher(s.db, row.ID, row.Type, newSalt, newBlob); err != nil {
			return plain, fmt.Errorf("fsprovider: persist rotated entry: %w", err)
		}
	}
	return plain, nil
}

// Update replaces the stored password (and, if non-empty, the type) for
// an existing credential.
func (s *Session) Update(website, username, newType, newPlaintext string) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if s.readOnly {
		return errors.New("fsprovider: session is read-only")
	}
	if newPlaintext == "" {
		return errors.New("fsprovider: new password cannot be empty")
	}

	row, err := db.GetEntryBySiteAndUser(s.db, website, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	typ := row.Type
	if newType != "" {
		typ = newType
	}

	salt, blob, err := encryptEntry(s.contentKey, website, username, typ, newPlaintext)
	if err != nil {
		return err
	}
	return db.UpdateEntryCipher(s.db, row.ID, typ, salt, blob)
}

// Delete removes the credential matching (website, username).
func (s *Session) Delete(website, username string) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if s.readOnly {
		return errors.New("fsprovider: session is read-only")
	}
	if err := db.DeleteEntryBySiteAndUser(s.db, website, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ListItem is a minimal row for listing credentials without decrypting
// them.
type ListItem struct {
	Website  string
	Username string
}

// List returns every stored (website, username) pair.
func (s *Session) List() ([]ListItem, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	rows, err := db.ListEntries(s.db)
	if err != nil {
		return nil, err
	}
	out := make([]ListItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, ListItem{Website: r.Website, Username: r.Username})
	}
	return out, nil
}
