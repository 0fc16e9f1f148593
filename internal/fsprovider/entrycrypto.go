package fsprovider

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/plausible/vaultcore/krypto"
)

const (
	entrySaltLen = 16
	entryInfo    = "vaultcore.fsprovider.entry-key.v1"
)

// encryptEntry encrypts a plaintext credential under a key derived from
// contentKey with a fresh per-entry salt. website/username/typ are not
// mixed into the derivation; they are reserved AAD slots for a real
// provider binding ciphertext to its row identity.
func encryptEntry(contentKey []byte, website, username, typ, plaintext string) (salt, blob []byte, err error) {
	if len(contentKey) != 32 {
		return nil, nil, errors.New("fsprovider: invalid content key length")
	}
	_ = website
	_ = username
	_ = typ

	salt = make([]byte, entrySaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate entry salt: %w", err)
	}

	perKey, err := krypto.HKDFSHA256(contentKey, salt, []byte(entryInfo), 32)
	if err != nil {
		return nil, nil, fmt.Errorf("derive entry key: %w", err)
	}
	defer krypto.Zero(perKey)

	nonce, ciphertext, err := krypto.EncryptAESGCM(perKey, []byte(plaintext), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt entry: %w", err)
	}

	blob = append(nonce, ciphertext...)
	return salt, blob, nil
}

// decryptEntry decrypts blob and, as a side effect of having the plaintext
// in hand, returns a freshly re-encrypted salt/blob pair so callers can
// rotate the ciphertext at read time the way the teacher's service layer
// does.
func decryptEntry(contentKey []byte, website, username, typ string, salt, blob []byte) (plaintext string, newSalt, newBlob []byte, err error) {
	if len(contentKey) != 32 {
		return "", nil, nil, errors.New("fsprovider: invalid content key length")
	}
	if len(salt) != entrySaltLen {
		return "", nil, nil, errors.New("fsprovider: invalid entry salt length")
	}
	if len(blob) <= krypto.GCMNonceSize {
		return "", nil, nil, errors.New("fsprovider: encrypted blob too short")
	}

	perKey, err := krypto.HKDFSHA256(contentKey, salt, []byte(entryInfo), 32)
	if err != nil {
		return "", nil, nil, fmt.Errorf("derive entry key: %w", err)
	}
	defer krypto.Zero(perKey)

	nonce := blob[:krypto.GCMNonceSize]
	ciphertext := blob[krypto.GCMNonceSize:]

	pt, err := krypto.DecryptAESGCM(perKey, nonce, ciphertext, nil)
	if err != nil {
		return "", nil, nil, fmt.Errorf("decrypt entry: %w", err)
	}

	newSalt, newBlob, err = encryptEntry(contentKey, website, username, typ, string(pt))
	if err != nil {
		return "", nil, nil, fmt.Errorf("reencrypt entry: %w", err)
	}
	return string(pt), newSalt, newBlob, nil
}
