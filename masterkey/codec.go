package masterkey

import (
	"errors"
	"fmt"

	"github.com/plausible/vaultcore/krypto"
)

// ErrWrongPassphrase indicates a single-keyslot blob failed to
// authenticate under the supplied password.
var ErrWrongPassphrase = errors.New("masterkey: wrong passphrase")

// argon2SaltLen matches krypto.SaltLengthBytes; kept local so this package
// doesn't need to reach into krypto's salt-length policy for a constant.
const argon2SaltLen = krypto.SaltLengthBytes

// blob layout: work_factor[1] || salt[argon2SaltLen] || iv[12] || gcm(plaintext)
// plaintext: raw 32-byte key, no length prefix needed since the codec owns
// both ends of the format and the key length is fixed. The work-factor
// byte is not secret (an outer AEAD envelope, when one is present, already
// authenticates the whole blob), so storing it in the clear costs nothing
// and lets Deserialize recover the Argon2id time-cost without an
// out-of-band parameter.

// Codec is the default MasterkeyCodec: it serializes a Masterkey to a
// self-contained, password-protected byte blob (the "single-keyslot
// masterkey blob" spec.md refers to), and reverses the operation. The work
// factor maps to Argon2id's time-cost parameter; memory cost and
// parallelism are fixed at the package defaults used elsewhere in this
// module.
type Codec struct{}

// DefaultCodec is the package's default MasterkeyCodec.
var DefaultCodec = Codec{}

func argon2Params(workFactor uint32) krypto.Argon2Params {
	p := krypto.DefaultArgon2Params()
	if workFactor == 0 {
		workFactor = 1
	}
	p.Time = workFactor
	p.SaltLen = argon2SaltLen
	return p
}

// Serialize produces a password-protected blob encoding mk's key material
// under the given password and work factor. The blob is self-describing
// (carries its own work factor, salt, and IV) but has no magic bytes or
// version marker: it is meant to be embedded inside an authenticated
// keyslot plaintext, or written whole as a legacy single-keyslot file.
func (Codec) Serialize(mk *Masterkey, password []byte, workFactor uint32) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("masterkey: password is required")
	}
	if workFactor == 0 || workFactor > 255 {
		return nil, errors.New("masterkey: work factor must fit in one byte (1-255)")
	}
	raw, err := mk.Bytes()
	if err != nil {
		return nil, err
	}

	salt, err := krypto.NewRandomSalt(argon2SaltLen)
	if err != nil {
		return nil, err
	}

	params := argon2Params(workFactor)
	key, err := krypto.DeriveKeyArgon2id(password, salt, params)
	if err != nil {
		return nil, fmt.Errorf("masterkey: derive wrap key: %w", err)
	}
	defer krypto.Zero(key)

	iv, ciphertext, err := krypto.EncryptAESGCM(key, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("masterkey: wrap key material: %w", err)
	}

	blob := make([]byte, 0, 1+len(salt)+len(iv)+len(ciphertext))
	blob = append(blob, byte(workFactor))
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Deserialize reverses Serialize: given a blob and the candidate password,
// it either recovers the Masterkey or returns ErrWrongPassphrase.
func (Codec) Deserialize(blob, password []byte) (*Masterkey, error) {
	minLen := 1 + argon2SaltLen + krypto.GCMNonceSize + krypto.GCMTagSize + Size
	if len(blob) < minLen {
		return nil, fmt.Errorf("masterkey: blob too short (%d bytes)", len(blob))
	}

	workFactor := uint32(blob[0])
	salt := blob[1 : 1+argon2SaltLen]
	iv := blob[1+argon2SaltLen : 1+argon2SaltLen+krypto.GCMNonceSize]
	ciphertext := blob[1+argon2SaltLen+krypto.GCMNonceSize:]

	params := argon2Params(workFactor)
	key, err := krypto.DeriveKeyArgon2id(password, salt, params)
	if err != nil {
		return nil, fmt.Errorf("masterkey: derive wrap key: %w", err)
	}
	defer krypto.Zero(key)

	raw, err := krypto.DecryptAESGCM(key, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer krypto.Zero(raw)

	return FromBytes(raw)
}

// BlobLength reports the exact serialized size of a blob (the format has
// no variable-length fields once salt/iv/tag sizes are fixed), used by
// callers computing how much padding an embedded masterkey blob needs.
func BlobLength() int {
	return 1 + argon2SaltLen + krypto.GCMNonceSize + Size + krypto.GCMTagSize
}
