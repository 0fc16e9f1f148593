// Package masterkey provides the default implementation of the opaque,
// long-term symmetric key the vault core treats as an external primitive:
// generate-from-CSPRNG, copy, serialize-to-single-keyslot-bytes, and
// destroy-by-zeroization.
package masterkey

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/plausible/vaultcore/krypto"
)

// Size is the raw key length in bytes (256 bits).
const Size = 32

// ErrDestroyed is returned by any operation on a Masterkey after Destroy
// has been called.
var ErrDestroyed = errors.New("masterkey: use after destroy")

// Masterkey is 256 bits of key material. The zero value is not usable;
// construct one via Generate or a MasterkeyCodec.
type Masterkey struct {
	raw       [Size]byte
	destroyed bool
}

// Generate returns a fresh Masterkey sourced from a CSPRNG.
func Generate() (*Masterkey, error) {
	mk := &Masterkey{}
	if _, err := rand.Read(mk.raw[:]); err != nil {
		return nil, fmt.Errorf("generate masterkey: %w", err)
	}
	return mk, nil
}

// FromBytes wraps exactly Size bytes of existing key material as a
// Masterkey, copying the input so the caller's buffer stays independent.
func FromBytes(raw []byte) (*Masterkey, error) {
	if len(raw) != Size {
		return nil, fmt.Errorf("masterkey: expected %d bytes, got %d", Size, len(raw))
	}
	mk := &Masterkey{}
	copy(mk.raw[:], raw)
	return mk, nil
}

// Copy returns an independent Masterkey holding the same key material.
func (mk *Masterkey) Copy() (*Masterkey, error) {
	if mk.destroyed {
		return nil, ErrDestroyed
	}
	cp := &Masterkey{}
	copy(cp.raw[:], mk.raw[:])
	return cp, nil
}

// Bytes returns the raw key material. The returned slice aliases the
// Masterkey's internal storage; callers must not retain it past Destroy
// and must zeroize their own copies of it via krypto.Zero once done.
func (mk *Masterkey) Bytes() ([]byte, error) {
	if mk.destroyed {
		return nil, ErrDestroyed
	}
	return mk.raw[:], nil
}

// Equal reports whether two masterkeys hold the same key material.
func (mk *Masterkey) Equal(other *Masterkey) bool {
	if mk.destroyed || other == nil || other.destroyed {
		return false
	}
	return mk.raw == other.raw
}

// Destroy overwrites the backing key material with zeros. Subsequent use
// of mk returns ErrDestroyed.
func (mk *Masterkey) Destroy() {
	if mk.destroyed {
		return
	}
	krypto.Zero(mk.raw[:])
	mk.destroyed = true
}
