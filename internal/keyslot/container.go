// Package keyslot implements the fixed-size, no-magic multi-keyslot
// masterkey container: a 16 384-byte file of four 4 096-byte slots, each
// either an AES-256-GCM envelope around one wrapped masterkey or 4 096
// uniformly random bytes. Encrypted and empty slots are computationally
// indistinguishable without the corresponding password.
package keyslot

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/plausible/vaultcore/internal/atomicwrite"
	"github.com/plausible/vaultcore/krypto"
	"github.com/plausible/vaultcore/masterkey"
)

const (
	// ContainerSize is the exact on-disk size of a multi-keyslot container.
	ContainerSize = 16384
	// NumSlots is the number of fixed-size slots in a container.
	NumSlots = 4
	// SlotSize is the size of a single slot.
	SlotSize = ContainerSize / NumSlots

	saltSize          = 32
	ivSize            = krypto.GCMNonceSize
	ciphertextSize    = SlotSize - saltSize - ivSize
	plaintextSize     = ciphertextSize - krypto.GCMTagSize
	lengthPrefixSize  = 4
	// MaxBlobSize is the largest masterkey blob that fits in a slot's
	// authenticated plaintext once the length prefix is accounted for.
	MaxBlobSize = plaintextSize - lengthPrefixSize
)

// Errors returned by this package's public operations, by abstract
// meaning rather than concrete type, matching how they must be
// distinguished by callers (errors.Is-compatible).
var (
	ErrWrongPassphrase   = errors.New("keyslot: wrong passphrase")
	ErrDuplicatePassword = errors.New("keyslot: password already wraps a slot")
	ErrAllSlotsOccupied  = errors.New("keyslot: all slots occupied")
)

func init() {
	if plaintextSize <= 0 || ciphertextSize <= 0 {
		panic("keyslot: invalid slot geometry")
	}
}

// MasterkeyCodec is the external masterkey serializer/loader this package
// consumes. masterkey.DefaultCodec satisfies it; callers may substitute
// another implementation (e.g. for testing) via Container.Codec.
type MasterkeyCodec interface {
	Serialize(mk *masterkey.Masterkey, password []byte, workFactor uint32) ([]byte, error)
	Deserialize(blob, password []byte) (*masterkey.Masterkey, error)
}

// Container operates on one masterkey.cryptomator-style file. The zero
// value is not usable; construct with New.
type Container struct {
	Codec MasterkeyCodec
}

// New returns a Container using the package's default masterkey codec.
func New() *Container {
	return &Container{Codec: masterkey.DefaultCodec}
}

// IsMultiKeyslot reports whether path exists and is exactly ContainerSize
// bytes. This is a pure file-size check: no bytes are inspected, since any
// content-based test would itself be a distinguishing oracle. A legitimate
// legacy single-keyslot file that happens to be exactly this size would be
// misclassified; this collision is accepted as documented upstream.
func IsMultiKeyslot(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("keyslot: stat container: %w", err)
	}
	return info.Size() == ContainerSize, nil
}

// Load resolves password against the container at path. If the file is
// not in multi-keyslot form, it is treated as a legacy single-keyslot
// blob and handed directly to the codec. Otherwise all four slots are
// attempted in order; the first authenticating slot wins. Decrypt
// failures during the scan are the ordinary negative case and are never
// logged, and Load never reveals which slot (if any) authenticated.
func (c *Container) Load(path string, password []byte) (*masterkey.Masterkey, error) {
	multi, err := IsMultiKeyslot(path)
	if err != nil {
		return nil, err
	}

	if !multi {
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("keyslot: read legacy container: %w", err)
		}
		mk, err := c.Codec.Deserialize(blob, password)
		if err != nil {
			if errors.Is(err, masterkey.ErrWrongPassphrase) {
				return nil, ErrWrongPassphrase
			}
			return nil, fmt.Errorf("keyslot: load legacy container: %w", err)
		}
		return mk, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyslot: read container: %w", err)
	}
	if len(data) != ContainerSize {
		return nil, fmt.Errorf("keyslot: container size mismatch")
	}

	for i := 0; i < NumSlots; i++ {
		slot := data[i*SlotSize : (i+1)*SlotSize]
		blob, ok := decodeSlot(slot, password)
		if !ok {
			continue
		}
		mk, err := c.Codec.Deserialize(blob, password)
		if err != nil {
			continue
		}
		return mk, nil
	}

	return nil, ErrWrongPassphrase
}

// Persist creates a fresh container: slot 0 wraps mk under password at
// workFactor; slots 1-3 are CSPRNG bytes. The write is atomic.
func (c *Container) Persist(path string, mk *masterkey.Masterkey, password []byte, workFactor uint32) error {
	slot0, err := c.encodeSlot(mk, password, workFactor)
	if err != nil {
		return err
	}

	data := make([]byte, 0, ContainerSize)
	data = append(data, slot0...)
	for i := 1; i < NumSlots; i++ {
		random, err := krypto.NewRandomBytes(SlotSize)
		if err != nil {
			return err
		}
		data = append(data, random...)
	}

	return atomicwrite.File(path, data, 0o600)
}

// AddKeyslot adds newMK under newPassword to the container at path,
// generalizing from either an existing multi-keyslot container or a
// legacy single-keyslot file (which is converted in place, re-wrapping
// its bytes under primaryPassword in slot 0).
//
// The safety sweep documented in this package's design notes means empty
// slots and slots bound to passwords other than newPassword/primaryPassword
// are indistinguishable to this code and may be silently overwritten; this
// is the accepted cost of never counting occupied slots.
func (c *Container) AddKeyslot(path string, newMK *masterkey.Masterkey, newPassword, primaryPassword []byte, workFactor uint32) error {
	multi, err := IsMultiKeyslot(path)
	if err != nil {
		return err
	}

	var slots [NumSlots][]byte

	if !multi {
		legacyBlob, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("keyslot: read legacy container: %w", err)
		}
		slot0, err := c.encodeSlotFromBlob(legacyBlob, primaryPassword)
		if err != nil {
			return err
		}
		slots[0] = slot0
		for i := 1; i < NumSlots; i++ {
			random, err := krypto.NewRandomBytes(SlotSize)
			if err != nil {
				return err
			}
			slots[i] = random
		}

		if bytesEqual(newPassword, primaryPassword) {
			return ErrDuplicatePassword
		}

		newSlot, err := c.encodeSlot(newMK, newPassword, workFactor)
		if err != nil {
			return err
		}
		slots[1] = newSlot // slot 0 is never a target during legacy conversion

		return writeSlots(path, slots)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("keyslot: read container: %w", err)
	}
	if len(data) != ContainerSize {
		return fmt.Errorf("keyslot: container size mismatch")
	}
	for i := 0; i < NumSlots; i++ {
		slots[i] = append([]byte(nil), data[i*SlotSize:(i+1)*SlotSize]...)
	}

	occupiedByPrimary := make([]bool, NumSlots)
	samePassword := bytesEqual(newPassword, primaryPassword)

	for i := 0; i < NumSlots; i++ {
		if _, ok := decodeSlot(slots[i], newPassword); ok {
			return ErrDuplicatePassword
		}
		if !samePassword {
			if _, ok := decodeSlot(slots[i], primaryPassword); ok {
				occupiedByPrimary[i] = true
			}
		}
	}

	target := -1
	for i := 0; i < NumSlots; i++ {
		if !occupiedByPrimary[i] {
			target = i
			break
		}
	}
	if target == -1 {
		return ErrAllSlotsOccupied
	}

	newSlot, err := c.encodeSlot(newMK, newPassword, workFactor)
	if err != nil {
		return err
	}
	slots[target] = newSlot

	return writeSlots(path, slots)
}

// RemoveKeyslot finds the unique slot that authenticates under password
// and overwrites it with fresh random bytes. It returns false without
// mutating anything if no slot matches, and never refuses on a "last
// slot" basis since that would require counting occupied slots.
func (c *Container) RemoveKeyslot(path string, password []byte) (bool, error) {
	multi, err := IsMultiKeyslot(path)
	if err != nil {
		return false, err
	}
	if !multi {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("keyslot: read container: %w", err)
	}
	if len(data) != ContainerSize {
		return false, fmt.Errorf("keyslot: container size mismatch")
	}

	var slots [NumSlots][]byte
	target := -1
	for i := 0; i < NumSlots; i++ {
		slots[i] = append([]byte(nil), data[i*SlotSize:(i+1)*SlotSize]...)
		if target == -1 {
			if _, ok := decodeSlot(slots[i], password); ok {
				target = i
			}
		}
	}
	if target == -1 {
		return false, nil
	}

	random, err := krypto.NewRandomBytes(SlotSize)
	if err != nil {
		return false, err
	}
	slots[target] = random

	if err := writeSlots(path, slots); err != nil {
		return false, err
	}
	return true, nil
}

// encodeSlot serializes mk under password via the codec and wraps the
// resulting blob into a fresh slot.
func (c *Container) encodeSlot(mk *masterkey.Masterkey, password []byte, workFactor uint32) ([]byte, error) {
	blob, err := c.Codec.Serialize(mk, password, workFactor)
	if err != nil {
		return nil, fmt.Errorf("keyslot: serialize masterkey: %w", err)
	}
	return c.encodeSlotFromBlob(blob, password)
}

// encodeSlotFromBlob wraps an already-serialized masterkey blob (used
// during legacy conversion, where the blob is read verbatim from disk
// rather than freshly produced).
func (c *Container) encodeSlotFromBlob(blob, password []byte) ([]byte, error) {
	if len(blob) > MaxBlobSize {
		return nil, fmt.Errorf("keyslot: masterkey blob too large (%d > %d)", len(blob), MaxBlobSize)
	}

	plaintext := make([]byte, plaintextSize)
	binary.LittleEndian.PutUint32(plaintext[:lengthPrefixSize], uint32(len(blob)))
	copy(plaintext[lengthPrefixSize:], blob)
	if _, err := io.ReadFull(rand.Reader, plaintext[lengthPrefixSize+len(blob):]); err != nil {
		return nil, fmt.Errorf("keyslot: generate padding: %w", err)
	}

	salt, err := krypto.NewRandomBytes(saltSize)
	if err != nil {
		return nil, err
	}

	key, err := krypto.DeriveKeyslotKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer krypto.Zero(key)

	iv, ciphertext, err := krypto.EncryptAESGCM(key, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("keyslot: seal slot: %w", err)
	}

	slot := make([]byte, 0, SlotSize)
	slot = append(slot, salt...)
	slot = append(slot, iv...)
	slot = append(slot, ciphertext...)
	return slot, nil
}

// decodeSlot attempts to authenticate and decrypt slot under password. A
// failure (wrong password, or an out-of-range length field inside an
// otherwise-authenticated plaintext) is reported only via the boolean
// return: this loop must never distinguish its failure modes externally.
func decodeSlot(slot, password []byte) (blob []byte, ok bool) {
	if len(slot) != SlotSize {
		return nil, false
	}
	salt := slot[:saltSize]
	iv := slot[saltSize : saltSize+ivSize]
	ciphertext := slot[saltSize+ivSize:]

	key, err := krypto.DeriveKeyslotKey(password, salt)
	if err != nil {
		return nil, false
	}
	defer krypto.Zero(key)

	plaintext, err := krypto.DecryptAESGCM(key, iv, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	defer krypto.Zero(plaintext)

	length := binary.LittleEndian.Uint32(plaintext[:lengthPrefixSize])
	if length > uint32(MaxBlobSize) {
		return nil, false
	}

	blob = make([]byte, length)
	copy(blob, plaintext[lengthPrefixSize:lengthPrefixSize+length])
	return blob, true
}

func writeSlots(path string, slots [NumSlots][]byte) error {
	data := make([]byte, 0, ContainerSize)
	for _, s := range slots {
		data = append(data, s...)
	}
	return atomicwrite.File(path, data, 0o600)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
