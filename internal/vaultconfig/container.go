// Package vaultconfig implements the fixed-size, no-magic multi-slot
// configuration container: a 32 768-byte file of four 8 192-byte slots,
// each either a length-prefixed signed configuration token padded with
// random bytes, or 8 192 uniformly random bytes.
package vaultconfig

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/plausible/vaultcore/configtoken"
	"github.com/plausible/vaultcore/internal/atomicwrite"
	"github.com/plausible/vaultcore/krypto"
)

const (
	// ContainerSize is the exact on-disk size of a multi-slot config container.
	ContainerSize = 32768
	// NumSlots is the number of fixed-size slots in a container.
	NumSlots = 4
	// SlotSize is the size of a single slot.
	SlotSize = ContainerSize / NumSlots

	lengthPrefixSize = 4
	// MinTokenLength and MaxTokenLength bound the self-referential length
	// sanity check: a length outside this range means the slot is not a
	// real token, whether that's because it's genuinely empty (random
	// bytes) or corrupt.
	MinTokenLength = 100
	MaxTokenLength = SlotSize - lengthPrefixSize // 8188
)

var (
	ErrNoMatchingConfig = errors.New("vaultconfig: no slot verifies under this masterkey")
	ErrNoAvailableSlot  = errors.New("vaultconfig: all slots occupied")
)

func init() {
	if MaxTokenLength <= MinTokenLength {
		panic("vaultconfig: invalid slot geometry")
	}
}

// VerifiedConfig is the payload of a config slot together with which
// slot it came from and the raw signed token string, once returned its
// signature has already been checked against the supplied masterkey
// bytes.
type VerifiedConfig struct {
	Payload   configtoken.Payload
	SlotIndex int
	Token     string
}

// IsMultiKeyslot reports whether path exists and is exactly ContainerSize
// bytes. Pure file-size check, matching the keyslot container's on-disk
// indicator convention.
func IsMultiKeyslot(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("vaultconfig: stat container: %w", err)
	}
	return info.Size() == ContainerSize, nil
}

// Load resolves masterkeyBytes against the config container at path. In
// legacy form the file is a bare UTF-8 token; otherwise all four slots
// are scanned in order and the first one whose signature verifies wins.
func Load(path string, masterkeyBytes []byte) (VerifiedConfig, error) {
	multi, err := IsMultiKeyslot(path)
	if err != nil {
		return VerifiedConfig{}, err
	}

	if !multi {
		raw, err := os.ReadFile(path)
		if err != nil {
			return VerifiedConfig{}, fmt.Errorf("vaultconfig: read legacy config: %w", err)
		}
		tok := string(raw)
		payload, err := verifyToken(tok, masterkeyBytes)
		if err != nil {
			return VerifiedConfig{}, err
		}
		return VerifiedConfig{Payload: payload, SlotIndex: 0, Token: tok}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return VerifiedConfig{}, fmt.Errorf("vaultconfig: read container: %w", err)
	}
	if len(data) != ContainerSize {
		return VerifiedConfig{}, fmt.Errorf("vaultconfig: container size mismatch")
	}

	for i := 0; i < NumSlots; i++ {
		tok, ok := readSlotToken(data[i*SlotSize : (i+1)*SlotSize])
		if !ok {
			continue
		}
		payload, err := verifyToken(tok, masterkeyBytes)
		if err != nil {
			continue
		}
		return VerifiedConfig{Payload: payload, SlotIndex: i, Token: tok}, nil
	}

	return VerifiedConfig{}, ErrNoMatchingConfig
}

// LoadFirstSlotUnverified returns the decoded (but not signature-checked)
// token from the lowest-index slot that survives the length sanity
// check. Reserved for vault-state probes that have no masterkey yet.
func LoadFirstSlotUnverified(path string) (configtoken.Payload, error) {
	multi, err := IsMultiKeyslot(path)
	if err != nil {
		return configtoken.Payload{}, err
	}

	if !multi {
		raw, err := os.ReadFile(path)
		if err != nil {
			return configtoken.Payload{}, fmt.Errorf("vaultconfig: read legacy config: %w", err)
		}
		unverified, err := configtoken.Decode(string(raw))
		if err != nil {
			return configtoken.Payload{}, err
		}
		return unverified.PayloadUnchecked(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return configtoken.Payload{}, fmt.Errorf("vaultconfig: read container: %w", err)
	}
	if len(data) != ContainerSize {
		return configtoken.Payload{}, fmt.Errorf("vaultconfig: container size mismatch")
	}

	for i := 0; i < NumSlots; i++ {
		tok, ok := readSlotToken(data[i*SlotSize : (i+1)*SlotSize])
		if !ok {
			continue
		}
		unverified, err := configtoken.Decode(tok)
		if err != nil {
			continue
		}
		return unverified.PayloadUnchecked(), nil
	}

	return configtoken.Payload{}, ErrNoMatchingConfig
}

// Persist creates a fresh container: slot 0 holds token, slots 1-3 are
// CSPRNG bytes. The write is atomic.
func Persist(path string, token string) error {
	slot0, err := encodeSlot(token)
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

// AddConfigSlot adds newToken to the first available (null) slot of the
// container at path, converting a legacy single-token file into
// multi-slot form on the way in. A slot is considered occupied purely by
// the length sanity check: this operation never has a masterkey to
// verify signatures with.
func AddConfigSlot(path string, newToken string) error {
	multi, err := IsMultiKeyslot(path)
	if err != nil {
		return err
	}

	var slots [NumSlots][]byte

	if !multi {
		legacy, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("vaultconfig: read legacy config: %w", err)
		}
		slot0, err := encodeSlot(string(legacy))
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
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("vaultconfig: read container: %w", err)
		}
		if len(data) != ContainerSize {
			return fmt.Errorf("vaultconfig: container size mismatch")
		}
		for i := 0; i < NumSlots; i++ {
			slots[i] = append([]byte(nil), data[i*SlotSize:(i+1)*SlotSize]...)
		}
	}

	target := -1
	for i := 0; i < NumSlots; i++ {
		if _, ok := readSlotToken(slots[i]); !ok {
			target = i
			break
		}
	}
	if target == -1 {
		return ErrNoAvailableSlot
	}

	newSlot, err := encodeSlot(newToken)
	if err != nil {
		return err
	}
	slots[target] = newSlot

	return writeSlots(path, slots)
}

// RemoveConfigSlot finds the unique slot verifying under masterkeyBytes
// and renders it as random bytes. If exactly one real slot would remain
// afterward, the file is downgraded to a plain legacy token, since a
// one-slot multi-keyslot file offers no advantage over a legacy file
// while still costing 32 768 bytes. Returns false without mutating
// anything if no slot matches.
func RemoveConfigSlot(path string, masterkeyBytes []byte) (bool, error) {
	multi, err := IsMultiKeyslot(path)
	if err != nil {
		return false, err
	}
	if !multi {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("vaultconfig: read container: %w", err)
	}
	if len(data) != ContainerSize {
		return false, fmt.Errorf("vaultconfig: container size mismatch")
	}

	var slots [NumSlots][]byte
	target := -1
	for i := 0; i < NumSlots; i++ {
		slots[i] = append([]byte(nil), data[i*SlotSize:(i+1)*SlotSize]...)
		if target == -1 {
			if tok, ok := readSlotToken(slots[i]); ok {
				if _, err := verifyToken(tok, masterkeyBytes); err == nil {
					target = i
				}
			}
		}
	}
	if target == -1 {
		return false, nil
	}

	remainingReal := 0
	var survivingToken string
	for i := 0; i < NumSlots; i++ {
		if i == target {
			continue
		}
		if tok, ok := readSlotToken(slots[i]); ok {
			remainingReal++
			survivingToken = tok
		}
	}

	if remainingReal == 1 {
		return true, atomicwrite.File(path, []byte(survivingToken), 0o600)
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

func verifyToken(tok string, masterkeyBytes []byte) (configtoken.Payload, error) {
	unverified, err := configtoken.Decode(tok)
	if err != nil {
		return configtoken.Payload{}, err
	}
	return unverified.Verify(masterkeyBytes, unverified.AllegedVersion())
}

// encodeSlot builds a slot from a token string: length prefix, token
// bytes, then CSPRNG padding to SlotSize.
func encodeSlot(token string) ([]byte, error) {
	if len(token) > MaxTokenLength {
		return nil, fmt.Errorf("vaultconfig: token too large (%d > %d)", len(token), MaxTokenLength)
	}

	slot := make([]byte, SlotSize)
	binary.LittleEndian.PutUint32(slot[:lengthPrefixSize], uint32(len(token)))
	copy(slot[lengthPrefixSize:], token)

	padding, err := krypto.NewRandomBytes(SlotSize - lengthPrefixSize - len(token))
	if err != nil {
		return nil, err
	}
	copy(slot[lengthPrefixSize+len(token):], padding)

	return slot, nil
}

// readSlotToken applies the self-referential length sanity check and, if
// it passes, returns the token substring. It does not verify signatures:
// callers decide separately whether the token is authentic.
func readSlotToken(slot []byte) (string, bool) {
	if len(slot) != SlotSize {
		return "", false
	}
	length := binary.LittleEndian.Uint32(slot[:lengthPrefixSize])
	if length < MinTokenLength || length > MaxTokenLength {
		return "", false
	}
	return string(slot[lengthPrefixSize : lengthPrefixSize+length]), true
}

func writeSlots(path string, slots [NumSlots][]byte) error {
	data := make([]byte, 0, ContainerSize)
	for _, s := range slots {
		data = append(data, s...)
	}
	return atomicwrite.File(path, data, 0o600)
}
