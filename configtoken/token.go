// Package configtoken provides the default implementation of the compact,
// signed configuration token the vault core treats as an external
// primitive: a JWS-like ASCII string whose integrity a caller can verify
// against a masterkey's raw bytes.
package configtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plausible/vaultcore/krypto"
)

// FormatVersion identifies the token payload shape this package emits.
const FormatVersion = 1

const hkdfInfo = "vaultcore.configtoken.hmac-key.v1"

// ErrInvalidToken indicates the token could not be parsed into its three
// dot-separated segments.
var ErrInvalidToken = errors.New("configtoken: malformed token")

// ErrSignatureMismatch indicates the token's MAC did not verify under the
// supplied masterkey bytes.
var ErrSignatureMismatch = errors.New("configtoken: signature verification failed")

// Payload is the claim set carried by a token. Cipher combination and root
// directory ID mirror what a real encrypted-filesystem provider's vault
// config would need to bootstrap a mount; ShorteningThreshold and the rest
// are included so the token has believable domain content beyond just an
// identity marker.
type Payload struct {
	FormatVersion       int    `json:"format"`
	CipherCombo         string `json:"cipherCombo"`
	ShorteningThreshold int    `json:"shorteningThreshold"`
	RootDirID           string `json:"rootDirId"`
	IssuedAt            int64  `json:"iat"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Unverified is a token that has been decoded (base64/JSON round-tripped)
// but not yet cryptographically verified. Callers must call Verify before
// trusting anything it reports.
type Unverified struct {
	headerSeg  string
	payloadSeg string
	sigSeg     string
	payload    Payload
}

// Decode splits and JSON-decodes a token string without verifying its
// signature. It fails only on structural malformation (wrong segment
// count, invalid base64, invalid JSON) — a bad signature is only detected
// by Verify, which callers must not skip.
func Decode(token string) (*Unverified, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload segment: %v", ErrInvalidToken, err)
	}

	var p Payload
	if err := json.Unmarshal(payloadBytes, &p); err != nil {
		return nil, fmt.Errorf("%w: decode payload json: %v", ErrInvalidToken, err)
	}

	return &Unverified{
		headerSeg:  parts[0],
		payloadSeg: parts[1],
		sigSeg:     parts[2],
		payload:    p,
	}, nil
}

// AllegedVersion returns the format version the token claims for itself.
// This claim is trustworthy only once Verify has succeeded on the same
// token, since it is read from the (as yet unauthenticated) payload.
func (u *Unverified) AllegedVersion() int {
	return u.payload.FormatVersion
}

// PayloadUnchecked returns the decoded payload without verifying its
// signature. Reserved for probes that must inspect a token before a
// masterkey is available; callers must not treat the result as
// authenticated.
func (u *Unverified) PayloadUnchecked() Payload {
	return u.payload
}

// Verify checks the token's HMAC against a key derived from the supplied
// masterkey bytes, and that the token's claimed format version matches
// claimedVersion. It returns the verified Payload only on success.
func (u *Unverified) Verify(masterkeyBytes []byte, claimedVersion int) (Payload, error) {
	mac, err := macKey(masterkeyBytes)
	if err != nil {
		return Payload{}, err
	}
	defer krypto.Zero(mac)

	signingInput := u.headerSeg + "." + u.payloadSeg
	expected := computeSignature(mac, signingInput)

	got, err := base64.RawURLEncoding.DecodeString(u.sigSeg)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: decode signature segment: %v", ErrInvalidToken, err)
	}

	if !hmac.Equal(expected, got) {
		return Payload{}, ErrSignatureMismatch
	}
	if u.payload.FormatVersion != claimedVersion {
		return Payload{}, fmt.Errorf("configtoken: format version mismatch: got %d, want %d", u.payload.FormatVersion, claimedVersion)
	}

	return u.payload, nil
}

// Issue produces a signed token binding payload to masterkeyBytes.
func Issue(masterkeyBytes []byte, payload Payload) (string, error) {
	if payload.FormatVersion == 0 {
		payload.FormatVersion = FormatVersion
	}
	if payload.IssuedAt == 0 {
		payload.IssuedAt = time.Now().Unix()
	}

	mac, err := macKey(masterkeyBytes)
	if err != nil {
		return "", err
	}
	defer krypto.Zero(mac)

	headerBytes, err := json.Marshal(header{Alg: "HS256", Typ: "vaultcore-config"})
	if err != nil {
		return "", fmt.Errorf("configtoken: encode header: %w", err)
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("configtoken: encode payload: %w", err)
	}

	headerSeg := base64.RawURLEncoding.EncodeToString(headerBytes)
	payloadSeg := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := headerSeg + "." + payloadSeg

	sig := computeSignature(mac, signingInput)
	sigSeg := base64.RawURLEncoding.EncodeToString(sig)

	return signingInput + "." + sigSeg, nil
}

func macKey(masterkeyBytes []byte) ([]byte, error) {
	if len(masterkeyBytes) == 0 {
		return nil, errors.New("configtoken: masterkey bytes are required")
	}
	return krypto.HKDFSHA256(masterkeyBytes, nil, []byte(hkdfInfo), 32)
}

func computeSignature(key []byte, signingInput string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}
