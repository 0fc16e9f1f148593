package configtoken

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testMasterkeyBytes() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	mk := testMasterkeyBytes()
	payload := Payload{
		CipherCombo:         "SIV_GCM",
		ShorteningThreshold: 220,
		RootDirID:           uuid.NewString(),
	}

	token, err := Issue(mk, payload)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	unverified, err := Decode(token)
	require.NoError(t, err)
	require.Equal(t, FormatVersion, unverified.AllegedVersion())

	verified, err := unverified.Verify(mk, FormatVersion)
	require.NoError(t, err)
	require.Equal(t, payload.RootDirID, verified.RootDirID)
}

func TestVerifyFailsUnderWrongMasterkey(t *testing.T) {
	mk := testMasterkeyBytes()
	otherMK := make([]byte, 32)
	otherMK[0] = 0xff

	token, err := Issue(mk, Payload{RootDirID: uuid.NewString()})
	require.NoError(t, err)

	unverified, err := Decode(token)
	require.NoError(t, err)

	_, err = unverified.Verify(otherMK, FormatVersion)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestDecodeRejectsMalformedToken(t *testing.T) {
	_, err := Decode("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsVersionMismatch(t *testing.T) {
	mk := testMasterkeyBytes()
	token, err := Issue(mk, Payload{RootDirID: uuid.NewString()})
	require.NoError(t, err)

	unverified, err := Decode(token)
	require.NoError(t, err)

	_, err = unverified.Verify(mk, FormatVersion+1)
	require.Error(t, err)
}
