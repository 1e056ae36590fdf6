package credentials

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealer, err := New(testKey(t))
	require.NoError(t, err)
	require.NotNil(t, sealer)

	sealed, err := sealer.Seal("ghp_exampletoken123")
	require.NoError(t, err)

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ghp_exampletoken123", opened)
}

func TestSealIsRandomized(t *testing.T) {
	sealer, err := New(testKey(t))
	require.NoError(t, err)

	first, err := sealer.Seal("same-plaintext")
	require.NoError(t, err)
	second, err := sealer.Seal("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "nonces must differ between seals")
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	sealer, err := New(testKey(t))
	require.NoError(t, err)

	sealed, err := sealer.Seal("secret")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = sealer.Open(sealed)
	require.Error(t, err)
}

func TestOpenRejectsShortBlob(t *testing.T) {
	sealer, err := New(testKey(t))
	require.NoError(t, err)

	_, err = sealer.Open([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sealer, err := New(testKey(t))
	require.NoError(t, err)
	sealed, err := sealer.Seal("secret")
	require.NoError(t, err)

	other, err := New(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	require.Error(t, err)
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New([]byte("too-short"))
	require.Error(t, err)
}

func TestSealStringRoundTrip(t *testing.T) {
	sealer, err := New(testKey(t))
	require.NoError(t, err)

	encoded, err := sealer.SealString("ghp_exampletoken123")
	require.NoError(t, err)
	assert.NotContains(t, encoded, "ghp_")

	opened, err := sealer.OpenString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "ghp_exampletoken123", opened)
}

func TestOpenStringRejectsBadEncoding(t *testing.T) {
	sealer, err := New(testKey(t))
	require.NoError(t, err)

	_, err = sealer.OpenString("not base64 !!!")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNilSealer(t *testing.T) {
	empty, err := New(nil)
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = empty.Seal("anything")
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = empty.Open([]byte("anything"))
	assert.ErrorIs(t, err, ErrNoKey)
}
