package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	box, err := New(key)
	require.NoError(t, err)

	sealed, err := box.Seal([]byte(`{"api_key":"sk-test"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-test")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"api_key":"sk-test"}`, string(opened))
}

func TestNew_RejectsBadKey(t *testing.T) {
	_, err := New("not-hex")
	assert.Error(t, err)

	_, err = New("abcd") // valid hex, wrong length
	assert.Error(t, err)
}

func TestOpen_RejectsTampering(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := New(key)
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("payload"))
	require.NoError(t, err)

	// Different key cannot open
	otherKey, err := GenerateKey()
	require.NoError(t, err)
	other, err := New(otherKey)
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.Error(t, err)

	_, err = box.Open("@@@not-base64@@@")
	assert.Error(t, err)
}
