package keychain

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte("k"), 32)

func TestCipherBox_SealOpen(t *testing.T) {
	box, err := newCipherBox(testKey)
	require.NoError(t, err)

	plaintext := []byte(`{"user":"svc","password":"hunter2"}`)
	sealed, err := box.seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := box.open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCipherBox_NonceMakesCiphertextsDiffer(t *testing.T) {
	box, err := newCipherBox(testKey)
	require.NoError(t, err)

	a, err := box.seal([]byte("secret"))
	require.NoError(t, err)
	b, err := box.seal([]byte("secret"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipherBox_RejectsTamperedCiphertext(t *testing.T) {
	box, err := newCipherBox(testKey)
	require.NoError(t, err)

	sealed, err := box.seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = box.open(sealed)
	assert.Error(t, err)

	_, err = box.open([]byte("short"))
	assert.Error(t, err)
}

func TestCipherBox_BadKeyLength(t *testing.T) {
	_, err := newCipherBox([]byte("too short"))
	assert.Error(t, err)
}

func TestValidateSchema(t *testing.T) {
	schema := json.RawMessage(`{"required":["host","token"]}`)

	assert.NoError(t, validateSchema([]byte(`{"host":"db","token":"t","extra":1}`), schema))
	assert.NoError(t, validateSchema([]byte(`anything`), nil))
	assert.NoError(t, validateSchema([]byte(`{}`), json.RawMessage(`{"required":[]}`)))

	err := validateSchema([]byte(`{"host":"db"}`), schema)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCredentialSchema))
	assert.Contains(t, err.Error(), "token")

	err = validateSchema([]byte(`not json`), schema)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCredentialSchema))
}
