package seed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSecretIsDeterministicPerSalt(t *testing.T) {
	params := HashParams{Memory: 64, Iterations: 1, Parallelism: 1, KeyLength: 32}
	salt := rowSalt("users", "u-1", "password_hash")

	a, err := DeriveSecret("s3cret", salt, params)
	require.NoError(t, err)
	b, err := DeriveSecret("s3cret", salt, params)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := DeriveSecret("s3cret", rowSalt("users", "u-2", "password_hash"), params)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	assert.NoError(t, VerifySecret(a, "s3cret"))
	assert.ErrorIs(t, VerifySecret(a, "wrong"), ErrSecretMismatch)
}

func TestDeriveSecretRejectsBadInput(t *testing.T) {
	_, err := DeriveSecret("x", []byte("short"), DefaultHashParams)
	assert.Error(t, err)
	_, err = DeriveSecret("x", rowSalt("t", "k", "c"), HashParams{})
	assert.Error(t, err)
}

func TestVerifySecretRejectsMalformedHash(t *testing.T) {
	assert.ErrorIs(t, VerifySecret("plain", "x"), ErrInvalidSecretHash)
	assert.ErrorIs(t, VerifySecret("$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA", "x"), ErrInvalidSecretHash)
	assert.ErrorIs(t, VerifySecret("$argon2id$v=1$m=64,t=1,p=1$c2FsdHNhbHQ$aGFzaA", "x"), ErrIncompatibleSecretVersion)
}
