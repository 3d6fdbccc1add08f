package seed

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidSecretHash         = errors.New("invalid secret hash format")
	ErrIncompatibleSecretVersion = errors.New("incompatible secret hash version")
	ErrSecretMismatch            = errors.New("secret does not match hash")
)

// HashParams are the argon2id cost parameters for derived secrets.
type HashParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

var DefaultHashParams = HashParams{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	KeyLength:   32,
}

// DeriveSecret derives a one-way argon2id hash of secret in PHC format.
// The salt is supplied by the caller so that fixtures derive identical
// hashes on every run.
func DeriveSecret(secret string, salt []byte, params HashParams) (string, error) {
	if len(salt) < 8 {
		return "", fmt.Errorf("salt must be at least 8 bytes, got %d", len(salt))
	}
	if params.Parallelism == 0 || params.Iterations == 0 || params.KeyLength == 0 {
		return "", fmt.Errorf("invalid argon2id parameters %+v", params)
	}

	hash := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	// Format is $argon2id$v=...$m=...,t=...,p=...$salt$hash
	format := "$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s"
	return fmt.Sprintf(format, argon2.Version, params.Memory, params.Iterations, params.Parallelism, b64Salt, b64Hash), nil
}

// VerifySecret checks secret against a hash produced by DeriveSecret.
func VerifySecret(encoded, secret string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrInvalidSecretHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSecretHash, err)
	}
	if version != argon2.Version {
		return ErrIncompatibleSecretVersion
	}

	var params HashParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSecretHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSecretHash, err)
	}
	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSecretHash, err)
	}

	comparisonHash := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(decodedHash)))
	if subtle.ConstantTimeCompare(decodedHash, comparisonHash) == 1 {
		return nil
	}
	return ErrSecretMismatch
}

// rowSalt derives a stable salt from a row's identity.
func rowSalt(table, key, column string) []byte {
	id := uuid.NewSHA1(Namespace, []byte(table+"/"+key+"/"+column))
	return id[:]
}
