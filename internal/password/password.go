// Package password hashes and verifies credentials with argon2id.
// Hashes are stored in PHC string format so parameters can evolve
// without invalidating existing records.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrWeakPassword reports a plaintext outside the configured length policy.
var ErrWeakPassword = errors.New("password does not meet the length policy")

const (
	defaultMinLength = 8
	// Upper bound guards the memory-hard hash against huge inputs.
	defaultMaxLength = 512

	saltLength = 16
	keyLength  = 32
)

// Params are the argon2id cost settings plus the plaintext length policy.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	MinLength   int
	MaxLength   int
}

// DefaultParams mirror the RFC 9106 low-memory recommendation.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  2,
		Parallelism: 1,
		MinLength:   defaultMinLength,
		MaxLength:   defaultMaxLength,
	}
}

// Hasher hashes and verifies plaintext passwords.
type Hasher struct {
	params Params
}

// NewHasher validates params and constructs a Hasher.
func NewHasher(params Params) (*Hasher, error) {
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return nil, errors.New("password: zero-cost argon2 parameters")
	}
	if params.MinLength <= 0 {
		params.MinLength = defaultMinLength
	}
	if params.MaxLength <= 0 {
		params.MaxLength = defaultMaxLength
	}
	if params.MaxLength < params.MinLength {
		return nil, errors.New("password: max length below min length")
	}
	return &Hasher{params: params}, nil
}

// Hash derives an argon2id hash with a fresh random salt and returns it
// in PHC format. The plaintext is never retained or logged.
func (h *Hasher) Hash(plaintext string) (string, error) {
	if err := h.checkPolicy(plaintext); err != nil {
		return "", err
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, keyLength)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the hash with the encoded parameters and salt and
// compares in constant time. Returns false on any malformed input.
func (h *Hasher) Verify(plaintext, encoded string) bool {
	if plaintext == "" || len(plaintext) > h.params.MaxLength {
		return false
	}
	memory, iterations, parallelism, salt, key, err := decode(encoded)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(plaintext), salt, iterations, memory, parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1
}

func (h *Hasher) checkPolicy(plaintext string) error {
	if len(plaintext) < h.params.MinLength || len(plaintext) > h.params.MaxLength {
		return ErrWeakPassword
	}
	return nil
}

func decode(encoded string) (memory, iterations uint32, parallelism uint8, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, errors.New("malformed hash")
	}
	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return 0, 0, 0, nil, nil, errors.New("malformed hash version")
	}
	if version != argon2.Version {
		return 0, 0, 0, nil, nil, errors.New("unsupported argon2 version")
	}
	var p uint32
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &p); err != nil {
		return 0, 0, 0, nil, nil, errors.New("malformed hash parameters")
	}
	if memory == 0 || iterations == 0 || p == 0 || p > 255 {
		return 0, 0, 0, nil, nil, errors.New("invalid hash parameters")
	}
	parallelism = uint8(p)
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return 0, 0, 0, nil, nil, errors.New("malformed salt")
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return 0, 0, 0, nil, nil, errors.New("malformed key")
	}
	return memory, iterations, parallelism, salt, key, nil
}
