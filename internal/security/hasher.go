// Package security provides the cryptographic primitives of the auth
// subsystem: memory-hard password hashing, JWT signing/verification with
// separate access and refresh keys, and the one-way hash under which issued
// tokens are persisted.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argon2ID       = "argon2id"
	minMemoryKB    = uint32(8 * 1024)
	minTimeCost    = uint32(1)
	minParallelism = uint8(1)
	minSaltLength  = uint32(16)
	minKeyLength   = uint32(16)
)

// HasherParams control the argon2id cost profile.
type HasherParams struct {
	MemoryKB    uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultHasherParams is the production cost profile: 64 MiB, three passes,
// two lanes.
func DefaultHasherParams() HasherParams {
	return HasherParams{
		MemoryKB:    64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Argon2Hasher hashes and verifies passwords using argon2id, encoding hashes
// in PHC string format so parameters travel with the hash.
type Argon2Hasher struct {
	params HasherParams
}

// NewArgon2Hasher validates the cost profile and returns a hasher. Profiles
// below the floor constants are rejected rather than silently weakened.
func NewArgon2Hasher(params HasherParams) (*Argon2Hasher, error) {
	if params.MemoryKB < minMemoryKB {
		return nil, fmt.Errorf("argon2 memory must be at least %d KiB", minMemoryKB)
	}
	if params.Time < minTimeCost {
		return nil, errors.New("argon2 time cost must be at least 1")
	}
	if params.Parallelism < minParallelism {
		return nil, errors.New("argon2 parallelism must be at least 1")
	}
	if params.SaltLength < minSaltLength {
		return nil, fmt.Errorf("argon2 salt length must be at least %d bytes", minSaltLength)
	}
	if params.KeyLength < minKeyLength {
		return nil, fmt.Errorf("argon2 key length must be at least %d bytes", minKeyLength)
	}
	return &Argon2Hasher{params: params}, nil
}

// Hash derives a fresh salted hash of password and returns it PHC-encoded.
func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		h.params.Time,
		h.params.MemoryKB,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2ID,
		argon2.Version,
		h.params.MemoryKB,
		h.params.Time,
		h.params.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the hash under the parameters embedded in encodedHash
// and compares in constant time. A malformed encoding is an error, not a
// mismatch.
func (h *Argon2Hasher) Verify(password, encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(password),
		parsed.salt,
		parsed.time,
		parsed.memoryKB,
		parsed.parallelism,
		parsed.keyLength,
	)

	return subtle.ConstantTimeCompare(computed, parsed.key) == 1, nil
}

// NeedsRehash reports whether encodedHash was produced under a weaker
// profile than the hasher's current one. Callers rehash on the next
// successful verification.
func (h *Argon2Hasher) NeedsRehash(encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	if h.params.MemoryKB > parsed.memoryKB {
		return true, nil
	}
	if h.params.Time > parsed.time {
		return true, nil
	}
	if h.params.Parallelism > parsed.parallelism {
		return true, nil
	}
	if h.params.KeyLength != parsed.keyLength {
		return true, nil
	}
	return false, nil
}

type parsedHash struct {
	memoryKB    uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
	keyLength   uint32
}

// parsePHC splits "$argon2id$v=19$m=...,t=...,p=...$salt$key".
func parsePHC(encodedHash string) (*parsedHash, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("invalid password hash format")
	}
	if parts[1] != argon2ID {
		return nil, errors.New("unsupported password hash algorithm")
	}

	if !strings.HasPrefix(parts[2], "v=") {
		return nil, errors.New("missing argon2 version")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	parsed := &parsedHash{}
	for _, param := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("invalid argon2 parameters")
		}
		value, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, errors.New("invalid argon2 parameters")
		}
		switch kv[0] {
		case "m":
			parsed.memoryKB = uint32(value)
		case "t":
			parsed.time = uint32(value)
		case "p":
			if value > 255 {
				return nil, errors.New("invalid argon2 parallelism")
			}
			parsed.parallelism = uint8(value)
		default:
			return nil, errors.New("invalid argon2 parameters")
		}
	}
	if parsed.memoryKB == 0 || parsed.time == 0 || parsed.parallelism == 0 {
		return nil, errors.New("incomplete argon2 parameters")
	}

	parsed.salt, err = base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, errors.New("invalid password hash salt")
	}
	parsed.key, err = base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, errors.New("invalid password hash key")
	}
	if len(parsed.key) == 0 {
		return nil, errors.New("empty password hash key")
	}
	parsed.keyLength = uint32(len(parsed.key))

	return parsed, nil
}
