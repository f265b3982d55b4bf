// Package crypto implements credential digests and invite code generation.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for stored credential digests.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
	saltLen             = 16

	// Bounds accepted from stored digests.
	minSaltLen          = 8
	maxMemory    uint32 = 1 << 20 // 1 GiB
	maxTime      uint32 = 16
	maxKeyLen           = 64
)

var b64 = base64.RawStdEncoding

// ErrMalformedDigest is returned when a stored digest cannot be parsed.
var ErrMalformedDigest = errors.New("malformed digest")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Digest derives a salted Argon2id digest of secret in PHC string form:
// $argon2id$v=19$m=65536,t=3,p=1$<salt>$<key>.
func Digest(secret string) (string, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// Verify reports whether secret matches digest. needsRehash is true when the
// digest is valid but uses the legacy unsalted scheme or outdated parameters.
func Verify(secret, digest string) (ok, needsRehash bool) {
	if isLegacy(digest) {
		sum := sha256.Sum256([]byte(secret))
		want, err := hex.DecodeString(strings.ToLower(digest))
		if err != nil {
			return false, false
		}
		return subtle.ConstantTimeCompare(sum[:], want) == 1, true
	}

	p, err := parse(digest)
	if err != nil {
		return false, false
	}
	got := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	if subtle.ConstantTimeCompare(got, p.key) != 1 {
		return false, false
	}
	stale := p.time != argonTime || p.memory != argonMemory || p.threads != argonThreads ||
		uint32(len(p.key)) != argonKeyLen
	return true, stale
}

// LegacyDigest computes the unsalted SHA-256 hex digest of older records.
// Only used to seed migration tests and fixtures.
func LegacyDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func isLegacy(digest string) bool {
	if len(digest) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

type params struct {
	time, memory uint32
	threads      uint8
	salt, key    []byte
}

func parse(digest string) (params, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params{}, ErrMalformedDigest
	}
	var ver int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &ver); err != nil || ver != argon2.Version {
		return params{}, ErrMalformedDigest
	}
	var p params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return params{}, ErrMalformedDigest
	}
	var err error
	if p.salt, err = b64.DecodeString(parts[4]); err != nil {
		return params{}, ErrMalformedDigest
	}
	if p.key, err = b64.DecodeString(parts[5]); err != nil || len(p.key) == 0 {
		return params{}, ErrMalformedDigest
	}
	// argon2.IDKey panics on zero rounds or parallelism.
	switch {
	case p.time < 1 || p.time > maxTime,
		p.threads < 1,
		p.memory < 8*uint32(p.threads) || p.memory > maxMemory,
		len(p.salt) < minSaltLen,
		len(p.key) > maxKeyLen:
		return params{}, ErrMalformedDigest
	}
	return p, nil
}

const inviteAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// InviteCodeLen is the length of generated invite codes.
const InviteCodeLen = 8

// NewInviteCode returns a random code of InviteCodeLen characters from A-Z0-9.
func NewInviteCode() (string, error) {
	max := big.NewInt(int64(len(inviteAlphabet)))
	var sb strings.Builder
	for i := 0; i < InviteCodeLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(inviteAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
