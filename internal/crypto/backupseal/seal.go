// Package backupseal encrypts exported backups under a passphrase.
//
// Layout: magic "LCB1" | salt (16) | nonce (24) | XChaCha20-Poly1305 ciphertext.
// The AEAD key is HKDF-SHA256 over an Argon2id key derived from the passphrase.
package backupseal

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyLen  = 32
	saltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

var magic = []byte("LCB1")

var (
	// ErrNotSealed is returned when the input lacks the sealed header.
	ErrNotSealed = errors.New("not a sealed backup")
	// ErrWrongPassphrase is returned when authentication of the ciphertext fails.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted backup")
)

func fileKey(passphrase, salt []byte) ([]byte, error) {
	kek := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keyLen)
	r := hkdf.New(sha256.New, kek, salt, []byte("livechat backup v1"))
	key := make([]byte, keyLen)
	_, err := r.Read(key)
	return key, err
}

// Seal encrypts plaintext under passphrase.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := fileKey([]byte(passphrase), salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(magic)+saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, magic), nil
}

// IsSealed reports whether data carries the sealed header.
func IsSealed(data []byte) bool { return bytes.HasPrefix(data, magic) }

// Open decrypts a sealed backup.
func Open(passphrase string, sealed []byte) ([]byte, error) {
	head := len(magic) + saltLen + chacha20poly1305.NonceSizeX
	if !IsSealed(sealed) || len(sealed) < head {
		return nil, ErrNotSealed
	}
	salt := sealed[len(magic) : len(magic)+saltLen]
	nonce := sealed[len(magic)+saltLen : head]
	key, err := fileKey([]byte(passphrase), salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, sealed[head:], magic)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}
