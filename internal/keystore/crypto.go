package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	apperrors "funding_arb/pkg/errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen    = 16
	keyLen     = 32
	iterations = 10000
)

// seal encrypts plaintext under a key derived from the master secret and a
// fresh random salt. The blob layout is salt || nonce || ciphertext, so each
// row is self-describing and the master secret can be rotated by re-sealing.
func seal(secret, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(secret, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// open reverses seal. Truncated or tampered blobs and a wrong master secret
// all surface as ErrCredentialInvalid.
func open(secret, blob []byte) ([]byte, error) {
	if len(blob) < saltLen {
		return nil, fmt.Errorf("%w: ciphertext too short", apperrors.ErrCredentialInvalid)
	}
	gcm, err := newGCM(secret, blob[:saltLen])
	if err != nil {
		return nil, err
	}
	rest := blob[saltLen:]
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", apperrors.ErrCredentialInvalid)
	}
	plaintext, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCredentialInvalid, err)
	}
	return plaintext, nil
}

func newGCM(secret, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(secret, salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
