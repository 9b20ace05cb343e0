package isolation

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const keysLogPrefix = "isolation:keys"

// NonceSize is the AES-GCM nonce length used for sealed payloads.
const NonceSize = 12

// Keys is the AES-256-GCM key shared by the intermediate context and the host.
type Keys struct {
	raw  []byte
	aead cipher.AEAD
}

// NewKeys generates a fresh random key.
func NewKeys() (*Keys, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("%s - failed to generate key: %w", keysLogPrefix, err)
	}
	return KeysFromRaw(raw)
}

// KeysFromRaw wraps an existing 32 byte key.
func KeysFromRaw(raw []byte) (*Keys, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%s - key must be 32 bytes, got %d", keysLogPrefix, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create cipher: %w", keysLogPrefix, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create gcm: %w", keysLogPrefix, err)
	}
	return &Keys{raw: append([]byte(nil), raw...), aead: aead}, nil
}

// Raw returns a copy of the key bytes.
func (k *Keys) Raw() []byte {
	return append([]byte(nil), k.raw...)
}

// Seal encrypts plaintext under a new random nonce.
func (k *Keys) Seal(contentType string, plaintext []byte) (*Sealed, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%s - failed to generate nonce: %w", keysLogPrefix, err)
	}
	return &Sealed{
		ContentType: contentType,
		Nonce:       nonce,
		Payload:     k.aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open decrypts a sealed payload.
func (k *Keys) Open(s *Sealed) ([]byte, error) {
	if s == nil {
		return nil, errors.New(keysLogPrefix + " - nil sealed payload")
	}
	if len(s.Nonce) != NonceSize {
		return nil, fmt.Errorf("%s - invalid nonce length %d", keysLogPrefix, len(s.Nonce))
	}
	plain, err := k.aead.Open(nil, s.Nonce, s.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open payload: %w", keysLogPrefix, err)
	}
	return plain, nil
}
