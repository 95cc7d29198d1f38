package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Sealer encrypts environment variable sets at rest with AES-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 256-bit key from secret.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("sealer secret cannot be empty")
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal serialises vars and encrypts them. An empty set seals to nil.
func (s *Sealer) Seal(vars map[string]string) ([]byte, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	plain, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode vars: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(payload []byte) (map[string]string, error) {
	if len(payload) == 0 {
		return map[string]string{}, nil
	}
	nonceSize := s.aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, io.ErrUnexpectedEOF
	}
	plain, err := s.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt vars: %w", err)
	}
	vars := make(map[string]string)
	if err := json.Unmarshal(plain, &vars); err != nil {
		return nil, fmt.Errorf("decode vars: %w", err)
	}
	return vars, nil
}
