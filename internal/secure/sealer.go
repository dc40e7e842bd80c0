package secure

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var ErrOpen = errors.New("sealed value could not be opened")

// Sealer encrypts sensitive worker fields before they reach a store.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// SecretBox seals with NaCl secretbox. Output is base64(nonce || box).
type SecretBox struct {
	key [keySize]byte
}

// NewSecretBox builds a sealer from a 64-character hex key.
func NewSecretBox(keyHex string) (*SecretBox, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", keySize, len(raw))
	}
	s := &SecretBox{}
	copy(s.key[:], raw)
	return s, nil
}

// NewRandomSecretBox returns a sealer with an ephemeral key. Values sealed
// with it cannot be opened after the process exits.
func NewRandomSecretBox() (*SecretBox, error) {
	s := &SecretBox{}
	if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
		return nil, fmt.Errorf("generate seal key: %w", err)
	}
	return s, nil
}

func (s *SecretBox) Seal(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *SecretBox) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}
