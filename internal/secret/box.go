// Package secret seals credential tokens before they reach the database.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var ErrCannotOpen = errors.New("sealed value can't be opened")

// Box seals and opens short strings with NaCl secretbox
type Box struct {
	key [32]byte
}

// NewBox derives the box key from the application secret key
func NewBox(secretKey string) (*Box, error) {
	if secretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	return &Box{key: sha256.Sum256([]byte(secretKey))}, nil
}

// Seal returns base64(nonce || box)
func (b *Box) Seal(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("error while generating nonce. Err: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *Box) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize {
		return "", ErrCannotOpen
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrCannotOpen
	}

	return string(plain), nil
}

// SealPtr keeps nil as nil (absent optional token)
func (b *Box) SealPtr(plain *string) (*string, error) {
	if plain == nil {
		return nil, nil
	}
	sealed, err := b.Seal(*plain)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

func (b *Box) OpenPtr(sealed *string) (*string, error) {
	if sealed == nil {
		return nil, nil
	}
	plain, err := b.Open(*sealed)
	if err != nil {
		return nil, err
	}
	return &plain, nil
}
