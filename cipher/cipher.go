// Package cipher encrypts chat traffic under a key agreed by a BB84 exchange.
//
// The sifted key bits are rendered as an ASCII '0'/'1' string and padded or
// truncated to the AEAD key size, so a key derived from the same exchange on
// either side of the channel is byte-identical. Messages are sealed with
// ChaCha20-Poly1305; any tampering with a ciphertext fails decryption rather
// than producing garbled plaintext.
package cipher

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"qkdchat/qkd/bitarray"
)

// KeySize is the ChaCha20-Poly1305 key length in bytes. Derived keys are
// always exactly this long.
const KeySize = chacha20poly1305.KeySize

// ErrDecrypt is returned when a ciphertext cannot be authenticated, whether
// from a wrong key, a truncated envelope, or tampering. The causes are
// deliberately not distinguished.
var ErrDecrypt = errors.New("cipher: message authentication failed")

// DeriveKey maps a sifted key to an AEAD key. Each key bit becomes an ASCII
// '0' or '1' byte; the result is truncated or right-padded with spaces to
// KeySize. An empty key is rejected: it would mean the exchange produced no
// shared secret at all.
func DeriveKey(bits bitarray.Dense) ([]byte, error) {
	if bits.Size() == 0 {
		return nil, errors.New("cipher: deriving key from empty bit sequence")
	}
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = ' '
	}
	copy(key, bits.String())
	return key, nil
}

// ValidateKey reports whether key has the exact shape DeriveKey produces:
// KeySize bytes of '0' and '1' followed only by space padding, with at least
// one key bit before the padding.
func ValidateKey(key []byte) bool {
	if len(key) != KeySize {
		return false
	}
	padding := false
	for _, b := range key {
		switch {
		case b == ' ':
			padding = true
		case b == '0' || b == '1':
			if padding {
				return false
			}
		default:
			return false
		}
	}
	return key[0] != ' '
}

// Encrypt seals plaintext under key with a fresh random nonce and returns the
// envelope nonce||ciphertext, base64url-encoded for transport in JSON and
// query strings.
func Encrypt(plaintext string, key []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("cipher: building AEAD: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cipher: drawing nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure to authenticate surfaces as
// ErrDecrypt.
func Decrypt(ciphertext string, key []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("cipher: building AEAD: %w", err)
	}
	sealed, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return "", ErrDecrypt
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
