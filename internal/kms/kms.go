// Package kms encrypts stored API keys under a versioned master key.
//
// The master key itself is never generated or persisted here. It is fetched
// from a MasterKeySource (environment, OS keyring, or a cloud secret store)
// and expanded into one AES-256 data key per master-key version with
// HKDF-SHA256.
package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/dskeys/internal/secure"
)

const ciphertextPrefix = "dsk1:"

var (
	// ErrMalformedCiphertext is returned for bytes that are not in the dsk1 format
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrUnknownVersion is returned when the master key version cannot be fetched
	ErrUnknownVersion = errors.New("unknown master key version")
)

// KeyManager encrypts and decrypts key material. Ciphertexts use the dsk1
// format so their master key version can be read without decrypting.
type KeyManager interface {
	Name() string
	Encrypt(ctx context.Context, plaintext *secure.Secret) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) (*secure.Secret, error)
	CurrentVersion(ctx context.Context) (string, error)
}

// FormatCiphertext renders the wire format dsk1:<version>:<base64(nonce||sealed)>
func FormatCiphertext(version string, payload []byte) []byte {
	return []byte(ciphertextPrefix + version + ":" + base64.StdEncoding.EncodeToString(payload))
}

// ParseCiphertext splits a dsk1 ciphertext into its version and payload
func ParseCiphertext(ciphertext []byte) (string, []byte, error) {
	s := string(ciphertext)
	if !strings.HasPrefix(s, ciphertextPrefix) {
		return "", nil, ErrMalformedCiphertext
	}
	rest := s[len(ciphertextPrefix):]
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", nil, ErrMalformedCiphertext
	}
	payload, err := base64.StdEncoding.DecodeString(rest[idx+1:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return rest[:idx], payload, nil
}

// VersionOf returns the master key version a ciphertext was produced under
func VersionOf(ciphertext []byte) (string, error) {
	v, _, err := ParseCiphertext(ciphertext)
	return v, err
}
