// Package crypto resolves the wallet key and signs requests for the
// Polymarket CLOB.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 480_000
	kdfSaltLen    = 16
	kdfKeyLen     = 32
	sealVersion   = 1
)

// ErrNoKey is returned by ResolveKey when no source is configured.
var ErrNoKey = errors.New("crypto: no private key configured")

// sealedKey is the on-disk envelope written by SealKey. Byte fields are
// base64 encoded by encoding/json.
type sealedKey struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// KeySource lists where the wallet key may come from. A raw key wins over
// an encrypted file.
type KeySource struct {
	RawHex        string
	EncryptedPath string
	Password      string
}

// ResolveKey returns the hex private key, without 0x, from src.
func ResolveKey(src KeySource) (string, error) {
	if src.RawHex != "" {
		k, err := normaliseKey(src.RawHex)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(k), nil
	}
	if src.EncryptedPath == "" {
		return "", ErrNoKey
	}
	blob, err := os.ReadFile(src.EncryptedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: read key file: %w", err)
	}
	return OpenKey(blob, src.Password)
}

// SealKey encrypts a hex key with AES-256-GCM under a PBKDF2-SHA256 key
// derived from password.
func SealKey(keyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: empty password")
	}
	key, err := normaliseKey(keyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := newAEAD(password, salt, kdfIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	return json.MarshalIndent(sealedKey{
		Version:    sealVersion,
		KDF:        "pbkdf2-sha256",
		Iterations: kdfIterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, key, nil),
	}, "", "  ")
}

// OpenKey reverses SealKey.
func OpenKey(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: empty password")
	}
	var sk sealedKey
	if err := json.Unmarshal(blob, &sk); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if sk.Version != sealVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", sk.Version)
	}
	if sk.Iterations <= 0 {
		sk.Iterations = kdfIterations
	}

	aead, err := newAEAD(password, sk.Salt, sk.Iterations)
	if err != nil {
		return "", err
	}
	if len(sk.Nonce) != aead.NonceSize() {
		return "", errors.New("crypto: malformed nonce")
	}
	plain, err := aead.Open(nil, sk.Nonce, sk.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt key (wrong password?): %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// WriteSealedKey seals keyHex and writes it to path with 0600 permissions.
func WriteSealedKey(path, keyHex, password string) error {
	blob, err := SealKey(keyHex, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("crypto: write key file: %w", err)
	}
	return nil
}

func newAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, kdfKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}

func normaliseKey(keyHex string) ([]byte, error) {
	k, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not hex: %w", err)
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d", len(k))
	}
	return k, nil
}
