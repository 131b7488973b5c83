package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters; interactive-strength since the keyfile itself is random.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	keyfileBytes = 32
	saltBytes    = 16
)

// Cipher encrypts and decrypts credential strings at the persistence
// boundary. Ciphertext is base64(salt || nonce || sealed).
type Cipher struct {
	secret []byte
}

// NewCipher loads the keyfile at path, creating it with random contents on
// first use. The keyfile must stay private to the gateway process.
func NewCipher(path string) (*Cipher, error) {
	secret, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		secret = make([]byte, keyfileBytes)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate keyfile: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create keyfile directory: %w", err)
		}
		if err := os.WriteFile(path, secret, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write keyfile: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read keyfile: %w", err)
	}

	if len(secret) < keyfileBytes {
		return nil, fmt.Errorf("keyfile %s is too short (%d bytes)", path, len(secret))
	}

	return &Cipher{secret: secret}, nil
}

// Encrypt seals plaintext with AES-256-GCM under a per-value derived key.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	buf := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)

	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt reverses Encrypt. It fails on tampered or truncated input.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	if len(buf) < saltBytes {
		return "", fmt.Errorf("ciphertext too short")
	}
	salt, rest := buf[:saltBytes], buf[saltBytes:]

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}

	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(c.secret, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return cipher.NewGCM(block)
}
