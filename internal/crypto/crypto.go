// Package crypto wraps fernet for at-rest encryption. The key comes from a
// KeyProvider; a missing key is generated and stored on first use.
package crypto

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fernet/fernet-go"
)

type KeyProvider interface {
	LoadKey() (string, error)
	StoreKey(encoded string) error
}

// FileKey stores the fernet key in a mode-0600 file.
type FileKey struct {
	Path string
}

func (f FileKey) LoadKey() (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (f FileKey) StoreKey(encoded string) error {
	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}
	return os.WriteFile(f.Path, []byte(encoded), 0600)
}

func getKey(p KeyProvider) (*fernet.Key, error) {
	keyStr, err := p.LoadKey()
	if err != nil {
		// Generate new key
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := p.StoreKey(keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

func Encrypt(p KeyProvider, plaintext string) (string, error) {
	key, err := getKey(p)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(p KeyProvider, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := getKey(p)
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// Mask returns a redacted rendering for display.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
