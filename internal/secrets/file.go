package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/crypto"
)

// EncryptedFileStore keeps secrets as AES-GCM ciphertext files on disk, for
// deployments without Secrets Manager. Each secret lives in one file named
// after the secret, holding a single base64 ciphertext.
type EncryptedFileStore struct {
	dir string
	enc *crypto.Encryptor
}

func NewEncryptedFileStore(dir, key string) (*EncryptedFileStore, error) {
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	return &EncryptedFileStore{dir: dir, enc: enc}, nil
}

func (s *EncryptedFileStore) Get(ctx context.Context, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	value, err := s.enc.Decrypt(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return value, nil
}

// Put encrypts value and writes it, replacing any prior ciphertext. Used by
// key-rotation tooling; the gateway itself only reads.
func (s *EncryptedFileStore) Put(name, value string) error {
	ciphertext, err := s.enc.Encrypt(value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name), []byte(ciphertext), 0o600)
}
