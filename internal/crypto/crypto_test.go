package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	if !strings.HasPrefix(key, APIKeyPrefix) {
		t.Errorf("key %q missing %q prefix", key, APIKeyPrefix)
	}

	// ak_ plus 24 random bytes hex encoded
	if len(key) != len(APIKeyPrefix)+48 {
		t.Errorf("key length = %d, want %d", len(key), len(APIKeyPrefix)+48)
	}

	other, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if key == other {
		t.Error("two generated keys should differ")
	}
}

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
	}{
		{"generated key", "ak_550e8400e29b41d4a716446655440000aabbccdd11223344"},
		{"empty key", ""},
		{"special chars", "key!@#$%^&*()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash1 := HashAPIKey(tt.apiKey)
			hash2 := HashAPIKey(tt.apiKey)

			if hash1 != hash2 {
				t.Errorf("HashAPIKey not deterministic: got %s and %s", hash1, hash2)
			}

			if len(hash1) != 64 {
				t.Errorf("HashAPIKey length = %d, want 64", len(hash1))
			}

			for _, c := range hash1 {
				if !strings.ContainsRune("0123456789abcdef", c) {
					t.Errorf("HashAPIKey contains non-hex char: %c", c)
				}
			}
		})
	}
}

func TestHashAPIKey_DifferentInputs(t *testing.T) {
	if HashAPIKey("key1") == HashAPIKey("key2") {
		t.Error("different keys should produce different hashes")
	}
}

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor("test-encryption-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple text", "hello world"},
		{"empty string", ""},
		{"json payload", `{"api_key": "sk-123", "secret": "value"}`},
		{"unicode", "こんにちは世界"},
		{"long text", strings.Repeat("a", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			if ciphertext == tt.plaintext && tt.plaintext != "" {
				t.Error("ciphertext should not equal plaintext")
			}

			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}

			if decrypted != tt.plaintext {
				t.Errorf("Decrypt() = %v, want %v", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptor_NonceVariesCiphertext(t *testing.T) {
	enc, _ := NewEncryptor("test-passphrase")

	cipher1, _ := enc.Encrypt("same plaintext")
	cipher2, _ := enc.Encrypt("same plaintext")

	if cipher1 == cipher2 {
		t.Error("same plaintext should encrypt to different ciphertexts")
	}
}

func TestEncryptor_DecryptInvalidCiphertext(t *testing.T) {
	enc, _ := NewEncryptor("test-passphrase")

	tests := []struct {
		name       string
		ciphertext string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"too short", "YWJj"},
		{"tampered", "dGFtcGVyZWQgZGF0YSB0aGF0IGlzIGxvbmcgZW5vdWdo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.ciphertext); err == nil {
				t.Error("Decrypt() should return error for invalid ciphertext")
			}
		})
	}
}

func TestEncryptor_DifferentKeys(t *testing.T) {
	enc1, _ := NewEncryptor("first-passphrase")
	enc2, _ := NewEncryptor("second-passphrase")

	ciphertext, _ := enc1.Encrypt("secret data")

	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt with different key should fail")
	}
}

func TestNewEncryptor_ShortPassphrase(t *testing.T) {
	if _, err := NewEncryptor("short"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewEncryptor() error = %v, want ErrInvalidKey", err)
	}
}
