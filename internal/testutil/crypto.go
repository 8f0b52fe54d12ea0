package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/vmail/mailsync/internal/crypto"
)

// TestEncryptionKey returns a deterministic base64 key (bytes 0..31).
func TestEncryptionKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// GetTestEncryptor creates an encryptor over TestEncryptionKey.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptor(TestEncryptionKey())
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}
