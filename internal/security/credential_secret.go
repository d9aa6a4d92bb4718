package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	credentialKeyEnv = "CREDENTIAL_ENCRYPTION_KEY"

	// CredentialPrefix marks values that were written by EncryptCredential.
	// Values without the prefix are treated as legacy plaintext.
	CredentialPrefix = "enc:"
)

var (
	credCipherOnce sync.Once
	credCipherInst *credentialCipher
	credCipherErr  error
)

type credentialCipher struct {
	gcm cipher.AEAD
}

func getCredentialCipher() (*credentialCipher, error) {
	credCipherOnce.Do(func() {
		rawKey := strings.TrimSpace(os.Getenv(credentialKeyEnv))
		if rawKey == "" {
			credCipherErr = errors.New("credential encryption key not set: " + credentialKeyEnv)
			return
		}

		block, err := aes.NewCipher(deriveCredentialKey(rawKey))
		if err != nil {
			credCipherErr = fmt.Errorf("create cipher: %w", err)
			return
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			credCipherErr = fmt.Errorf("create gcm: %w", err)
			return
		}

		credCipherInst = &credentialCipher{gcm: gcm}
	})

	return credCipherInst, credCipherErr
}

func deriveCredentialKey(raw string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		switch len(decoded) {
		case 16, 24, 32:
			return decoded
		}
		sum := sha256.Sum256(decoded)
		return sum[:]
	}

	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

func EncryptCredential(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	cc, err := getCredentialCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, cc.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	cipherText := cc.gcm.Seal(nil, nonce, []byte(plain), nil)
	payload := append(nonce, cipherText...)

	return CredentialPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptCredential returns the plaintext and whether the stored value was a
// legacy (unencrypted) one.
func DecryptCredential(value string) (string, bool, error) {
	if value == "" {
		return "", false, nil
	}

	if !strings.HasPrefix(value, CredentialPrefix) {
		return value, true, nil
	}

	encoded := strings.TrimPrefix(value, CredentialPrefix)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", true, fmt.Errorf("decode ciphertext: %w", err)
	}

	cc, err := getCredentialCipher()
	if err != nil {
		return "", false, err
	}

	nonceSize := cc.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", true, errors.New("ciphertext too short")
	}

	plain, err := cc.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", true, fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return string(plain), false, nil
}

func IsCredentialEncrypted(value string) bool {
	return strings.HasPrefix(value, CredentialPrefix)
}

func ResetCredentialCipherForTests() {
	credCipherOnce = sync.Once{}
	credCipherInst = nil
	credCipherErr = nil
}
