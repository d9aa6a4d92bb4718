package security

import "testing"

const testEncryptionKey = "unit-test-encryption-key"

func TestEncryptDecryptCredential(t *testing.T) {
	t.Setenv(credentialKeyEnv, testEncryptionKey)
	ResetCredentialCipherForTests()

	cipherText, err := EncryptCredential("super-secret")
	if err != nil {
		t.Fatalf("EncryptCredential returned error: %v", err)
	}

	if !IsCredentialEncrypted(cipherText) {
		t.Fatalf("ciphertext %q is not marked as encrypted", cipherText)
	}

	plain, legacy, err := DecryptCredential(cipherText)
	if err != nil {
		t.Fatalf("DecryptCredential returned error: %v", err)
	}
	if legacy {
		t.Fatal("DecryptCredential flagged encrypted value as legacy")
	}
	if plain != "super-secret" {
		t.Fatalf("DecryptCredential returned %q, want super-secret", plain)
	}
}

func TestDecryptLegacyCredential(t *testing.T) {
	t.Setenv(credentialKeyEnv, testEncryptionKey)
	ResetCredentialCipherForTests()

	plain, legacy, err := DecryptCredential("legacy-secret")
	if err != nil {
		t.Fatalf("DecryptCredential returned error: %v", err)
	}
	if !legacy {
		t.Fatal("expected legacy flag for plain secret")
	}
	if plain != "legacy-secret" {
		t.Fatalf("DecryptCredential returned %q, want legacy-secret", plain)
	}
}

func TestEncryptCredentialMissingKey(t *testing.T) {
	t.Setenv(credentialKeyEnv, "")
	ResetCredentialCipherForTests()

	if _, err := EncryptCredential("secret"); err == nil {
		t.Fatal("expected error when encryption key is missing")
	}
}
