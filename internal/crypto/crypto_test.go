package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	e, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := []byte(`{"counter": 42, "phase": "transform"}`)
	ciphertext, err := e.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if strings.Contains(ciphertext, "counter") {
		t.Error("ciphertext should not contain plaintext content")
	}

	decrypted, err := e.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptor_ShortKeyRejected(t *testing.T) {
	if _, err := NewEncryptor([]byte("too-short")); err != ErrInvalidKey {
		t.Errorf("NewEncryptor() error = %v, want ErrInvalidKey", err)
	}
}

func TestEncryptor_WrongKeyFails(t *testing.T) {
	e1, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	e2, err := NewEncryptor([]byte("fedcba9876543210fedcba9876543210"))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	ciphertext, err := e1.EncryptString("sensitive state")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	if _, err := e2.Decrypt(ciphertext); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptor_TamperedCiphertextFails(t *testing.T) {
	e, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	ciphertext, err := e.EncryptString("sensitive state")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	if _, err := e.Decrypt("not base64!!!"); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt() of garbage error = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := e.Decrypt("dG9vc2hvcnQ="); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt() of truncated payload error = %v, want ErrInvalidCiphertext", err)
	}

	// Flip one character of a valid payload
	tampered := []byte(ciphertext)
	if tampered[len(tampered)-3] == 'A' {
		tampered[len(tampered)-3] = 'B'
	} else {
		tampered[len(tampered)-3] = 'A'
	}
	if _, err := e.Decrypt(string(tampered)); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() of tampered payload error = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptor_NonDeterministicNonce(t *testing.T) {
	e, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	c1, err := e.EncryptString("same input")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	c2, err := e.EncryptString("same input")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if c1 == c2 {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestNewEncryptorFromString(t *testing.T) {
	keyStr, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}

	e, err := NewEncryptorFromString(keyStr)
	if err != nil {
		t.Fatalf("NewEncryptorFromString() error = %v", err)
	}

	ciphertext, err := e.EncryptString("hello")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	got, err := e.DecryptString(ciphertext)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("DecryptString() = %q, want %q", got, "hello")
	}

	if _, err := NewEncryptorFromString("!!not-a-key!!"); err != ErrInvalidKey {
		t.Errorf("NewEncryptorFromString() error = %v, want ErrInvalidKey", err)
	}
}
