package security

import (
	"bytes"
	"errors"
	"testing"
)

func TestTokenCipher_RoundTrip(t *testing.T) {
	c, err := NewTokenCipher("test-session-secret-32bytes-long!")
	if err != nil {
		t.Fatalf("NewTokenCipher: %v", err)
	}

	plain := []byte(`{"access_token":"at","refresh_token":"rt"}`)
	sealed, err := c.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("refresh_token")) {
		t.Fatal("sealed output contains plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Errorf("Open = %s, want %s", opened, plain)
	}
}

func TestTokenCipher_SealUsesFreshNonce(t *testing.T) {
	c, _ := NewTokenCipher("test-session-secret-32bytes-long!")
	a, _ := c.Seal([]byte("same"))
	b, _ := c.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestTokenCipher_OpenRejectsTamperingAndWrongKey(t *testing.T) {
	c, _ := NewTokenCipher("test-session-secret-32bytes-long!")
	other, _ := NewTokenCipher("another-secret-entirely-different")

	sealed, _ := c.Seal([]byte("payload"))

	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := c.Open(tampered); !errors.Is(err, ErrDecrypt) {
		t.Errorf("tampered Open error = %v, want ErrDecrypt", err)
	}
	if _, err := other.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("wrong key Open error = %v, want ErrDecrypt", err)
	}
	if _, err := c.Open([]byte("short")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("short Open error = %v, want ErrDecrypt", err)
	}
}

func TestNewTokenCipher_ShortSecret(t *testing.T) {
	if _, err := NewTokenCipher("short"); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	b, _ := RandomToken(32)
	if a == b {
		t.Error("tokens should be unique")
	}
	// 32バイト -> パディングなしBase64で43文字
	if len(a) != 43 {
		t.Errorf("len = %d, want 43", len(a))
	}
}
