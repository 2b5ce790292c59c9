package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// hkdfInfo は鍵導出の用途ラベル。用途が変わる場合は別のラベルを使うこと。
var hkdfInfo = []byte("athen credential bundle v1")

// ErrDecrypt は暗号文の復号に失敗した場合のエラー。
var ErrDecrypt = errors.New("failed to decrypt sealed data")

// TokenCipher はOAuth認可情報を保存前に暗号化する。
// 鍵はSESSION_SECRETからHKDF-SHA256で導出し、NaCl secretboxで暗号化する。
// 出力形式は nonce(24バイト) || secretbox出力。
type TokenCipher struct {
	key [keySize]byte
}

// NewTokenCipher はシークレットから鍵を導出してTokenCipherを生成する。
func NewTokenCipher(secret string) (*TokenCipher, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("secret too short: need at least 16 bytes")
	}

	c := &TokenCipher{}
	r := hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo)
	if _, err := io.ReadFull(r, c.key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return c, nil
}

// Seal は平文を暗号化する。
func (c *TokenCipher) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.key), nil
}

// Open は暗号文を復号する。改ざんされている場合はErrDecryptを返す。
func (c *TokenCipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	plain, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// RandomToken はnバイトの暗号論的乱数をURLセーフなBase64で返す。
// OAuthのstateやセッションIDに使用する。
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
