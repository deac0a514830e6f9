package security

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// encryptedPrefix は暗号化済みフィールド値の接頭辞。
const encryptedPrefix = "enc:v1:"

// ErrNotEncrypted は暗号化形式でない値を復号しようとした場合のエラー。
var ErrNotEncrypted = errors.New("value is not encrypted")

// FieldCipher は連携設定の秘匿フィールドをXChaCha20-Poly1305で暗号化・復号する。
// 暗号文は "enc:v1:" + base64(nonce || ciphertext) の形式で保存する。
type FieldCipher struct {
	key []byte
}

// NewFieldCipher は32バイトの鍵（hexまたはbase64表現）からFieldCipherを生成する。
func NewFieldCipher(encodedKey string) (*FieldCipher, error) {
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &FieldCipher{key: key}, nil
}

func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("encryption key is empty")
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, errors.New("encryption key must be hex or base64 encoded")
}

// IsEncrypted は値が暗号化形式かどうかを返す。
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}

// Encrypt は平文を暗号化する。
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt は暗号文を復号する。暗号化形式でない値にはErrNotEncryptedを返す。
func (c *FieldCipher) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrNotEncrypted
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt field: %w", err)
	}
	return string(plain), nil
}
