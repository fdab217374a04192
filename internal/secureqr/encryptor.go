package secureqr

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"secure-qr-service/internal/domain"
)

const (
	// PBKDF2Iterations は発行ごとの鍵導出の反復回数。既発行分の互換性のため変更しない。
	PBKDF2Iterations = 100_000

	saltSize       = 32
	nonceSize      = 12 // AES-GCM推奨の96ビット
	derivedKeySize = 32 // AES-256
	gcmTagSize     = 16
)

// Sealed は暗号化の出力。SaltとDerivedKeyは発行記録として永続化する。
type Sealed struct {
	Blob       []byte // nonce || ciphertext+tag
	Salt       []byte
	DerivedKey []byte // integrity_hashとして保存される
}

// DeriveKey は正規化ペイロード・ルート鍵・ソルトから発行ごとの鍵を導出する。
func DeriveKey(canonical, rootKey, salt []byte) []byte {
	password := make([]byte, 0, len(canonical)+len(rootKey))
	password = append(password, canonical...)
	password = append(password, rootKey...)
	return pbkdf2.Key(password, salt, PBKDF2Iterations, derivedKeySize, sha256.New)
}

// Encrypt はペイロードを正規化し、新しいソルトから導出した鍵でAES-256-GCM暗号化する。
func Encrypt(p *domain.Payload, rootKey []byte) (*Sealed, error) {
	if len(rootKey) == 0 {
		return nil, fmt.Errorf("%w: root key is not loaded", domain.ErrKeyStoreUnavailable)
	}
	canonical, err := CanonicalBytes(p)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt random: %w", err)
	}
	derived := DeriveKey(canonical, rootKey, salt)

	aead, err := newGCM(derived)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce random: %w", err)
	}

	blob := make([]byte, 0, nonceSize+len(canonical)+gcmTagSize)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, canonical, nil)

	return &Sealed{Blob: blob, Salt: salt, DerivedKey: derived}, nil
}

// Decrypt は保存済みの導出鍵でblobを復号し、ルート鍵とソルトで鍵を再導出して照合する。
// どの段階で失敗しても平文は返さず、ErrIntegrityMismatchを返す。
func Decrypt(blob, rootKey, salt, derivedKey []byte) (*domain.Payload, error) {
	if len(rootKey) == 0 {
		return nil, fmt.Errorf("%w: root key is not loaded", domain.ErrKeyStoreUnavailable)
	}
	if len(blob) < nonceSize+gcmTagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrIntegrityMismatch)
	}
	if len(derivedKey) != derivedKeySize || len(salt) != saltSize {
		return nil, fmt.Errorf("%w: unexpected key material size", domain.ErrIntegrityMismatch)
	}

	aead, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrIntegrityMismatch)
	}

	expected := DeriveKey(plaintext, rootKey, salt)
	if subtle.ConstantTimeCompare(expected, derivedKey) != 1 {
		return nil, fmt.Errorf("%w: derived key does not match stored hash", domain.ErrIntegrityMismatch)
	}

	var p domain.Payload
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", domain.ErrIntegrityMismatch, err)
	}
	if p.SchemaVersion != domain.SchemaVersionV1 {
		return nil, fmt.Errorf("%w: payload %q", domain.ErrUnsupportedSchemaVersion, p.SchemaVersion)
	}
	return &p, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	if aead.NonceSize() != nonceSize {
		return nil, errors.New("unexpected GCM nonce size")
	}
	return aead, nil
}
