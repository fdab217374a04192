// Package secureqr はセキュアQRコードの暗号エンベロープを構成する部品を提供する。
//
// 鍵素材はKeyStoreが起動時に一度だけ読み込み、以降は読み取り専用で共有する。
// 各部品は共有状態を書き換えないため、ロックなしで並行に呼び出せる。
package secureqr

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"secure-qr-service/internal/domain"
)

// RootKeySize はルート鍵の最小バイト長。
const RootKeySize = 32

// KeySource はKeyStoreの読み込み元を表す。
type KeySource struct {
	PrivateKeyPath string // 空の場合は検証専用
	PublicKeyPath  string // 空の場合は秘密鍵から導出
	RootKeyHex     string
	WrappedRootKey string // KMSでラップされたルート鍵（Base64）
}

// RootKeyUnwrapper はラップされたルート鍵を復号する。
type RootKeyUnwrapper interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KeyStore は署名鍵ペアとルート鍵を保持する。生成後は変更されない。
type KeyStore struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	rootKey    []byte
}

// NewKeyStore は鍵素材からKeyStoreを生成する。
// privateKeyとrootKeyはnilを許容する（第三者検証者向け）。
func NewKeyStore(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, rootKey []byte) (*KeyStore, error) {
	if publicKey == nil && privateKey != nil {
		publicKey = &privateKey.PublicKey
	}
	if publicKey == nil {
		return nil, fmt.Errorf("%w: public key is required", domain.ErrKeyStoreUnavailable)
	}
	if privateKey != nil && !privateKey.PublicKey.Equal(publicKey) {
		return nil, fmt.Errorf("%w: public key does not match private key", domain.ErrKeyStoreUnavailable)
	}
	if rootKey != nil && len(rootKey) < RootKeySize {
		return nil, fmt.Errorf("%w: root key must be at least %d bytes, got %d",
			domain.ErrKeyStoreUnavailable, RootKeySize, len(rootKey))
	}

	ks := &KeyStore{
		privateKey: privateKey,
		publicKey:  publicKey,
	}
	if rootKey != nil {
		ks.rootKey = make([]byte, len(rootKey))
		copy(ks.rootKey, rootKey)
	}
	return ks, nil
}

// LoadKeyStore はファイルと設定値から鍵素材を読み込む。
// WrappedRootKeyが指定された場合はunwrapperで復号してルート鍵とする。
func LoadKeyStore(ctx context.Context, src KeySource, unwrapper RootKeyUnwrapper) (*KeyStore, error) {
	var privateKey *rsa.PrivateKey
	var publicKey *rsa.PublicKey
	var err error

	if src.PrivateKeyPath != "" {
		privateKey, err = loadPrivateKey(src.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: loading private key: %w", domain.ErrKeyStoreUnavailable, err)
		}
	}
	if src.PublicKeyPath != "" {
		publicKey, err = loadPublicKey(src.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: loading public key: %w", domain.ErrKeyStoreUnavailable, err)
		}
	}

	rootKey, err := resolveRootKey(ctx, src, unwrapper)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrKeyStoreUnavailable, err)
	}

	return NewKeyStore(privateKey, publicKey, rootKey)
}

func resolveRootKey(ctx context.Context, src KeySource, unwrapper RootKeyUnwrapper) ([]byte, error) {
	if src.WrappedRootKey != "" {
		if unwrapper == nil {
			return nil, errors.New("wrapped root key given without KMS client")
		}
		wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(src.WrappedRootKey))
		if err != nil {
			return nil, fmt.Errorf("decoding wrapped root key: %w", err)
		}
		rootKey, err := unwrapper.Decrypt(ctx, wrapped)
		if err != nil {
			return nil, fmt.Errorf("unwrapping root key: %w", err)
		}
		return rootKey, nil
	}
	if src.RootKeyHex != "" {
		rootKey, err := hex.DecodeString(strings.TrimSpace(src.RootKeyHex))
		if err != nil {
			return nil, fmt.Errorf("decoding root key: %w", err)
		}
		return rootKey, nil
	}
	return nil, nil
}

// CanSign は署名用の秘密鍵を保持しているかを返す。
func (k *KeyStore) CanSign() bool {
	return k.privateKey != nil
}

// CanReveal はルート鍵を保持しているか（クレームを復号できるか）を返す。
func (k *KeyStore) CanReveal() bool {
	return k.rootKey != nil
}

// PublicKey は検証用の公開鍵を返す。
func (k *KeyStore) PublicKey() *rsa.PublicKey {
	return k.publicKey
}

// RootKey はルート鍵のコピーを返す。保持していない場合はnil。
func (k *KeyStore) RootKey() []byte {
	if k.rootKey == nil {
		return nil
	}
	out := make([]byte, len(k.rootKey))
	copy(out, k.rootKey)
	return out
}

// LogValue は鍵素材を含まない表現を返す。
func (k *KeyStore) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("can_sign", k.CanSign()),
		slog.Bool("can_reveal", k.CanReveal()),
		slog.Int("modulus_bits", k.publicKey.N.BitLen()),
	)
}

// String はfmt経由で鍵素材が出力されないようにする。
func (k *KeyStore) String() string {
	return "KeyStore{redacted}"
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(data)
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKeyPEM(data)
}

// ParsePrivateKeyPEM はPKCS#1またはPKCS#8形式のRSA秘密鍵を読み込む。
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// ParsePublicKeyPEM はPKIXまたはPKCS#1形式のRSA公開鍵を読み込む。
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing public key")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}
