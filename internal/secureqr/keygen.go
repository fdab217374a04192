package secureqr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// PrivateKeyFile はGenerateKeyPairが書き出す秘密鍵のファイル名。
	PrivateKeyFile = "private_key.pem"
	// PublicKeyFile はGenerateKeyPairが書き出す公開鍵のファイル名。
	PublicKeyFile = "public_key.pem"

	// DefaultKeyBits はRSA鍵の既定ビット長。
	// 3072ビット以上では署名が長くなりQRコードの容量を超えやすい。
	DefaultKeyBits = 2048
)

// GenerateKeyPair はRSA鍵ペアを生成し、PEM形式でdirに保存する。
func GenerateKeyPair(dir string, bits int) (privPath, pubPath string, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", fmt.Errorf("generating RSA key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshaling private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("marshaling public key: %w", err)
	}

	privPath = filepath.Join(dir, PrivateKeyFile)
	if err := os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600); err != nil {
		return "", "", fmt.Errorf("writing private key: %w", err)
	}
	pubPath = filepath.Join(dir, PublicKeyFile)
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644); err != nil {
		return "", "", fmt.Errorf("writing public key: %w", err)
	}
	return privPath, pubPath, nil
}

// GenerateRootKey はルート鍵を生成する。
func GenerateRootKey() ([]byte, error) {
	key := make([]byte, RootKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}
