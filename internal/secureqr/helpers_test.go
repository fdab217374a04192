package secureqr

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"secure-qr-service/internal/domain"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// testKeyStore はテスト用の鍵ペアとルート鍵を持つKeyStoreを生成する。
func testKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	rootKey := make([]byte, RootKeySize)
	for i := range rootKey {
		rootKey[i] = byte(i)
	}
	ks, err := NewKeyStore(testKey, nil, rootKey)
	require.NoError(t, err)
	return ks
}

func testPayload(t *testing.T, org *string) *domain.Payload {
	t.Helper()
	issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p, err := BuildPayload("ST-CI-2026-0A1B2C3D", "U1", org, issued, issued.Add(365*24*time.Hour))
	require.NoError(t, err)
	return p
}

func strPtr(s string) *string { return &s }
