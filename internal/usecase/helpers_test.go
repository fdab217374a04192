package usecase

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"secure-qr-service/internal/domain"
	"secure-qr-service/internal/metrics"
	"secure-qr-service/internal/secureqr"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func testRSAKey() *rsa.PrivateKey {
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

func testRootKey() []byte {
	k := make([]byte, secureqr.RootKeySize)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

// testKeyStore は署名鍵とルート鍵を持つKeyStoreを返す。
func testKeyStore(t *testing.T) *secureqr.KeyStore {
	t.Helper()
	ks, err := secureqr.NewKeyStore(testRSAKey(), nil, testRootKey())
	require.NoError(t, err)
	return ks
}

// verifyOnlyKeyStore は公開鍵のみを持つKeyStoreを返す。
func verifyOnlyKeyStore(t *testing.T) *secureqr.KeyStore {
	t.Helper()
	ks, err := secureqr.NewKeyStore(nil, &testRSAKey().PublicKey, nil)
	require.NoError(t, err)
	return ks
}

// fakeRenderer はエンベロープをそのまま画像として返す。
type fakeRenderer struct{}

func (fakeRenderer) Render(text string) ([]byte, error) {
	return []byte("PNG:" + text), nil
}

func newTestIssuer(t *testing.T, now time.Time) *Issuer {
	t.Helper()
	gen, err := secureqr.NewCodeGenerator("ST", "CI")
	require.NoError(t, err)
	issuer, err := NewIssuer(testKeyStore(t), gen, fakeRenderer{}, "STAMP-TECH-IVOIRE")
	require.NoError(t, err)
	issuer.now = func() time.Time { return now }
	return issuer
}

// memIssuanceRepository はテスト用のインメモリ発行記録リポジトリ。
type memIssuanceRepository struct {
	mu        sync.Mutex
	records   map[string]*domain.IssuanceRecord
	createErr []error // 先頭から順にCreateの戻り値として使う
	findErr   error
	findDelay time.Duration
}

func newMemIssuanceRepository() *memIssuanceRepository {
	return &memIssuanceRepository{records: make(map[string]*domain.IssuanceRecord)}
}

func (m *memIssuanceRepository) Create(ctx context.Context, record *domain.IssuanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.createErr) > 0 {
		err := m.createErr[0]
		m.createErr = m.createErr[1:]
		if err != nil {
			return err
		}
	}
	if _, exists := m.records[record.UniqueCode]; exists {
		return domain.ErrDuplicateCode
	}
	cp := *record
	cp.ID = record.UniqueCode
	m.records[record.UniqueCode] = &cp
	return nil
}

func (m *memIssuanceRepository) FindByUniqueCode(ctx context.Context, uniqueCode string) (*domain.IssuanceRecord, error) {
	if m.findDelay > 0 {
		// コンテキストを無視する遅い参照先を模す
		time.Sleep(m.findDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	r, ok := m.records[uniqueCode]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memIssuanceRepository) UpdateStatus(ctx context.Context, uniqueCode string, status domain.RecordStatus, revokedAt *time.Time, from ...domain.RecordStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[uniqueCode]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if len(from) > 0 && !r.Status.OneOf(from...) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatusTransition, r.Status, status)
	}
	r.Status = status
	if revokedAt != nil {
		r.RevokedAt = revokedAt
	}
	return nil
}

func (m *memIssuanceRepository) TouchLastVerified(ctx context.Context, uniqueCode string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[uniqueCode]; ok {
		r.LastVerifiedAt = &at
	}
	return nil
}

func (m *memIssuanceRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.Status == domain.RecordStatusActive && !now.Before(r.ExpiresAt) {
			r.Status = domain.RecordStatusExpired
			n++
		}
	}
	return n, nil
}

func (m *memIssuanceRepository) FindExpiringBetween(ctx context.Context, from, to time.Time) ([]*domain.IssuanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.IssuanceRecord
	for _, r := range m.records {
		if r.Status == domain.RecordStatusActive && r.ExpiresAt.After(from) && !r.ExpiresAt.After(to) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *memIssuanceRepository) CountByStatus(ctx context.Context) (map[domain.RecordStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.RecordStatus]int64)
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *memIssuanceRepository) get(code string) *domain.IssuanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[code]
}

// memVerificationRepository はテスト用のインメモリ検証履歴リポジトリ。
type memVerificationRepository struct {
	mu     sync.Mutex
	events []*domain.VerificationEvent
}

func (m *memVerificationRepository) Create(ctx context.Context, event *domain.VerificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memVerificationRepository) FindByUniqueCode(ctx context.Context, uniqueCode string, limit int) ([]*domain.VerificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.VerificationEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].UniqueCode == uniqueCode {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *memVerificationRepository) CountSince(ctx context.Context, uniqueCode string, since time.Time, failedOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.events {
		if e.VerifiedAt.Before(since) || (uniqueCode != "" && e.UniqueCode != uniqueCode) || (failedOnly && e.IsValid) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *memVerificationRepository) all() []*domain.VerificationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.VerificationEvent(nil), m.events...)
}

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func strPtr(s string) *string { return &s }
