package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"secure-qr-service/internal/domain"
	"secure-qr-service/internal/metrics"
	"secure-qr-service/internal/secureqr"
	"secure-qr-service/internal/usecase"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// mockIssuanceRepository はテスト用のモックリポジトリ。
type mockIssuanceRepository struct {
	mu        sync.Mutex
	records   map[string]*domain.IssuanceRecord
	createErr error
	findErr   error
}

func (m *mockIssuanceRepository) Create(ctx context.Context, record *domain.IssuanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *record
	cp.CreatedAt = time.Now()
	m.records[record.UniqueCode] = &cp
	return nil
}

func (m *mockIssuanceRepository) FindByUniqueCode(ctx context.Context, code string) (*domain.IssuanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	r, ok := m.records[code]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockIssuanceRepository) UpdateStatus(ctx context.Context, code string, status domain.RecordStatus, revokedAt *time.Time, from ...domain.RecordStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[code]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if len(from) > 0 && !r.Status.OneOf(from...) {
		return domain.ErrInvalidStatusTransition
	}
	r.Status = status
	if revokedAt != nil {
		r.RevokedAt = revokedAt
	}
	return nil
}

func (m *mockIssuanceRepository) TouchLastVerified(ctx context.Context, code string, at time.Time) error {
	return nil
}

func (m *mockIssuanceRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *mockIssuanceRepository) FindExpiringBetween(ctx context.Context, from, to time.Time) ([]*domain.IssuanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.IssuanceRecord
	for _, r := range m.records {
		if r.Status == domain.RecordStatusActive && r.ExpiresAt.After(from) && !r.ExpiresAt.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockIssuanceRepository) CountByStatus(ctx context.Context) (map[domain.RecordStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.RecordStatus]int64)
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts, nil
}

// mockVerificationRepository はテスト用のモック検証履歴リポジトリ。
type mockVerificationRepository struct {
	mu     sync.Mutex
	events []*domain.VerificationEvent
}

func (m *mockVerificationRepository) Create(ctx context.Context, e *domain.VerificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *mockVerificationRepository) FindByUniqueCode(ctx context.Context, code string, limit int) ([]*domain.VerificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.VerificationEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].UniqueCode == code {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *mockVerificationRepository) CountSince(ctx context.Context, code string, since time.Time, failedOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.events {
		if e.VerifiedAt.Before(since) || (code != "" && e.UniqueCode != code) || (failedOnly && e.IsValid) {
			continue
		}
		n++
	}
	return n, nil
}

type stubRenderer struct{}

func (stubRenderer) Render(text string) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\n" + text[:8]), nil
}

func setupRouter(t *testing.T, repo *mockIssuanceRepository) (http.Handler, *mockVerificationRepository) {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	rootKey := bytes.Repeat([]byte{0x42}, secureqr.RootKeySize)
	keys, err := secureqr.NewKeyStore(testKey, nil, rootKey)
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	gen, err := secureqr.NewCodeGenerator("ST", "CI")
	if err != nil {
		t.Fatalf("NewCodeGenerator: %v", err)
	}
	issuer, err := usecase.NewIssuer(keys, gen, stubRenderer{}, "STAMP-TECH-IVOIRE")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier := usecase.NewVerifier(keys, repo, time.Second, usecase.WithClaimsReveal(keys))
	verifications := &mockVerificationRepository{}
	reg := prometheus.NewRegistry()
	service := usecase.NewQRService(issuer, verifier, repo, verifications, metrics.New(reg))
	return NewRouter(NewQRHandler(service, 365), reg, false), verifications
}

func newRepo() *mockIssuanceRepository {
	return &mockIssuanceRepository{records: make(map[string]*domain.IssuanceRecord)}
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func issue(t *testing.T, h http.Handler) IssueResponse {
	t.Helper()
	rec := doRequest(h, http.MethodPost, "/v1/qrcodes", `{"subject_id":"U1","organization_id":"C1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp IssueResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestIssue_Success(t *testing.T) {
	repo := newRepo()
	h, _ := setupRouter(t, repo)

	resp := issue(t, h)
	if !secureqr.ValidUniqueCode(resp.UniqueCode) {
		t.Errorf("invalid unique code %q", resp.UniqueCode)
	}
	if resp.SubjectID != "U1" || resp.OrganizationID == nil || *resp.OrganizationID != "C1" {
		t.Errorf("unexpected subject/org: %+v", resp)
	}
	if resp.Envelope == "" || len(resp.QRImage) == 0 {
		t.Error("expected envelope and image")
	}
	issued, _ := time.Parse(time.RFC3339, resp.IssuedAt)
	expires, _ := time.Parse(time.RFC3339, resp.ExpiresAt)
	if got := expires.Sub(issued); got != 365*24*time.Hour {
		t.Errorf("want 365 days validity, got %v", got)
	}
	if _, ok := repo.records[resp.UniqueCode]; !ok {
		t.Error("record was not stored")
	}
}

func TestIssue_BadRequest(t *testing.T) {
	h, _ := setupRouter(t, newRepo())

	bodies := map[string]string{
		"missing subject": `{"organization_id":"C1"}`,
		"blank subject":   `{"subject_id":"   "}`,
		"zero validity":   `{"subject_id":"U1","validity_days":0}`,
		"huge validity":   `{"subject_id":"U1","validity_days":100000}`,
		"unknown field":   `{"subject_id":"U1","role":"admin"}`,
		"not json":        `subject_id=U1`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/v1/qrcodes", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("want status 400, got %d", rec.Code)
			}
		})
	}
}

func TestIssue_ClaimsLength(t *testing.T) {
	repo := newRepo()
	h, _ := setupRouter(t, repo)

	tests := []struct {
		name    string
		subject string
		org     string
		want    int
		code    string
	}{
		{"fits", strings.Repeat("s", 128), strings.Repeat("o", 32), http.StatusCreated, ""},
		{"subject too long", strings.Repeat("s", 129), "", http.StatusBadRequest, "INVALID_SUBJECT_ID"},
		{"organization too long", "U1", strings.Repeat("o", 129), http.StatusBadRequest, "INVALID_REQUEST"},
		{"combined too long", strings.Repeat("s", 128), strings.Repeat("o", 64), http.StatusBadRequest, "CLAIMS_TOO_LARGE"},
		{"escaped characters overflow", strings.Repeat("<", 128), strings.Repeat("&", 32), http.StatusBadRequest, "CLAIMS_TOO_LARGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(IssueRequest{SubjectID: tt.subject, OrganizationID: &tt.org})
			rec := doRequest(h, http.MethodPost, "/v1/qrcodes", string(body))
			if rec.Code != tt.want {
				t.Fatalf("want status %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.code == "" {
				return
			}
			var resp struct {
				Code string `json:"code"`
			}
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Code != tt.code {
				t.Errorf("want error code %s, got %s", tt.code, resp.Code)
			}
		})
	}
	if len(repo.records) != 1 {
		t.Errorf("want only the fitting request stored, got %d records", len(repo.records))
	}
}

func TestIssue_StoreFailure(t *testing.T) {
	repo := newRepo()
	repo.createErr = context.DeadlineExceeded
	h, _ := setupRouter(t, repo)

	rec := doRequest(h, http.MethodPost, "/v1/qrcodes", `{"subject_id":"U1"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("want status 500, got %d", rec.Code)
	}
}

func TestVerify_ValidThenRevoked(t *testing.T) {
	h, verifications := setupRouter(t, newRepo())
	issued := issue(t, h)

	body, _ := json.Marshal(VerifyRequest{Envelope: issued.Envelope})
	rec := doRequest(h, http.MethodPost, "/v1/qrcodes/verify", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp VerifyResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.IsValid || resp.Claims == nil || resp.Claims.SubjectID != "U1" {
		t.Fatalf("unexpected verify response: %+v", resp)
	}
	if resp.Claims.OrganizationID == nil || *resp.Claims.OrganizationID != "C1" {
		t.Errorf("unexpected organization: %v", resp.Claims.OrganizationID)
	}

	rec = doRequest(h, http.MethodPost, "/v1/qrcodes/"+issued.UniqueCode+"/revoke", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("want status 202, got %d", rec.Code)
	}

	rec = doRequest(h, http.MethodPost, "/v1/qrcodes/verify", string(body))
	resp = VerifyResponse{}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.IsValid || resp.FailureReason != "REVOKED" || resp.Claims != nil {
		t.Errorf("unexpected verify response after revoke: %+v", resp)
	}

	if len(verifications.events) != 2 {
		t.Errorf("want 2 verification events, got %d", len(verifications.events))
	}

	rec = doRequest(h, http.MethodGet, "/v1/qrcodes/"+issued.UniqueCode+"/verifications", "")
	var history VerificationListResponse
	json.NewDecoder(rec.Body).Decode(&history)
	if len(history.Verifications) != 2 || history.Verifications[0].FailureReason != "REVOKED" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestVerify_Malformed(t *testing.T) {
	h, _ := setupRouter(t, newRepo())

	rec := doRequest(h, http.MethodPost, "/v1/qrcodes/verify", `{"envelope":"not-base64!!"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["is_valid"] != false || resp["failure_reason"] != "MALFORMED" {
		t.Errorf("unexpected response: %v", resp)
	}
	if _, ok := resp["claims"]; ok {
		t.Error("claims must be absent on failure")
	}
}

func TestGetRecord(t *testing.T) {
	h, _ := setupRouter(t, newRepo())
	issued := issue(t, h)

	rec := doRequest(h, http.MethodGet, "/v1/qrcodes/"+issued.UniqueCode, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	raw := rec.Body.String()
	for _, secret := range []string{"integrity_hash", "salt", "ciphertext", "signature"} {
		if strings.Contains(raw, secret) {
			t.Errorf("record response must not contain %s", secret)
		}
	}
	var resp RecordResponse
	json.Unmarshal([]byte(raw), &resp)
	if resp.Status != "ACTIVE" || resp.UniqueCode != issued.UniqueCode {
		t.Errorf("unexpected record: %+v", resp)
	}
}

func TestGetRecord_NotFoundAndInvalid(t *testing.T) {
	h, _ := setupRouter(t, newRepo())

	if rec := doRequest(h, http.MethodGet, "/v1/qrcodes/ST-CI-2026-FFFFFFFF", ""); rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
	if rec := doRequest(h, http.MethodGet, "/v1/qrcodes/bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestGetImage(t *testing.T) {
	h, _ := setupRouter(t, newRepo())
	issued := issue(t, h)

	rec := doRequest(h, http.MethodGet, "/v1/qrcodes/"+issued.UniqueCode+"/image", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("want image/png, got %s", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), issued.QRImage) {
		t.Error("image does not match issued image")
	}
}

func TestStatusTransitions(t *testing.T) {
	h, _ := setupRouter(t, newRepo())
	issued := issue(t, h)
	base := "/v1/qrcodes/" + issued.UniqueCode

	steps := []struct {
		path string
		want int
	}{
		{base + "/reactivate", http.StatusConflict},
		{base + "/suspend", http.StatusAccepted},
		{base + "/suspend", http.StatusConflict},
		{base + "/reactivate", http.StatusAccepted},
		{base + "/revoke", http.StatusAccepted},
		{base + "/reactivate", http.StatusConflict},
		{"/v1/qrcodes/ST-CI-2026-FFFFFFFF/revoke", http.StatusNotFound},
	}
	for _, s := range steps {
		if rec := doRequest(h, http.MethodPost, s.path, ""); rec.Code != s.want {
			t.Errorf("%s: want status %d, got %d", s.path, s.want, rec.Code)
		}
	}
}

func TestListExpiring(t *testing.T) {
	h, _ := setupRouter(t, newRepo())
	doRequest(h, http.MethodPost, "/v1/qrcodes", `{"subject_id":"U1","validity_days":3}`)
	doRequest(h, http.MethodPost, "/v1/qrcodes", `{"subject_id":"U2","validity_days":30}`)

	rec := doRequest(h, http.MethodGet, "/v1/qrcodes/expiring?days=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp RecordListResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Records) != 1 || resp.Records[0].SubjectID != "U1" {
		t.Errorf("unexpected records: %+v", resp.Records)
	}

	if rec := doRequest(h, http.MethodGet, "/v1/qrcodes/expiring?days=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestStatistics(t *testing.T) {
	h, _ := setupRouter(t, newRepo())
	first := issue(t, h)
	second := issue(t, h)
	issue(t, h)

	doRequest(h, http.MethodPost, "/v1/qrcodes/"+first.UniqueCode+"/revoke", "")
	doRequest(h, http.MethodPost, "/v1/qrcodes/"+second.UniqueCode+"/suspend", "")
	body, _ := json.Marshal(VerifyRequest{Envelope: first.Envelope})
	doRequest(h, http.MethodPost, "/v1/qrcodes/verify", string(body))

	rec := doRequest(h, http.MethodGet, "/v1/qrcodes/statistics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp StatisticsResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	want := StatisticsResponse{Total: 3, Active: 1, Suspended: 1, Revoked: 1, VerificationsToday: 1}
	if resp != want {
		t.Errorf("want %+v, got %+v", want, resp)
	}
}

func TestCompromise(t *testing.T) {
	h, _ := setupRouter(t, newRepo())
	issued := issue(t, h)
	base := "/v1/qrcodes/" + issued.UniqueCode

	doRequest(h, http.MethodPost, base+"/revoke", "")
	body, _ := json.Marshal(VerifyRequest{Envelope: issued.Envelope})
	for i := 0; i < usecase.DefaultCompromiseThreshold+1; i++ {
		doRequest(h, http.MethodPost, "/v1/qrcodes/verify", string(body))
	}

	tests := []struct {
		query           string
		wantCompromised bool
		wantWindow      int64
		wantThreshold   int
	}{
		{"", true, 3600, usecase.DefaultCompromiseThreshold},
		{"?threshold=10", false, 3600, 10},
		{"?window=15m&threshold=6", false, 900, 6},
	}
	for _, tt := range tests {
		rec := doRequest(h, http.MethodGet, base+"/compromise"+tt.query, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%q: want status 200, got %d: %s", tt.query, rec.Code, rec.Body.String())
		}
		var resp CompromiseResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.UniqueCode != issued.UniqueCode || resp.FailedAttempts != int64(usecase.DefaultCompromiseThreshold+1) {
			t.Errorf("%q: unexpected response: %+v", tt.query, resp)
		}
		if resp.Compromised != tt.wantCompromised || resp.WindowSeconds != tt.wantWindow || resp.Threshold != tt.wantThreshold {
			t.Errorf("%q: unexpected verdict: %+v", tt.query, resp)
		}
	}
}

func TestCompromise_BadRequest(t *testing.T) {
	h, _ := setupRouter(t, newRepo())
	issued := issue(t, h)
	base := "/v1/qrcodes/" + issued.UniqueCode + "/compromise"

	steps := []struct {
		path string
		want int
	}{
		{base + "?window=abc", http.StatusBadRequest},
		{base + "?window=10s", http.StatusBadRequest},
		{base + "?window=1000h", http.StatusBadRequest},
		{base + "?threshold=0", http.StatusBadRequest},
		{base + "?threshold=x", http.StatusBadRequest},
		{"/v1/qrcodes/bogus/compromise", http.StatusBadRequest},
		{"/v1/qrcodes/ST-CI-2026-FFFFFFFF/compromise", http.StatusNotFound},
	}
	for _, s := range steps {
		if rec := doRequest(h, http.MethodGet, s.path, ""); rec.Code != s.want {
			t.Errorf("%s: want status %d, got %d", s.path, s.want, rec.Code)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := setupRouter(t, newRepo())
	issue(t, h)

	if rec := doRequest(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}
	rec := doRequest(h, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), `secureqr_issuance_total{result="success"} 1`) {
		t.Errorf("issuance metric missing:\n%s", rec.Body.String())
	}
}
