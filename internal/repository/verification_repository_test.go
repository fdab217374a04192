package repository

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"secure-qr-service/internal/domain"
)

func TestVerificationRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewVerificationRepository(setupTestDB(t))
	code := "ST-CI-2026-0A1B2C3D"

	events := []*domain.VerificationEvent{
		{UniqueCode: code, IsValid: true, IPAddress: "192.0.2.1", UserAgent: "scanner/1.0", VerifiedAt: baseTime},
		{UniqueCode: code, IsValid: false, FailureReason: domain.FailureRevoked, IPAddress: "192.0.2.2", VerifiedAt: baseTime.Add(time.Hour)},
		{UniqueCode: "ST-CI-2026-FFFFFFFF", IsValid: true, VerifiedAt: baseTime},
	}
	for _, e := range events {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if e.ID == "" {
			t.Error("expected ID to be generated")
		}
	}

	got, err := repo.FindByUniqueCode(ctx, code, 10)
	if err != nil {
		t.Fatalf("FindByUniqueCode failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	// 新しい順
	if got[0].FailureReason != domain.FailureRevoked || got[0].IsValid {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if !got[1].IsValid || got[1].UserAgent != "scanner/1.0" || !got[1].VerifiedAt.Equal(baseTime) {
		t.Errorf("unexpected second event: %+v", got[1])
	}

	limited, err := repo.FindByUniqueCode(ctx, code, 1)
	if err != nil {
		t.Fatalf("FindByUniqueCode failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 event with limit, got %d", len(limited))
	}
}

func TestVerificationRepository_TruncatesLongFields(t *testing.T) {
	ctx := context.Background()
	repo := NewVerificationRepository(setupTestDB(t))

	event := &domain.VerificationEvent{
		UniqueCode: "ST-CI-2026-0A1B2C3D",
		UserAgent:  strings.Repeat("a", 600),
		VerifiedAt: baseTime,
	}
	if err := repo.Create(ctx, event); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, _ := repo.FindByUniqueCode(ctx, event.UniqueCode, 1)
	if len(got) != 1 || len(got[0].UserAgent) != 512 {
		t.Errorf("expected user agent truncated to 512, got %d", len(got[0].UserAgent))
	}
}

func TestTruncate_KeepsRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"ascii", "abcdef", 3, "abc"},
		{"cut inside rune", "ab日本", 4, "ab"},
		{"on rune boundary", "ab日本", 5, "ab日"},
		{"four byte rune", "😀😀", 5, "😀"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
			}
		})
	}
}

func TestVerificationRepository_TruncatesMultiByteUserAgent(t *testing.T) {
	ctx := context.Background()
	repo := NewVerificationRepository(setupTestDB(t))

	event := &domain.VerificationEvent{
		UniqueCode: "ST-CI-2026-0A1B2C3D",
		UserAgent:  "a" + strings.Repeat("日", 200),
		VerifiedAt: baseTime,
	}
	if err := repo.Create(ctx, event); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, _ := repo.FindByUniqueCode(ctx, event.UniqueCode, 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ua := got[0].UserAgent
	if len(ua) > 512 || !utf8.ValidString(ua) {
		t.Errorf("expected valid UTF-8 within 512 bytes, got %d bytes valid=%v", len(ua), utf8.ValidString(ua))
	}
	if ua != "a"+strings.Repeat("日", 170) {
		t.Errorf("unexpected truncation: %d bytes", len(ua))
	}
}

func TestVerificationRepository_CountSince(t *testing.T) {
	ctx := context.Background()
	repo := NewVerificationRepository(setupTestDB(t))
	code := "ST-CI-2026-0A1B2C3D"
	other := "ST-CI-2026-FFFFFFFF"

	events := []*domain.VerificationEvent{
		{UniqueCode: code, FailureReason: domain.FailureRevoked, VerifiedAt: baseTime.Add(-2 * time.Hour)},
		{UniqueCode: code, FailureReason: domain.FailureRevoked, VerifiedAt: baseTime.Add(-30 * time.Minute)},
		{UniqueCode: code, FailureReason: domain.FailureBadSignature, VerifiedAt: baseTime.Add(-10 * time.Minute)},
		{UniqueCode: code, IsValid: true, VerifiedAt: baseTime.Add(-5 * time.Minute)},
		{UniqueCode: other, FailureReason: domain.FailureRevoked, VerifiedAt: baseTime.Add(-time.Minute)},
		{UniqueCode: other, IsValid: true, VerifiedAt: baseTime},
	}
	for _, e := range events {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	since := baseTime.Add(-time.Hour)
	tests := []struct {
		name       string
		code       string
		failedOnly bool
		want       int64
	}{
		{"all codes", "", false, 5},
		{"all failures", "", true, 3},
		{"one code", code, false, 3},
		{"one code failures", code, true, 2},
		{"unknown code", "ST-CI-2026-00000000", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.CountSince(ctx, tt.code, since, tt.failedOnly)
			if err != nil {
				t.Fatalf("CountSince failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
