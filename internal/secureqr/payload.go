package secureqr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"secure-qr-service/internal/domain"
)

// クレームの長さ制限（バイト数）
const (
	MaxSubjectIDLength      = 128
	MaxOrganizationIDLength = 128
	// MaxClaimsLength は対象者IDと組織IDの合計。署名・暗号化後もQRコードに収まる範囲。
	MaxClaimsLength = 160
)

// BuildPayload は1回の発行分のクレームを組み立てる。時刻は秒単位に切り捨てる。
func BuildPayload(uniqueCode, subjectID string, organizationID *string, issuedAt, expiresAt time.Time) (*domain.Payload, error) {
	if !ValidUniqueCode(uniqueCode) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidUniqueCode, uniqueCode)
	}
	if strings.TrimSpace(subjectID) == "" || len(subjectID) > MaxSubjectIDLength {
		return nil, domain.ErrInvalidSubjectID
	}
	issued := issuedAt.Unix()
	expires := expiresAt.Unix()
	if expires <= issued {
		return nil, fmt.Errorf("%w: expires_at must be after issued_at", domain.ErrInvalidValidity)
	}

	var org *string
	if organizationID != nil && *organizationID != "" {
		o := *organizationID
		if len(o) > MaxOrganizationIDLength {
			return nil, domain.ErrInvalidOrganizationID
		}
		org = &o
	}
	if n := len(subjectID) + orgLen(org); n > MaxClaimsLength {
		return nil, fmt.Errorf("%w: subject and organization IDs total %d bytes (max %d)", domain.ErrClaimsTooLarge, n, MaxClaimsLength)
	}

	return &domain.Payload{
		ExpiresAt:      expires,
		IssuedAt:       issued,
		OrganizationID: org,
		SchemaVersion:  domain.SchemaVersionV1,
		SubjectID:      subjectID,
		UniqueCode:     uniqueCode,
	}, nil
}

func orgLen(org *string) int {
	if org == nil {
		return 0
	}
	return len(*org)
}

// CanonicalBytes はペイロードの正規化表現を返す。
// Payloadの宣言順がキーの辞書順と一致しているため、出力は常に同じバイト列になる。
func CanonicalBytes(p *domain.Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing payload: %w", err)
	}
	return b, nil
}
