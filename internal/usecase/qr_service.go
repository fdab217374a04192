// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secure-qr-service/internal/domain"
	"secure-qr-service/internal/metrics"
)

const (
	maxIssueAttempts      = 3
	defaultHistoryLimit   = 50
	DefaultExpiringWindow = 7 * 24 * time.Hour

	// 直近DefaultCompromiseWindowの検証失敗がDefaultCompromiseThresholdを超えたら侵害の疑いとする
	DefaultCompromiseWindow    = time.Hour
	DefaultCompromiseThreshold = 5
)

// IssuanceRepository は発行記録のデータアクセスのインターフェース。
type IssuanceRepository interface {
	RecordLookup
	Create(ctx context.Context, record *domain.IssuanceRecord) error
	UpdateStatus(ctx context.Context, uniqueCode string, status domain.RecordStatus, revokedAt *time.Time, from ...domain.RecordStatus) error
	TouchLastVerified(ctx context.Context, uniqueCode string, at time.Time) error
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	FindExpiringBetween(ctx context.Context, from, to time.Time) ([]*domain.IssuanceRecord, error)
	CountByStatus(ctx context.Context) (map[domain.RecordStatus]int64, error)
}

// VerificationRepository は検証履歴のデータアクセスのインターフェース。
type VerificationRepository interface {
	Create(ctx context.Context, event *domain.VerificationEvent) error
	FindByUniqueCode(ctx context.Context, uniqueCode string, limit int) ([]*domain.VerificationEvent, error)
	CountSince(ctx context.Context, uniqueCode string, since time.Time, failedOnly bool) (int64, error)
}

// ClientInfo は検証要求元の情報を表す。
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// QRService は発行・検証と発行記録のライフサイクルを扱う。
type QRService struct {
	issuer        *Issuer
	verifier      *Verifier
	records       IssuanceRepository
	verifications VerificationRepository
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewQRService は新しいQRServiceを生成する。
func NewQRService(issuer *Issuer, verifier *Verifier, records IssuanceRepository, verifications VerificationRepository, m *metrics.Metrics) *QRService {
	return &QRService{
		issuer:        issuer,
		verifier:      verifier,
		records:       records,
		verifications: verifications,
		metrics:       m,
		now:           time.Now,
	}
}

// Issue はQRコードを発行し、発行記録を保存する。
// 一意コードが衝突した場合は新しいコードで再発行する。
func (s *QRService) Issue(ctx context.Context, req IssueRequest) (result *domain.IssuanceResult, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveIssuance(start, err) }()

	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		result, err = s.issuer.Issue(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("issuing QR code: %w", err)
		}

		err = s.records.Create(ctx, recordFromResult(result))
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, domain.ErrDuplicateCode) {
			return nil, fmt.Errorf("creating issuance record: %w", err)
		}
		slog.WarnContext(ctx, "unique code collision, retrying",
			"operation", "issue",
			"unique_code", result.UniqueCode,
			"attempt", attempt,
		)
	}
	return nil, fmt.Errorf("creating issuance record: %w", err)
}

func recordFromResult(r *domain.IssuanceResult) *domain.IssuanceRecord {
	return &domain.IssuanceRecord{
		UniqueCode:     r.UniqueCode,
		SubjectID:      r.SubjectID,
		OrganizationID: r.OrganizationID,
		Ciphertext:     r.CiphertextB64,
		Signature:      r.SignatureB64,
		IntegrityHash:  r.IntegrityHashHex,
		Salt:           r.SaltHex,
		SchemaVersion:  domain.SchemaVersionV1,
		Algorithm:      domain.AlgorithmAES256GCM,
		EnvelopeString: r.EnvelopeString,
		QRImage:        r.QRImage,
		Status:         domain.RecordStatusActive,
		ExpiresAt:      r.ExpiresAt,
	}
}

// Verify はエンベロープを検証し、検証履歴を残す。
// 検証成功時のみ最終検証日時を更新する。
func (s *QRService) Verify(ctx context.Context, envelope string, client ClientInfo) domain.VerificationResult {
	start := time.Now()
	result := s.verifier.Verify(ctx, envelope)
	s.metrics.ObserveVerification(start, result)

	now := s.now().UTC()
	if result.UniqueCode != "" {
		event := &domain.VerificationEvent{
			UniqueCode:    result.UniqueCode,
			IsValid:       result.IsValid,
			FailureReason: result.FailureReason,
			IPAddress:     client.IPAddress,
			UserAgent:     client.UserAgent,
			VerifiedAt:    now,
		}
		if err := s.verifications.Create(ctx, event); err != nil {
			slog.ErrorContext(ctx, "failed to record verification event",
				"operation", "verify",
				"unique_code", result.UniqueCode,
				"error", err,
			)
		}
	}

	if result.IsValid {
		if err := s.records.TouchLastVerified(ctx, result.UniqueCode, now); err != nil {
			slog.ErrorContext(ctx, "failed to update last_verified_at",
				"operation", "verify",
				"unique_code", result.UniqueCode,
				"error", err,
			)
		}
	}
	return result
}

// GetRecord は一意コードに対応する発行記録を取得する。
func (s *QRService) GetRecord(ctx context.Context, uniqueCode string) (*domain.IssuanceRecord, error) {
	record, err := s.records.FindByUniqueCode(ctx, uniqueCode)
	if err != nil {
		return nil, fmt.Errorf("finding record: %w", err)
	}
	if record == nil {
		return nil, domain.ErrRecordNotFound
	}
	return record, nil
}

// Revoke は発行記録を失効させる。失効・期限切れ済みの記録は対象外。
func (s *QRService) Revoke(ctx context.Context, uniqueCode string) error {
	return s.transition(ctx, uniqueCode, domain.RecordStatusRevoked,
		domain.RecordStatusActive, domain.RecordStatusSuspended)
}

// Suspend は有効な発行記録を一時停止する。
func (s *QRService) Suspend(ctx context.Context, uniqueCode string) error {
	return s.transition(ctx, uniqueCode, domain.RecordStatusSuspended, domain.RecordStatusActive)
}

// Reactivate は一時停止中の発行記録を有効に戻す。
func (s *QRService) Reactivate(ctx context.Context, uniqueCode string) error {
	return s.transition(ctx, uniqueCode, domain.RecordStatusActive, domain.RecordStatusSuspended)
}

// transition は現在のステータスがfromのいずれかである場合に限りtoへ更新する。
// 判定と更新は同じ条件付きUPDATEで行う。
func (s *QRService) transition(ctx context.Context, uniqueCode string, to domain.RecordStatus, from ...domain.RecordStatus) error {
	var revokedAt *time.Time
	if to == domain.RecordStatusRevoked {
		now := s.now().UTC()
		revokedAt = &now
	}
	if err := s.records.UpdateStatus(ctx, uniqueCode, to, revokedAt, from...); err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) || errors.Is(err, domain.ErrInvalidStatusTransition) {
			return err
		}
		return fmt.Errorf("updating status: %w", err)
	}
	s.metrics.IncrementStatusChange(to)
	return nil
}

// MarkExpired は期限を過ぎた有効な発行記録をEXPIREDにする。
func (s *QRService) MarkExpired(ctx context.Context) (int64, error) {
	n, err := s.records.MarkExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("marking expired records: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "marked expired QR codes", "operation", "mark_expired", "count", n)
	}
	return n, nil
}

// ListExpiringSoon はwindow以内に期限を迎える有効な発行記録を返す。
func (s *QRService) ListExpiringSoon(ctx context.Context, window time.Duration) ([]*domain.IssuanceRecord, error) {
	if window <= 0 {
		window = DefaultExpiringWindow
	}
	now := s.now().UTC()
	records, err := s.records.FindExpiringBetween(ctx, now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("finding expiring records: %w", err)
	}
	return records, nil
}

// VerificationHistory は一意コードの検証履歴を新しい順に返す。
func (s *QRService) VerificationHistory(ctx context.Context, uniqueCode string, limit int) ([]*domain.VerificationEvent, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	events, err := s.verifications.FindByUniqueCode(ctx, uniqueCode, limit)
	if err != nil {
		return nil, fmt.Errorf("finding verification history: %w", err)
	}
	return events, nil
}

// Statistics はステータス別の発行件数と当日（UTC）の検証件数を返す。
func (s *QRService) Statistics(ctx context.Context) (*domain.Statistics, error) {
	counts, err := s.records.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := s.verifications.CountSince(ctx, "", midnight, false)
	if err != nil {
		return nil, fmt.Errorf("counting verifications: %w", err)
	}

	stats := &domain.Statistics{
		Active:             counts[domain.RecordStatusActive],
		Suspended:          counts[domain.RecordStatusSuspended],
		Revoked:            counts[domain.RecordStatusRevoked],
		Expired:            counts[domain.RecordStatusExpired],
		VerificationsToday: today,
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// IsCompromised は直近windowの検証失敗がthresholdを超えたかどうかと、その失敗件数を返す。
// windowとthresholdが0以下の場合は既定値を使う。
func (s *QRService) IsCompromised(ctx context.Context, uniqueCode string, window time.Duration, threshold int) (bool, int64, error) {
	if window <= 0 {
		window = DefaultCompromiseWindow
	}
	if threshold <= 0 {
		threshold = DefaultCompromiseThreshold
	}
	if _, err := s.GetRecord(ctx, uniqueCode); err != nil {
		return false, 0, err
	}

	failures, err := s.verifications.CountSince(ctx, uniqueCode, s.now().UTC().Add(-window), true)
	if err != nil {
		return false, 0, fmt.Errorf("counting failed verifications: %w", err)
	}
	compromised := failures > int64(threshold)
	if compromised {
		slog.WarnContext(ctx, "QR code may be compromised",
			"operation", "check_compromise",
			"unique_code", uniqueCode,
			"failed_attempts", failures,
			"window", window.String(),
		)
	}
	return compromised, failures, nil
}
