// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"secure-qr-service/internal/domain"
)

// IssuanceRecordModel はgorm用のモデル定義。
type IssuanceRecordModel struct {
	ID             string     `gorm:"type:char(36);primaryKey"`
	UniqueCode     string     `gorm:"type:varchar(32);not null;uniqueIndex:uk_unique_code"`
	SubjectID      string     `gorm:"type:varchar(128);not null;index:idx_subject_id"`
	OrganizationID *string    `gorm:"type:varchar(128)"`
	Ciphertext     string     `gorm:"type:text;not null"`
	Signature      string     `gorm:"type:text;not null"`
	IntegrityHash  string     `gorm:"type:char(64);not null"`
	Salt           string     `gorm:"type:char(64);not null"`
	SchemaVersion  string     `gorm:"type:varchar(8);not null"`
	Algorithm      string     `gorm:"type:varchar(16);not null"`
	EnvelopeString string     `gorm:"type:text;not null"`
	QRImage        []byte     `gorm:"column:qr_image;type:mediumblob"`
	Status         string     `gorm:"type:varchar(16);not null;default:'ACTIVE';index:idx_status_expires"`
	ExpiresAt      time.Time  `gorm:"not null;index:idx_status_expires"`
	RevokedAt      *time.Time `gorm:"column:revoked_at"`
	LastVerifiedAt *time.Time `gorm:"column:last_verified_at"`
	CreatedAt      time.Time  `gorm:"not null;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (IssuanceRecordModel) TableName() string {
	return "issuance_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *IssuanceRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *IssuanceRecordModel) toDomain() *domain.IssuanceRecord {
	return &domain.IssuanceRecord{
		ID:             m.ID,
		UniqueCode:     m.UniqueCode,
		SubjectID:      m.SubjectID,
		OrganizationID: m.OrganizationID,
		Ciphertext:     m.Ciphertext,
		Signature:      m.Signature,
		IntegrityHash:  m.IntegrityHash,
		Salt:           m.Salt,
		SchemaVersion:  m.SchemaVersion,
		Algorithm:      m.Algorithm,
		EnvelopeString: m.EnvelopeString,
		QRImage:        m.QRImage,
		Status:         domain.RecordStatus(m.Status),
		ExpiresAt:      m.ExpiresAt.UTC(),
		RevokedAt:      utcPtr(m.RevokedAt),
		LastVerifiedAt: utcPtr(m.LastVerifiedAt),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// isDuplicateKey は一意制約違反かどうかを判定する。
// TranslateErrorを有効にしていない接続でもドライバのメッセージで判定する。
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

// IssuanceRepository は発行記録のデータアクセスを提供する。
type IssuanceRepository struct {
	db *gorm.DB
}

// NewIssuanceRepository は新しいIssuanceRepositoryを生成する。
func NewIssuanceRepository(db *gorm.DB) *IssuanceRepository {
	return &IssuanceRepository{db: db}
}

// Create は発行記録を保存する。一意コードが重複した場合はErrDuplicateCodeを返す。
func (r *IssuanceRepository) Create(ctx context.Context, record *domain.IssuanceRecord) error {
	status := record.Status
	if status == "" {
		status = domain.RecordStatusActive
	}
	model := &IssuanceRecordModel{
		ID:             record.ID,
		UniqueCode:     record.UniqueCode,
		SubjectID:      record.SubjectID,
		OrganizationID: record.OrganizationID,
		Ciphertext:     record.Ciphertext,
		Signature:      record.Signature,
		IntegrityHash:  record.IntegrityHash,
		Salt:           record.Salt,
		SchemaVersion:  record.SchemaVersion,
		Algorithm:      record.Algorithm,
		EnvelopeString: record.EnvelopeString,
		QRImage:        record.QRImage,
		Status:         string(status),
		ExpiresAt:      record.ExpiresAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateCode, record.UniqueCode)
		}
		slog.ErrorContext(ctx, "failed to create issuance record",
			"operation", "create",
			"unique_code", record.UniqueCode,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	record.ID = model.ID
	record.Status = status
	record.CreatedAt = model.CreatedAt
	record.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByUniqueCode は一意コードで発行記録を取得する。存在しない場合は nil, nil を返す。
func (r *IssuanceRepository) FindByUniqueCode(ctx context.Context, uniqueCode string) (*domain.IssuanceRecord, error) {
	var model IssuanceRecordModel
	err := r.db.WithContext(ctx).
		Where("unique_code = ?", uniqueCode).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find issuance record",
			"operation", "find_by_unique_code",
			"unique_code", uniqueCode,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// UpdateStatus はステータスを更新する。revokedAtがnilの場合はrevoked_atを変更しない。
// fromを指定した場合は現在のステータスがfromのいずれかである行だけを更新する。
// 該当行がなければ、記録の有無に応じてErrRecordNotFoundかErrInvalidStatusTransitionを返す。
func (r *IssuanceRepository) UpdateStatus(ctx context.Context, uniqueCode string, status domain.RecordStatus, revokedAt *time.Time, from ...domain.RecordStatus) error {
	updates := map[string]any{"status": string(status)}
	if revokedAt != nil {
		updates["revoked_at"] = revokedAt.UTC()
	}
	query := r.db.WithContext(ctx).
		Model(&IssuanceRecordModel{}).
		Where("unique_code = ?", uniqueCode)
	if len(from) > 0 {
		allowed := make([]string, len(from))
		for i, st := range from {
			allowed[i] = string(st)
		}
		query = query.Where("status IN ?", allowed)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update status",
			"operation", "update_status",
			"unique_code", uniqueCode,
			"status", status,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	current, err := r.FindByUniqueCode(ctx, uniqueCode)
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrRecordNotFound
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatusTransition, current.Status, status)
}

// TouchLastVerified は最終検証日時を更新する。
func (r *IssuanceRepository) TouchLastVerified(ctx context.Context, uniqueCode string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&IssuanceRecordModel{}).
		Where("unique_code = ?", uniqueCode).
		Update("last_verified_at", at.UTC()).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update last_verified_at",
			"operation", "touch_last_verified",
			"unique_code", uniqueCode,
			"error", err,
		)
		return err
	}
	return nil
}

// MarkExpired は期限を過ぎたACTIVEの記録をEXPIREDにし、更新件数を返す。
func (r *IssuanceRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&IssuanceRecordModel{}).
		Where("status = ? AND expires_at <= ?", string(domain.RecordStatusActive), now.UTC()).
		Update("status", string(domain.RecordStatusExpired))
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to mark expired records",
			"operation", "mark_expired",
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// FindExpiringBetween は from < expires_at <= to のACTIVEな記録を期限の早い順に返す。
func (r *IssuanceRepository) FindExpiringBetween(ctx context.Context, from, to time.Time) ([]*domain.IssuanceRecord, error) {
	var models []IssuanceRecordModel
	err := r.db.WithContext(ctx).
		Omit("qr_image").
		Where("status = ? AND expires_at > ? AND expires_at <= ?", string(domain.RecordStatusActive), from.UTC(), to.UTC()).
		Order("expires_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find expiring records",
			"operation", "find_expiring_between",
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.IssuanceRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}
	return records, nil
}

// CountByStatus はステータスごとの件数を返す。
func (r *IssuanceRepository) CountByStatus(ctx context.Context) (map[domain.RecordStatus]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&IssuanceRecordModel{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count records by status",
			"operation", "count_by_status",
			"error", err,
		)
		return nil, err
	}

	counts := make(map[domain.RecordStatus]int64, len(rows))
	for _, row := range rows {
		counts[domain.RecordStatus(row.Status)] = row.Count
	}
	return counts, nil
}
