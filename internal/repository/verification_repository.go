package repository

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"secure-qr-service/internal/domain"
)

// VerificationModel はqr_verificationsテーブルのモデル。
type VerificationModel struct {
	ID            string    `gorm:"type:char(36);primaryKey"`
	UniqueCode    string    `gorm:"type:varchar(32);not null;index:idx_code_verified_at"`
	IsValid       bool      `gorm:"not null"`
	FailureReason string    `gorm:"type:varchar(32)"`
	IPAddress     string    `gorm:"column:ip_address;type:varchar(45)"`
	UserAgent     string    `gorm:"type:varchar(512)"`
	VerifiedAt    time.Time `gorm:"not null;index:idx_code_verified_at"`
}

// TableName はテーブル名を返す。
func (VerificationModel) TableName() string {
	return "qr_verifications"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *VerificationModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// VerificationRepository は検証履歴のデータアクセスを提供する。
type VerificationRepository struct {
	db *gorm.DB
}

// NewVerificationRepository は新しいVerificationRepositoryを生成する。
func NewVerificationRepository(db *gorm.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// Create は検証履歴を1件保存する。
func (r *VerificationRepository) Create(ctx context.Context, event *domain.VerificationEvent) error {
	model := &VerificationModel{
		ID:            event.ID,
		UniqueCode:    event.UniqueCode,
		IsValid:       event.IsValid,
		FailureReason: string(event.FailureReason),
		IPAddress:     truncate(event.IPAddress, 45),
		UserAgent:     truncate(event.UserAgent, 512),
		VerifiedAt:    event.VerifiedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create verification event",
			"operation", "create_verification",
			"unique_code", event.UniqueCode,
			"error", err,
		)
		return err
	}
	event.ID = model.ID
	return nil
}

// FindByUniqueCode は一意コードの検証履歴を新しい順に最大limit件返す。
func (r *VerificationRepository) FindByUniqueCode(ctx context.Context, uniqueCode string, limit int) ([]*domain.VerificationEvent, error) {
	var models []VerificationModel
	err := r.db.WithContext(ctx).
		Where("unique_code = ?", uniqueCode).
		Order("verified_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find verification events",
			"operation", "find_verifications_by_unique_code",
			"unique_code", uniqueCode,
			"error", err,
		)
		return nil, err
	}

	events := make([]*domain.VerificationEvent, len(models))
	for i, m := range models {
		events[i] = &domain.VerificationEvent{
			ID:            m.ID,
			UniqueCode:    m.UniqueCode,
			IsValid:       m.IsValid,
			FailureReason: domain.FailureReason(m.FailureReason),
			IPAddress:     m.IPAddress,
			UserAgent:     m.UserAgent,
			VerifiedAt:    m.VerifiedAt.UTC(),
		}
	}
	return events, nil
}

// CountSince はsince以降の検証件数を返す。uniqueCodeが空なら全コードを対象にする。
// failedOnlyがtrueの場合は検証に失敗したものだけを数える。
func (r *VerificationRepository) CountSince(ctx context.Context, uniqueCode string, since time.Time, failedOnly bool) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&VerificationModel{}).
		Where("verified_at >= ?", since.UTC())
	if uniqueCode != "" {
		query = query.Where("unique_code = ?", uniqueCode)
	}
	if failedOnly {
		query = query.Where("is_valid = ?", false)
	}

	var n int64
	if err := query.Count(&n).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count verification events",
			"operation", "count_verifications",
			"unique_code", uniqueCode,
			"error", err,
		)
		return 0, err
	}
	return n, nil
}

// truncate はsをnバイト以内に切り詰める。マルチバイト文字の途中では切らない。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// AutoMigrate は開発用（SQLite）にテーブルを作成する。本番はmigrations/のSQLを使う。
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}, &IssuanceRecordModel{}, &VerificationModel{})
}
