package domain

import "time"

// RecordStatus は発行記録のステータスを表す。
type RecordStatus string

const (
	RecordStatusActive    RecordStatus = "ACTIVE"
	RecordStatusSuspended RecordStatus = "SUSPENDED"
	RecordStatusRevoked   RecordStatus = "REVOKED"
	RecordStatusExpired   RecordStatus = "EXPIRED"
)

// OneOf はステータスがstatusesのいずれかであるかを返す。
func (s RecordStatus) OneOf(statuses ...RecordStatus) bool {
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

// IssuanceRecord は一意コードをキーとする発行記録。検証時の正とする。
type IssuanceRecord struct {
	ID             string
	UniqueCode     string
	SubjectID      string
	OrganizationID *string
	Ciphertext     string
	Signature      string
	IntegrityHash  string // 16進表記
	Salt           string // 16進表記
	SchemaVersion  string
	Algorithm      string
	EnvelopeString string
	QRImage        []byte
	Status         RecordStatus
	ExpiresAt      time.Time
	RevokedAt      *time.Time
	LastVerifiedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsValidAt は指定時刻において記録が有効かどうかを返す。
func (r *IssuanceRecord) IsValidAt(now time.Time) bool {
	return r.Status == RecordStatusActive && now.Before(r.ExpiresAt)
}

// VerificationEvent は検証履歴の1件を表す。
type VerificationEvent struct {
	ID            string
	UniqueCode    string
	IsValid       bool
	FailureReason FailureReason
	IPAddress     string
	UserAgent     string
	VerifiedAt    time.Time
}

// Statistics は発行記録と検証の集計値。
type Statistics struct {
	Total              int64
	Active             int64
	Suspended          int64
	Revoked            int64
	Expired            int64
	VerificationsToday int64
}
