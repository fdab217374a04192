// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

const (
	// SchemaVersionV1 は現行のペイロード・エンベロープのスキーマバージョン。
	SchemaVersionV1 = "1.0"
	// AlgorithmAES256GCM はエンベロープに記録する暗号アルゴリズム識別子。
	AlgorithmAES256GCM = "AES256-GCM"
)

// Payload は暗号化前のクレームを表す。
// フィールドはJSONキーの辞書順に宣言しており、この順序がそのまま正規化表現になる。
type Payload struct {
	ExpiresAt      int64   `json:"expires_at"`
	IssuedAt       int64   `json:"issued_at"`
	OrganizationID *string `json:"organization_id"`
	SchemaVersion  string  `json:"schema_version"`
	SubjectID      string  `json:"subject_id"`
	UniqueCode     string  `json:"unique_code"`
}

// IssuedTime は発行日時を返す。
func (p *Payload) IssuedTime() time.Time {
	return time.Unix(p.IssuedAt, 0).UTC()
}

// ExpiresTime は有効期限を返す。
func (p *Payload) ExpiresTime() time.Time {
	return time.Unix(p.ExpiresAt, 0).UTC()
}
