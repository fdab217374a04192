package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は migrations/ 配下のSQLファイル1本に対応する
type Migration struct {
	Version   string     // 例: "001"
	Name      string     // 例: "create_issuance_records"
	FilePath  string
	AppliedAt *time.Time // 未適用ならnil
	Status    MigrationStatus
}

// IsApplied は適用済みかどうかを返す
func (m *Migration) IsApplied() bool {
	return m.Status == MigrationStatusApplied
}
