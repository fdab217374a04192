// Package migrations は発行記録・検証履歴テーブルのDDLを埋め込む。
package migrations

import "embed"

// FS は *.sql ファイルを保持する。
//
//go:embed *.sql
var FS embed.FS
