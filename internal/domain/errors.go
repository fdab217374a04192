package domain

import "errors"

var (
	// ErrMalformedEnvelope はエンベロープ文字列の構造が不正な場合のエラー。
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnsupportedSchemaVersion はエンベロープのスキーマバージョンが未知の場合のエラー。
	ErrUnsupportedSchemaVersion = errors.New("unsupported schema version")

	// ErrBadSignature は署名検証に失敗した場合のエラー。
	ErrBadSignature = errors.New("bad signature")

	// ErrIntegrityMismatch は保存済みハッシュとの再導出照合に失敗した場合のエラー。
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrUnknownCode は一意コードに対応する発行記録が存在しない場合のエラー。
	ErrUnknownCode = errors.New("unknown code")

	// ErrRevokedOrExpired は発行記録が有効状態でない場合のエラー。
	ErrRevokedOrExpired = errors.New("revoked or expired")

	// ErrLookupUnavailable は発行記録の参照がタイムアウト・失敗した場合のエラー。
	ErrLookupUnavailable = errors.New("lookup unavailable")

	// ErrKeyStoreUnavailable は鍵素材を読み込めない場合のエラー。起動時に致命的となる。
	ErrKeyStoreUnavailable = errors.New("key store unavailable")

	// ErrRecordNotFound は指定された発行記録が存在しない場合のエラー。
	ErrRecordNotFound = errors.New("issuance record not found")

	// ErrDuplicateCode は一意コードが既に使われている場合のエラー。
	ErrDuplicateCode = errors.New("unique code already exists")

	// ErrInvalidStatusTransition は許可されないステータス遷移の場合のエラー。
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrInvalidSubjectID は対象者IDが不正な場合のエラー。
	ErrInvalidSubjectID = errors.New("invalid subject ID")

	// ErrInvalidOrganizationID は組織IDが不正な場合のエラー。
	ErrInvalidOrganizationID = errors.New("invalid organization ID")

	// ErrClaimsTooLarge はエンベロープがQRコード1枚の容量に収まらない場合のエラー。
	ErrClaimsTooLarge = errors.New("claims too large for a QR code")

	// ErrInvalidValidity は有効期間が不正な場合のエラー。
	ErrInvalidValidity = errors.New("invalid validity period")

	// ErrInvalidUniqueCode は一意コードの形式が不正な場合のエラー。
	ErrInvalidUniqueCode = errors.New("invalid unique code")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
