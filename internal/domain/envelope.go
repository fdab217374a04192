package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope はQRコードに埋め込まれる公開のワイヤオブジェクト。
// 署名で保護されるのはCiphertextのみで、その他のフィールドは署名検証前に信頼してはならない。
type Envelope struct {
	SchemaVersion string    `json:"v"`
	UniqueCode    string    `json:"id"`
	Algorithm     string    `json:"enc"`
	Ciphertext    string    `json:"data"` // base64(nonce || ciphertext+tag)
	Signature     string    `json:"sig"`  // base64(RSA-PSS署名)
	ExpiresAt     time.Time `json:"exp"`
	IssuerID      string    `json:"iss"`
}

// zonelessLayout はタイムゾーン表記のないISO 8601形式。小数秒は解析時に許容される。
const zonelessLayout = "2006-01-02T15:04:05"

// UnmarshalJSON はexpにRFC 3339に加えてタイムゾーンなしのISO 8601も受け付け、後者はUTCとみなす。
// 未知のフィールドはエラーにする。
func (e *Envelope) UnmarshalJSON(b []byte) error {
	type envelopeFields Envelope
	var aux struct {
		*envelopeFields
		ExpiresAt string `json:"exp"`
	}
	aux.envelopeFields = (*envelopeFields)(e)

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&aux); err != nil {
		return err
	}

	e.ExpiresAt = time.Time{}
	if aux.ExpiresAt == "" {
		return nil
	}
	t, err := ParseExpiry(aux.ExpiresAt)
	if err != nil {
		return err
	}
	e.ExpiresAt = t
	return nil
}

// ParseExpiry はエンベロープのexp値を解析する。
func ParseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(zonelessLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid exp %q", s)
	}
	return t, nil
}

// IssuanceResult は発行処理の出力。呼び出し側が永続化する。
type IssuanceResult struct {
	UniqueCode       string
	SubjectID        string
	OrganizationID   *string
	CiphertextB64    string
	SignatureB64     string
	IntegrityHashHex string
	SaltHex          string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	QRImage          []byte // PNG
	EnvelopeString   string
}

// FailureReason は検証失敗の機械可読な理由を表す。
type FailureReason string

const (
	FailureMalformed         FailureReason = "MALFORMED"
	FailureBadSignature      FailureReason = "BAD_SIGNATURE"
	FailureIntegrityMismatch FailureReason = "INTEGRITY_MISMATCH"
	FailureUnknownCode       FailureReason = "UNKNOWN_CODE"
	FailureRevoked           FailureReason = "REVOKED"
	FailureSuspended         FailureReason = "SUSPENDED"
	FailureExpired           FailureReason = "EXPIRED"
	FailureLookupUnavailable FailureReason = "LOOKUP_UNAVAILABLE"
)

// VerificationResult は検証処理の出力。
// Claimsはルート鍵を持つ検証者が成功した場合のみ設定される。
type VerificationResult struct {
	IsValid       bool
	Claims        *Payload
	FailureReason FailureReason

	// 署名検証を通過した後にのみ設定される非秘匿メタデータ
	UniqueCode string
	ExpiresAt  time.Time // 発行記録が見つかった場合のみ
}
