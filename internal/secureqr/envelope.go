package secureqr

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"secure-qr-service/internal/domain"
)

// MaxEnvelopeLength はQRコード（バージョン40・誤り訂正レベルH・バイトモード）に格納できる最大長。
const MaxEnvelopeLength = 1273

// EncodeEnvelope はエンベロープをJSON化し、全体をBase64にした文字列を返す。
func EncodeEnvelope(env *domain.Envelope) (string, error) {
	e := *env
	e.ExpiresAt = e.ExpiresAt.UTC().Truncate(time.Second)
	if err := validateEnvelope(&e); err != nil {
		return "", err
	}
	b, err := json.Marshal(&e)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeEnvelope はEncodeEnvelopeの逆変換。
// 不正なBase64・構造・必須フィールド欠落・未知のスキーマバージョンはすべてエラーとし、部分的な結果は返さない。
// 戻り値のフィールドは署名検証が済むまで信頼してはならない。
func DecodeEnvelope(s string) (*domain.Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", domain.ErrMalformedEnvelope, err)
	}

	var env domain.Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: invalid structure: %v", domain.ErrMalformedEnvelope, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after envelope", domain.ErrMalformedEnvelope)
	}

	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func validateEnvelope(env *domain.Envelope) error {
	missing := make([]string, 0)
	if env.SchemaVersion == "" {
		missing = append(missing, "v")
	}
	if env.UniqueCode == "" {
		missing = append(missing, "id")
	}
	if env.Algorithm == "" {
		missing = append(missing, "enc")
	}
	if env.Ciphertext == "" {
		missing = append(missing, "data")
	}
	if env.Signature == "" {
		missing = append(missing, "sig")
	}
	if env.ExpiresAt.IsZero() {
		missing = append(missing, "exp")
	}
	if env.IssuerID == "" {
		missing = append(missing, "iss")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing fields %s", domain.ErrMalformedEnvelope, strings.Join(missing, ","))
	}

	if env.SchemaVersion != domain.SchemaVersionV1 {
		return fmt.Errorf("%w: %w: %q", domain.ErrMalformedEnvelope, domain.ErrUnsupportedSchemaVersion, env.SchemaVersion)
	}
	if env.Algorithm != domain.AlgorithmAES256GCM {
		return fmt.Errorf("%w: unsupported algorithm %q", domain.ErrMalformedEnvelope, env.Algorithm)
	}
	if !ValidUniqueCode(env.UniqueCode) {
		return fmt.Errorf("%w: %w", domain.ErrMalformedEnvelope, domain.ErrInvalidUniqueCode)
	}
	return nil
}
