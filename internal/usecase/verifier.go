package usecase

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"secure-qr-service/internal/domain"
	"secure-qr-service/internal/secureqr"
)

// RecordLookup は一意コードから発行記録を参照する。存在しない場合は nil, nil を返す。
type RecordLookup interface {
	FindByUniqueCode(ctx context.Context, uniqueCode string) (*domain.IssuanceRecord, error)
}

// Verifier はデコード→署名検証→記録参照→ステータス・期限確認→（任意で）クレーム開示を行う。
// 信頼できない入力に対してエラーを返すことはなく、結果はすべてVerificationResultで表す。
type Verifier struct {
	signer        *secureqr.Signer
	lookup        RecordLookup
	rootKey       []byte // nilの場合はクレームを開示しない
	lookupTimeout time.Duration
	now           func() time.Time
}

// VerifierOption はVerifierの設定を変更する。
type VerifierOption func(*Verifier)

// WithClaimsReveal は検証成功時にクレームを復号して返すようにする。ルート鍵が必要。
func WithClaimsReveal(keys *secureqr.KeyStore) VerifierOption {
	return func(v *Verifier) {
		v.rootKey = keys.RootKey()
	}
}

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// DefaultLookupTimeout はlookupTimeoutに0以下が渡された場合のタイムアウト。
const DefaultLookupTimeout = 3 * time.Second

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(keys *secureqr.KeyStore, lookup RecordLookup, lookupTimeout time.Duration, opts ...VerifierOption) *Verifier {
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultLookupTimeout
	}
	v := &Verifier{
		signer:        secureqr.NewSigner(keys),
		lookup:        lookup,
		lookupTimeout: lookupTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify はエンベロープ文字列を検証する。
func (v *Verifier) Verify(ctx context.Context, envelopeString string) domain.VerificationResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Verifier.Verify")
	defer span.End()

	result := v.verify(ctx, envelopeString)
	span.SetAttributes(
		attribute.Bool("qr.valid", result.IsValid),
		attribute.String("qr.failure_reason", string(result.FailureReason)),
	)
	return result
}

func (v *Verifier) verify(ctx context.Context, envelopeString string) domain.VerificationResult {
	// Decode
	env, err := secureqr.DecodeEnvelope(envelopeString)
	if err != nil {
		return v.fail(ctx, domain.VerificationResult{}, domain.FailureMalformed, err)
	}

	// VerifySignature: これより前にエンベロープのフィールドを信頼しない
	if !v.signer.VerifyCiphertext(env.Ciphertext, env.Signature) {
		return v.fail(ctx, domain.VerificationResult{}, domain.FailureBadSignature, domain.ErrBadSignature)
	}
	result := domain.VerificationResult{UniqueCode: env.UniqueCode}

	// LookupRecord
	record, err := v.lookupRecord(ctx, env.UniqueCode)
	if err != nil {
		return v.fail(ctx, result, domain.FailureLookupUnavailable, err)
	}
	if record == nil {
		return v.fail(ctx, result, domain.FailureUnknownCode, domain.ErrUnknownCode)
	}
	result.ExpiresAt = record.ExpiresAt

	// 署名対象外のidフィールドを付け替えた再利用を防ぐ
	if !constantTimeEqual(record.Ciphertext, env.Ciphertext) || !constantTimeEqual(record.Signature, env.Signature) {
		return v.fail(ctx, result, domain.FailureIntegrityMismatch,
			fmt.Errorf("%w: envelope does not match issuance record", domain.ErrIntegrityMismatch))
	}

	// CheckStatus&Expiry
	if reason, ok := checkStatus(record, v.now()); !ok {
		return v.fail(ctx, result, reason, domain.ErrRevokedOrExpired)
	}

	// RevealClaims
	if v.rootKey != nil {
		claims, err := v.reveal(env, record)
		if err != nil {
			return v.fail(ctx, result, domain.FailureIntegrityMismatch, err)
		}
		result.Claims = claims
	}

	result.IsValid = true
	return result
}

// lookupRecord はタイムアウト付きで発行記録を参照する。
// 参照先がコンテキストを無視しても、タイムアウトで打ち切る。
func (v *Verifier) lookupRecord(ctx context.Context, uniqueCode string) (*domain.IssuanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	defer cancel()

	type lookupResult struct {
		record *domain.IssuanceRecord
		err    error
	}
	ch := make(chan lookupResult, 1)
	go func() {
		record, err := v.lookup.FindByUniqueCode(ctx, uniqueCode)
		ch <- lookupResult{record: record, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrLookupUnavailable, r.err)
		}
		return r.record, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", domain.ErrLookupUnavailable, ctx.Err())
	}
}

func checkStatus(record *domain.IssuanceRecord, now time.Time) (domain.FailureReason, bool) {
	switch record.Status {
	case domain.RecordStatusActive:
		if !now.Before(record.ExpiresAt) {
			return domain.FailureExpired, false
		}
		return "", true
	case domain.RecordStatusSuspended:
		return domain.FailureSuspended, false
	case domain.RecordStatusExpired:
		return domain.FailureExpired, false
	default:
		return domain.FailureRevoked, false
	}
}

func (v *Verifier) reveal(env *domain.Envelope, record *domain.IssuanceRecord) (*domain.Payload, error) {
	blob, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %v", domain.ErrIntegrityMismatch, err)
	}
	salt, err := hex.DecodeString(record.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding salt: %v", domain.ErrIntegrityMismatch, err)
	}
	derived, err := hex.DecodeString(record.IntegrityHash)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding integrity hash: %v", domain.ErrIntegrityMismatch, err)
	}

	claims, err := secureqr.Decrypt(blob, v.rootKey, salt, derived)
	if err != nil {
		return nil, err
	}
	if claims.UniqueCode != env.UniqueCode {
		return nil, fmt.Errorf("%w: claims belong to another code", domain.ErrIntegrityMismatch)
	}
	return claims, nil
}

// fail は失敗理由を記録した結果を返す。内部エラーはログにのみ出力する。
func (v *Verifier) fail(ctx context.Context, result domain.VerificationResult, reason domain.FailureReason, err error) domain.VerificationResult {
	level := slog.LevelInfo
	if errors.Is(err, domain.ErrLookupUnavailable) || errors.Is(err, domain.ErrIntegrityMismatch) {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "qr verification failed",
		"operation", "verify",
		"unique_code", result.UniqueCode,
		"reason", string(reason),
		"error", err,
	)
	result.IsValid = false
	result.Claims = nil
	result.FailureReason = reason
	return result
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
