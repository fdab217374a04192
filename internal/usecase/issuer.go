package usecase

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"secure-qr-service/internal/domain"
	"secure-qr-service/internal/secureqr"
)

const tracerName = "secure-qr-service/usecase"

// Renderer はエンベロープ文字列をQRコード画像(PNG)に変換する。
type Renderer interface {
	Render(text string) ([]byte, error)
}

// IssueRequest は発行要求を表す。
type IssueRequest struct {
	SubjectID      string
	OrganizationID *string
	ValidFor       time.Duration
}

// Issuer はペイロード構築→鍵導出・暗号化→署名→エンコード→画像化を1回で行う。
// 途中で失敗した場合は何も返さない。
type Issuer struct {
	keys     *secureqr.KeyStore
	signer   *secureqr.Signer
	codeGen  *secureqr.CodeGenerator
	renderer Renderer
	issuerID string
	now      func() time.Time
}

// NewIssuer は新しいIssuerを生成する。署名鍵とルート鍵の両方が必要。
func NewIssuer(keys *secureqr.KeyStore, codeGen *secureqr.CodeGenerator, renderer Renderer, issuerID string) (*Issuer, error) {
	if !keys.CanSign() || !keys.CanReveal() {
		return nil, fmt.Errorf("%w: issuer requires private key and root key", domain.ErrKeyStoreUnavailable)
	}
	if issuerID == "" {
		return nil, fmt.Errorf("issuer ID is required")
	}
	return &Issuer{
		keys:     keys,
		signer:   secureqr.NewSigner(keys),
		codeGen:  codeGen,
		renderer: renderer,
		issuerID: issuerID,
		now:      time.Now,
	}, nil
}

// Issue は新しいセキュアQRコードを発行する。
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*domain.IssuanceResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Issuer.Issue")
	defer span.End()

	result, err := i.issue(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "issuance failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("qr.unique_code", result.UniqueCode))
	return result, nil
}

func (i *Issuer) issue(ctx context.Context, req IssueRequest) (*domain.IssuanceResult, error) {
	if req.ValidFor <= 0 {
		return nil, fmt.Errorf("%w: validity must be positive", domain.ErrInvalidValidity)
	}

	// BuildPayload
	issuedAt := i.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(req.ValidFor).Truncate(time.Second)
	code := i.codeGen.Generate()
	payload, err := secureqr.BuildPayload(code, req.SubjectID, req.OrganizationID, issuedAt, expiresAt)
	if err != nil {
		return nil, err
	}

	// DeriveKeyAndEncrypt
	sealed, err := secureqr.Encrypt(payload, i.keys.RootKey())
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	ciphertextB64 := base64.StdEncoding.EncodeToString(sealed.Blob)

	// Sign
	signatureB64, err := i.signer.SignCiphertext(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("signing ciphertext: %w", err)
	}

	// Encode
	envelope, err := secureqr.EncodeEnvelope(&domain.Envelope{
		SchemaVersion: domain.SchemaVersionV1,
		UniqueCode:    code,
		Algorithm:     domain.AlgorithmAES256GCM,
		Ciphertext:    ciphertextB64,
		Signature:     signatureB64,
		ExpiresAt:     expiresAt,
		IssuerID:      i.issuerID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	if len(envelope) > secureqr.MaxEnvelopeLength {
		return nil, fmt.Errorf("%w: envelope is %d bytes (max %d)", domain.ErrClaimsTooLarge, len(envelope), secureqr.MaxEnvelopeLength)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// RenderImage
	image, err := i.renderer.Render(envelope)
	if err != nil {
		return nil, fmt.Errorf("rendering QR image: %w", err)
	}

	return &domain.IssuanceResult{
		UniqueCode:       code,
		SubjectID:        payload.SubjectID,
		OrganizationID:   payload.OrganizationID,
		CiphertextB64:    ciphertextB64,
		SignatureB64:     signatureB64,
		IntegrityHashHex: hex.EncodeToString(sealed.DerivedKey),
		SaltHex:          hex.EncodeToString(sealed.Salt),
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
		QRImage:          image,
		EnvelopeString:   envelope,
	}, nil
}
