// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"secure-qr-service/internal/domain"
	"secure-qr-service/internal/middleware"
	"secure-qr-service/internal/secureqr"
	"secure-qr-service/internal/usecase"
	"secure-qr-service/pkg/httputil"
)

const (
	maxSubjectIDLength = secureqr.MaxSubjectIDLength
	maxValidityDays    = 3650
	maxExpiringDays    = 365

	maxCompromiseWindow = 30 * 24 * time.Hour
)

// QRHandler はQRコードの発行・検証・管理のHTTPハンドラを提供する。
type QRHandler struct {
	service         *usecase.QRService
	defaultValidity time.Duration
}

// NewQRHandler は新しいQRHandlerを生成する。
func NewQRHandler(service *usecase.QRService, defaultValidityDays int) *QRHandler {
	return &QRHandler{
		service:         service,
		defaultValidity: time.Duration(defaultValidityDays) * 24 * time.Hour,
	}
}

// IssueRequest は発行APIのリクエスト形式。
type IssueRequest struct {
	SubjectID      string  `json:"subject_id"`
	OrganizationID *string `json:"organization_id,omitempty"`
	ValidityDays   *int    `json:"validity_days,omitempty"`
}

// IssueResponse は発行APIのレスポンス形式。
type IssueResponse struct {
	UniqueCode     string  `json:"unique_code"`
	SubjectID      string  `json:"subject_id"`
	OrganizationID *string `json:"organization_id,omitempty"`
	Envelope       string  `json:"envelope"`
	QRImage        []byte  `json:"qr_image"` // Base64
	IssuedAt       string  `json:"issued_at"`
	ExpiresAt      string  `json:"expires_at"`
}

// VerifyRequest は検証APIのリクエスト形式。
type VerifyRequest struct {
	Envelope string `json:"envelope"`
}

// ClaimsResponse は開示されたクレーム。
type ClaimsResponse struct {
	UniqueCode     string  `json:"unique_code"`
	SubjectID      string  `json:"subject_id"`
	OrganizationID *string `json:"organization_id,omitempty"`
	IssuedAt       string  `json:"issued_at"`
	ExpiresAt      string  `json:"expires_at"`
}

// VerifyResponse は検証APIのレスポンス形式。
type VerifyResponse struct {
	IsValid       bool            `json:"is_valid"`
	FailureReason string          `json:"failure_reason,omitempty"`
	UniqueCode    string          `json:"unique_code,omitempty"`
	ExpiresAt     string          `json:"expires_at,omitempty"`
	Claims        *ClaimsResponse `json:"claims,omitempty"`
}

// RecordResponse は発行記録のレスポンス形式。暗号化素材は含めない。
type RecordResponse struct {
	UniqueCode     string  `json:"unique_code"`
	SubjectID      string  `json:"subject_id"`
	OrganizationID *string `json:"organization_id,omitempty"`
	Status         string  `json:"status"`
	ExpiresAt      string  `json:"expires_at"`
	RevokedAt      string  `json:"revoked_at,omitempty"`
	LastVerifiedAt string  `json:"last_verified_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// RecordListResponse は発行記録一覧のレスポンス形式。
type RecordListResponse struct {
	Records []RecordResponse `json:"records"`
}

// VerificationEventResponse は検証履歴1件のレスポンス形式。
type VerificationEventResponse struct {
	IsValid       bool   `json:"is_valid"`
	FailureReason string `json:"failure_reason,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	VerifiedAt    string `json:"verified_at"`
}

// VerificationListResponse は検証履歴一覧のレスポンス形式。
type VerificationListResponse struct {
	UniqueCode    string                      `json:"unique_code"`
	Verifications []VerificationEventResponse `json:"verifications"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toRecordResponse(r *domain.IssuanceRecord) RecordResponse {
	return RecordResponse{
		UniqueCode:     r.UniqueCode,
		SubjectID:      r.SubjectID,
		OrganizationID: r.OrganizationID,
		Status:         string(r.Status),
		ExpiresAt:      formatTime(r.ExpiresAt),
		RevokedAt:      formatTimePtr(r.RevokedAt),
		LastVerifiedAt: formatTimePtr(r.LastVerifiedAt),
		CreatedAt:      formatTime(r.CreatedAt),
	}
}

// uniqueCodeParam はパスの一意コードを取り出す。形式が不正な場合は400を返してfalse。
func uniqueCodeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	code := chi.URLParam(r, "code")
	if !secureqr.ValidUniqueCode(code) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_UNIQUE_CODE", "invalid unique code format")
		return "", false
	}
	return code, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Issue は新しいQRコードを発行する。
func (h *QRHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" || len(req.SubjectID) > maxSubjectIDLength {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SUBJECT_ID", "invalid subject ID")
		return
	}
	if req.OrganizationID != nil && len(*req.OrganizationID) > secureqr.MaxOrganizationIDLength {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid organization ID")
		return
	}
	validity := h.defaultValidity
	if req.ValidityDays != nil {
		if *req.ValidityDays < 1 || *req.ValidityDays > maxValidityDays {
			httputil.Error(w, http.StatusBadRequest, "INVALID_VALIDITY", "validity_days must be between 1 and 3650")
			return
		}
		validity = time.Duration(*req.ValidityDays) * 24 * time.Hour
	}

	result, err := h.service.Issue(r.Context(), usecase.IssueRequest{
		SubjectID:      req.SubjectID,
		OrganizationID: req.OrganizationID,
		ValidFor:       validity,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ISSUE", "", middleware.ResultFailed, "subject_id", req.SubjectID)
		switch {
		case errors.Is(err, domain.ErrInvalidSubjectID):
			httputil.Error(w, http.StatusBadRequest, "INVALID_SUBJECT_ID", "invalid subject ID")
		case errors.Is(err, domain.ErrInvalidOrganizationID):
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid organization ID")
		case errors.Is(err, domain.ErrInvalidValidity):
			httputil.Error(w, http.StatusBadRequest, "INVALID_VALIDITY", "invalid validity period")
		case errors.Is(err, domain.ErrClaimsTooLarge):
			httputil.Error(w, http.StatusBadRequest, "CLAIMS_TOO_LARGE", "subject and organization IDs do not fit in a QR code")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "ISSUE", result.UniqueCode, middleware.ResultSuccess, "subject_id", result.SubjectID)
	httputil.JSON(w, http.StatusCreated, IssueResponse{
		UniqueCode:     result.UniqueCode,
		SubjectID:      result.SubjectID,
		OrganizationID: result.OrganizationID,
		Envelope:       result.EnvelopeString,
		QRImage:        result.QRImage,
		IssuedAt:       formatTime(result.IssuedAt),
		ExpiresAt:      formatTime(result.ExpiresAt),
	})
}

// Verify はスキャンされたエンベロープを検証する。検証失敗も200で返す。
func (h *QRHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	result := h.service.Verify(r.Context(), req.Envelope, usecase.ClientInfo{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})

	auditResult := middleware.ResultSuccess
	if !result.IsValid {
		auditResult = middleware.ResultFailed
	}
	middleware.WriteAuditLog(r.Context(), "VERIFY", result.UniqueCode, auditResult, "reason", string(result.FailureReason))

	resp := VerifyResponse{
		IsValid:       result.IsValid,
		FailureReason: string(result.FailureReason),
		UniqueCode:    result.UniqueCode,
	}
	if !result.ExpiresAt.IsZero() {
		resp.ExpiresAt = formatTime(result.ExpiresAt)
	}
	if c := result.Claims; c != nil {
		resp.Claims = &ClaimsResponse{
			UniqueCode:     c.UniqueCode,
			SubjectID:      c.SubjectID,
			OrganizationID: c.OrganizationID,
			IssuedAt:       formatTime(c.IssuedTime()),
			ExpiresAt:      formatTime(c.ExpiresTime()),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetRecord は発行記録を取得する。
func (h *QRHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	code, ok := uniqueCodeParam(w, r)
	if !ok {
		return
	}

	record, err := h.service.GetRecord(r.Context(), code)
	if err != nil {
		writeRecordError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toRecordResponse(record))
}

// GetImage は発行時に生成したQRコード画像を返す。
func (h *QRHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	code, ok := uniqueCodeParam(w, r)
	if !ok {
		return
	}

	record, err := h.service.GetRecord(r.Context(), code)
	if err != nil {
		writeRecordError(w, err)
		return
	}
	if len(record.QRImage) == 0 {
		httputil.Error(w, http.StatusNotFound, "IMAGE_NOT_FOUND", "QR image not available")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(record.QRImage)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(record.QRImage)
}

// Revoke はQRコードを失効させる。
func (h *QRHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, "REVOKE", h.service.Revoke)
}

// Suspend はQRコードを一時停止する。
func (h *QRHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, "SUSPEND", h.service.Suspend)
}

// Reactivate は一時停止中のQRコードを有効に戻す。
func (h *QRHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, "REACTIVATE", h.service.Reactivate)
}

func (h *QRHandler) changeStatus(w http.ResponseWriter, r *http.Request, operation string, apply func(context.Context, string) error) {
	code, ok := uniqueCodeParam(w, r)
	if !ok {
		return
	}

	if err := apply(r.Context(), code); err != nil {
		middleware.WriteAuditLog(r.Context(), operation, code, middleware.ResultFailed)
		writeRecordError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), operation, code, middleware.ResultSuccess)
	w.WriteHeader(http.StatusAccepted)
}

// ListExpiring は指定日数以内に期限を迎える有効なQRコードを返す。
func (h *QRHandler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	window := usecase.DefaultExpiringWindow
	if s := r.URL.Query().Get("days"); s != "" {
		days, err := strconv.Atoi(s)
		if err != nil || days < 1 || days > maxExpiringDays {
			httputil.Error(w, http.StatusBadRequest, "INVALID_DAYS", "days must be between 1 and 365")
			return
		}
		window = time.Duration(days) * 24 * time.Hour
	}

	records, err := h.service.ListExpiringSoon(r.Context(), window)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	resp := RecordListResponse{Records: make([]RecordResponse, len(records))}
	for i, rec := range records {
		resp.Records[i] = toRecordResponse(rec)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// MarkExpired は期限切れのQRコードをEXPIREDにする。
func (h *QRHandler) MarkExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.MarkExpired(r.Context())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "MARK_EXPIRED", "", middleware.ResultFailed)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	middleware.WriteAuditLog(r.Context(), "MARK_EXPIRED", "", middleware.ResultSuccess, "count", n)
	httputil.JSON(w, http.StatusOK, map[string]int64{"expired": n})
}

// ListVerifications は検証履歴を新しい順に返す。
func (h *QRHandler) ListVerifications(w http.ResponseWriter, r *http.Request) {
	code, ok := uniqueCodeParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			httputil.Error(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	events, err := h.service.VerificationHistory(r.Context(), code, limit)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	resp := VerificationListResponse{
		UniqueCode:    code,
		Verifications: make([]VerificationEventResponse, len(events)),
	}
	for i, e := range events {
		resp.Verifications[i] = VerificationEventResponse{
			IsValid:       e.IsValid,
			FailureReason: string(e.FailureReason),
			IPAddress:     e.IPAddress,
			UserAgent:     e.UserAgent,
			VerifiedAt:    formatTime(e.VerifiedAt),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// StatisticsResponse は集計レスポンス。
type StatisticsResponse struct {
	Total              int64 `json:"total"`
	Active             int64 `json:"active"`
	Suspended          int64 `json:"suspended"`
	Revoked            int64 `json:"revoked"`
	Expired            int64 `json:"expired"`
	VerificationsToday int64 `json:"verifications_today"`
}

// CompromiseResponse は侵害判定レスポンス。
type CompromiseResponse struct {
	UniqueCode     string `json:"unique_code"`
	Compromised    bool   `json:"compromised"`
	FailedAttempts int64  `json:"failed_attempts"`
	WindowSeconds  int64  `json:"window_seconds"`
	Threshold      int    `json:"threshold"`
}

// Statistics は発行記録と検証の集計を返す。
func (h *QRHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	httputil.JSON(w, http.StatusOK, StatisticsResponse{
		Total:              stats.Total,
		Active:             stats.Active,
		Suspended:          stats.Suspended,
		Revoked:            stats.Revoked,
		Expired:            stats.Expired,
		VerificationsToday: stats.VerificationsToday,
	})
}

// Compromise は直近の検証失敗回数から侵害の疑いを判定する。
func (h *QRHandler) Compromise(w http.ResponseWriter, r *http.Request) {
	code, ok := uniqueCodeParam(w, r)
	if !ok {
		return
	}
	window := usecase.DefaultCompromiseWindow
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < time.Minute || d > maxCompromiseWindow {
			httputil.Error(w, http.StatusBadRequest, "INVALID_WINDOW", "window must be a duration between 1m and 720h")
			return
		}
		window = d
	}
	threshold := usecase.DefaultCompromiseThreshold
	if s := r.URL.Query().Get("threshold"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			httputil.Error(w, http.StatusBadRequest, "INVALID_THRESHOLD", "threshold must be between 1 and 1000")
			return
		}
		threshold = n
	}

	compromised, failures, err := h.service.IsCompromised(r.Context(), code, window, threshold)
	if err != nil {
		writeRecordError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, CompromiseResponse{
		UniqueCode:     code,
		Compromised:    compromised,
		FailedAttempts: failures,
		WindowSeconds:  int64(window / time.Second),
		Threshold:      threshold,
	})
}

func writeRecordError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		httputil.Error(w, http.StatusNotFound, "RECORD_NOT_FOUND", "QR code not found")
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		httputil.Error(w, http.StatusConflict, "INVALID_STATUS_TRANSITION", "status change not allowed")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
