// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// 監査ログの結果
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteAuditLog はQRコード操作の監査ログを出力する。uniqueCodeが不明な場合は空文字。
func WriteAuditLog(ctx context.Context, operation, uniqueCode, result string, attrs ...any) {
	args := []any{
		"operation", operation,
		"unique_code", uniqueCode,
		"result", result,
		"request_id", chimiddleware.GetReqID(ctx),
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	slog.InfoContext(ctx, "qr operation completed", append(args, attrs...)...)
}

// RequestLogger はリクエスト1件ごとにアクセスログを出力する。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
