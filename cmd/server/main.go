// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"secure-qr-service/config"
	"secure-qr-service/internal/handler"
	"secure-qr-service/internal/infra"
	"secure-qr-service/internal/metrics"
	"secure-qr-service/internal/repository"
	"secure-qr-service/internal/secureqr"
	"secure-qr-service/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()
	infra.SetupLogger(cfg)

	db, err := infra.NewDB(cfg)
	if err != nil {
		return err
	}
	if cfg.DatabaseDriver == "sqlite" {
		if err := repository.AutoMigrate(ctx, db); err != nil {
			return err
		}
	}

	keys, err := loadKeys(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("key store loaded", "keys", keys)

	// DI
	codeGen, err := secureqr.NewCodeGenerator(cfg.CodePrefix, cfg.CodeRegion)
	if err != nil {
		return err
	}
	issuer, err := usecase.NewIssuer(keys, codeGen, infra.NewPNGRenderer(infra.DefaultQRSize), cfg.IssuerID)
	if err != nil {
		return err
	}
	records := repository.NewIssuanceRepository(db)
	var verifierOpts []usecase.VerifierOption
	if cfg.RevealClaims {
		verifierOpts = append(verifierOpts, usecase.WithClaimsReveal(keys))
	}
	verifier := usecase.NewVerifier(keys, records, cfg.LookupTimeout, verifierOpts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	service := usecase.NewQRService(issuer, verifier, records, repository.NewVerificationRepository(db), metrics.New(reg))

	h := handler.NewQRHandler(service, cfg.DefaultValidityDays)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.NewRouter(h, reg, cfg.OtelEnabled),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.ExpireSweepInterval > 0 {
		go runExpireSweep(ctx, service, cfg.ExpireSweepInterval)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "driver", cfg.DatabaseDriver)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadKeys は鍵素材を読み込む。ラップされたルート鍵があればCloud KMSで復元する。
func loadKeys(ctx context.Context, cfg *config.Config) (*secureqr.KeyStore, error) {
	src := secureqr.KeySource{
		PrivateKeyPath: cfg.RSAPrivateKeyPath,
		PublicKeyPath:  cfg.RSAPublicKeyPath,
		RootKeyHex:     cfg.EncryptionKey,
		WrappedRootKey: cfg.EncryptionKeyCiphertext,
	}
	if src.WrappedRootKey == "" {
		return secureqr.LoadKeyStore(ctx, src, nil)
	}

	kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := kmsClient.Close(); closeErr != nil {
			slog.Error("failed to close KMS client", "error", closeErr)
		}
	}()
	return secureqr.LoadKeyStore(ctx, src, kmsClient)
}

// runExpireSweep は期限切れの発行記録を定期的にEXPIREDにする。
func runExpireSweep(ctx context.Context, service *usecase.QRService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := service.MarkExpired(ctx); err != nil {
				slog.ErrorContext(ctx, "expire sweep failed", "error", err)
			}
		}
	}
}
