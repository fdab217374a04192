// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseDriver     string
	DatabaseURL        string
	GoogleCloudProject string
	LogLevel           string
	MigrationsDir      string

	// 鍵素材
	RSAPrivateKeyPath       string
	RSAPublicKeyPath        string
	EncryptionKey           string // 16進表記のルート鍵
	EncryptionKeyCiphertext string // KMSでラップされたルート鍵（Base64）
	KMSKeyName              string

	// QRコード発行・検証
	IssuerID            string
	CodePrefix          string
	CodeRegion          string
	DefaultValidityDays int
	LookupTimeout       time.Duration
	RevealClaims        bool
	ExpireSweepInterval time.Duration // 0で無効

	// OpenTelemetry
	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseDriver:     getEnv("DATABASE_DRIVER", "mysql"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		MigrationsDir:      os.Getenv("MIGRATIONS_DIR"),

		RSAPrivateKeyPath:       os.Getenv("RSA_PRIVATE_KEY_PATH"),
		RSAPublicKeyPath:        os.Getenv("RSA_PUBLIC_KEY_PATH"),
		EncryptionKey:           os.Getenv("ENCRYPTION_KEY"),
		EncryptionKeyCiphertext: os.Getenv("ENCRYPTION_KEY_CIPHERTEXT"),
		KMSKeyName:              os.Getenv("KMS_KEY_NAME"),

		IssuerID:            getEnv("QR_ISSUER_ID", "STAMP-TECH-IVOIRE"),
		CodePrefix:          getEnv("QR_CODE_PREFIX", "ST"),
		CodeRegion:          getEnv("QR_CODE_REGION", "CI"),
		DefaultValidityDays: getEnvInt("QR_DEFAULT_VALIDITY_DAYS", 365),
		LookupTimeout:       getEnvPositiveDuration("QR_LOOKUP_TIMEOUT", 3*time.Second),
		RevealClaims:        getEnvBool("QR_REVEAL_CLAIMS", true),
		ExpireSweepInterval: getEnvDuration("QR_EXPIRE_SWEEP_INTERVAL", time.Hour),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelInsecure:     getEnvBool("OTEL_INSECURE", false),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "secure-qr-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return val
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return val
	}
	return defaultVal
}

// getEnvPositiveDuration は0以下の値も既定値に置き換える。
func getEnvPositiveDuration(key string, defaultVal time.Duration) time.Duration {
	if val := getEnvDuration(key, defaultVal); val > 0 {
		return val
	}
	return defaultVal
}
