package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"gorm.io/gorm"

	"secure-qr-service/internal/domain"
)

// MigrationRepository はschema_migrationsの参照と記録を行う。
type MigrationRepository interface {
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
	RecordMigration(ctx context.Context, tx *gorm.DB, version string) error
}

// MigrationService は発行記録・検証履歴テーブルのスキーマを管理する。
// SQLファイルはディスク上のディレクトリでも埋め込みFSでも読める。
type MigrationService struct {
	repo MigrationRepository
	db   *gorm.DB
	fsys fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, fsys fs.FS) *MigrationService {
	return &MigrationService{repo: repo, db: db, fsys: fsys}
}

func (s *MigrationService) scan() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var migrations []*domain.Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", domain.ErrInvalidMigrationFile, version, prev, entry.Name())
		}
		seen[version] = entry.Name()
		migrations = append(migrations, &domain.Migration{
			Version:  version,
			Name:     name,
			FilePath: entry.Name(),
			Status:   domain.MigrationStatusPending,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationFileName は {version}_{name}.sql からバージョンと名前を取り出す。
func parseMigrationFileName(filename string) (version, name string, err error) {
	version, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || version == "" || name == "" {
		return "", "", fmt.Errorf("%w: %s (expected {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	for _, r := range version {
		if r < '0' || r > '9' {
			return "", "", fmt.Errorf("%w: %s (version must be numeric)", domain.ErrInvalidMigrationFile, filename)
		}
	}
	return version, name, nil
}

// splitStatements はSQLファイルを文単位に分割する。
// MySQLドライバは既定で複数文の一括実行を受け付けない。
func splitStatements(sql string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmts = append(stmts, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}

// ApplyMigrations は未適用のマイグレーションをバージョン順に実行し、適用件数を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	all, err := s.scan()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	applied := 0
	for _, m := range all {
		done, err := s.repo.IsMigrationApplied(ctx, m.Version)
		if err != nil {
			return applied, fmt.Errorf("checking migration %s: %w", m.Version, err)
		}
		if done {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", m.Version,
				"error", err,
			)
			return applied, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, m.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", m.Version,
			"name", m.Name,
		)
		applied++
	}
	return applied, nil
}

func (s *MigrationService) apply(ctx context.Context, m *domain.Migration) error {
	raw, err := fs.ReadFile(s.fsys, m.FilePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", m.FilePath, err)
	}
	stmts := splitStatements(string(raw))
	if len(stmts) == 0 {
		return fmt.Errorf("%w: %s has no statements", domain.ErrInvalidMigrationFile, m.FilePath)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range stmts {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return s.repo.RecordMigration(ctx, tx, m.Version)
	})
}

// GetMigrationStatus はすべてのマイグレーションと適用状況を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	all, err := s.scan()
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching applied migrations: %w", err)
	}
	byVersion := make(map[string]*domain.Migration, len(applied))
	for _, m := range applied {
		byVersion[m.Version] = m
	}

	for _, m := range all {
		if a, ok := byVersion[m.Version]; ok {
			m.Status = domain.MigrationStatusApplied
			m.AppliedAt = a.AppliedAt
		}
	}
	return all, nil
}
