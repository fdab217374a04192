package migrations

import (
	"io/fs"
	"testing"
)

func TestFS_ContainsMigrations(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	want := []string{"001_create_issuance_records.sql", "002_create_qr_verifications.sql"}
	if len(names) != len(want) {
		t.Fatalf("want %d migrations, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("want %s, got %s", want[i], names[i])
		}
	}
}
