package seed

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/Simplici0/lpbf-planner/internal/catalog"
	"github.com/Simplici0/lpbf-planner/internal/db"
	"github.com/Simplici0/lpbf-planner/internal/migrations"
)

func openMigrated(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "seed-test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := migrations.Up(database); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return database
}

func TestRunIsIdempotent(t *testing.T) {
	database := openMigrated(t)
	cat := catalog.Default()

	for i := 0; i < 10; i++ {
		stats, err := Run(database, cat)
		if err != nil {
			t.Fatalf("run seed (iteration=%d): %v", i, err)
		}
		if i == 0 {
			// 4 machines + 1 + 3 + 3 + 4 machine materials
			if stats.Inserts != 15 {
				t.Fatalf("expected 15 inserts in first run, got %d", stats.Inserts)
			}
			continue
		}
		if stats.Inserts != 0 || stats.Updates != 0 {
			t.Fatalf("expected no changes in iteration %d, got %+v", i, stats)
		}
	}

	assertCount(t, database, `SELECT COUNT(*) FROM machines`, nil, 4)
	assertCount(t, database, `SELECT COUNT(*) FROM machine_materials WHERE machine = ?`, "M2_neu", 4)
}

func TestRunUpdatesChangedSurface(t *testing.T) {
	database := openMigrated(t)
	cat := catalog.Default()
	if _, err := Run(database, cat); err != nil {
		t.Fatalf("first seed: %v", err)
	}

	m := cat.Machines["EOS"]
	m.PlatformSurfaceCM2 = 900
	cat.Machines["EOS"] = m

	stats, err := Run(database, cat)
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if stats.Updates != 1 || stats.Inserts != 0 {
		t.Fatalf("stats=%+v, want 1 update", stats)
	}
	assertCount(t, database, `SELECT COUNT(*) FROM machines WHERE name = ? AND platform_surface_cm2 = 900`, "EOS", 1)
}

func assertCount(t *testing.T, database *sql.DB, query string, arg any, expected int) {
	t.Helper()

	var args []any
	if arg != nil {
		args = append(args, arg)
	}
	var count int
	if err := database.QueryRow(query, args...).Scan(&count); err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != expected {
		t.Fatalf("count for %q = %d, want %d", query, count, expected)
	}
}
