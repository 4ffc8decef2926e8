package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDotEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	return path
}

func TestLoadDotEnv_LoadsValuesAndIgnoresNoise(t *testing.T) {
	t.Setenv("A", "")
	t.Setenv("B", "")
	t.Setenv("C", "")

	path := writeDotEnv(t, `
# comment

A=one
export B=two
C="three"
not a pair
`)

	n, err := loadDotEnv(path)
	if err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if n != 3 {
		t.Fatalf("set=%d, want 3", n)
	}

	if got := os.Getenv("A"); got != "one" {
		t.Fatalf("A=%q, want %q", got, "one")
	}
	if got := os.Getenv("B"); got != "two" {
		t.Fatalf("B=%q, want %q", got, "two")
	}
	if got := os.Getenv("C"); got != "three" {
		t.Fatalf("C=%q, want %q", got, "three")
	}
}

func TestLoadDotEnv_DoesNotOverwriteExistingEnv(t *testing.T) {
	t.Setenv("KEEP", "already")

	path := writeDotEnv(t, "KEEP=fromfile\n")
	if _, err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}

	if got := os.Getenv("KEEP"); got != "already" {
		t.Fatalf("KEEP=%q, want %q", got, "already")
	}
}

func TestLoadDotEnv_QuotesAndTrailingComments(t *testing.T) {
	t.Setenv("Q", "")
	t.Setenv("URL", "")
	t.Setenv("HASH", "")

	path := writeDotEnv(t, "Q='hello world'\nURL=s3://models?region=eu-central-1 # prod bucket\nHASH=\"a # b\"\n")
	if _, err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}

	if got := os.Getenv("Q"); got != "hello world" {
		t.Fatalf("Q=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("URL"); got != "s3://models?region=eu-central-1" {
		t.Fatalf("URL=%q", got)
	}
	if got := os.Getenv("HASH"); got != "a # b" {
		t.Fatalf("HASH=%q, want %q", got, "a # b")
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	n, err := loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v, want 0 and nil", n, err)
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg := fromEnv(func(string) string { return "" })

	if cfg.DBPath != "./dev.db" || cfg.Port != "8080" || cfg.ModelDir != "./models" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.LockTTL != 30*time.Second || cfg.DecisionLogLimit != 200 {
		t.Fatalf("lockTTL=%v limit=%d", cfg.LockTTL, cfg.DecisionLogLimit)
	}
	if !cfg.IsDev() {
		t.Fatalf("empty APP_ENV should be dev")
	}
}

func TestFromEnv_OverridesAndInvalidValues(t *testing.T) {
	env := map[string]string{
		"APP_ENV":            "prod",
		"LOCK_TTL":           "5s",
		"DECISION_LOG_LIMIT": "5000",
		"REDIS_URL":          "redis://localhost:6379/0",
		"MODEL_STORE_URL":    "mem://",
	}
	cfg := fromEnv(func(k string) string { return env[k] })

	if cfg.IsDev() {
		t.Fatalf("prod reported as dev")
	}
	if cfg.LockTTL != 5*time.Second {
		t.Fatalf("lockTTL=%v, want 5s", cfg.LockTTL)
	}
	if cfg.DecisionLogLimit != 200 {
		t.Fatalf("limit=%d, want capped 200", cfg.DecisionLogLimit)
	}
	if cfg.RedisURL == "" || cfg.ModelStoreURL != "mem://" {
		t.Fatalf("cfg=%+v", cfg)
	}

	env["LOCK_TTL"] = "soon"
	env["DECISION_LOG_LIMIT"] = "-1"
	cfg = fromEnv(func(k string) string { return env[k] })
	if cfg.LockTTL != 30*time.Second || cfg.DecisionLogLimit != 200 {
		t.Fatalf("invalid values not ignored: %+v", cfg)
	}
}
