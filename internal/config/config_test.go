package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var keys = []string{
	"PORT", "JWT_SECRET", "DOCSTORE", "DATABASE_URL", "SQLITE_PATH", "MIGRATIONS_DIR",
	"CATALOG_PATH", "JOURNAL_DIR", "FLUSH_INTERVAL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != "4000" || c.DocStore != BackendMemory || c.FlushInterval != 5*time.Second {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if c.RateLimitRPS != 10 || c.RateLimitBurst != 20 {
		t.Fatalf("unexpected rate limits %+v", c)
	}
}

func TestEnvFileDoesNotOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\r\nPORT=9000\r\nexport DOCSTORE=\"sqlite\"\nFLUSH_INTERVAL = 250ms\ngarbage\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7000")

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != "7000" {
		t.Fatalf("env file overrode PORT: %s", c.Port)
	}
	if c.DocStore != BackendSQLite || c.FlushInterval != 250*time.Millisecond {
		t.Fatalf("env file not applied: %+v", c)
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		key, val string
	}{
		{"DOCSTORE", "mongo"},
		{"FLUSH_INTERVAL", "soon"},
		{"RATE_LIMIT_RPS", "0"},
		{"RATE_LIMIT_BURST", "lots"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := Load(""); err == nil {
				t.Fatalf("%s=%s accepted", tt.key, tt.val)
			}
		})
	}
}
