package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cataldij/quotacache/bootstrap"
	"github.com/cataldij/quotacache/config"
	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/domain/usage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		keyNamespace, keyEpoch, keyOrdered = "", "", false
		checkRecord = false
		pruneRetention = 0
		schemaCompact = false
		cfgFile = "quotacache.yaml"
		envFile = ".env"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestKeyCommand_OrderIndependent(t *testing.T) {
	a, err := execute(t, "key", "--namespace", "answers", "--epoch", "2024-01-15", "b", "a")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	keyNamespace, keyEpoch = "", ""

	b, err := execute(t, "key", "--namespace", "answers", "--epoch", "2024-01-15", "a", "b")
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}
	want := cache.DeriveKey("answers", []string{"a", "b"}, "2024-01-15")
	if strings.TrimSpace(a) != want {
		t.Errorf("key = %q, want %q", a, want)
	}
}

func TestKeyCommand_Ordered(t *testing.T) {
	out, err := execute(t, "key", "--ordered", "--namespace", "n", "--epoch", "e", "a", "b")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	want := cache.DeriveOrderedKey("n", []string{"a", "b"}, "e")
	if strings.TrimSpace(out) != want {
		t.Errorf("key = %q, want %q", out, want)
	}
}

func TestCheckCommand_RecordsUntilDenied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quotacache.yaml")
	content := `
store:
  driver: sqlite
  dsn: "` + filepath.Join(dir, "quota.db") + `"
limits:
  policies:
    - operation: search
      max_events: 1
      window_seconds: 60
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := execute(t, "check", "--config", path, "--record", "search", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "Decision:  allowed") || !strings.Contains(out, "Recorded 1 event.") {
		t.Errorf("first check output:\n%s", out)
	}
	checkRecord = false

	out, err = execute(t, "check", "--config", path, "search", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "Decision:  denied") {
		t.Errorf("second check output:\n%s", out)
	}
}

func TestCheckCommand_UnknownOperation(t *testing.T) {
	t.Setenv("QUOTACACHE_POLICIES", "search=1/60")
	t.Setenv("QUOTACACHE_STORE_DRIVER", "memory")

	if _, err := execute(t, "check", "--config", filepath.Join(t.TempDir(), "none.yaml"), "video", "alice"); err == nil {
		t.Error("expected error for unknown operation")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "quotacache dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestEnvFile_ConfiguresCommand(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	content := "QUOTACACHE_POLICIES=\"search=1/60\"\nQUOTACACHE_STORE_DRIVER=memory\n"
	if err := os.WriteFile(envPath, []byte(content), 0644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("QUOTACACHE_POLICIES")
		os.Unsetenv("QUOTACACHE_STORE_DRIVER")
	})

	out, err := execute(t, "check", "--env-file", envPath, "--config", filepath.Join(dir, "none.yaml"), "search", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "Decision:  allowed") {
		t.Errorf("check output:\n%s", out)
	}
}

func TestEnvFile_MissingIsIgnored(t *testing.T) {
	if _, err := execute(t, "version", "--env-file", filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("version with missing env file: %v", err)
	}
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema", "--compact")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	var schema struct {
		Properties map[string]struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}

	for _, section := range []string{"server", "store", "limits", "cache", "usage", "logging", "metrics", "tracing"} {
		if _, ok := schema.Properties[section]; !ok {
			t.Errorf("schema missing %q section", section)
		}
	}
	if got := schema.Properties["store"].Properties["driver"].Type; got != "string" {
		t.Errorf("store.driver type = %q, want string", got)
	}
	if got := schema.Properties["cache"].Properties["default_ttl"].Type; got != "string" {
		t.Errorf("cache.default_ttl type = %q, want string", got)
	}
	if got := schema.Properties["limits"].Properties["policies"].Type; got != "array" {
		t.Errorf("limits.policies type = %q, want array", got)
	}
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotacache.yaml")
	content := `
store:
  driver: memory
limits:
  policies:
    - operation: search
      max_events: 5
      window_seconds: 60
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	for _, want := range []string{"✓ Config valid", "✓ Policy search: 5 per 60s", "Configuration is valid."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("marks should not be colored when output is not a terminal")
	}
}

func TestValidateCommand_MissingFile(t *testing.T) {
	out, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(out, "✗ Config file exists") {
		t.Errorf("output:\n%s", out)
	}
}

// sqliteConfig writes a sqlite-backed config and seeds it with events.
func sqliteConfig(t *testing.T, retention string, events ...usage.Event) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "quota.db")
	path := filepath.Join(dir, "quotacache.yaml")
	content := `
store:
  driver: sqlite
  dsn: "` + dbPath + `"
  event_retention: ` + retention + `
limits:
  policies:
    - operation: search
      max_events: 10
      window_seconds: 60
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	store, err := bootstrap.OpenStore(config.StoreConfig{Driver: "sqlite", DSN: dbPath}, bootstrap.NewLogger(config.LoggingConfig{Level: "warn"}))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	for _, e := range events {
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return path
}

func TestPruneCommand_DeletesOldEvents(t *testing.T) {
	now := time.Now()
	path := sqliteConfig(t, "1h",
		usage.NewEvent("old", "alice", "search", nil, now.Add(-2*time.Hour)),
		usage.NewEvent("new", "alice", "search", nil, now.Add(-time.Minute)),
	)

	out, err := execute(t, "prune", "--config", path)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "Deleted 1 usage events older than 1h0m0s") {
		t.Errorf("prune output:\n%s", out)
	}
}

func TestPruneCommand_ClampsToLongestWindow(t *testing.T) {
	now := time.Now()
	path := sqliteConfig(t, "0s",
		usage.NewEvent("recent", "alice", "search", nil, now.Add(-30*time.Second)),
	)

	out, err := execute(t, "prune", "--config", path, "--retention", "1s")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "using 1m0s") || !strings.Contains(out, "Deleted 0 usage events") {
		t.Errorf("prune output:\n%s", out)
	}
}

func TestUsageRecentCommand(t *testing.T) {
	now := time.Now()
	path := sqliteConfig(t, "0s",
		usage.NewEvent("evt-1", "alice", "search", map[string]any{"q": "go"}, now.Add(-2*time.Minute)),
		usage.NewEvent("evt-2", "alice", "search", nil, now.Add(-time.Minute)),
		usage.NewEvent("evt-3", "bob", "search", nil, now.Add(-time.Minute)),
	)

	out, err := execute(t, "usage", "recent", "--config", path, "--identity", "alice", "--operation", "search")
	if err != nil {
		t.Fatalf("usage recent: %v", err)
	}
	if !strings.Contains(out, "evt-1") || !strings.Contains(out, "evt-2") {
		t.Errorf("usage output missing events:\n%s", out)
	}
	if strings.Contains(out, "evt-3") {
		t.Errorf("usage output includes another identity:\n%s", out)
	}
}
