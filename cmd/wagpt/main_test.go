package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wagpt/internal/config"
	"wagpt/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeTestConfig(t *testing.T, mutate func(*config.Config)) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.General.DataDir = dir
	cfg.General.DBPath = filepath.Join(dir, "wagpt.db")
	cfg.Transport.WhatsApp.StorePath = filepath.Join(dir, "auth.db")
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "config.json")
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path, cfg
}

// --- startup ---

func TestRun_MissingAPIKeyNeverConnects(t *testing.T) {
	t.Setenv(config.APIKeyEnv, "")
	logger = testLogger()
	path, _ := writeTestConfig(t, nil)

	opened := 0
	orig := openTransport
	openTransport = func(context.Context, *config.Config, *slog.Logger) (domain.Transport, domain.CredentialStore, error) {
		opened++
		return nil, nil, errors.New("should not be called")
	}
	t.Cleanup(func() {
		openTransport = orig
		configPath = ""
	})

	root := newRootCmd()
	root.SetArgs([]string{"run", "--config", path})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	err := root.Execute()
	if !errors.Is(err, config.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if opened != 0 {
		t.Fatalf("transport opened %d times without an API key", opened)
	}
}

func TestRun_InvalidConfigFails(t *testing.T) {
	t.Setenv(config.APIKeyEnv, "sk-test")
	logger = testLogger()
	path, _ := writeTestConfig(t, func(c *config.Config) { c.Relay.BatchPolicy = "random" })
	t.Cleanup(func() { configPath = "" })

	root := newRootCmd()
	root.SetArgs([]string{"--config", path})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "batchPolicy") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOpenTransport_TelegramWithoutToken(t *testing.T) {
	cfg := config.Defaults()
	cfg.Transport.Kind = "telegram"
	if _, _, err := openTransport(context.Background(), cfg, testLogger()); err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestReconnectPolicyFromConfig(t *testing.T) {
	rc := config.Defaults().Relay
	rc.ReconnectMaxAttempts = 4
	p := reconnectPolicy(rc)
	if p.Delay.Milliseconds() != 5000 || p.MaxAttempts != 4 || p.Multiplier != 1 {
		t.Fatalf("unexpected policy %+v", p)
	}
}

func TestSetupLogger_WritesFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "wagpt.log")
	closeLog, err := setupLogger(config.GeneralConfig{LogLevel: "error", LogFile: logFile})
	if err != nil {
		t.Fatalf("setupLogger: %v", err)
	}
	logger.Error("boom")
	closeLog()
	data, err := os.ReadFile(logFile)
	if err != nil || !strings.Contains(string(data), "boom") {
		t.Fatalf("expected log line in file, got %q (%v)", data, err)
	}
	logger = testLogger()
}

// --- config ---

func TestConfigList_PrintsMaskedPaths(t *testing.T) {
	t.Setenv(config.APIKeyEnv, "")
	logger = testLogger()
	path, _ := writeTestConfig(t, func(c *config.Config) {
		c.Completion.APIKey = "sk-1234567890abcdefghijklmnop"
		c.Relay.BatchPolicy = "last"
	})
	t.Cleanup(func() { configPath = "" })

	var out strings.Builder
	root := newRootCmd()
	root.SetArgs([]string{"config", "list", "--config", path})
	root.SetOut(&out)
	root.SetErr(io.Discard)
	if err := root.Execute(); err != nil {
		t.Fatalf("config list: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		`relay.batchPolicy = "last"`,
		`completion.apiKey = "sk-1****mnop"`,
		"relay.persistDedup = true",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "sk-1234567890") {
		t.Fatal("API key printed in clear")
	}
}

func TestConfigSet_RejectsUnknownKey(t *testing.T) {
	logger = testLogger()
	path, _ := writeTestConfig(t, nil)
	t.Cleanup(func() { configPath = "" })

	root := newRootCmd()
	root.SetArgs([]string{"config", "set", "relay.batchPolcy", "last", "--config", path})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); !errors.Is(err, config.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

// --- backup / restore ---

func TestBackupRestore_RoundTrip(t *testing.T) {
	t.Setenv(config.APIKeyEnv, "")
	logger = testLogger()
	cfgPath, cfg := writeTestConfig(t, nil)

	contents := map[string]string{
		cfg.Transport.WhatsApp.StorePath:          "auth",
		cfg.Transport.WhatsApp.StorePath + "-wal": "auth-wal",
		cfg.General.DBPath:                        "seen",
	}
	for p, c := range contents {
		if err := os.WriteFile(p, []byte(c), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	files := backupFiles(cfgPath, cfg)
	if len(files) != 4 {
		t.Fatalf("expected 4 files, got %v", files)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := createTarGz(archive, files); err != nil {
		t.Fatalf("createTarGz: %v", err)
	}

	for _, f := range files {
		os.Remove(f)
	}

	restored, err := extractTarGz(archive, restoreTargets(cfgPath, cfg))
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(restored) != 4 {
		t.Fatalf("expected 4 restored files, got %v", restored)
	}
	for p, c := range contents {
		data, err := os.ReadFile(p)
		if err != nil || string(data) != c {
			t.Fatalf("%s: got %q (%v), want %q", p, data, err, c)
		}
	}
	if _, err := config.Load(cfgPath); err != nil {
		t.Fatalf("restored config does not load: %v", err)
	}
}

func TestExtractTarGz_SkipsUnknownEntries(t *testing.T) {
	logger = testLogger()
	dir := t.TempDir()
	stray := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(stray, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(dir, "b.tar.gz")
	if err := createTarGz(archive, []string{stray}); err != nil {
		t.Fatal(err)
	}
	restored, err := extractTarGz(archive, map[string]string{"config.json": filepath.Join(dir, "config.json")})
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 0 {
		t.Fatalf("unknown entry should be skipped, got %v", restored)
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		3 * 1024 * 1024: "3.0 MB",
	}
	for in, want := range tests {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}

// --- setup / daemon ---

func TestRunSetup_Telegram(t *testing.T) {
	t.Setenv(config.APIKeyEnv, "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := filepath.Join(t.TempDir(), "config.json")

	input := "2\n123:abc\n\ngpt-4o-mini\nsk-test\n"
	if err := runSetup(strings.NewReader(input), io.Discard, path); err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if cfg.Transport.Kind != "telegram" || cfg.Transport.Telegram.Token != "123:abc" {
		t.Fatalf("unexpected transport %+v", cfg.Transport)
	}
	if cfg.Completion.Model != "gpt-4o-mini" || cfg.Completion.APIKey != "sk-test" {
		t.Fatalf("unexpected completion %+v", cfg.Completion)
	}
	if cfg.Completion.APIBase != "https://api.openai.com/v1" {
		t.Fatalf("empty answer should keep the default base, got %q", cfg.Completion.APIBase)
	}
}

func TestRunSetup_DefaultsOnEOF(t *testing.T) {
	t.Setenv(config.APIKeyEnv, "")
	path := filepath.Join(t.TempDir(), "config.json")
	if err := runSetup(strings.NewReader(""), io.Discard, path); err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Kind != "whatsapp" {
		t.Fatalf("expected default transport, got %q", cfg.Transport.Kind)
	}
	if err := config.RequireAPIKey(cfg); !errors.Is(err, config.ErrMissingAPIKey) {
		t.Fatalf("env reference without env should still be missing, got %v", err)
	}
}

func TestServiceTemplatesRunRelay(t *testing.T) {
	unit := renderServiceTemplate(systemdTemplate, map[string]string{
		"{{EXEC}}":   "/usr/local/bin/wagpt",
		"{{CONFIG}}": "/home/u/.wagpt/config.json",
	})
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/wagpt run --config /home/u/.wagpt/config.json") {
		t.Fatalf("unexpected unit:\n%s", unit)
	}
	if strings.Contains(unit, "{{") {
		t.Fatal("unrendered placeholder left in unit")
	}
}

func TestSQLiteFiles(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "auth.db")
	if got := sqliteFiles(db); len(got) != 0 {
		t.Fatalf("expected none, got %v", got)
	}
	os.WriteFile(db, nil, 0o600)
	os.WriteFile(db+"-shm", nil, 0o600)
	if got := sqliteFiles(db); len(got) != 2 {
		t.Fatalf("expected db and shm, got %v", got)
	}
}
