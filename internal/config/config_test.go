package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_UnknownTransport(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Kind = "signal"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestValidate_WhatsAppNeedsStorePath(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.WhatsApp.StorePath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty storePath")
	}
}

func TestValidate_BatchPolicy(t *testing.T) {
	for _, policy := range []string{"first", "last", "all"} {
		cfg := Defaults()
		cfg.Relay.BatchPolicy = policy
		if err := Validate(cfg); err != nil {
			t.Fatalf("policy %q should be valid: %v", policy, err)
		}
	}

	cfg := Defaults()
	cfg.Relay.BatchPolicy = "random"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid batch policy")
	}
}

func TestValidate_ReconnectBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Relay.ReconnectDelayMs = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative delay")
	}

	cfg = Defaults()
	cfg.Relay.ReconnectDelayMs = 5000
	cfg.Relay.ReconnectMaxDelayMs = 1000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxDelay < delay")
	}

	cfg = Defaults()
	cfg.Relay.ReconnectMultiplier = 0.5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for multiplier < 1")
	}
}

func TestValidate_MaxConcurrentMessages_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.Relay.MaxConcurrentMessages = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxConcurrentMessages=1 should be valid: %v", err)
	}

	cfg.Relay.MaxConcurrentMessages = 100
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxConcurrentMessages=100 should be valid: %v", err)
	}

	cfg.Relay.MaxConcurrentMessages = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrentMessages=0")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.Model = ""
	cfg.Relay.DedupTTLMinutes = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "completion.model") || !strings.Contains(err.Error(), "relay.dedupTTLMinutes") {
		t.Fatalf("expected both violations reported, got: %v", err)
	}
}

// --- API key ---

func TestRequireAPIKey_Missing(t *testing.T) {
	cfg := Defaults()
	if err := RequireAPIKey(cfg); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}

	cfg.Completion.APIKey = "   "
	if err := RequireAPIKey(cfg); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("whitespace key should count as missing, got %v", err)
	}

	cfg.Completion.APIKey = "${" + APIKeyEnv + "}"
	if err := RequireAPIKey(cfg); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("unexpanded reference should count as missing, got %v", err)
	}
}

func TestApplyEnv_OverridesAPIKey(t *testing.T) {
	t.Setenv(APIKeyEnv, "sk-from-env")
	cfg := Defaults()
	cfg.Completion.APIKey = "sk-from-file"
	ApplyEnv(cfg)
	if cfg.Completion.APIKey != "sk-from-env" {
		t.Fatalf("expected env key, got %q", cfg.Completion.APIKey)
	}
	if err := RequireAPIKey(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Completion.Model = "gpt-4o-mini"
	original.Relay.BatchPolicy = "all"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Completion.Model != "gpt-4o-mini" {
		t.Fatalf("expected 'gpt-4o-mini', got %q", loaded.Completion.Model)
	}
	if loaded.Relay.BatchPolicy != "all" {
		t.Fatalf("expected 'all', got %q", loaded.Relay.BatchPolicy)
	}
}

func TestLoadSave_YAML(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := Defaults()
	original.Transport.Kind = "telegram"
	original.Relay.ReconnectDelayMs = 2500

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		t.Fatalf("expected YAML output, got JSON:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Transport.Kind != "telegram" || loaded.Relay.ReconnectDelayMs != 2500 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestSave_DoesNotPersistEnvKey(t *testing.T) {
	t.Setenv(APIKeyEnv, "sk-env-only-123456")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Defaults()
	ApplyEnv(cfg)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "sk-env-only-123456") {
		t.Fatal("env-provided key must not be written to disk")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefaults_MissingFile(t *testing.T) {
	t.Setenv(APIKeyEnv, "sk-test")
	cfg, err := LoadOrDefaults(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Completion.APIKey != "sk-test" {
		t.Fatalf("env override should apply to defaults, got %q", cfg.Completion.APIKey)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"relay": {
			"batchPolicy": "newest"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for batchPolicy=newest")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_WAGPT_MODEL", "gpt-4.1")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"completion": {
			"model": "${TEST_WAGPT_MODEL}",
			"apiBase": "${TEST_WAGPT_BASE:-http://localhost:8080/v1}"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Completion.Model != "gpt-4.1" {
		t.Fatalf("expected model 'gpt-4.1', got %q", cfg.Completion.Model)
	}
	if cfg.Completion.APIBase != "http://localhost:8080/v1" {
		t.Fatalf("expected default apiBase, got %q", cfg.Completion.APIBase)
	}
}

// --- dotenv ---

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	os.WriteFile(envFile, []byte("WAGPT_DOTENV_A=from-file\nWAGPT_DOTENV_B=from-file\n"), 0o644)

	t.Setenv("WAGPT_DOTENV_A", "from-shell")
	t.Setenv("WAGPT_DOTENV_B", "")
	os.Unsetenv("WAGPT_DOTENV_B")
	t.Cleanup(func() { os.Unsetenv("WAGPT_DOTENV_B") })

	loaded, err := LoadDotEnv(envFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 file loaded, got %v", loaded)
	}
	if got := os.Getenv("WAGPT_DOTENV_A"); got != "from-shell" {
		t.Fatalf("existing var overridden: %q", got)
	}
	if got := os.Getenv("WAGPT_DOTENV_B"); got != "from-file" {
		t.Fatalf("expected var from file, got %q", got)
	}
}

func TestLoadDotEnv_MissingFileSkipped(t *testing.T) {
	loaded, err := LoadDotEnv(filepath.Join(t.TempDir(), ".env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected nothing loaded, got %v", loaded)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "completion.model")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "gpt-3.5-turbo" {
		t.Fatalf("expected 'gpt-3.5-turbo', got %v", val)
	}
}

func TestGetByPath_UnknownKey(t *testing.T) {
	cfg := Defaults()
	for _, path := range []string{"nonexistent.path", "completion.modle", "completion.model.name", ""} {
		if _, err := GetByPath(cfg, path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
	if _, err := GetByPath(cfg, "general.workspace"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestGetByPath_OmittedZeroValue(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.MaxTokens = 0
	val, err := GetByPath(cfg, "completion.maxTokens")
	if err != nil {
		t.Fatalf("omitempty field should still resolve: %v", err)
	}
	if val != 0 {
		t.Fatalf("expected 0, got %v", val)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "relay.exitOnLogout", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Relay.ExitOnLogout {
		t.Fatal("expected relay.exitOnLogout=true")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "relay.reconnectDelayMs", "1500"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Relay.ReconnectDelayMs != 1500 {
		t.Fatalf("expected 1500, got %d", cfg.Relay.ReconnectDelayMs)
	}
}

func TestSetByPath_FloatAndString(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "completion.temperature", "0.2"); err != nil {
		t.Fatalf("set float: %v", err)
	}
	if err := SetByPath(cfg, "completion.model", "gpt-4o-mini"); err != nil {
		t.Fatalf("set string: %v", err)
	}
	if cfg.Completion.Temperature != 0.2 || cfg.Completion.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected completion %+v", cfg.Completion)
	}
}

func TestSetByPath_RejectsTypeMismatch(t *testing.T) {
	tests := []struct{ path, value string }{
		{"relay.exitOnLogout", "maybe"},
		{"relay.reconnectDelayMs", "1.5s"},
		{"completion.temperature", "warm"},
	}
	for _, tt := range tests {
		cfg := Defaults()
		before := *cfg
		if err := SetByPath(cfg, tt.path, tt.value); err == nil {
			t.Errorf("%s=%q: expected error", tt.path, tt.value)
		}
		if *cfg != before {
			t.Errorf("%s=%q: config modified on error", tt.path, tt.value)
		}
	}
}

func TestSetByPath_RejectsUnknownKeyAndSection(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "relay.batchPolcy", "last"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if err := SetByPath(cfg, "relay", "last"); err == nil {
		t.Fatal("setting a whole section should fail")
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Completion.APIKey = "sk-1234567890abcdefghijklmnop"

	sanitized := Sanitize(cfg)

	if sanitized.Transport.Telegram.Token == cfg.Transport.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Completion.APIKey == cfg.Completion.APIKey {
		t.Fatal("API key should be masked")
	}
	if cfg.Completion.APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.APIKey = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Completion.APIKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Completion.APIKey)
	}
}

func TestSanitize_KeepsEnvReference(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.APIKey = "${OPENAI_API_KEY}"
	if got := Sanitize(cfg).Completion.APIKey; got != "${OPENAI_API_KEY}" {
		t.Fatalf("env reference should stay readable, got %q", got)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.APIKey = "sk-1234567890abcdefghijklmnop"
	entries := ListPaths(cfg)

	values := make(map[string]any)
	var order []string
	for _, e := range entries {
		values[e.Path] = e.Value
		order = append(order, e.Path)
	}
	for _, expected := range []string{"general.logLevel", "transport.kind", "transport.telegram.token", "relay.batchPolicy", "completion.maxTokens", "metrics.listen"} {
		if _, ok := values[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
	if order[0] != "general.dataDir" {
		t.Errorf("expected declaration order, first entry is %s", order[0])
	}
	if values["completion.apiKey"] != "sk-1****mnop" {
		t.Errorf("listed API key should be masked, got %v", values["completion.apiKey"])
	}
	for _, e := range entries {
		if _, err := GetByPath(cfg, e.Path); err != nil {
			t.Errorf("listed path %s does not resolve: %v", e.Path, err)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}
