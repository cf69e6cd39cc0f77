package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
	if cfg.EnvDir != ".venv" || cfg.Manifest != "requirements.txt" || cfg.Populate.Jobs != 4 || cfg.Online.RetryCount() != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Mirror.SSLEnabled() {
		t.Fatal("mirror TLS defaults on")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	data := `interpreter = "python3.11"
env_dir = "build/venv"

[cli]
command = ["-m", "diag"]

[online]
retries = -1

[mirror]
enabled = true
endpoint = "minio:9000"
use_ssl = false
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interpreter != "python3.11" || cfg.EnvDir != "build/venv" {
		t.Fatalf("top-level keys not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CLI.Command, []string{"-m", "diag"}) {
		t.Fatalf("cli.command = %v", cfg.CLI.Command)
	}
	if got := cfg.Online.RetryCount(); got != 0 {
		t.Fatalf("negative retries clamp to zero, got %d", got)
	}
	if cfg.Mirror.SSLEnabled() || cfg.Mirror.Bucket != "pinenv-wheelhouse" {
		t.Fatalf("mirror = %+v", cfg.Mirror)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"ok", func(*Config) {}, nil},
		{"no interpreter", func(c *Config) { c.Interpreter = " " }, ErrMissingInterpreter},
		{"no command", func(c *Config) { c.CLI.Command = []string{""} }, ErrMissingCLICommand},
		{"same dir", func(c *Config) { c.StoreDir = "./.venv" }, ErrSamePaths},
		{"store inside env", func(c *Config) { c.StoreDir = ".venv/wheelhouse" }, ErrSamePaths},
		{"env inside logs", func(c *Config) { c.EnvDir = "logs/venv" }, ErrSamePaths},
		{"env is root", func(c *Config) { c.EnvDir = "." }, ErrContainsRoot},
		{"env above root", func(c *Config) { c.EnvDir = ".." }, ErrContainsRoot},
		{"store above root", func(c *Config) { c.StoreDir = "wheelhouse/../.." }, ErrContainsRoot},
		{"logs at root", func(c *Config) { c.LogDir = "." }, ErrContainsRoot},
		{"filesystem root", func(c *Config) { c.StoreDir = "/" }, ErrContainsRoot},
		{"sibling after clean", func(c *Config) { c.StoreDir = "wheelhouse/../src" }, nil},
		{"shared absolute store", func(c *Config) { c.StoreDir = "/srv/wheels" }, nil},
		{"mirror", func(c *Config) { c.Mirror.Enabled = true }, ErrMirrorEndpoint},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("Validate = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestLoadZeroRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("[online]\nretries = 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Online.RetryCount(); got != 0 {
		t.Fatalf("retries = %d, want 0", got)
	}
}

func TestValidateLayoutAgainstRoot(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	if err := cfg.ValidateLayout(root); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	cfg.EnvDir = filepath.Dir(root)
	if err := cfg.ValidateLayout(root); !errors.Is(err, ErrContainsRoot) {
		t.Fatalf("absolute parent env_dir: err = %v, want ErrContainsRoot", err)
	}
	cfg = Default()
	cfg.StoreDir = filepath.Join(root, ".venv", "wheelhouse")
	if err := cfg.ValidateLayout(root); !errors.Is(err, ErrSamePaths) {
		t.Fatalf("absolute store inside env: err = %v, want ErrSamePaths", err)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"PINENV_INTERPRETER":       "/opt/python3.11/bin/python3",
		"PINENV_MIRROR_ENDPOINT":   "minio.internal:9000",
		"PINENV_MIRROR_ACCESS_KEY": "ak",
		"PINENV_MIRROR_SECRET_KEY": " sk ",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })
	if cfg.Interpreter != "/opt/python3.11/bin/python3" {
		t.Fatalf("interpreter = %q", cfg.Interpreter)
	}
	if !cfg.Mirror.Enabled || cfg.Mirror.Endpoint != "minio.internal:9000" || cfg.Mirror.SecretKey != "sk" {
		t.Fatalf("mirror = %+v", cfg.Mirror)
	}
	if cfg.IndexURL != "" {
		t.Fatalf("unset variables must not clear values, got %q", cfg.IndexURL)
	}
}

func TestLoadDotEnv(t *testing.T) {
	root := t.TempDir()
	if err := LoadDotEnv(root); err != nil {
		t.Fatalf("missing .env: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte("PINENV_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PINENV_TEST_DOTENV", "from-env")
	if err := LoadDotEnv(root); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("PINENV_TEST_DOTENV"); got != "from-env" {
		t.Fatalf("dotenv must not override the environment, got %q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", FileName)
	cfg := Default()
	cfg.IndexURL = "https://pypi.example/simple"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.IndexURL != cfg.IndexURL || got.Interpreter != cfg.Interpreter {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
