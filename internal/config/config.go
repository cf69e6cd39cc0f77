package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// FileName is the project configuration file at the project root.
const FileName = "pinenv.toml"

// Config captures the user editable settings stored in pinenv.toml.
type Config struct {
	Interpreter string `toml:"interpreter"`
	EnvDir      string `toml:"env_dir"`
	StoreDir    string `toml:"store_dir"`
	Manifest    string `toml:"manifest"`
	LogDir      string `toml:"log_dir"`
	IndexURL    string `toml:"index_url"`

	Logs     LogsBlock     `toml:"logs"`
	CLI      CLIBlock      `toml:"cli"`
	Populate PopulateBlock `toml:"populate"`
	Online   OnlineBlock   `toml:"online"`
	Mirror   MirrorBlock   `toml:"mirror"`
}

// LogsBlock selects which files `pinenv logclear` removes.
type LogsBlock struct {
	Extensions []string `toml:"extensions"`
}

// CLIBlock is the toolkit command run with the environment's interpreter.
type CLIBlock struct {
	Command []string `toml:"command"`
}

// PopulateBlock governs store population.
type PopulateBlock struct {
	Jobs int `toml:"jobs"`
}

// OnlineBlock governs setup-online.
type OnlineBlock struct {
	Retries *int `toml:"retries"`
}

// RetryCount is the number of retries after a network failure. Unset means
// 3; zero or a negative value means a single attempt.
func (o OnlineBlock) RetryCount() int {
	if o.Retries == nil {
		return 3
	}
	return max(*o.Retries, 0)
}

// MirrorBlock addresses an S3-compatible artifact mirror. Credentials come
// only from the environment.
type MirrorBlock struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Region   string `toml:"region"`
	UseSSL   *bool  `toml:"use_ssl"`

	AccessKey string `toml:"-"`
	SecretKey string `toml:"-"`
}

// SSLEnabled reports whether the mirror is reached over TLS.
func (m MirrorBlock) SSLEnabled() bool {
	if m.UseSSL == nil {
		return true
	}
	return *m.UseSSL
}

var (
	// ErrMissingInterpreter indicates the config cleared the interpreter.
	ErrMissingInterpreter = errors.New("config.interpreter must be set")
	// ErrMissingCLICommand indicates an empty toolkit command.
	ErrMissingCLICommand = errors.New("config.cli.command must name the toolkit entry point")
	// ErrSamePaths indicates two managed directories overlap.
	ErrSamePaths = errors.New("config.env_dir, store_dir and log_dir must not contain one another")
	// ErrContainsRoot indicates a managed directory is the project root or
	// one of its parents.
	ErrContainsRoot = errors.New("config.env_dir, store_dir and log_dir must not be the project root or above it")
	// ErrMirrorEndpoint indicates an enabled mirror without an endpoint.
	ErrMirrorEndpoint = errors.New("config.mirror.endpoint must be set when the mirror is enabled")
)

// Default returns a baseline configuration for a project.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if c.EnvDir == "" {
		c.EnvDir = ".venv"
	}
	if c.StoreDir == "" {
		c.StoreDir = "wheelhouse"
	}
	if c.Manifest == "" {
		c.Manifest = "requirements.txt"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.Logs.Extensions == nil {
		c.Logs.Extensions = []string{".log", ".txt"}
	}
	if len(c.CLI.Command) == 0 {
		c.CLI.Command = []string{"diag_cli.py"}
	}
	if c.Populate.Jobs <= 0 {
		c.Populate.Jobs = 4
	}
	if c.Mirror.Bucket == "" {
		c.Mirror.Bucket = "pinenv-wheelhouse"
	}
	if c.Mirror.Region == "" {
		c.Mirror.Region = "us-east-1"
	}
}

// Validate ensures the configuration can guide pinenv's behavior.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Interpreter) == "" {
		return ErrMissingInterpreter
	}
	if len(c.CLI.Command) == 0 || strings.TrimSpace(c.CLI.Command[0]) == "" {
		return ErrMissingCLICommand
	}
	if err := c.ValidateLayout(nominalRoot); err != nil {
		return err
	}
	if c.Mirror.Enabled && strings.TrimSpace(c.Mirror.Endpoint) == "" {
		return ErrMirrorEndpoint
	}
	return nil
}

// nominalRoot stands in for the project root when Validate has none; it
// catches relative paths that climb out of the project.
var nominalRoot = filepath.Join(string(filepath.Separator), "pinenv", "project")

// ValidateLayout checks env_dir, store_dir and log_dir once resolved against
// root. Teardown removes them wholesale, so none may hold the project or
// another managed directory.
func (c Config) ValidateLayout(root string) error {
	root = filepath.Clean(root)
	names := []string{"env_dir", "store_dir", "log_dir"}
	dirs := make([]string, len(names))
	for i, d := range []string{c.EnvDir, c.StoreDir, c.LogDir} {
		if filepath.IsAbs(d) {
			dirs[i] = filepath.Clean(d)
		} else {
			dirs[i] = filepath.Join(root, d)
		}
		if isWithin(root, dirs[i]) {
			return fmt.Errorf("%s %q: %w", names[i], d, ErrContainsRoot)
		}
	}
	for i := range dirs {
		for j := i + 1; j < len(dirs); j++ {
			if isWithin(dirs[i], dirs[j]) || isWithin(dirs[j], dirs[i]) {
				return fmt.Errorf("%s and %s: %w", names[i], names[j], ErrSamePaths)
			}
		}
	}
	return nil
}

// isWithin reports whether path is dir or lies below it.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Load reads configuration from disk. Missing files return a default config.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, err
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Save writes configuration to disk, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// LoadDotEnv reads root/.env into the process environment without
// overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(root string) error {
	path := filepath.Join(root, ".env")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides file settings with PINENV_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	env := func(key string) string {
		return strings.TrimSpace(getenv(key))
	}
	c.Interpreter = firstNonEmpty(env("PINENV_INTERPRETER"), c.Interpreter)
	c.IndexURL = firstNonEmpty(env("PINENV_INDEX_URL"), c.IndexURL)
	c.Mirror.Endpoint = firstNonEmpty(env("PINENV_MIRROR_ENDPOINT"), c.Mirror.Endpoint)
	c.Mirror.Bucket = firstNonEmpty(env("PINENV_MIRROR_BUCKET"), c.Mirror.Bucket)
	c.Mirror.AccessKey = firstNonEmpty(env("PINENV_MIRROR_ACCESS_KEY"), c.Mirror.AccessKey)
	c.Mirror.SecretKey = firstNonEmpty(env("PINENV_MIRROR_SECRET_KEY"), c.Mirror.SecretKey)
	if c.Mirror.Endpoint != "" && env("PINENV_MIRROR_ENDPOINT") != "" {
		c.Mirror.Enabled = true
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
