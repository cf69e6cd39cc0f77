package project

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/brandonbloom/pinenv/internal/config"
	"github.com/brandonbloom/pinenv/internal/failure"
)

var (
	// ErrNotFound indicates that pinenv.toml could not be discovered.
	ErrNotFound = errors.New("run `pinenv init` to create a project in this directory")
)

// Project is a pinenv-managed toolkit checkout discovered on disk. Every
// path is absolute.
type Project struct {
	Root       string
	ConfigPath string
	Config     config.Config

	EnvDir       string
	StoreDir     string
	ManifestPath string
	LogDir       string
}

// Discover walks upward from start until it finds pinenv.toml.
func Discover(start string) (*Project, error) {
	root, err := locateRoot(start)
	if err != nil {
		return nil, failure.Wrap(failure.Config, "", err, "no %s above %s", config.FileName, start)
	}
	return Load(root, os.Getenv)
}

// Load constructs a Project from a known root directory. The root's .env
// file is loaded first, then PINENV_* variables read through getenv
// override the config file.
func Load(root string, getenv func(string) string) (*Project, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(root); err != nil {
		return nil, err
	}
	cfgPath := filepath.Join(root, config.FileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, failure.Wrap(failure.Config, "", err, "load %s", cfgPath)
	}
	if getenv != nil {
		cfg.ApplyEnv(getenv)
		if err := cfg.Validate(); err != nil {
			return nil, failure.Wrap(failure.Config, "", err, "environment overrides")
		}
	}
	if err := cfg.ValidateLayout(root); err != nil {
		return nil, failure.Wrap(failure.Config, "", err, "%s", cfgPath)
	}
	return &Project{
		Root:         root,
		ConfigPath:   cfgPath,
		Config:       cfg,
		EnvDir:       resolve(root, cfg.EnvDir),
		StoreDir:     resolve(root, cfg.StoreDir),
		ManifestPath: resolve(root, cfg.Manifest),
		LogDir:       resolve(root, cfg.LogDir),
	}, nil
}

// Exists reports whether root already holds a pinenv.toml.
func Exists(root string) bool {
	fi, err := os.Stat(filepath.Join(root, config.FileName))
	return err == nil && !fi.IsDir()
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

func locateRoot(start string) (string, error) {
	cur, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if Exists(cur) {
			return cur, nil
		}
		next := filepath.Dir(cur)
		if next == cur {
			break
		}
		cur = next
	}
	return "", ErrNotFound
}
