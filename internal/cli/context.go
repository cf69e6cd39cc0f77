package cli

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brandonbloom/pinenv/internal/lifecycle"
	"github.com/brandonbloom/pinenv/internal/logdir"
	"github.com/brandonbloom/pinenv/internal/mirror"
	"github.com/brandonbloom/pinenv/internal/project"
)

const logFileName = "pinenv.log"

func loadProjectFromWD() (*project.Project, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return project.Discover(wd)
}

// session is one command's view of the project.
type session struct {
	Project    *project.Project
	Controller *lifecycle.Controller
	Mirror     *mirror.Client
	Log        *zap.Logger

	closeLog func()
}

func (s *session) Close() {
	if s.closeLog != nil {
		s.closeLog()
	}
}

func openSession() (*session, error) {
	proj, err := loadProjectFromWD()
	if err != nil {
		return nil, err
	}
	return newSession(proj)
}

func newSession(proj *project.Project) (*session, error) {
	log, closeLog := openLogger(proj.LogDir)
	s := &session{Project: proj, Log: log, closeLog: closeLog}
	cfg := proj.Config

	opts := lifecycle.Options{
		ProjectDir:   proj.Root,
		EnvDir:       proj.EnvDir,
		StoreDir:     proj.StoreDir,
		ManifestPath: proj.ManifestPath,
		LogDir:       proj.LogDir,
		Interpreter:  cfg.Interpreter,
		IndexURL:     cfg.IndexURL,
		ToolCommand:  cfg.CLI.Command,
		Jobs:         cfg.Populate.Jobs,
		Retries:      cfg.Online.RetryCount(),
		LogMatch:     logdir.ByExtension(cfg.Logs.Extensions...),
		Logger:       log,
		Now:          currentTimeOverride,
	}
	if cfg.Mirror.Enabled {
		client, err := mirror.New(mirror.Config{
			Endpoint:  cfg.Mirror.Endpoint,
			Region:    cfg.Mirror.Region,
			AccessKey: cfg.Mirror.AccessKey,
			SecretKey: cfg.Mirror.SecretKey,
			Bucket:    cfg.Mirror.Bucket,
			Prefix:    cfg.Mirror.Prefix,
			UseSSL:    cfg.Mirror.SSLEnabled(),
		}, log)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Mirror = client
		opts.Mirror = client
	}
	s.Controller = lifecycle.New(opts)
	return s, nil
}

// openLogger appends JSON lines to <log_dir>/pinenv.log. A log directory
// that cannot be created disables the operational log rather than the
// command.
func openLogger(dir string) (*zap.Logger, func()) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return zap.NewNop(), func() {}
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zap.NewNop(), func() {}
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), zap.InfoLevel)
	log := zap.New(core).With(zap.Int("pid", os.Getpid()))
	return log, func() {
		_ = log.Sync()
		_ = f.Close()
	}
}
