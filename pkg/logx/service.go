package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level string
	// Console enables stdout output.
	Console bool
	// Format is "console" (human readable, default) or "json". Use json
	// under journald so fields stay queryable.
	Format string
	File   FileConfig
}

// FileConfig appends JSON lines to Path.
type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./jobsched.log"

// Service owns the sinks and swaps them on Apply, so every Logger taken
// from it picks up level and output changes from a config reload.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	root   atomic.Pointer[zerolog.Logger]
	stdout io.Writer
}

func New(cfg Config) (*Service, Logger) {
	s := &Service{stdout: os.Stdout}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks. The log file is reopened only when its path
// changes. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	path := strings.TrimSpace(cfg.File.Path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && (!cfg.File.Enabled || path != s.filePath) {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
	if cfg.File.Enabled && s.file == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file, s.filePath = f, path
		}
	}

	var writers []io.Writer
	if cfg.Console || s.file == nil {
		writers = append(writers, s.consoleWriter(cfg.Format))
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)), zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) consoleWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return s.stdout
	}
	return zerolog.ConsoleWriter{
		Out:        s.stdout,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			c, _ := i.(string)
			return c
		},
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
