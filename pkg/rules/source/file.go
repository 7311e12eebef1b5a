package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/rules/engine"
)

var _ engine.RuleSource = (*FileSource)(nil)

// DefaultMaxFileSize bounds a single rule file.
const DefaultMaxFileSize = 1 << 20

// FileConfig configures a FileSource.
type FileConfig struct {
	// Path is a rule file or a directory searched recursively.
	Path string

	// Extensions lists the file extensions loaded from directories.
	Extensions []string

	// MaxFileSize is the largest file accepted, in bytes.
	MaxFileSize int64

	// Debounce is the quiet period after a change before a reload event is
	// sent (default: 200ms).
	Debounce time.Duration

	// SkipHidden skips files and directories whose names start with a dot.
	SkipHidden bool
}

// DefaultFileConfig returns the default configuration for path.
func DefaultFileConfig(path string) *FileConfig {
	return &FileConfig{
		Path:        path,
		Extensions:  []string{".yaml", ".yml"},
		MaxFileSize: DefaultMaxFileSize,
		Debounce:    200 * time.Millisecond,
		SkipHidden:  true,
	}
}

// FileSource loads rules from YAML files and watches them for changes. It
// implements engine.RuleSource.
type FileSource struct {
	config *FileConfig
	logger *slog.Logger
}

// NewFileSource creates a file source. A nil logger uses slog.Default().
func NewFileSource(config *FileConfig, logger *slog.Logger) (*FileSource, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("rule path is required")
	}
	if len(config.Extensions) == 0 {
		config.Extensions = []string{".yaml", ".yml"}
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if config.Debounce <= 0 {
		config.Debounce = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		config: config,
		logger: logger.With("component", "rule_source", "path", config.Path),
	}, nil
}

// LoadRules loads every rule file under the configured path. Files are read
// in lexical order. A rule name defined in two files is an error. When some
// files fail, the rules of the others are returned with an *ErrorList.
func (s *FileSource) LoadRules(ctx context.Context) ([]rules.Rule, error) {
	info, err := os.Stat(s.config.Path)
	if err != nil {
		return nil, &LoadError{Path: s.config.Path, Message: "failed to access path", Cause: err}
	}

	files := []string{s.config.Path}
	if info.IsDir() {
		files, err = s.collectFiles(s.config.Path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, &LoadError{Path: s.config.Path, Message: "no rule files found in directory"}
		}
	}

	var out []rules.Rule
	definedIn := make(map[string]string)
	errList := &ErrorList{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.loadFile(path)
		if err != nil {
			errList.Add(err)
			continue
		}
		for _, r := range doc.Rules {
			if prev, ok := definedIn[r.Name]; ok {
				errList.Add(&LoadError{Path: path, Message: fmt.Sprintf("rule %q already defined in %s", r.Name, prev)})
				continue
			}
			definedIn[r.Name] = path
			out = append(out, r)
		}
	}

	s.logger.Debug("rule files loaded", "files", len(files), "rules", len(out), "errors", len(errList.Errors))
	return out, errList.ToError()
}

func (s *FileSource) loadFile(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "failed to access file", Cause: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &LoadError{Path: path, Message: "not a regular file"}
	}
	if info.Size() > s.config.MaxFileSize {
		return nil, &LoadError{
			Path:    path,
			Message: fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", info.Size(), s.config.MaxFileSize),
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "failed to read file", Cause: err}
	}
	if !utf8.Valid(data) {
		return nil, &LoadError{Path: path, Message: "file contains invalid UTF-8 encoding"}
	}
	return Parse(path, data)
}

// collectFiles returns the rule files under dir in lexical order.
func (s *FileSource) collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if s.config.SkipHidden && strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !s.hasValidExtension(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, &LoadError{Path: dir, Message: "failed to walk directory", Cause: err}
	}
	sort.Strings(files)
	return files, nil
}

func (s *FileSource) hasValidExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range s.config.Extensions {
		if ext == strings.ToLower(valid) {
			return true
		}
	}
	return false
}

// Watch watches the configured path and sends one event per burst of
// changes. The channel is closed when ctx is cancelled.
func (s *FileSource) Watch(ctx context.Context) (<-chan engine.RuleEvent, error) {
	w, err := newWatcher(s.config, s.logger)
	if err != nil {
		return nil, err
	}
	return w.run(ctx), nil
}
