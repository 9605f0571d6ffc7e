package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/itstheanurag/playground/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	// ErrValidation marks a file set that was rejected before any
	// filesystem access. Callers map it to a 4xx response.
	ErrValidation = errors.New("invalid file set")

	ErrInvalidSessionID = errors.New("invalid session id")
)

// FileSet maps a slash-separated relative path to file content.
type FileSet map[string]string

type Options struct {
	Root      string
	Manifest  string
	SourceDir string
	BuildDir  string
	MaxFiles  int
	MaxBytes  int64
	// ManifestFormat "toml" rejects manifests that do not parse.
	ManifestFormat string
}

// Manager owns the session-storage root. Every session gets its own
// directory directly below Root.
type Manager struct {
	fs     afero.Fs
	opts   Options
	logger *zerolog.Logger
}

func NewManager(fsys afero.Fs, opts Options, logger *zerolog.Logger) *Manager {
	opts.Root = filepath.Clean(opts.Root)
	return &Manager{fs: fsys, opts: opts, logger: logger}
}

func (m *Manager) Root() string {
	return m.opts.Root
}

func (m *Manager) Fs() afero.Fs {
	return m.fs
}

func (m *Manager) Manifest() string {
	return m.opts.Manifest
}

// Create makes a fresh directory for sessionID, plus the source
// subdirectory the toolchain expects. The session directory itself is
// created with Mkdir, so two sessions can never share one.
func (m *Manager) Create(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	if err := m.fs.MkdirAll(m.opts.Root, 0755); err != nil {
		return "", fmt.Errorf("failed to create session root: %w", err)
	}

	dir := filepath.Join(m.opts.Root, sessionID)
	if err := m.fs.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	if m.opts.SourceDir != "" {
		if err := m.fs.MkdirAll(filepath.Join(dir, m.opts.SourceDir), 0755); err != nil {
			m.Destroy(dir)
			return "", fmt.Errorf("failed to create source directory: %w", err)
		}
	}

	return dir, nil
}

// ValidateFiles checks the file set without touching the filesystem.
func (m *Manager) ValidateFiles(files FileSet) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: no files submitted", ErrValidation)
	}
	if m.opts.MaxFiles > 0 && len(files) > m.opts.MaxFiles {
		return fmt.Errorf("%w: %d files exceeds the limit of %d", ErrValidation, len(files), m.opts.MaxFiles)
	}

	var total int64
	manifest := ""
	hasManifest := false
	paths := make(map[string]string, len(files))
	dirs := make(map[string]bool)
	if m.opts.SourceDir != "" {
		addParents(dirs, filepath.Join(filepath.FromSlash(m.opts.SourceDir), "x"))
	}
	for name, content := range files {
		clean, err := cleanRelPath(name)
		if err != nil {
			return err
		}
		if prev, ok := paths[clean]; ok {
			return fmt.Errorf("%w: paths %q and %q name the same file", ErrValidation, prev, name)
		}
		paths[clean] = name
		addParents(dirs, clean)

		if clean == filepath.FromSlash(m.opts.Manifest) {
			hasManifest = true
			manifest = content
		}
		total += int64(len(content))
	}

	// A file cannot sit where a directory has to be created.
	for clean, name := range paths {
		if dirs[clean] {
			return fmt.Errorf("%w: path %q is also used as a directory", ErrValidation, name)
		}
	}

	if !hasManifest {
		return fmt.Errorf("%w: missing required %s", ErrValidation, m.opts.Manifest)
	}
	if m.opts.MaxBytes > 0 && total > m.opts.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds the limit of %d", ErrValidation, total, m.opts.MaxBytes)
	}

	if m.opts.ManifestFormat == "toml" {
		var doc map[string]any
		if _, err := toml.Decode(manifest, &doc); err != nil {
			return fmt.Errorf("%w: %s is not valid TOML: %v", ErrValidation, m.opts.Manifest, err)
		}
	}

	return nil
}

// WriteFiles validates files and then materializes them under dir.
func (m *Manager) WriteFiles(dir string, files FileSet) error {
	if err := m.ValidateFiles(files); err != nil {
		return err
	}

	for name, content := range files {
		clean, err := cleanRelPath(name)
		if err != nil {
			return err
		}

		path, err := securejoin.SecureJoin(dir, clean)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", name, err)
		}

		if err := m.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := afero.WriteFile(m.fs, path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	m.logger.Debug().Str("dir", dir).Int("files", len(files)).Msg("workspace populated")
	return nil
}

// ReadFiles collects every regular file below dir into a FileSet, skipping
// the toolchain build directory. Hidden directories are skipped as well.
func (m *Manager) ReadFiles(dir string) (FileSet, error) {
	files := make(FileSet)
	var total int64

	err := afero.Walk(m.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if rel != "." && (rel == m.opts.BuildDir || strings.HasPrefix(info.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		if m.opts.MaxFiles > 0 && len(files) >= m.opts.MaxFiles {
			return fmt.Errorf("generated project has more than %d files", m.opts.MaxFiles)
		}
		total += info.Size()
		if m.opts.MaxBytes > 0 && total > m.opts.MaxBytes {
			return fmt.Errorf("generated project exceeds %d bytes", m.opts.MaxBytes)
		}

		data, err := afero.ReadFile(m.fs, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace: %w", err)
	}

	return files, nil
}

// Destroy removes dir recursively. It is safe to call on a missing or
// partially removed directory and never returns an error: failures are
// logged so they cannot mask the session's own result.
func (m *Manager) Destroy(dir string) {
	if dir == "" {
		return
	}

	clean := filepath.Clean(dir)
	if filepath.Dir(clean) != m.opts.Root {
		m.logger.Error().Str("dir", dir).Msg("refusing to remove directory outside session root")
		return
	}

	if err := m.fs.RemoveAll(clean); err != nil && !errors.Is(err, os.ErrNotExist) {
		metrics.WorkspaceCleanupFailures.Inc()
		m.logger.Warn().Err(err).Str("dir", clean).Msg("failed to remove workspace")
		return
	}
	m.logger.Debug().Str("dir", clean).Msg("workspace removed")
}

// Paths returns the sorted keys of a file set.
func (f FileSet) Paths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// addParents records every ancestor directory of a cleaned relative path.
func addParents(dirs map[string]bool, clean string) {
	for dir := filepath.Dir(clean); dir != "."; dir = filepath.Dir(dir) {
		dirs[dir] = true
	}
}

func cleanRelPath(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: empty or malformed path %q", ErrValidation, name)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrValidation, name)
	}

	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes the workspace", ErrValidation, name)
	}
	return clean, nil
}
