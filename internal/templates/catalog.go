package templates

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/itstheanurag/playground/internal/workspace"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// MetadataFile holds optional template metadata inside a template directory.
const MetadataFile = "template.yaml"

// maxTemplateBytes bounds what a single directory template may load.
const maxTemplateBytes = 4 << 20

var ErrTemplateNotFound = errors.New("template not found")

type Template struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Files       workspace.FileSet `json:"files"`
}

type Summary struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	FileCount   int      `json:"fileCount"`
	Files       []string `json:"files"`
}

type metadata struct {
	Description string `yaml:"description"`
}

// Catalog serves seed projects for new editor sessions: the built-in set
// plus one template per subdirectory of dir. Directory templates replace
// built-ins with the same name.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]Template

	fs     afero.Fs
	dir    string
	logger *zerolog.Logger
}

func NewCatalog(fsys afero.Fs, dir string, logger *zerolog.Logger) (*Catalog, error) {
	c := &Catalog{
		templates: make(map[string]Template),
		fs:        fsys,
		dir:       dir,
		logger:    logger,
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Dir() string {
	return c.dir
}

// Reload rebuilds the catalog from the built-ins and the template
// directory. On error the previous catalog stays in place.
func (c *Catalog) Reload() error {
	next := make(map[string]Template)
	for _, t := range builtins() {
		next[t.Name] = t
	}

	if c.dir != "" {
		loaded, err := c.loadDir()
		if err != nil {
			return err
		}
		for _, t := range loaded {
			next[t.Name] = t
		}
	}

	c.mu.Lock()
	c.templates = next
	c.mu.Unlock()

	c.logger.Debug().Int("templates", len(next)).Str("dir", c.dir).Msg("template catalog loaded")
	return nil
}

func (c *Catalog) loadDir() ([]Template, error) {
	entries, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var out []Template
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		t, err := c.loadTemplate(entry.Name())
		if err != nil {
			c.logger.Warn().Err(err).Str("template", entry.Name()).Msg("skipping template")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Catalog) loadTemplate(name string) (Template, error) {
	root := filepath.Join(c.dir, name)
	t := Template{Name: name, Files: make(workspace.FileSet)}
	var total int64

	err := afero.Walk(c.fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if rel != "." && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		total += info.Size()
		if total > maxTemplateBytes {
			return fmt.Errorf("template exceeds %d bytes", maxTemplateBytes)
		}

		data, err := afero.ReadFile(c.fs, path)
		if err != nil {
			return err
		}

		if rel == MetadataFile {
			var meta metadata
			if err := yaml.Unmarshal(data, &meta); err != nil {
				return fmt.Errorf("invalid %s: %w", MetadataFile, err)
			}
			t.Description = meta.Description
			return nil
		}

		t.Files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return Template{}, err
	}
	if len(t.Files) == 0 {
		return Template{}, errors.New("template has no files")
	}
	return t, nil
}

func (c *Catalog) Get(name string) (Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return t, nil
}

func (c *Catalog) List() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Summary, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, Summary{
			Name:        t.Name,
			Description: t.Description,
			FileCount:   len(t.Files),
			Files:       t.Files.Paths(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
