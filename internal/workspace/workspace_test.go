package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

func newTestManager(t *testing.T, fsys afero.Fs, root string) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	return NewManager(fsys, Options{
		Root:           root,
		Manifest:       "Move.toml",
		SourceDir:      "sources",
		BuildDir:       "build",
		MaxFiles:       10,
		MaxBytes:       1024,
		ManifestFormat: "toml",
	}, &logger)
}

func TestCreate_MakesSessionAndSourceDir(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "/sessions")

	dir, err := m.Create("abc")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if dir != filepath.Join("/sessions", "abc") {
		t.Errorf("Create() dir = %q", dir)
	}
	if ok, _ := afero.DirExists(fsys, filepath.Join(dir, "sources")); !ok {
		t.Error("source directory was not created")
	}

	if _, err := m.Create("abc"); err == nil {
		t.Error("Create() with a reused session id should fail")
	}
}

func TestCreate_RejectsBadSessionIDs(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "/sessions")

	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, err := m.Create(id); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Create(%q) error = %v, want ErrInvalidSessionID", id, err)
		}
	}
}

func TestValidateFiles(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "/sessions")
	manifest := "[package]\nname = \"hello\"\n"

	tests := []struct {
		name  string
		files FileSet
		valid bool
	}{
		{"manifest and source", FileSet{"Move.toml": manifest, "sources/hello.move": "module hello {}"}, true},
		{"dotted manifest path", FileSet{"./Move.toml": manifest}, true},
		{"empty", FileSet{}, false},
		{"missing manifest", FileSet{"sources/hello.move": "module hello {}"}, false},
		{"nested manifest does not count", FileSet{"sources/Move.toml": manifest}, false},
		{"absolute path", FileSet{"Move.toml": manifest, "/etc/passwd": "x"}, false},
		{"traversal", FileSet{"Move.toml": manifest, "../../escape": "x"}, false},
		{"traversal after clean", FileSet{"Move.toml": manifest, "sources/../../escape": "x"}, false},
		{"empty path", FileSet{"Move.toml": manifest, "": "x"}, false},
		{"invalid toml", FileSet{"Move.toml": "[package"}, false},
		{"too large", FileSet{"Move.toml": manifest, "big": string(make([]byte, 2048))}, false},
		{"file shadows source dir", FileSet{"Move.toml": manifest, "sources": "x"}, false},
		{"file is parent of another", FileSet{"Move.toml": manifest, "a": "x", "a/b": "y"}, false},
		{"file is deep parent of another", FileSet{"Move.toml": manifest, "docs": "x", "docs/en/readme.md": "y"}, false},
		{"same file twice", FileSet{"Move.toml": manifest, "sources/a.move": "x", "sources//a.move": "y"}, false},
		{"sibling prefixes", FileSet{"Move.toml": manifest, "a": "x", "ab/c": "y"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateFiles(tt.files)
			if tt.valid && err != nil {
				t.Fatalf("ValidateFiles() error = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, ErrValidation) {
				t.Fatalf("ValidateFiles() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestValidateFiles_TooManyFiles(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "/sessions")
	files := FileSet{"Move.toml": ""}
	for i := 0; i < 10; i++ {
		files[filepath.Join("sources", string(rune('a'+i))+".move")] = ""
	}
	if err := m.ValidateFiles(files); !errors.Is(err, ErrValidation) {
		t.Fatalf("ValidateFiles() error = %v, want ErrValidation", err)
	}
}

func TestWriteFiles_RejectsBeforeTouchingDisk(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "/sessions")

	err := m.WriteFiles("/sessions/x", FileSet{"sources/a.move": "x"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("WriteFiles() error = %v, want ErrValidation", err)
	}
	if ok, _ := afero.Exists(fsys, "/sessions/x"); ok {
		t.Error("WriteFiles() created files for an invalid file set")
	}
}

func TestWriteFiles_OnDisk(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, afero.NewOsFs(), root)

	dir, err := m.Create("session-1")
	if err != nil {
		t.Fatal(err)
	}

	files := FileSet{
		"Move.toml":                "[package]\nname = \"hello\"\n",
		"sources/hello.move":       "module hello::hello {}",
		"sources/deep/nested.move": "module hello::nested {}",
	}
	if err := m.WriteFiles(dir, files); err != nil {
		t.Fatalf("WriteFiles() error = %v", err)
	}

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestWriteFiles_PathClashIsValidationError(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, afero.NewOsFs(), root)

	dir, err := m.Create("session-1")
	if err != nil {
		t.Fatal(err)
	}

	err = m.WriteFiles(dir, FileSet{"Move.toml": "[package]\n", "sources": "module x::y {}"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("WriteFiles() error = %v, want ErrValidation", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Move.toml")); !os.IsNotExist(err) {
		t.Errorf("manifest was written for a rejected file set: %v", err)
	}
}

func TestReadFiles_SkipsBuildAndHidden(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "/sessions")

	dir := "/sessions/gen/hello"
	mustWrite(t, fsys, filepath.Join(dir, "Move.toml"), "[package]")
	mustWrite(t, fsys, filepath.Join(dir, "sources", "hello.move"), "module hello {}")
	mustWrite(t, fsys, filepath.Join(dir, "build", "out.bin"), "binary")
	mustWrite(t, fsys, filepath.Join(dir, ".git", "HEAD"), "ref")

	files, err := m.ReadFiles(dir)
	if err != nil {
		t.Fatalf("ReadFiles() error = %v", err)
	}

	want := []string{"Move.toml", "sources/hello.move"}
	got := files.Paths()
	if len(got) != len(want) {
		t.Fatalf("ReadFiles() paths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ReadFiles() paths = %v, want %v", got, want)
		}
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "/sessions")

	dir, err := m.Create("gone")
	if err != nil {
		t.Fatal(err)
	}

	m.Destroy(dir)
	m.Destroy(dir)
	m.Destroy("")

	if ok, _ := afero.Exists(fsys, dir); ok {
		t.Error("Destroy() left the workspace behind")
	}
}

func TestDestroy_RefusesOutsideRoot(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "/sessions")
	mustWrite(t, fsys, "/other/keep.txt", "keep")

	m.Destroy("/other")
	m.Destroy("/sessions/../other")

	if ok, _ := afero.Exists(fsys, "/other/keep.txt"); !ok {
		t.Error("Destroy() removed a directory outside the session root")
	}
}

func mustWrite(t *testing.T, fsys afero.Fs, path, content string) {
	t.Helper()
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fsys, path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
