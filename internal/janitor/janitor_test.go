package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

func newTestJanitor(fsys afero.Fs, root string, now time.Time) *Janitor {
	logger := zerolog.Nop()
	return New(fsys, Options{
		Root:      root,
		Interval:  time.Minute,
		Retention: time.Hour,
		Now:       func() time.Time { return now },
	}, &logger)
}

func makeSession(t *testing.T, fsys afero.Fs, dir string, mtime time.Time) {
	t.Helper()
	if err := fsys.MkdirAll(filepath.Join(dir, "sources"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fsys, filepath.Join(dir, "Move.toml"), []byte("[package]"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := fsys.Chtimes(dir, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	fsys := afero.NewMemMapFs()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	makeSession(t, fsys, "/sessions/orphan", now.Add(-2*time.Hour))
	makeSession(t, fsys, "/sessions/just-over", now.Add(-time.Hour-time.Second))
	makeSession(t, fsys, "/sessions/fresh", now.Add(-10*time.Minute))

	j := newTestJanitor(fsys, "/sessions", now)
	removed, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Sweep() removed %d, want 2", removed)
	}

	for _, gone := range []string{"/sessions/orphan", "/sessions/just-over"} {
		if ok, _ := afero.Exists(fsys, gone); ok {
			t.Errorf("%s survived the sweep", gone)
		}
	}
	if ok, _ := afero.Exists(fsys, "/sessions/fresh"); !ok {
		t.Error("fresh session was removed")
	}
}

func TestSweep_MissingRoot(t *testing.T) {
	j := newTestJanitor(afero.NewMemMapFs(), "/does-not-exist", time.Now())
	removed, err := j.Sweep(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("Sweep() = %d, %v, want 0, nil", removed, err)
	}
}

// vanishingFs deletes an entry right before the janitor removes it,
// as a concurrent session cleanup would.
type vanishingFs struct {
	afero.Fs
}

func (v vanishingFs) RemoveAll(path string) error {
	if err := v.Fs.RemoveAll(path); err != nil {
		return err
	}
	return v.Fs.RemoveAll(path)
}

func TestSweep_ToleratesConcurrentRemoval(t *testing.T) {
	base := afero.NewMemMapFs()
	now := time.Now()
	makeSession(t, base, "/sessions/racing", now.Add(-3*time.Hour))

	j := newTestJanitor(vanishingFs{base}, "/sessions", now)
	if _, err := j.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if ok, _ := afero.Exists(base, "/sessions/racing"); ok {
		t.Error("racing session survived")
	}
}

func TestSweep_OnDisk(t *testing.T) {
	root := t.TempDir()
	fsys := afero.NewOsFs()
	now := time.Now()

	old := filepath.Join(root, "old")
	young := filepath.Join(root, "young")
	makeSession(t, fsys, old, now.Add(-90*time.Minute))
	makeSession(t, fsys, young, now)

	j := newTestJanitor(fsys, root, now)
	removed, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep() removed %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old session survived")
	}
	if _, err := os.Stat(young); err != nil {
		t.Errorf("young session was removed: %v", err)
	}
}

func TestStart_SweepsImmediatelyAndStops(t *testing.T) {
	fsys := afero.NewMemMapFs()
	now := time.Now()
	makeSession(t, fsys, "/sessions/orphan", now.Add(-2*time.Hour))

	j := newTestJanitor(fsys, "/sessions", now)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ok, _ := afero.Exists(fsys, "/sessions/orphan"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Start() did not sweep on startup")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
