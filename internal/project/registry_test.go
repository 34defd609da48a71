package project

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nightowl/internal/clock"
	"nightowl/internal/storage/storagetest"
	logx "nightowl/pkg/logx"
)

func TestSlugify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"My App", "my-app"},
		{"Backend API", "backend-api"},
		{"backend-api", "backend-api"},
		{"  --Hello,   World!! ", "hello-world"},
		{"v2.0_release", "v2-0-release"},
		{"Café Über", "café-über"},
		{"!!!", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := Slugify(tt.in)
		if got != tt.want {
			t.Fatalf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := Slugify(got); again != got {
			t.Fatalf("Slugify not idempotent for %q: %q -> %q", tt.in, got, again)
		}
	}
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Fixed) {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 3, 14, 22, 30, 5, 0, time.UTC))
	return NewRegistry(storagetest.Open(t), t.TempDir(), clk, logx.Nop()), clk
}

func TestResolveOrCreateIdempotent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.ResolveOrCreate(ctx, "Backend API")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.ResolveOrCreate(ctx, "backend-api")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "backend-api" || a.ID != b.ID || a.WorkspacePath != b.WorkspacePath {
		t.Fatalf("projects differ: %+v vs %+v", a, b)
	}
	if a.DisplayName != "Backend API" {
		t.Fatalf("DisplayName = %q, want first name used", a.DisplayName)
	}
	if fi, err := os.Stat(a.WorkspacePath); err != nil || !fi.IsDir() {
		t.Fatalf("workspace not created: %v", err)
	}
	if _, err := r.ResolveOrCreate(ctx, " ?? "); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty slug: err = %v", err)
	}
}

func TestResolveOrCreateConcurrent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	names := []string{"My App", "my app", "MY-APP", "my_app", "My  App!"}
	var wg sync.WaitGroup
	paths := make([]string, len(names))
	errs := make([]error, len(names))
	for i, n := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.ResolveOrCreate(ctx, n)
			paths[i], errs[i] = p.WorkspacePath, err
		}()
	}
	wg.Wait()
	for i := range names {
		if errs[i] != nil {
			t.Fatalf("ResolveOrCreate(%q): %v", names[i], errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("workspace %q != %q", paths[i], paths[0])
		}
	}
	all, err := r.List(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("projects = %d, want 1", len(all))
	}
}

func TestTrashAndRestore(t *testing.T) {
	t.Parallel()
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.ResolveOrCreate(ctx, "Site")
	if err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(p.WorkspacePath, "notes.md")
	if err := os.WriteFile(marker, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	trashed, dst, err := r.Trash(ctx, p.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if !trashed.Trashed || trashed.TrashedAt == nil {
		t.Fatalf("project not flagged: %+v", trashed)
	}
	if want := filepath.Join(r.Root(), "trash", "project_site_20260314_223005"); dst != want {
		t.Fatalf("trash path = %q, want %q", dst, want)
	}
	if _, err := os.Stat(p.WorkspacePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("workspace should be gone, stat err = %v", err)
	}

	_, err = r.ResolveOrCreate(ctx, "site")
	var te *TrashedError
	if !errors.As(err, &te) || !errors.Is(err, ErrProjectTrashed) {
		t.Fatalf("resolve trashed: err = %v", err)
	}

	entries, err := r.ListTrash()
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListTrash = %v, %v", entries, err)
	}

	clk.Advance(time.Hour)
	restored, err := r.Restore(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Trashed || restored.TrashedAt != nil {
		t.Fatalf("still trashed: %+v", restored)
	}
	if b, err := os.ReadFile(marker); err != nil || string(b) != "keep me" {
		t.Fatalf("workspace content not restored: %q, %v", b, err)
	}
	if _, err := r.ResolveOrCreate(ctx, "Site"); err != nil {
		t.Fatalf("resolve after restore: %v", err)
	}
}

func TestTrashKeepWorkspaceAndEmpty(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	keep, _ := r.ResolveOrCreate(ctx, "keep")
	gone, _ := r.ResolveOrCreate(ctx, "gone")

	if _, dst, err := r.Trash(ctx, keep.ID, true); err != nil || dst != "" {
		t.Fatalf("Trash(keep) = %q, %v", dst, err)
	}
	if _, err := os.Stat(keep.WorkspacePath); err != nil {
		t.Fatalf("kept workspace missing: %v", err)
	}
	if _, _, err := r.Trash(ctx, gone.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Trash(ctx, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("trash unknown: err = %v", err)
	}

	live, err := r.List(ctx, false)
	if err != nil || len(live) != 0 {
		t.Fatalf("List(live) = %v, %v", live, err)
	}

	n, err := r.EmptyTrash()
	if err != nil || n != 1 {
		t.Fatalf("EmptyTrash = %d, %v", n, err)
	}
	// Nothing to bring back: restore recreates an empty workspace.
	p, err := r.Restore(ctx, gone.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(p.WorkspacePath); err != nil || !fi.IsDir() {
		t.Fatalf("workspace not recreated: %v", err)
	}
}

func TestTaskWorkspace(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	dir, err := r.TaskWorkspace(42)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "task_42" {
		t.Fatalf("dir = %q", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatal(err)
	}
}
