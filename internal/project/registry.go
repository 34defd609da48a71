package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nightowl/internal/clock"
	"nightowl/internal/storage"
	logx "nightowl/pkg/logx"
)

// Project is a named shared workspace.
type Project struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name"`
	WorkspacePath string     `json:"workspace_path"`
	Trashed       bool       `json:"trashed"`
	TrashedAt     *time.Time `json:"trashed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TrashEntry is one directory under <root>/trash.
type TrashEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
}

const trashStampLayout = "20060102_150405"

// Registry maps project names to slugs and workspaces.
type Registry struct {
	db    *storage.DB
	root  string
	clock clock.Clock
	log   logx.Logger

	group singleflight.Group
	fsMu  sync.Mutex // serializes workspace moves
}

func NewRegistry(db *storage.DB, root string, clk clock.Clock, log logx.Logger) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{db: db, root: filepath.Clean(root), clock: clk, log: log}
}

func (r *Registry) Root() string { return r.root }

func (r *Registry) projectsDir() string { return filepath.Join(r.root, "projects") }
func (r *Registry) trashDir() string    { return filepath.Join(r.root, "trash") }

// WorkspacePath is where a project's shared workspace lives.
func (r *Registry) WorkspacePath(slug string) string {
	return filepath.Join(r.projectsDir(), slug)
}

// TaskWorkspace creates and returns the private workspace of a task that has
// no project.
func (r *Registry) TaskWorkspace(taskID int64) (string, error) {
	dir := filepath.Join(r.root, "tasks", "task_"+strconv.FormatInt(taskID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("task workspace: %w", err)
	}
	return dir, nil
}

const projectColumns = `id, display_name, workspace_path, trashed, trashed_at, created_at`

func scanProject(scan func(dest ...any) error) (Project, error) {
	var (
		p         Project
		trashedAt sql.NullInt64
		created   int64
	)
	if err := scan(&p.ID, &p.DisplayName, &p.WorkspacePath, &p.Trashed, &trashedAt, &created); err != nil {
		return Project{}, err
	}
	p.TrashedAt = storage.TimePtr(trashedAt)
	p.CreatedAt = storage.FromMillis(created)
	return p, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Project, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// Lookup resolves a free-form name or slug to an existing project.
func (r *Registry) Lookup(ctx context.Context, name string) (Project, error) {
	slug := Slugify(name)
	if slug == "" {
		return Project{}, fmt.Errorf("%w: %q", ErrValidation, name)
	}
	return r.Get(ctx, slug)
}

// ResolveOrCreate returns the project named name, creating it and its
// workspace if needed. "Backend API" and "backend-api" resolve to the same
// project. Trashed projects yield *TrashedError.
func (r *Registry) ResolveOrCreate(ctx context.Context, name string) (Project, error) {
	slug := Slugify(name)
	if slug == "" {
		return Project{}, fmt.Errorf("%w: %q", ErrValidation, name)
	}
	v, err, _ := r.group.Do(slug, func() (any, error) {
		return r.resolve(ctx, slug, strings.TrimSpace(name))
	})
	if err != nil {
		return Project{}, err
	}
	return v.(Project), nil
}

func (r *Registry) resolve(ctx context.Context, slug, display string) (Project, error) {
	p, err := r.Get(ctx, slug)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		// Another process may win the insert; the re-read below picks up its row.
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO projects(id, display_name, workspace_path, trashed, created_at)
			 VALUES(?,?,?,0,?) ON CONFLICT(id) DO NOTHING`,
			slug, display, r.WorkspacePath(slug), storage.Millis(r.clock.Now()))
		if err != nil {
			return Project{}, fmt.Errorf("create project %s: %w", slug, err)
		}
		if p, err = r.Get(ctx, slug); err != nil {
			return Project{}, err
		}
		r.log.Info("project created", logx.String("project", slug), logx.String("workspace", p.WorkspacePath))
	default:
		return Project{}, err
	}

	if p.Trashed {
		return Project{}, &TrashedError{ProjectID: slug}
	}
	if err := os.MkdirAll(p.WorkspacePath, 0o755); err != nil {
		return Project{}, fmt.Errorf("project workspace: %w", err)
	}
	return p, nil
}

// List returns projects ordered by slug.
func (r *Registry) List(ctx context.Context, includeTrashed bool) ([]Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects`
	if !includeTrashed {
		q += ` WHERE trashed = 0`
	}
	q += ` ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Trash marks a project trashed. Unless keepWorkspace is set, its workspace
// is moved to <root>/trash/project_<slug>_<stamp>; the returned path is that
// destination (empty when nothing moved).
func (r *Registry) Trash(ctx context.Context, id string, keepWorkspace bool) (Project, string, error) {
	now := r.clock.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE projects SET trashed = 1, trashed_at = ? WHERE id = ? AND trashed = 0`,
		storage.Millis(now), id)
	if err != nil {
		return Project{}, "", fmt.Errorf("trash project %s: %w", id, err)
	}
	p, err := r.Get(ctx, id)
	if err != nil {
		return Project{}, "", err
	}
	if n, _ := res.RowsAffected(); n == 0 || keepWorkspace {
		return p, "", nil
	}

	r.fsMu.Lock()
	defer r.fsMu.Unlock()
	if _, err := os.Stat(p.WorkspacePath); errors.Is(err, os.ErrNotExist) {
		return p, "", nil
	}
	if err := os.MkdirAll(r.trashDir(), 0o755); err != nil {
		return p, "", err
	}
	dst := r.uniqueTrashPath(id, now)
	if err := os.Rename(p.WorkspacePath, dst); err != nil {
		return p, "", fmt.Errorf("move workspace to trash: %w", err)
	}
	r.log.Info("project trashed", logx.String("project", id), logx.String("trash", dst))
	return p, dst, nil
}

func (r *Registry) uniqueTrashPath(slug string, at time.Time) string {
	base := filepath.Join(r.trashDir(), "project_"+slug+"_"+at.Format(trashStampLayout))
	dst := base
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
			return dst
		}
		dst = fmt.Sprintf("%s_%d", base, i)
	}
}

// Restore clears the trashed flag. A missing workspace is brought back from
// the newest trash copy, or recreated empty.
func (r *Registry) Restore(ctx context.Context, id string) (Project, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return Project{}, err
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE projects SET trashed = 0, trashed_at = NULL WHERE id = ?`, id); err != nil {
		return Project{}, fmt.Errorf("restore project %s: %w", id, err)
	}
	p, err := r.Get(ctx, id)
	if err != nil {
		return Project{}, err
	}

	r.fsMu.Lock()
	defer r.fsMu.Unlock()
	if _, err := os.Stat(p.WorkspacePath); err == nil {
		return p, nil
	}
	if src := r.newestTrashCopy(id); src != "" {
		if err := os.MkdirAll(filepath.Dir(p.WorkspacePath), 0o755); err != nil {
			return p, err
		}
		if err := os.Rename(src, p.WorkspacePath); err != nil {
			return p, fmt.Errorf("restore workspace: %w", err)
		}
		r.log.Info("project restored", logx.String("project", id), logx.String("from", src))
		return p, nil
	}
	if err := os.MkdirAll(p.WorkspacePath, 0o755); err != nil {
		return p, err
	}
	r.log.Info("project restored with empty workspace", logx.String("project", id))
	return p, nil
}

func (r *Registry) newestTrashCopy(slug string) string {
	entries, err := os.ReadDir(r.trashDir())
	if err != nil {
		return ""
	}
	prefix := "project_" + slug + "_"
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		// Reject slugs that merely share a prefix ("api" vs "api-v2").
		if _, err := time.Parse(trashStampLayout, stampOf(strings.TrimPrefix(name, prefix))); err != nil {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(r.trashDir(), names[len(names)-1])
}

// stampOf drops an optional "_<n>" collision suffix.
func stampOf(rest string) string {
	if len(rest) > len(trashStampLayout) {
		return rest[:len(trashStampLayout)]
	}
	return rest
}

// ListTrash lists trash entries, newest first.
func (r *Registry) ListTrash() ([]TrashEntry, error) {
	entries, err := os.ReadDir(r.trashDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]TrashEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, TrashEntry{
			Name:    e.Name(),
			Path:    filepath.Join(r.trashDir(), e.Name()),
			ModTime: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// EmptyTrash deletes every trash entry and returns how many were removed.
func (r *Registry) EmptyTrash() (int, error) {
	r.fsMu.Lock()
	defer r.fsMu.Unlock()
	entries, err := r.ListTrash()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if err := os.RemoveAll(e.Path); err != nil {
			return n, fmt.Errorf("empty trash: %w", err)
		}
		n++
	}
	if n > 0 {
		r.log.Info("trash emptied", logx.Int("entries", n))
	}
	return n, nil
}
