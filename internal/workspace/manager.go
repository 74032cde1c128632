package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/fsutil"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/common/portutil"
)

const (
	archiveDirName  = ".archive"
	metaDirName     = ".devbridge"
	manifestName    = "workspace.json"
	sourceDirName   = "src"
	depsDirName     = "deps"
	workspaceFolder = 0o755
)

// Workspace is an isolated directory tree owned by one job of one application.
type Workspace struct {
	ApplicationID string    `json:"application_id"`
	JobID         string    `json:"job_id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Port          int       `json:"port"`
	SessionID     string    `json:"session_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SourcePath is where the agent generates the application.
func (w *Workspace) SourcePath() string { return filepath.Join(w.Path, sourceDirName) }

// DepsPath holds installed dependencies, kept apart from the sources.
func (w *Workspace) DepsPath() string { return filepath.Join(w.Path, depsDirName) }

func (w *Workspace) manifestPath() string {
	return filepath.Join(w.Path, metaDirName, manifestName)
}

// Manager creates, lists and releases workspaces under a single root.
type Manager struct {
	root    string
	cleanup string
	logger  *logger.Logger

	mu     sync.Mutex
	active map[string]*Workspace // by application id

	allocatePort func() (int, error)
}

// NewManager prepares the root (and its archive directory) and returns a Manager.
func NewManager(cfg config.WorkspaceConfig, log *logger.Logger) (*Manager, error) {
	root, err := config.ExpandPath(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("expand workspace root: %w", err)
	}
	if root == "" {
		return nil, errors.New("workspace root is required")
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, archiveDirName), workspaceFolder); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	cleanup := cfg.Cleanup
	if cleanup == "" {
		cleanup = config.CleanupArchive
	}

	return &Manager{
		root:         root,
		cleanup:      cleanup,
		logger:       log.WithFields(zap.String("component", "workspace")),
		active:       make(map[string]*Workspace),
		allocatePort: portutil.AllocatePort,
	}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// PathFor returns the deterministic workspace path for an application.
func (m *Manager) PathFor(applicationID string) string {
	return filepath.Join(m.root, DirName(applicationID))
}

// Create allocates a fresh, empty workspace for applicationID on behalf of jobID.
// It fails with a *CreationError when the application already holds a live
// workspace, when the target directory exists and is not empty, or when the
// filesystem refuses the write. An existing foreign directory is never modified.
func (m *Manager) Create(ctx context.Context, applicationID, jobID string) (*Workspace, error) {
	path := m.PathFor(applicationID)
	fail := func(reason string, err error) error {
		return &CreationError{ApplicationID: applicationID, Path: path, Reason: reason, Err: err}
	}

	if strings.TrimSpace(applicationID) == "" {
		return nil, fail("application id is empty", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, fail("cancelled", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.active[applicationID]; ok {
		return nil, fail(fmt.Sprintf("workspace already allocated to job %s", owner.JobID), nil)
	}

	empty, err := isEmptyDir(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fail("cannot inspect target path", err)
	case !empty:
		return nil, fail("target path already exists and is not empty", nil)
	}

	for _, dir := range []string{sourceDirName, depsDirName, metaDirName} {
		if err := os.MkdirAll(filepath.Join(path, dir), workspaceFolder); err != nil {
			m.removeQuietly(path)
			return nil, fail("filesystem denied write access", err)
		}
	}

	port, err := m.allocatePort()
	if err != nil {
		m.removeQuietly(path)
		return nil, fail("cannot allocate dev server port", err)
	}

	ws := &Workspace{
		ApplicationID: applicationID,
		JobID:         jobID,
		Name:          filepath.Base(path),
		Path:          path,
		Port:          port,
		CreatedAt:     time.Now().UTC(),
	}
	if err := fsutil.WriteJSONAtomic(ws.manifestPath(), ws); err != nil {
		m.removeQuietly(path)
		return nil, fail("cannot write workspace manifest", err)
	}

	m.active[applicationID] = ws
	m.logger.Info("workspace created",
		zap.String("application_id", applicationID),
		zap.String("job_id", jobID),
		zap.String("path", path),
		zap.Int("port", port))

	copied := *ws
	return &copied, nil
}

// SetSession records the agent session handle in the workspace manifest.
func (m *Manager) SetSession(ws *Workspace, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(ws.Path); err != nil {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, ws.Path)
	}
	ws.SessionID = sessionID
	if live, ok := m.active[ws.ApplicationID]; ok && live.JobID == ws.JobID {
		live.SessionID = sessionID
	}
	return fsutil.WriteJSONAtomic(ws.manifestPath(), ws)
}

// Destroy removes the workspace tree. Destroying an already removed workspace is a no-op.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) error {
	if err := m.checkInsideRoot(ws.Path); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws.Path, err)
	}
	m.forget(ws)
	m.logger.Info("workspace destroyed",
		zap.String("application_id", ws.ApplicationID),
		zap.String("path", ws.Path))
	return nil
}

// Archive moves the workspace under <root>/.archive and returns the new path.
// Archiving a workspace that no longer exists is a no-op returning "".
func (m *Manager) Archive(ctx context.Context, ws *Workspace) (string, error) {
	if err := m.checkInsideRoot(ws.Path); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(ws.Path); errors.Is(err, os.ErrNotExist) {
		m.forget(ws)
		return "", nil
	}

	suffix := ws.JobID
	if suffix == "" {
		suffix = time.Now().UTC().Format("20060102T150405")
	}
	dest := filepath.Join(m.root, archiveDirName, ws.Name+"-"+suffix)
	if _, err := os.Stat(dest); err == nil {
		dest = fmt.Sprintf("%s-%d", dest, time.Now().UnixNano())
	}
	if err := os.Rename(ws.Path, dest); err != nil {
		return "", fmt.Errorf("archive workspace %s: %w", ws.Path, err)
	}
	m.forget(ws)
	m.logger.Info("workspace archived",
		zap.String("application_id", ws.ApplicationID),
		zap.String("archive", dest))
	return dest, nil
}

// Release applies the configured cleanup policy (archive or destroy) and
// returns where the tree ended up: the archive path, or "" once destroyed.
func (m *Manager) Release(ctx context.Context, ws *Workspace) (string, error) {
	if m.cleanup == config.CleanupDestroy {
		return "", m.Destroy(ctx, ws)
	}
	return m.Archive(ctx, ws)
}

// Workspaces returns a lazy sequence over the workspaces present on disk.
// Each iteration re-reads the root, so the sequence can be restarted; every
// yielded value is a snapshot. Directories without a manifest are skipped.
func (m *Manager) Workspaces() iter.Seq[*Workspace] {
	return func(yield func(*Workspace) bool) {
		entries, err := os.ReadDir(m.root)
		if err != nil {
			m.logger.Warn("cannot read workspace root", zap.Error(err))
			return
		}
		for _, entry := range entries {
			if !entry.IsDir() || entry.Name() == archiveDirName {
				continue
			}
			ws, err := readManifest(filepath.Join(m.root, entry.Name()))
			if err != nil {
				continue
			}
			if !yield(ws) {
				return
			}
		}
	}
}

// List returns a snapshot of all workspaces, sorted by creation time.
func (m *Manager) List() []*Workspace {
	var out []*Workspace
	for ws := range m.Workspaces() {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Active reports whether applicationID currently holds a workspace in this process.
func (m *Manager) Active(applicationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[applicationID]
	return ok
}

// RecoverOrphans releases workspaces left behind by a previous process whose
// application has no live job (per inUse). A directory is only touched when its
// manifest names an application whose derived directory is that directory;
// anything else is logged and left alone. Returns the number released.
func (m *Manager) RecoverOrphans(ctx context.Context, inUse func(applicationID string) bool) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}

	released := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		if !entry.IsDir() || entry.Name() == archiveDirName {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())
		ws, err := readManifest(dir)
		if err != nil {
			m.logger.Warn("skipping directory without a readable manifest",
				zap.String("path", dir), zap.Error(err))
			continue
		}
		if DirName(ws.ApplicationID) != entry.Name() {
			m.logger.Warn("skipping workspace whose manifest does not match its directory",
				zap.String("path", dir),
				zap.String("application_id", ws.ApplicationID))
			continue
		}
		if m.Active(ws.ApplicationID) || (inUse != nil && inUse(ws.ApplicationID)) {
			continue
		}
		ws.Path = dir
		if _, err := m.Release(ctx, ws); err != nil {
			m.logger.Warn("failed to release orphaned workspace",
				zap.String("path", dir), zap.Error(err))
			continue
		}
		released++
	}

	if released > 0 {
		m.logger.Info("released orphaned workspaces", zap.Int("count", released))
	}
	return released, nil
}

// forget drops the in-memory allocation if it still belongs to ws. Caller holds m.mu.
func (m *Manager) forget(ws *Workspace) {
	if live, ok := m.active[ws.ApplicationID]; ok && live.Path == ws.Path && live.JobID == ws.JobID {
		delete(m.active, ws.ApplicationID)
	}
}

func (m *Manager) removeQuietly(path string) {
	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn("failed to remove partial workspace", zap.String("path", path), zap.Error(err))
	}
}

func (m *Manager) checkInsideRoot(path string) error {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

func readManifest(dir string) (*Workspace, error) {
	var ws Workspace
	if err := fsutil.ReadJSON(filepath.Join(dir, metaDirName, manifestName), &ws); err != nil {
		return nil, err
	}
	if ws.ApplicationID == "" {
		return nil, errors.New("manifest has no application id")
	}
	ws.Path = dir
	ws.Name = filepath.Base(dir)
	return &ws, nil
}

func isEmptyDir(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}
