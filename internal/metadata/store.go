// Package metadata keeps one JSON document per generated application.
package metadata

import (
	"context"
	"errors"
	"fmt"
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
)

// ErrApplicationNotFound is returned by Get for unknown application ids.
var ErrApplicationNotFound = errors.New("application not found")

// Application statuses written by the job manager.
const (
	StatusRequested  = "requested"
	StatusDeveloping = "developing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// LaunchConfig describes how the frontend starts a finished application.
type LaunchConfig struct {
	Command string `json:"command,omitempty"`
	Port    int    `json:"port,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Application is the persisted record for one application capsule.
type Application struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Status        string       `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LastJobID     string       `json:"last_job_id,omitempty"`
	WorkspacePath string       `json:"workspace_path,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	Launch        LaunchConfig `json:"launch_config"`
}

// Store reads and writes application documents under a directory.
type Store struct {
	dir    string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewStore creates the directory if needed.
func NewStore(cfg config.MetadataConfig, log *logger.Logger) (*Store, error) {
	dir, err := config.ExpandPath(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, errors.New("metadata directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "metadata")),
	}, nil
}

func (s *Store) path(id string) string {
	// ids are opaque; keep them from escaping the directory
	safe := strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(id)
	return filepath.Join(s.dir, safe+".json")
}

// Get returns the document for id.
func (s *Store) Get(ctx context.Context, id string) (*Application, error) {
	var app Application
	if err := fsutil.ReadJSON(s.path(id), &app); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, id)
		}
		return nil, err
	}
	return &app, nil
}

// Update loads (or initializes) the document for id, applies fn and writes it back atomically.
func (s *Store) Update(ctx context.Context, id string, fn func(app *Application)) (*Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, err := s.Get(ctx, id)
	if errors.Is(err, ErrApplicationNotFound) {
		now := time.Now().UTC()
		app = &Application{ID: id, Title: id, Status: StatusRequested, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}

	fn(app)
	app.ID = id
	app.UpdatedAt = time.Now().UTC()

	if err := fsutil.WriteJSONAtomic(s.path(id), app); err != nil {
		return nil, err
	}
	s.logger.Debug("application updated", zap.String("application_id", id), zap.String("status", app.Status))
	return app, nil
}

// List returns every application document, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*Application, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var apps []*Application
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		var app Application
		if err := fsutil.ReadJSON(filepath.Join(s.dir, e.Name()), &app); err != nil {
			s.logger.Warn("skipping unreadable application document", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		apps = append(apps, &app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].UpdatedAt.After(apps[j].UpdatedAt) })
	return apps, nil
}
