package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vbase/rce/config"
)

// Staging permissions. The sandbox runs as a different identity than the
// server process, so the per-request subtree and its files are made
// world-readable. The relaxation is scoped to the freshly created,
// randomly named subtree and never applied to a shared path.
const (
	workspaceDirPerm  = 0o755
	workspaceFilePerm = 0o644
	workspacePrefix   = "vbase-rce-"
)

// SourceFile is one decoded file ready to be materialized on disk.
type SourceFile struct {
	Name string
	Data []byte
}

// Workspace is the per-request staging area shared read-only with the
// sandbox. Destroyed unconditionally before the request returns.
type Workspace struct {
	ID       string
	Path     string
	MainFile string
	Files    []string
}

// FileSystem defines the file system operations staging needs. Writes
// are durable: the container process reads across a process boundary
// that does not observe unflushed writes.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFileSync(name string, data []byte, perm os.FileMode) error
	SyncDir(path string) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// WriteFileSync writes data and flushes it to stable storage before
// returning.
func (RealFileSystem) WriteFileSync(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SyncDir flushes directory metadata so freshly created entries are
// visible to other processes.
func (RealFileSystem) SyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// WorkspaceManager creates and destroys per-request staging areas.
type WorkspaceManager struct {
	root   string
	fs     FileSystem
	logger *zap.Logger
}

// WorkspaceManagerOption defines a functional option for WorkspaceManager
type WorkspaceManagerOption func(*WorkspaceManager)

// WithFileSystem sets the FileSystem for WorkspaceManager
func WithFileSystem(fs FileSystem) WorkspaceManagerOption {
	return func(m *WorkspaceManager) {
		m.fs = fs
	}
}

// NewWorkspaceManager creates a WorkspaceManager rooted at root. An empty
// root falls back to the system temp directory.
func NewWorkspaceManager(logger *zap.Logger, root string, opts ...WorkspaceManagerOption) *WorkspaceManager {
	if root == "" {
		root = os.TempDir()
	}
	m := &WorkspaceManager{
		root:   root,
		fs:     &RealFileSystem{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewWorkspaceManagerFromConfig builds the manager from the application
// configuration.
func NewWorkspaceManagerFromConfig(logger *zap.Logger, cfg *config.Config) *WorkspaceManager {
	return NewWorkspaceManager(logger, cfg.Staging.Root)
}

// Stage materializes files into a fresh, uniquely named subtree and
// flushes them to stable storage. The random id guarantees concurrent
// requests never share a path. A partially staged workspace is destroyed
// before the error is returned.
func (m *WorkspaceManager) Stage(files []SourceFile) (*Workspace, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to stage")
	}

	id := uuid.NewString()
	dir := filepath.Join(m.root, workspacePrefix+id)

	if err := m.fs.MkdirAll(dir, workspaceDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	ws := &Workspace{
		ID:   id,
		Path: dir,
	}

	for i, f := range files {
		if err := validateStagedName(f.Name); err != nil {
			m.Destroy(ws)
			return nil, err
		}
		path := filepath.Join(dir, f.Name)
		if err := m.fs.WriteFileSync(path, f.Data, workspaceFilePerm); err != nil {
			m.Destroy(ws)
			return nil, fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
		ws.Files = append(ws.Files, f.Name)
		if i == 0 {
			ws.MainFile = f.Name
		}
	}

	// Directory metadata barrier: the container may begin reading
	// immediately after creation.
	if err := m.fs.SyncDir(dir); err != nil {
		m.Destroy(ws)
		return nil, fmt.Errorf("failed to sync workspace directory: %w", err)
	}

	return ws, nil
}

// Destroy removes the workspace subtree. Idempotent: an already absent
// subtree is not an error. Failures are logged and never propagated so
// they cannot mask the execution's real outcome.
func (m *WorkspaceManager) Destroy(ws *Workspace) {
	if ws == nil || ws.Path == "" {
		return
	}
	if err := m.fs.RemoveAll(ws.Path); err != nil {
		m.logger.Error("failed to destroy workspace",
			zap.String("workspace_id", ws.ID),
			zap.String("path", ws.Path),
			zap.Error(err))
	}
}

// validateStagedName rejects names that would escape the workspace
// subtree.
func validateStagedName(name string) error {
	if name == "" {
		return fmt.Errorf("empty staged filename")
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("absolute path not allowed: %s", name)
	}
	clean := filepath.Clean(name)
	if clean == "." || strings.HasPrefix(clean, "..") || strings.Contains(clean, string(filepath.Separator)) {
		return fmt.Errorf("unsafe staged filename: %s", name)
	}
	return nil
}
