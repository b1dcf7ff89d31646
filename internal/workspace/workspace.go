// Package workspace provisions the per-request directories that hold source
// artifacts for file-mounted executions.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrProvisioning marks any failure to create or fill a workspace.
var ErrProvisioning = errors.New("workspace provisioning failed")

// dirPrefix names every workspace directory so stale ones can be found.
const dirPrefix = "sandbox-ws-"

// Workspace is a single-use directory owned by one execution.
type Workspace struct {
	Root      string
	File      string
	CreatedAt time.Time

	once sync.Once
	err  error
}

// Path returns the host path of the source artifact.
func (w *Workspace) Path() string {
	return filepath.Join(w.Root, w.File)
}

// Remove deletes the workspace. Safe to call more than once.
func (w *Workspace) Remove() error {
	w.once.Do(func() {
		w.err = RemoveTree(w.Root)
	})
	return w.err
}

// RemoveTree deletes dir even when the program inside the unit left
// directories without write or search permission behind.
func RemoveTree(dir string) error {
	if err := os.RemoveAll(dir); err == nil {
		return nil
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if d != nil && d.IsDir() {
			_ = os.Chmod(path, 0o700) // #nosec G302 -- about to be removed
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", dir, err)
	}
	return nil
}

// Owner is the uid and gid the unit's process runs as.
type Owner struct {
	UID, GID int
}

// Provisioner creates workspaces under BaseDir (os.TempDir when empty).
//
// With Owner set, each workspace is handed to that user and closed to
// everyone else. This needs root. Without it the directory is world
// writable, and anything the unit creates inside belongs to the unit user,
// so a service running as another non-root user may be unable to remove it.
type Provisioner struct {
	BaseDir string
	Owner   *Owner
}

// NewProvisioner returns a provisioner rooted at baseDir, creating it if needed.
func NewProvisioner(baseDir string) (*Provisioner, error) {
	if baseDir == "" {
		return &Provisioner{BaseDir: os.TempDir()}, nil
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace base dir: %w", err)
	}
	return &Provisioner{BaseDir: baseDir}, nil
}

// Provision writes source to code<ext> inside a fresh, uniquely named directory.
func (p *Provisioner) Provision(source, ext string) (*Workspace, error) {
	root, err := os.MkdirTemp(p.BaseDir, dirPrefix+uuid.NewString()[:8]+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create dir: %w", ErrProvisioning, err)
	}
	ws := &Workspace{Root: root, File: "code" + ext, CreatedAt: time.Now()}

	// Compilers write their output next to the source, so the unit user
	// needs write access to the directory.
	mode := os.FileMode(0o777)
	if p.Owner != nil {
		mode = 0o700
	}
	if err := os.Chmod(root, mode); err != nil { // #nosec G302 -- single-use dir mounted into the sandbox
		_ = ws.Remove()
		return nil, fmt.Errorf("%w: chmod dir: %w", ErrProvisioning, err)
	}
	if err := os.WriteFile(ws.Path(), []byte(source), 0o644); err != nil { // #nosec G306 -- must be readable by the unit user
		_ = ws.Remove()
		return nil, fmt.Errorf("%w: write code: %w", ErrProvisioning, err)
	}
	if p.Owner != nil {
		for _, path := range []string{root, ws.Path()} {
			if err := os.Lchown(path, p.Owner.UID, p.Owner.GID); err != nil {
				_ = ws.Remove()
				return nil, fmt.Errorf("%w: chown: %w", ErrProvisioning, err)
			}
		}
	}
	return ws, nil
}

// Leftovers lists workspace directories under BaseDir older than minAge.
func (p *Provisioner) Leftovers(minAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(p.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("reading workspace base dir: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < minAge {
			continue
		}
		dirs = append(dirs, filepath.Join(p.BaseDir, e.Name()))
	}
	return dirs, nil
}
