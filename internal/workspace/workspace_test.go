package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvision_WritesCodeFile(t *testing.T) {
	p, err := NewProvisioner(t.TempDir())
	require.NoError(t, err)

	ws, err := p.Provision("int main(){}", ".cpp")
	require.NoError(t, err)
	defer ws.Remove()

	assert.Equal(t, "code.cpp", filepath.Base(ws.Path()))
	assert.Equal(t, p.BaseDir, filepath.Dir(ws.Root))

	data, err := os.ReadFile(ws.Path())
	require.NoError(t, err)
	assert.Equal(t, "int main(){}", string(data))

	info, err := os.Stat(ws.Root)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())
	assert.False(t, ws.CreatedAt.IsZero())
}

func TestProvision_UniqueDirs(t *testing.T) {
	p, err := NewProvisioner(t.TempDir())
	require.NoError(t, err)

	a, err := p.Provision("a", ".py")
	require.NoError(t, err)
	b, err := p.Provision("b", ".py")
	require.NoError(t, err)

	assert.NotEqual(t, a.Root, b.Root)
}

func TestRemove_Idempotent(t *testing.T) {
	p, err := NewProvisioner(t.TempDir())
	require.NoError(t, err)

	ws, err := p.Provision("x", ".go")
	require.NoError(t, err)

	require.NoError(t, ws.Remove())
	require.NoError(t, ws.Remove())

	_, err = os.Stat(ws.Root)
	assert.True(t, os.IsNotExist(err))
}

func TestProvision_MissingBaseDir(t *testing.T) {
	p := &Provisioner{BaseDir: filepath.Join(t.TempDir(), "gone")}

	_, err := p.Provision("x", ".go")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvisioning))
}

func TestLeftovers(t *testing.T) {
	base := t.TempDir()
	p, err := NewProvisioner(base)
	require.NoError(t, err)

	ws, err := p.Provision("x", ".c")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(base, "unrelated"), 0o755))

	dirs, err := p.Leftovers(0)
	require.NoError(t, err)
	assert.Equal(t, []string{ws.Root}, dirs)

	dirs, err = p.Leftovers(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, dirs)

	require.NoError(t, ws.Remove())
	dirs, err = p.Leftovers(0)
	require.NoError(t, err)
	assert.Empty(t, dirs)
}

func TestRemove_ReadOnlyLeftovers(t *testing.T) {
	p, err := NewProvisioner(t.TempDir())
	require.NoError(t, err)
	ws, err := p.Provision("x", ".py")
	require.NoError(t, err)

	// What a program might leave behind: a locked directory with content.
	locked := filepath.Join(ws.Root, "out", "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, "a.o"), []byte("obj"), 0o444))
	require.NoError(t, os.Chmod(locked, 0o500))
	require.NoError(t, os.Chmod(filepath.Join(ws.Root, "out"), 0o500))

	require.NoError(t, ws.Remove())
	assert.NoDirExists(t, ws.Root)
}
