//go:build unix

package workspace

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvision_Owner(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("chown needs root")
	}
	p, err := NewProvisioner(t.TempDir())
	require.NoError(t, err)
	p.Owner = &Owner{UID: 65534, GID: 65534}

	ws, err := p.Provision("print(1)", ".py")
	require.NoError(t, err)
	defer ws.Remove()

	for _, path := range []string{ws.Root, ws.Path()} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		st, ok := info.Sys().(*syscall.Stat_t)
		require.True(t, ok)
		assert.Equal(t, uint32(65534), st.Uid, path)
		assert.Equal(t, uint32(65534), st.Gid, path)
	}
	info, err := os.Stat(ws.Root)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
