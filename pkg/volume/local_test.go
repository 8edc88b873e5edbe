package volume

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := NewDriver(fs)

	path := "/mnt/tank/nvme/disk0.img"
	exists, err := d.Exists(path)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, d.EnsureFile(path, 1<<20))
	size, err := d.FileSize(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), size)

	// growing is allowed
	require.NoError(t, d.EnsureFile(path, 2<<20))
	size, _ = d.FileSize(path)
	assert.Equal(t, int64(2<<20), size)

	// same size is a no-op
	require.NoError(t, d.EnsureFile(path, 2<<20))

	// shrinking is not
	assert.ErrorIs(t, d.EnsureFile(path, 1<<20), ErrShrink)
	size, _ = d.FileSize(path)
	assert.Equal(t, int64(2<<20), size)

	assert.Error(t, d.EnsureFile(path, 0))
}

func TestRemoveFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := NewDriver(fs)

	require.NoError(t, afero.WriteFile(fs, "/mnt/tank/f", []byte("x"), 0600))
	require.NoError(t, d.RemoveFile("/mnt/tank/f"))

	exists, _ := d.Exists("/mnt/tank/f")
	assert.False(t, exists)

	assert.NoError(t, d.RemoveFile("/mnt/tank/f"))
}

func TestIsBlockDeviceRegularFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dev/zvol/tank/v", nil, 0600))

	d := NewDriver(fs)
	assert.False(t, d.IsBlockDevice("/dev/zvol/tank/v"))
	assert.False(t, d.IsBlockDevice("/dev/zvol/tank/missing"))
}

func TestZvolPaths(t *testing.T) {
	assert.Equal(t, "tank/my vol", ZvolPathToName("/dev/zvol/tank/my+vol"))
	assert.Equal(t, "/dev/zvol/tank/my+vol", ZvolNameToPath("tank/my vol"))
	assert.Equal(t, "/dev/zvol/tank/v1", DevicePath("zvol/tank/v1"))
	assert.Equal(t, "/mnt/tank/file.img", DevicePath("/mnt/tank/file.img"))
}
