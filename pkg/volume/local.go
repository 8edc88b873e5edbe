package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	// ZvolDevDir holds the block devices of ZFS volumes
	ZvolDevDir = "/dev/zvol"

	// ZvolPrefix starts the device_path of every ZVOL namespace
	ZvolPrefix = "zvol/"

	// FilePrefix starts the device_path of every FILE namespace
	FilePrefix = "/mnt/"
)

// ErrShrink is returned when a backing file would get smaller
var ErrShrink = errors.New("Shrinking an namespace file is not allowed. This can lead to data loss.")

// Driver manages the storage behind namespaces
type Driver interface {
	// Exists reports whether a backing file is present
	Exists(path string) (bool, error)

	// FileSize returns the size of a backing file
	FileSize(path string) (int64, error)

	// EnsureFile creates a sparse backing file of size bytes, or grows an
	// existing one
	EnsureFile(path string, size int64) error

	// RemoveFile deletes a backing file
	RemoveFile(path string) error

	// IsBlockDevice reports whether path is a block device
	IsBlockDevice(path string) bool
}

// LocalDriver implements Driver on a local filesystem
type LocalDriver struct {
	fs afero.Fs
}

// NewLocalDriver creates a driver for the host filesystem
func NewLocalDriver() *LocalDriver {
	return NewDriver(afero.NewOsFs())
}

// NewDriver creates a driver over fs
func NewDriver(fs afero.Fs) *LocalDriver {
	return &LocalDriver{fs: fs}
}

// Exists reports whether a backing file is present
func (d *LocalDriver) Exists(path string) (bool, error) {
	return afero.Exists(d.fs, path)
}

// FileSize returns the size of a backing file
func (d *LocalDriver) FileSize(path string) (int64, error) {
	info, err := d.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// EnsureFile creates a sparse backing file of size bytes, or grows an
// existing one. Files are never truncated below their current size.
func (d *LocalDriver) EnsureFile(path string, size int64) error {
	if size <= 0 {
		return fmt.Errorf("invalid size %d for %s", size, path)
	}

	if err := d.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := d.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	switch {
	case size < info.Size():
		return ErrShrink
	case size == info.Size():
		return nil
	}

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to resize %s: %w", path, err)
	}
	return nil
}

// RemoveFile deletes a backing file. A missing file is not an error.
func (d *LocalDriver) RemoveFile(path string) error {
	if err := d.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// IsBlockDevice reports whether path is a block device
func (d *LocalDriver) IsBlockDevice(path string) bool {
	info, err := d.fs.Stat(path)
	if err != nil {
		return false
	}
	mode := info.Mode()
	return mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0
}

// ZvolNameToPath converts a zvol name to its block device path
func ZvolNameToPath(name string) string {
	return filepath.Join(ZvolDevDir, strings.ReplaceAll(name, " ", "+"))
}

// ZvolPathToName converts a zvol block device path back to its name
func ZvolPathToName(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, ZvolDevDir+"/"), "+", " ")
}

// DevicePath returns the path the target should open for a namespace
// device_path. ZVOL paths are "zvol/<pool>/<name>", FILE paths are used as is.
func DevicePath(devicePath string) string {
	if strings.HasPrefix(devicePath, ZvolPrefix) {
		return ZvolNameToPath(strings.TrimPrefix(devicePath, ZvolPrefix))
	}
	return devicePath
}
