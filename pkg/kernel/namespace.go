package kernel

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/truenas/nvmetd/pkg/log"
	"github.com/truenas/nvmetd/pkg/render"
)

// setNamespaceField writes one attribute of a live namespace. Namespaces
// that are not rendered yet are ignored.
func (t *Target) setNamespaceField(ns render.Namespace, field, value string) error {
	path := t.path("subsystems", ns.Subsys.SubNQN, "namespaces", strconv.Itoa(ns.NSID), field)
	if err := t.writeAttr(path, value); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// LockNamespace stops I/O to a namespace whose backing device is going away
func (t *Target) LockNamespace(_ context.Context, ns render.Namespace) error {
	logger := log.WithNamespace(t.logger, ns.Subsys.SubNQN, ns.NSID)
	logger.Info().Msg("Locking namespace")
	return t.setNamespaceField(ns, "enable", "0")
}

// UnlockNamespace restores the device path of a namespace and enables it
func (t *Target) UnlockNamespace(_ context.Context, ns render.Namespace) error {
	logger := log.WithNamespace(t.logger, ns.Subsys.SubNQN, ns.NSID)
	logger.Info().Msg("Unlocking namespace")
	if path, ok := targetDevicePath(ns.DeviceType, ns.DevicePath); ok {
		if err := t.setNamespaceField(ns, "device_path", path); err != nil {
			return err
		}
	}
	return t.setNamespaceField(ns, "enable", "1")
}

// ResizeNamespace makes the kernel pick up a new backing device size
func (t *Target) ResizeNamespace(_ context.Context, ns render.Namespace) error {
	return t.setNamespaceField(ns, "revalidate_size", "1")
}
