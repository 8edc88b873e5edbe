package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/render"
	"github.com/truenas/nvmetd/pkg/types"
	"github.com/truenas/nvmetd/pkg/volume"
)

const uuidGenerateRetries = 10

// ListNamespaces returns every namespace with its lock state
func (m *Manager) ListNamespaces() ([]*types.Namespace, error) {
	namespaces, err := m.store.ListNamespaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	for _, ns := range namespaces {
		ns.Locked = m.isLocked(ns.ID)
	}
	return namespaces, nil
}

// GetNamespace returns a namespace by ID
func (m *Manager) GetNamespace(id int) (*types.Namespace, error) {
	ns, err := m.store.GetNamespace(id)
	if err != nil {
		return nil, err
	}
	ns.Locked = m.isLocked(id)
	return ns, nil
}

func (m *Manager) checkTypeAndPath(schema string, ns *types.Namespace, verrors *ValidationErrors) {
	switch ns.DeviceType {
	case types.DeviceTypeZVOL:
		if !strings.HasPrefix(ns.DevicePath, volume.ZvolPrefix) {
			verrors.Addf(schema+".device_path", `ZVOL device_path must start with "zvol/": %s`, ns.DevicePath)
		} else if !m.volumes.IsBlockDevice(volume.DevicePath(ns.DevicePath)) {
			verrors.Addf(schema+".device_path", "ZVOL device_path must be a block device: %s", ns.DevicePath)
		}
	case types.DeviceTypeFile:
		if !strings.HasPrefix(ns.DevicePath, volume.FilePrefix) {
			verrors.Addf(schema+".device_path", `FILE device_path must start with "/mnt/": %s`, ns.DevicePath)
		}
	default:
		verrors.Add(schema+".device_type", "Invalid device_type supplied")
	}
}

func (m *Manager) validateNamespace(schema string, ns, old *types.Namespace, namespaces []*types.Namespace) error {
	var verrors ValidationErrors

	if err := checkExists(&verrors, schema+".subsys_id", "subsystem", ns.SubsysID, m.store.GetSubsystem); err != nil {
		return err
	}
	if ns.NSID < 0 || ns.NSID >= types.MaxNSID {
		verrors.Addf(schema+".nsid", "Must be between 1 and %d", types.MaxNSID-1)
	}

	m.checkTypeAndPath(schema, ns, &verrors)

	for _, other := range namespaces {
		if other.ID == ns.ID {
			continue
		}
		if ns.NSID != 0 && other.SubsysID == ns.SubsysID && other.NSID == ns.NSID {
			verrors.Addf(schema+".nsid", "This record already exists (Subsystem ID: %d/NSID: %d)", ns.SubsysID, ns.NSID)
		}
		if other.DevicePath == ns.DevicePath {
			name := fmt.Sprint(other.SubsysID)
			if s, err := m.store.GetSubsystem(other.SubsysID); err == nil {
				name = s.Name
			}
			verrors.Addf(schema+".device_path", "This device_path already used by subsystem: %s", name)
		}
	}

	if old != nil && old.Enabled && m.Running() {
		for _, field := range []struct {
			name          string
			before, after any
		}{
			{"nsid", old.NSID, ns.NSID},
			{"subsys_id", old.SubsysID, ns.SubsysID},
			{"device_type", old.DeviceType, ns.DeviceType},
			{"device_path", old.DevicePath, ns.DevicePath},
			{"device_uuid", old.DeviceUUID, ns.DeviceUUID},
			{"device_nguid", old.DeviceNGUID, ns.DeviceNGUID},
		} {
			if field.before != field.after {
				verrors.Addf(schema, "Cannot change %s on an active namespace.  Disable first to allow change.", field.name)
			}
		}
	}
	return verrors.Check()
}

// fileAction is the change to make to the backing file of a FILE namespace
type fileAction int

const (
	fileNone fileAction = iota
	fileCreate
	fileGrow
)

// planFile decides what happens to the backing file of a FILE namespace.
// Backing files are created on demand and only ever grow.
func (m *Manager) planFile(schema string, ns, old *types.Namespace, verrors *ValidationErrors) (fileAction, error) {
	if ns.DeviceType != types.DeviceTypeFile {
		return fileNone, nil
	}
	exists, err := m.volumes.Exists(ns.DevicePath)
	if err != nil {
		return fileNone, fmt.Errorf("failed to check %s: %w", ns.DevicePath, err)
	}
	if !exists {
		if ns.Filesize == nil || *ns.Filesize <= 0 {
			verrors.Add(schema+".filesize", "Must supply filesize if device_path FILE does not exist.")
			return fileNone, nil
		}
		return fileCreate, nil
	}
	if old == nil || ns.Filesize == nil {
		return fileNone, nil
	}

	var oldSize int64
	if old.Filesize != nil {
		oldSize = *old.Filesize
	} else if oldSize, err = m.volumes.FileSize(ns.DevicePath); err != nil {
		return fileNone, fmt.Errorf("failed to stat %s: %w", ns.DevicePath, err)
	}
	switch {
	case *ns.Filesize > oldSize:
		return fileGrow, nil
	case *ns.Filesize < oldSize:
		verrors.Add(schema+".filesize", volume.ErrShrink.Error())
	}
	return fileNone, nil
}

func (m *Manager) applyFile(ns *types.Namespace, action fileAction) error {
	if action == fileNone {
		return nil
	}
	if err := m.volumes.EnsureFile(ns.DevicePath, *ns.Filesize); err != nil {
		return fmt.Errorf("failed to save namespace file: %w", err)
	}
	return nil
}

// generateUUID keeps current or returns a uuid not used by any namespace
func generateUUID(current string, used map[string]bool, key string) (string, error) {
	if current != "" {
		return current, nil
	}
	for i := 0; i < uuidGenerateRetries; i++ {
		if id := uuid.NewString(); !used[id] {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to generate a %s for subsystem", key)
}

func assignUUIDs(ns *types.Namespace, namespaces []*types.Namespace) error {
	uuids := make(map[string]bool)
	nguids := make(map[string]bool)
	for _, other := range namespaces {
		uuids[other.DeviceUUID] = true
		nguids[other.DeviceNGUID] = true
	}
	var err error
	if ns.DeviceUUID, err = generateUUID(ns.DeviceUUID, uuids, "device_uuid"); err != nil {
		return err
	}
	ns.DeviceNGUID, err = generateUUID(ns.DeviceNGUID, nguids, "device_nguid")
	return err
}

// nextNSID returns the lowest NSID unused in a subsystem
func nextNSID(subsysID int, namespaces []*types.Namespace) (int, error) {
	used := make(map[int]bool)
	for _, ns := range namespaces {
		if ns.SubsysID == subsysID {
			used[ns.NSID] = true
		}
	}
	for i := 1; i < types.MaxNSID; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, errors.New("unable to determine namespace ID (NSID)")
}

// CreateNamespace validates and stores a new namespace, creating the
// backing file of a FILE namespace
func (m *Manager) CreateNamespace(_ context.Context, ns *types.Namespace) (*types.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const schema = "nvmet_namespace_create"
	namespaces, err := m.store.ListNamespaces()
	if err != nil {
		return nil, err
	}
	ns.ID = 0
	if err := m.validateNamespace(schema, ns, nil, namespaces); err != nil {
		return nil, err
	}
	var verrors ValidationErrors
	action, err := m.planFile(schema, ns, nil, &verrors)
	if err != nil {
		return nil, err
	}
	if err := verrors.Check(); err != nil {
		return nil, err
	}

	if ns.NSID == 0 {
		if ns.NSID, err = nextNSID(ns.SubsysID, namespaces); err != nil {
			return nil, err
		}
	}
	if err := assignUUIDs(ns, namespaces); err != nil {
		return nil, err
	}
	if err := m.applyFile(ns, action); err != nil {
		return nil, err
	}

	if err := m.store.CreateNamespace(ns); err != nil {
		return nil, fmt.Errorf("failed to create namespace: %w", err)
	}
	ns.Locked = m.isLocked(ns.ID)
	m.publish(events.EventNamespaceCreated, ns.ID, "Namespace %d created on subsystem %d", ns.NSID, ns.SubsysID)
	return ns, nil
}

// UpdateNamespace validates and stores a changed namespace. Growing a FILE
// namespace resizes it on a running target.
func (m *Manager) UpdateNamespace(ctx context.Context, ns *types.Namespace) (*types.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const schema = "nvmet_namespace_update"
	old, err := m.store.GetNamespace(ns.ID)
	if err != nil {
		return nil, err
	}
	namespaces, err := m.store.ListNamespaces()
	if err != nil {
		return nil, err
	}
	if ns.NSID == 0 {
		ns.NSID = old.NSID
	}
	if err := m.validateNamespace(schema, ns, old, namespaces); err != nil {
		return nil, err
	}
	var verrors ValidationErrors
	action, err := m.planFile(schema, ns, old, &verrors)
	if err != nil {
		return nil, err
	}
	if err := verrors.Check(); err != nil {
		return nil, err
	}
	if err := assignUUIDs(ns, namespaces); err != nil {
		return nil, err
	}
	if err := m.applyFile(ns, action); err != nil {
		return nil, err
	}

	if err := m.store.UpdateNamespace(ns); err != nil {
		return nil, fmt.Errorf("failed to update namespace: %w", err)
	}
	ns.Locked = m.isLocked(ns.ID)
	if action == fileGrow {
		if err := m.resizeNamespace(ctx, ns); err != nil {
			m.logger.Warn().Err(err).Int("id", ns.ID).Msg("Failed to resize namespace")
		}
	}
	m.publish(events.EventNamespaceUpdated, ns.ID, "Namespace %d updated", ns.NSID)
	return ns, nil
}

// DeleteNamespace removes a namespace. With remove set, the backing file of
// a FILE namespace is deleted too.
func (m *Manager) DeleteNamespace(_ context.Context, id int, remove bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, err := m.store.GetNamespace(id)
	if err != nil {
		return err
	}
	if remove && ns.DeviceType == types.DeviceTypeFile {
		if err := m.volumes.RemoveFile(ns.DevicePath); err != nil {
			return fmt.Errorf("failed to remove namespace file: %w", err)
		}
	}
	if err := m.store.DeleteNamespace(id); err != nil {
		return fmt.Errorf("failed to delete namespace: %w", err)
	}
	if err := m.setLocked(id, false); err != nil {
		return err
	}
	m.publish(events.EventNamespaceDeleted, id, "Namespace %d deleted", ns.NSID)
	return nil
}

func (m *Manager) renderNamespace(ns *types.Namespace) (render.Namespace, error) {
	s, err := m.store.GetSubsystem(ns.SubsysID)
	if err != nil {
		return render.Namespace{}, err
	}
	return render.Namespace{Namespace: ns, Subsys: s}, nil
}

// kernelControlled reports whether live namespace changes go to the kernel
// target
func (m *Manager) kernelControlled() (bool, error) {
	if m.kernel == nil || !m.Running() {
		return false, nil
	}
	global, err := m.store.GetGlobal()
	if err != nil {
		return false, err
	}
	return global.Kernel, nil
}

func (m *Manager) activeController() bool {
	switch m.Failover().Status {
	case types.FailoverStatusMaster, types.FailoverStatusSingle:
		return true
	}
	return false
}

// LockNamespace marks a namespace whose backing dataset was locked. An
// enabled namespace stops serving I/O right away.
func (m *Manager) LockNamespace(ctx context.Context, id int) error {
	ns, err := m.GetNamespace(id)
	if err != nil {
		return err
	}
	if err := m.setLocked(id, true); err != nil {
		return err
	}

	kernel, err := m.kernelControlled()
	if err != nil {
		return err
	}
	if ns.Enabled && kernel {
		rns, err := m.renderNamespace(ns)
		if err != nil {
			return err
		}
		if err := m.kernel.LockNamespace(ctx, rns); err != nil {
			return fmt.Errorf("failed to lock namespace: %w", err)
		}
	}
	m.publish(events.EventNamespaceLocked, id, "Namespace %d locked", ns.NSID)
	return nil
}

// UnlockNamespace clears the lock of a namespace. An enabled namespace
// serves I/O again on the active controller.
func (m *Manager) UnlockNamespace(ctx context.Context, id int) error {
	ns, err := m.GetNamespace(id)
	if err != nil {
		return err
	}
	if err := m.setLocked(id, false); err != nil {
		return err
	}
	ns.Locked = false

	kernel, err := m.kernelControlled()
	if err != nil {
		return err
	}
	if ns.Enabled && kernel && m.activeController() {
		rns, err := m.renderNamespace(ns)
		if err != nil {
			return err
		}
		if err := m.kernel.UnlockNamespace(ctx, rns); err != nil {
			return fmt.Errorf("failed to unlock namespace: %w", err)
		}
	}
	m.publish(events.EventNamespaceUnlocked, id, "Namespace %d unlocked", ns.NSID)
	return nil
}

// ResizeNamespace makes connected initiators see the new size of the
// backing device
func (m *Manager) ResizeNamespace(ctx context.Context, id int) error {
	ns, err := m.GetNamespace(id)
	if err != nil {
		return err
	}
	return m.resizeNamespace(ctx, ns)
}

func (m *Manager) resizeNamespace(ctx context.Context, ns *types.Namespace) error {
	kernel, err := m.kernelControlled()
	if err != nil {
		return err
	}
	if !ns.Enabled || !kernel || !m.activeController() {
		return nil
	}
	rns, err := m.renderNamespace(ns)
	if err != nil {
		return err
	}
	if err := m.kernel.ResizeNamespace(ctx, rns); err != nil {
		return fmt.Errorf("failed to resize namespace: %w", err)
	}
	m.publish(events.EventNamespaceResized, ns.ID, "Namespace %d resized", ns.NSID)
	return nil
}
