package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/storage"
	"github.com/truenas/nvmetd/pkg/types"
)

// checkExists records a validation error when a referenced entity is missing
func checkExists[T any](verrors *ValidationErrors, attr, kind string, id int, get func(int) (T, error)) error {
	if _, err := get(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			verrors.Addf(attr, "No %s with ID %d", kind, id)
			return nil
		}
		return err
	}
	return nil
}

// ListHostSubsys returns every host link
func (m *Manager) ListHostSubsys() ([]*types.HostSubsys, error) {
	return m.store.ListHostSubsys()
}

// GetHostSubsys returns a host link by ID
func (m *Manager) GetHostSubsys(id int) (*types.HostSubsys, error) {
	return m.store.GetHostSubsys(id)
}

// CreateHostSubsys allows a host to connect to a subsystem
func (m *Manager) CreateHostSubsys(_ context.Context, link *types.HostSubsys) (*types.HostSubsys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const schema = "nvmet_host_subsys_create"
	var verrors ValidationErrors
	if err := checkExists(&verrors, schema+".host_id", "host", link.HostID, m.store.GetHost); err != nil {
		return nil, err
	}
	if err := checkExists(&verrors, schema+".subsys_id", "subsystem", link.SubsysID, m.store.GetSubsystem); err != nil {
		return nil, err
	}
	links, err := m.store.ListHostSubsys()
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if l.HostID == link.HostID && l.SubsysID == link.SubsysID {
			verrors.Addf(schema+".host_id", "This record already exists (Host ID: %d/Subsystem ID: %d)", link.HostID, link.SubsysID)
		}
	}
	if err := verrors.Check(); err != nil {
		return nil, err
	}

	link.ID = 0
	if err := m.store.CreateHostSubsys(link); err != nil {
		return nil, fmt.Errorf("failed to create host link: %w", err)
	}
	m.publish(events.EventHostSubsysCreated, link.ID, "Host %d allowed on subsystem %d", link.HostID, link.SubsysID)
	return link, nil
}

// DeleteHostSubsys removes a host link
func (m *Manager) DeleteHostSubsys(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, err := m.store.GetHostSubsys(id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteHostSubsys(id); err != nil {
		return fmt.Errorf("failed to delete host link: %w", err)
	}
	m.publish(events.EventHostSubsysDeleted, id, "Host %d removed from subsystem %d", link.HostID, link.SubsysID)
	return nil
}

// ListPortSubsys returns every port link
func (m *Manager) ListPortSubsys() ([]*types.PortSubsys, error) {
	return m.store.ListPortSubsys()
}

// GetPortSubsys returns a port link by ID
func (m *Manager) GetPortSubsys(id int) (*types.PortSubsys, error) {
	return m.store.GetPortSubsys(id)
}

// CreatePortSubsys exposes a subsystem on a port
func (m *Manager) CreatePortSubsys(_ context.Context, link *types.PortSubsys) (*types.PortSubsys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	const schema = "nvmet_port_subsys_create"
	var verrors ValidationErrors
	if err := checkExists(&verrors, schema+".port_id", "port", link.PortID, m.store.GetPort); err != nil {
		return nil, err
	}
	if err := checkExists(&verrors, schema+".subsys_id", "subsystem", link.SubsysID, m.store.GetSubsystem); err != nil {
		return nil, err
	}
	links, err := m.store.ListPortSubsys()
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if l.PortID == link.PortID && l.SubsysID == link.SubsysID {
			verrors.Addf(schema+".port_id", "This record already exists (Port ID: %d/Subsystem ID: %d)", link.PortID, link.SubsysID)
		}
	}
	if err := verrors.Check(); err != nil {
		return nil, err
	}

	link.ID = 0
	if err := m.store.CreatePortSubsys(link); err != nil {
		return nil, fmt.Errorf("failed to create port link: %w", err)
	}
	m.publish(events.EventPortSubsysCreated, link.ID, "Subsystem %d exposed on port %d", link.SubsysID, link.PortID)
	return link, nil
}

// DeletePortSubsys removes a port link
func (m *Manager) DeletePortSubsys(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, err := m.store.GetPortSubsys(id)
	if err != nil {
		return err
	}
	if err := m.store.DeletePortSubsys(id); err != nil {
		return fmt.Errorf("failed to delete port link: %w", err)
	}
	m.publish(events.EventPortSubsysDeleted, id, "Subsystem %d removed from port %d", link.SubsysID, link.PortID)
	return nil
}
