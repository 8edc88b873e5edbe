package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/types"
)

// maxNQNLength is the longest NQN the NVMe base specification allows
const maxNQNLength = 223

// ListSubsystems returns every subsystem
func (m *Manager) ListSubsystems() ([]*types.Subsystem, error) {
	return m.store.ListSubsystems()
}

// GetSubsystem returns a subsystem by ID
func (m *Manager) GetSubsystem(id int) (*types.Subsystem, error) {
	return m.store.GetSubsystem(id)
}

// ListSubsystemDetails returns every subsystem with the IDs of the hosts,
// namespaces and ports attached to it
func (m *Manager) ListSubsystemDetails() ([]*types.SubsystemDetail, error) {
	subsystems, err := m.store.ListSubsystems()
	if err != nil {
		return nil, err
	}
	hostLinks, err := m.store.ListHostSubsys()
	if err != nil {
		return nil, err
	}
	portLinks, err := m.store.ListPortSubsys()
	if err != nil {
		return nil, err
	}
	namespaces, err := m.store.ListNamespaces()
	if err != nil {
		return nil, err
	}

	out := make([]*types.SubsystemDetail, 0, len(subsystems))
	for _, s := range subsystems {
		d := &types.SubsystemDetail{Subsystem: *s, Hosts: []int{}, Namespaces: []int{}, Ports: []int{}}
		for _, l := range hostLinks {
			if l.SubsysID == s.ID {
				d.Hosts = append(d.Hosts, l.HostID)
			}
		}
		for _, ns := range namespaces {
			if ns.SubsysID == s.ID {
				d.Namespaces = append(d.Namespaces, ns.ID)
			}
		}
		for _, l := range portLinks {
			if l.SubsysID == s.ID {
				d.Ports = append(d.Ports, l.PortID)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// generateSerial returns 20 random hex digits
func generateSerial() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate serial: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func (m *Manager) validateSubsystem(schema string, s *types.Subsystem) error {
	var verrors ValidationErrors

	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		verrors.Add(schema+".name", "This field is required")
	}
	if s.SubNQN == "" && s.Name != "" {
		global, err := m.store.GetGlobal()
		if err != nil {
			return err
		}
		s.SubNQN = global.BaseNQN + ":" + s.Name
	}
	if s.SubNQN != "" {
		if !strings.HasPrefix(s.SubNQN, "nqn.") {
			verrors.Add(schema+".subnqn", `NQN must start with "nqn."`)
		}
		if len(s.SubNQN) > maxNQNLength {
			verrors.Addf(schema+".subnqn", "NQN must not be longer than %d characters", maxNQNLength)
		}
		if s.SubNQN == types.DiscoveryNQN {
			verrors.Add(schema+".subnqn", "The discovery NQN is reserved")
		}
	}
	if s.ANA != nil && !m.Failover().Licensed {
		verrors.Add(schema+".ana", msgANAUnsupported)
	}
	if s.QIDMax != nil && (*s.QIDMax < 1 || *s.QIDMax > 65535) {
		verrors.Add(schema+".qid_max", "Must be between 1 and 65535")
	}
	if s.IEEEOUI != "" && (len(s.IEEEOUI) != 6 || !isHex(s.IEEEOUI)) {
		verrors.Add(schema+".ieee_oui", "Must be 6 hexadecimal digits")
	}
	if s.Serial != "" && len(s.Serial) > 20 {
		verrors.Add(schema+".serial", "Must not be longer than 20 characters")
	}

	subsystems, err := m.store.ListSubsystems()
	if err != nil {
		return err
	}
	for _, other := range subsystems {
		if other.ID == s.ID {
			continue
		}
		if other.Name == s.Name {
			verrors.Add(schema+".name", "This name is already in use")
		}
		if other.SubNQN == s.SubNQN {
			verrors.Add(schema+".subnqn", "This subnqn is already in use")
		}
	}
	return verrors.Check()
}

// CreateSubsystem validates and stores a new subsystem. The NQN defaults to
// the base NQN followed by the name, the serial is generated.
func (m *Manager) CreateSubsystem(_ context.Context, s *types.Subsystem) (*types.Subsystem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.ID = 0
	if err := m.validateSubsystem("nvmet_subsys_create", s); err != nil {
		return nil, err
	}
	if s.Serial == "" {
		serial, err := generateSerial()
		if err != nil {
			return nil, err
		}
		s.Serial = serial
	}
	if err := m.store.CreateSubsystem(s); err != nil {
		return nil, fmt.Errorf("failed to create subsystem: %w", err)
	}
	m.publish(events.EventSubsysCreated, s.ID, "Subsystem %s created", s.SubNQN)
	return s, nil
}

// UpdateSubsystem validates and stores a changed subsystem
func (m *Manager) UpdateSubsystem(_ context.Context, s *types.Subsystem) (*types.Subsystem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, err := m.store.GetSubsystem(s.ID)
	if err != nil {
		return nil, err
	}
	if s.Serial == "" {
		s.Serial = old.Serial
	}
	if err := m.validateSubsystem("nvmet_subsys_update", s); err != nil {
		return nil, err
	}
	if err := m.store.UpdateSubsystem(s); err != nil {
		return nil, fmt.Errorf("failed to update subsystem: %w", err)
	}
	m.publish(events.EventSubsysUpdated, s.ID, "Subsystem %s updated", s.SubNQN)
	return s, nil
}

// DeleteSubsystem removes a subsystem and its host and port links. A
// subsystem with namespaces is only removed, together with them, when
// force is set.
func (m *Manager) DeleteSubsystem(_ context.Context, id int, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.GetSubsystem(id)
	if err != nil {
		return err
	}
	namespaces, err := m.store.ListNamespaces()
	if err != nil {
		return err
	}
	var contained []*types.Namespace
	for _, ns := range namespaces {
		if ns.SubsysID == id {
			contained = append(contained, ns)
		}
	}

	if len(contained) > 0 && !force {
		nsids := make([]string, len(contained))
		for i, ns := range contained {
			nsids[i] = fmt.Sprint(ns.NSID)
		}
		var verrors ValidationErrors
		verrors.Addf("nvmet_subsys_delete.id", "Subsystem %s contains %d namespace(s): %s", s.Name, len(contained), usageList(nsids))
		return verrors
	}

	for _, ns := range contained {
		if err := m.store.DeleteNamespace(ns.ID); err != nil {
			return fmt.Errorf("failed to delete namespace: %w", err)
		}
		if err := m.setLocked(ns.ID, false); err != nil {
			return err
		}
	}
	hostLinks, err := m.store.ListHostSubsys()
	if err != nil {
		return err
	}
	for _, l := range hostLinks {
		if l.SubsysID == id {
			if err := m.store.DeleteHostSubsys(l.ID); err != nil {
				return fmt.Errorf("failed to delete host link: %w", err)
			}
		}
	}
	portLinks, err := m.store.ListPortSubsys()
	if err != nil {
		return err
	}
	for _, l := range portLinks {
		if l.SubsysID == id {
			if err := m.store.DeletePortSubsys(l.ID); err != nil {
				return fmt.Errorf("failed to delete port link: %w", err)
			}
		}
	}

	if err := m.store.DeleteSubsystem(id); err != nil {
		return fmt.Errorf("failed to delete subsystem: %w", err)
	}
	m.publish(events.EventSubsysDeleted, id, "Subsystem %s deleted", s.SubNQN)
	return nil
}
