package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/security"
	"github.com/truenas/nvmetd/pkg/storage"
	"github.com/truenas/nvmetd/pkg/types"
)

// ListHosts returns every host
func (m *Manager) ListHosts() ([]*types.Host, error) {
	return m.store.ListHosts()
}

// GetHost returns a host by ID
func (m *Manager) GetHost(id int) (*types.Host, error) {
	return m.store.GetHost(id)
}

func (m *Manager) validateHost(schema string, h *types.Host) error {
	var verrors ValidationErrors

	h.HostNQN = strings.TrimSpace(h.HostNQN)
	if h.HostNQN == "" {
		verrors.Add(schema+".hostnqn", "This field is required")
	}
	if h.DHChapHash == "" {
		h.DHChapHash = types.DHChapHashSHA256
	}
	if !h.DHChapHash.Valid() {
		verrors.Addf(schema+".dhchap_hash", "Invalid hash %q", h.DHChapHash)
	}
	if !h.DHChapDHGroup.Valid() {
		verrors.Addf(schema+".dhchap_dhgroup", "Invalid DH group %q", h.DHChapDHGroup)
	}
	for _, key := range []struct{ attr, value string }{
		{"dhchap_key", h.DHChapKey},
		{"dhchap_ctrl_key", h.DHChapCtrlKey},
	} {
		if key.value == "" {
			continue
		}
		if err := security.ValidateDHChapKey(key.value); err != nil {
			verrors.Add(schema+"."+key.attr, err.Error())
		}
	}
	if h.DHChapCtrlKey != "" && h.DHChapKey == "" {
		verrors.Add(schema+".dhchap_ctrl_key", "Cannot configure bidirectional authentication without setting dhchap_key")
	}

	hosts, err := m.store.ListHosts()
	if err != nil {
		return err
	}
	for _, other := range hosts {
		if other.ID != h.ID && other.HostNQN == h.HostNQN {
			verrors.Add(schema+".hostnqn", "This hostnqn is already in use")
		}
	}
	return verrors.Check()
}

// CreateHost validates and stores a new host
func (m *Manager) CreateHost(_ context.Context, h *types.Host) (*types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h.ID = 0
	if err := m.validateHost("nvmet_host_create", h); err != nil {
		return nil, err
	}
	if err := m.store.CreateHost(h); err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	m.publish(events.EventHostCreated, h.ID, "Host %s created", h.HostNQN)
	return h, nil
}

// UpdateHost validates and stores a changed host
func (m *Manager) UpdateHost(_ context.Context, h *types.Host) (*types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.GetHost(h.ID); err != nil {
		return nil, err
	}
	if err := m.validateHost("nvmet_host_update", h); err != nil {
		return nil, err
	}
	if err := m.store.UpdateHost(h); err != nil {
		return nil, fmt.Errorf("failed to update host: %w", err)
	}
	m.publish(events.EventHostUpdated, h.ID, "Host %s updated", h.HostNQN)
	return h, nil
}

// DeleteHost removes a host. A host linked to subsystems is only removed,
// together with its links, when force is set.
func (m *Manager) DeleteHost(_ context.Context, id int, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.store.GetHost(id)
	if err != nil {
		return err
	}
	links, err := m.store.ListHostSubsys()
	if err != nil {
		return err
	}
	var used []*types.HostSubsys
	for _, l := range links {
		if l.HostID == id {
			used = append(used, l)
		}
	}

	if len(used) > 0 {
		if !force {
			names, err := subsystemNames(m.store, used, func(l *types.HostSubsys) int { return l.SubsysID })
			if err != nil {
				return err
			}
			var verrors ValidationErrors
			verrors.Addf("nvmet_host_delete.id", "Host %s used by %d subsystem(s): %s", h.HostNQN, len(used), usageList(names))
			return verrors
		}
		for _, l := range used {
			if err := m.store.DeleteHostSubsys(l.ID); err != nil {
				return fmt.Errorf("failed to delete host link: %w", err)
			}
		}
	}

	if err := m.store.DeleteHost(id); err != nil {
		return fmt.Errorf("failed to delete host: %w", err)
	}
	m.publish(events.EventHostDeleted, id, "Host %s deleted", h.HostNQN)
	return nil
}

func subsystemNames[L any](store storage.Store, links []L, subsysID func(L) int) ([]string, error) {
	names := make([]string, 0, len(links))
	for _, l := range links {
		s, err := store.GetSubsystem(subsysID(l))
		if err != nil {
			return nil, err
		}
		names = append(names, s.Name)
	}
	return names, nil
}

// GenerateKey creates a DH-HMAC-CHAP secret bound to hostnqn
func (m *Manager) GenerateKey(hash types.DHChapHash, hostnqn string) (string, error) {
	if hash == "" {
		hash = types.DHChapHashSHA256
	}
	key, err := security.GenerateDHChapKey(hash, hostnqn)
	if err != nil {
		var verrors ValidationErrors
		verrors.Add("nvmet_host_generate_key", err.Error())
		return "", verrors
	}
	return key, nil
}

// DHChapDHGroupChoices lists the DH groups a host may use
func (m *Manager) DHChapDHGroupChoices() []types.DHChapDHGroup {
	return types.DHChapDHGroupChoices()
}

// DHChapHashChoices lists the hashes a host may use
func (m *Manager) DHChapHashChoices() []types.DHChapHash {
	return types.DHChapHashChoices()
}
