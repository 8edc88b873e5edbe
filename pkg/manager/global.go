package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/network"
	"github.com/truenas/nvmetd/pkg/types"
)

const (
	msgANAUnsupported  = "This platform does not support Asymmetric Namespace Access(ANA)."
	msgRDMAUnsupported = "This platform cannot support NVMe-oF(RDMA) or is missing an RDMA capable NIC."
)

// GlobalConfig returns the global target configuration
func (m *Manager) GlobalConfig() (*types.GlobalConfig, error) {
	return m.store.GetGlobal()
}

// UpdateGlobal validates and stores the global configuration
func (m *Manager) UpdateGlobal(_ context.Context, cfg *types.GlobalConfig) (*types.GlobalConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, err := m.store.GetGlobal()
	if err != nil {
		return nil, err
	}

	const schema = "nvmet_global_update"
	var verrors ValidationErrors

	if cfg.BaseNQN == "" {
		cfg.BaseNQN = types.DefaultBaseNQN
	}
	if !strings.HasPrefix(cfg.BaseNQN, "nqn.") {
		verrors.Add(schema+".basenqn", `NQN must start with "nqn."`)
	}
	if cfg.ANA && !old.ANA && !m.Failover().Licensed {
		verrors.Add(schema+".ana", msgANAUnsupported)
	}
	if cfg.RDMA && !old.RDMA {
		capable, err := m.rdmaCapable()
		if err != nil {
			return nil, err
		}
		if !capable {
			verrors.Add(schema+".rdma", msgRDMAUnsupported)
		}
	}
	if err := verrors.Check(); err != nil {
		return nil, err
	}

	cfg.ID = old.ID
	if err := m.store.UpdateGlobal(cfg); err != nil {
		return nil, fmt.Errorf("failed to update global config: %w", err)
	}
	m.publish(events.EventGlobalUpdated, cfg.ID, "Global configuration updated")
	return cfg, nil
}

func (m *Manager) rdmaCapable() (bool, error) {
	ifaces, err := m.interfaces.Interfaces()
	if err != nil {
		return false, fmt.Errorf("failed to list interfaces: %w", err)
	}
	return network.RDMACapable(ifaces), nil
}

// ANAActive reports whether any subsystem uses ANA on this system
func (m *Manager) ANAActive() (bool, error) {
	if !m.Failover().Licensed {
		return false, nil
	}
	global, err := m.store.GetGlobal()
	if err != nil {
		return false, err
	}
	if global.ANA {
		return true, nil
	}
	subsystems, err := m.store.ListSubsystems()
	if err != nil {
		return false, err
	}
	for _, s := range subsystems {
		if s.ANA != nil && *s.ANA {
			return true, nil
		}
	}
	return false, nil
}
