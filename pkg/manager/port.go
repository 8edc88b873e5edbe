package manager

import (
	"context"
	"fmt"
	"net"

	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/network"
	"github.com/truenas/nvmetd/pkg/types"
)

// ListPorts returns every port
func (m *Manager) ListPorts() ([]*types.Port, error) {
	return m.store.ListPorts()
}

// GetPort returns a port by ID
func (m *Manager) GetPort(id int) (*types.Port, error) {
	return m.store.GetPort(id)
}

// TransportAddressChoices returns the addresses a port of trtype can listen
// on, mapped to a description
func (m *Manager) TransportAddressChoices(trtype types.Trtype) (map[string]string, error) {
	if !trtype.Valid() {
		var verrors ValidationErrors
		verrors.Addf("nvmet_port_transport_address_choices.addr_trtype", "Invalid transport %q", trtype)
		return nil, verrors
	}
	ifaces, err := m.interfaces.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	return network.TransportAddressChoices(ifaces, trtype, m.Failover()), nil
}

func defaultAdrfam(p *types.Port) types.AddrFamily {
	switch p.AddrTrtype {
	case types.TrtypeFC:
		return types.AddrFamilyFC
	}
	if ip := net.ParseIP(p.AddrTraddr); ip != nil && ip.To4() == nil {
		return types.AddrFamilyIPv6
	}
	return types.AddrFamilyIPv4
}

func (m *Manager) validatePort(schema string, p *types.Port, ports []*types.Port) error {
	var verrors ValidationErrors

	if !p.AddrTrtype.Valid() {
		verrors.Addf(schema+".addr_trtype", "Invalid transport %q", p.AddrTrtype)
		return verrors
	}
	if p.AddrAdrfam == "" {
		p.AddrAdrfam = defaultAdrfam(p)
	}
	if p.AddrTrsvcid == 0 && p.AddrTrtype != types.TrtypeFC {
		p.AddrTrsvcid = types.DefaultTCPPort
	}

	if !p.AddrAdrfam.Valid() {
		verrors.Addf(schema+".addr_adrfam", "Invalid address family %q", p.AddrAdrfam)
	}
	if p.AddrTraddr == "" {
		verrors.Add(schema+".addr_traddr", "This field is required")
	}
	if p.AddrTrsvcid < 0 || p.AddrTrsvcid > 65535 {
		verrors.Add(schema+".addr_trsvcid", "Must be between 1 and 65535")
	}

	switch p.AddrTrtype {
	case types.TrtypeTCP, types.TrtypeRDMA:
		if p.AddrAdrfam != types.AddrFamilyIPv4 && p.AddrAdrfam != types.AddrFamilyIPv6 {
			verrors.Addf(schema+".addr_adrfam", "%s requires IPV4 or IPV6", p.AddrTrtype)
		} else if p.AddrTraddr != "" {
			ip := net.ParseIP(p.AddrTraddr)
			if ip == nil || (p.AddrAdrfam == types.AddrFamilyIPv4) != (ip.To4() != nil) {
				verrors.Addf(schema+".addr_traddr", "Invalid %s address: %s", p.AddrAdrfam, p.AddrTraddr)
			} else {
				choices, err := m.TransportAddressChoices(p.AddrTrtype)
				if err != nil {
					return err
				}
				if _, ok := choices[p.AddrTraddr]; !ok {
					verrors.Addf(schema+".addr_traddr", "Address %s is not available for %s", p.AddrTraddr, p.AddrTrtype)
				}
			}
		}
	case types.TrtypeFC:
		if p.AddrAdrfam != types.AddrFamilyFC {
			verrors.Add(schema+".addr_adrfam", "FC requires the FC address family")
		}
	}

	if p.AddrTrtype == types.TrtypeRDMA {
		global, err := m.store.GetGlobal()
		if err != nil {
			return err
		}
		if !global.RDMA {
			verrors.Add(schema+".addr_trtype", msgRDMAUnsupported)
		}
	}

	if p.InlineDataSize != nil && *p.InlineDataSize < 0 {
		verrors.Add(schema+".inline_data_size", "Must not be negative")
	}
	if p.MaxQueueSize != nil && *p.MaxQueueSize < 1 {
		verrors.Add(schema+".max_queue_size", "Must be greater than 0")
	}

	for _, other := range ports {
		if other.ID == p.ID {
			continue
		}
		if other.AddressKey() == p.AddressKey() {
			verrors.Add(schema+".addr_traddr", "There already is a port using the same transport and address")
		}
		if p.Index != 0 && other.Index == p.Index {
			verrors.Addf(schema+".index", "Port index %d is already in use", p.Index)
		}
	}
	if p.Index < 0 || p.Index >= types.ANAPortIndexOffset {
		verrors.Addf(schema+".index", "Must be between 1 and %d", types.ANAPortIndexOffset-1)
	}
	return verrors.Check()
}

func nextPortIndex(ports []*types.Port) int {
	used := make(map[int]bool)
	for _, p := range ports {
		used[p.Index] = true
	}
	for i := 1; ; i++ {
		if !used[i] {
			return i
		}
	}
}

// CreatePort validates and stores a new port
func (m *Manager) CreatePort(_ context.Context, p *types.Port) (*types.Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ports, err := m.store.ListPorts()
	if err != nil {
		return nil, err
	}
	p.ID = 0
	if err := m.validatePort("nvmet_port_create", p, ports); err != nil {
		return nil, err
	}
	if p.Index == 0 {
		p.Index = nextPortIndex(ports)
	}
	if err := m.store.CreatePort(p); err != nil {
		return nil, fmt.Errorf("failed to create port: %w", err)
	}
	m.publish(events.EventPortCreated, p.ID, "Port #%d created on %s", p.Index, p.AddressKey())
	return p, nil
}

// UpdatePort validates and stores a changed port. The addressing of an
// enabled port serving subsystems cannot change.
func (m *Manager) UpdatePort(_ context.Context, p *types.Port) (*types.Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, err := m.store.GetPort(p.ID)
	if err != nil {
		return nil, err
	}
	ports, err := m.store.ListPorts()
	if err != nil {
		return nil, err
	}
	if p.Index == 0 {
		p.Index = old.Index
	}
	if err := m.validatePort("nvmet_port_update", p, ports); err != nil {
		return nil, err
	}

	if old.Enabled {
		links, err := m.portLinks(p.ID)
		if err != nil {
			return nil, err
		}
		if len(links) > 0 {
			var verrors ValidationErrors
			for _, field := range []struct {
				name          string
				before, after any
			}{
				{"index", old.Index, p.Index},
				{"addr_trtype", old.AddrTrtype, p.AddrTrtype},
				{"addr_trsvcid", old.AddrTrsvcid, p.AddrTrsvcid},
				{"addr_adrfam", old.AddrAdrfam, p.AddrAdrfam},
				{"addr_traddr", old.AddrTraddr, p.AddrTraddr},
			} {
				if field.before != field.after {
					verrors.Addf("nvmet_port_update", "Cannot change %s on an active port.  Disable first to allow change.", field.name)
				}
			}
			if err := verrors.Check(); err != nil {
				return nil, err
			}
		}
	}

	if err := m.store.UpdatePort(p); err != nil {
		return nil, fmt.Errorf("failed to update port: %w", err)
	}
	m.publish(events.EventPortUpdated, p.ID, "Port #%d updated", p.Index)
	return p, nil
}

func (m *Manager) portLinks(id int) ([]*types.PortSubsys, error) {
	links, err := m.store.ListPortSubsys()
	if err != nil {
		return nil, err
	}
	var out []*types.PortSubsys
	for _, l := range links {
		if l.PortID == id {
			out = append(out, l)
		}
	}
	return out, nil
}

// DeletePort removes a port. A port serving subsystems is only removed,
// together with its links, when force is set.
func (m *Manager) DeletePort(_ context.Context, id int, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.store.GetPort(id)
	if err != nil {
		return err
	}
	used, err := m.portLinks(id)
	if err != nil {
		return err
	}

	if len(used) > 0 {
		if !force {
			names, err := subsystemNames(m.store, used, func(l *types.PortSubsys) int { return l.SubsysID })
			if err != nil {
				return err
			}
			var verrors ValidationErrors
			verrors.Addf("nvmet_port_delete.id", "Port #%d used by %d subsystem(s): %s", p.Index, len(used), usageList(names))
			return verrors
		}
		for _, l := range used {
			if err := m.store.DeletePortSubsys(l.ID); err != nil {
				return fmt.Errorf("failed to delete port link: %w", err)
			}
		}
	}

	if err := m.store.DeletePort(id); err != nil {
		return fmt.Errorf("failed to delete port: %w", err)
	}
	m.publish(events.EventPortDeleted, id, "Port #%d deleted", p.Index)
	return nil
}
