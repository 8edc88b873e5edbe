package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/log"
	"github.com/truenas/nvmetd/pkg/network"
	"github.com/truenas/nvmetd/pkg/render"
	"github.com/truenas/nvmetd/pkg/storage"
	"github.com/truenas/nvmetd/pkg/types"
	"github.com/truenas/nvmetd/pkg/volume"
)

// ServiceState reports whether the target is running
type ServiceState interface {
	Running() bool
}

// NamespaceController applies namespace changes to a running target without
// a full render
type NamespaceController interface {
	LockNamespace(ctx context.Context, ns render.Namespace) error
	UnlockNamespace(ctx context.Context, ns render.Namespace) error
	ResizeNamespace(ctx context.Context, ns render.Namespace) error
}

// Manager validates and persists the target configuration. Every mutation
// publishes an event that makes the reconciler reload the target.
type Manager struct {
	store      storage.Store
	broker     *events.Broker
	volumes    volume.Driver
	interfaces network.Lister
	kernel     NamespaceController
	service    ServiceState

	// mu serializes mutations so uniqueness checks and ID allocation see
	// a stable configuration
	mu sync.Mutex

	stateMu  sync.RWMutex
	failover types.FailoverState
	system   types.SystemInfo
	locked   map[int]bool

	logger zerolog.Logger
}

// Config holds the collaborators of a Manager
type Config struct {
	Store      storage.Store
	Broker     *events.Broker
	Volumes    volume.Driver
	Interfaces network.Lister
	Failover   types.FailoverState
	System     types.SystemInfo
}

// NewManager creates a Manager
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	m := &Manager{
		store:      cfg.Store,
		broker:     cfg.Broker,
		volumes:    cfg.Volumes,
		interfaces: cfg.Interfaces,
		failover:   cfg.Failover,
		system:     cfg.System,
		locked:     make(map[int]bool),
		logger:     log.WithComponent("manager"),
	}
	locked, err := cfg.Store.ListLockedNamespaces()
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace locks: %w", err)
	}
	for _, id := range locked {
		m.locked[id] = true
	}
	if m.volumes == nil {
		m.volumes = volume.NewLocalDriver()
	}
	if m.interfaces == nil {
		m.interfaces = network.NewLinkSource()
	}
	if m.failover.Status == "" {
		m.failover.Status = types.FailoverStatusSingle
	}
	return m, nil
}

// SetService connects the manager to the component running the target
func (m *Manager) SetService(s ServiceState) {
	m.service = s
}

// SetNamespaceController sets the target that applies namespace locks and
// resizes while the kernel target is selected
func (m *Manager) SetNamespaceController(c NamespaceController) {
	m.kernel = c
}

// Store returns the configuration store
func (m *Manager) Store() storage.Store {
	return m.store
}

// GetEventBroker returns the event broker
func (m *Manager) GetEventBroker() *events.Broker {
	return m.broker
}

// PublishEvent publishes an event to all subscribers
func (m *Manager) PublishEvent(event *events.Event) {
	if m.broker != nil {
		m.broker.Publish(event)
	}
}

func (m *Manager) publish(t events.EventType, id int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.logger.Info().Str("event", string(t)).Int("id", id).Msg(msg)
	m.PublishEvent(events.NewEvent(t, id, msg))
}

// Running reports whether the target service is running
func (m *Manager) Running() bool {
	return m.service != nil && m.service.Running()
}

// Failover returns the HA state of this controller
func (m *Manager) Failover() types.FailoverState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.failover
}

// SetFailover records a change of the HA state, typically a failover event
func (m *Manager) SetFailover(state types.FailoverState) error {
	var verrors ValidationErrors
	switch state.Status {
	case types.FailoverStatusSingle, types.FailoverStatusMaster, types.FailoverStatusBackup:
	default:
		verrors.Addf("failover.status", "Invalid status %q", state.Status)
	}
	switch state.Node {
	case types.FailoverNodeNone, types.FailoverNodeA, types.FailoverNodeB:
	default:
		verrors.Addf("failover.node", "Invalid node %q", state.Node)
	}
	if state.Status != types.FailoverStatusSingle && !state.Licensed {
		verrors.Add("failover.status", "MASTER and BACKUP require a licensed HA system")
	}
	if err := verrors.Check(); err != nil {
		return err
	}

	m.stateMu.Lock()
	m.failover = state
	m.stateMu.Unlock()
	m.publish(events.EventFailoverUpdated, 0, "Failover status %s on node %q", state.Status, state.Node)
	return nil
}

// System returns the product information exported by subsystems
func (m *Manager) System() types.SystemInfo {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.system
}

func (m *Manager) isLocked(id int) bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.locked[id]
}

func (m *Manager) setLocked(id int, locked bool) error {
	if err := m.store.SetNamespaceLocked(id, locked); err != nil {
		return fmt.Errorf("failed to record namespace lock: %w", err)
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if locked {
		m.locked[id] = true
	} else {
		delete(m.locked, id)
	}
	return nil
}

// RenderInput snapshots the configuration for a render
func (m *Manager) RenderInput() (render.Input, error) {
	var in render.Input
	var err error

	if in.Global, err = m.store.GetGlobal(); err != nil {
		return in, fmt.Errorf("failed to get global config: %w", err)
	}
	if in.Hosts, err = m.store.ListHosts(); err != nil {
		return in, fmt.Errorf("failed to list hosts: %w", err)
	}
	if in.Ports, err = m.store.ListPorts(); err != nil {
		return in, fmt.Errorf("failed to list ports: %w", err)
	}
	if in.Subsystems, err = m.store.ListSubsystems(); err != nil {
		return in, fmt.Errorf("failed to list subsystems: %w", err)
	}
	if in.HostSubsys, err = m.store.ListHostSubsys(); err != nil {
		return in, fmt.Errorf("failed to list host links: %w", err)
	}
	if in.PortSubsys, err = m.store.ListPortSubsys(); err != nil {
		return in, fmt.Errorf("failed to list port links: %w", err)
	}
	if in.Namespaces, err = m.ListNamespaces(); err != nil {
		return in, err
	}
	in.Failover = m.Failover()
	in.System = m.System()
	return in, nil
}

// RenderContext builds the desired target state from the configuration
func (m *Manager) RenderContext() (*render.Context, error) {
	in, err := m.RenderInput()
	if err != nil {
		return nil, err
	}
	return render.Build(in), nil
}
