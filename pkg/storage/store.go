package storage

import (
	"errors"

	"github.com/truenas/nvmetd/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for target configuration storage
type Store interface {
	// Global configuration
	GetGlobal() (*types.GlobalConfig, error)
	UpdateGlobal(cfg *types.GlobalConfig) error

	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id int) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(host *types.Host) error
	DeleteHost(id int) error

	// Ports
	CreatePort(port *types.Port) error
	GetPort(id int) (*types.Port, error)
	ListPorts() ([]*types.Port, error)
	UpdatePort(port *types.Port) error
	DeletePort(id int) error

	// Subsystems
	CreateSubsystem(subsys *types.Subsystem) error
	GetSubsystem(id int) (*types.Subsystem, error)
	ListSubsystems() ([]*types.Subsystem, error)
	UpdateSubsystem(subsys *types.Subsystem) error
	DeleteSubsystem(id int) error

	// Host to subsystem links
	CreateHostSubsys(link *types.HostSubsys) error
	GetHostSubsys(id int) (*types.HostSubsys, error)
	ListHostSubsys() ([]*types.HostSubsys, error)
	DeleteHostSubsys(id int) error

	// Port to subsystem links
	CreatePortSubsys(link *types.PortSubsys) error
	GetPortSubsys(id int) (*types.PortSubsys, error)
	ListPortSubsys() ([]*types.PortSubsys, error)
	DeletePortSubsys(id int) error

	// Namespaces
	CreateNamespace(ns *types.Namespace) error
	GetNamespace(id int) (*types.Namespace, error)
	ListNamespaces() ([]*types.Namespace, error)
	UpdateNamespace(ns *types.Namespace) error
	DeleteNamespace(id int) error

	// Namespace locks, kept apart from the namespace records
	SetNamespaceLocked(id int, locked bool) error
	ListLockedNamespaces() ([]int, error)

	// Utility
	Close() error
}
