package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/truenas/nvmetd/pkg/security"
	"github.com/truenas/nvmetd/pkg/types"
)

var (
	// Bucket names
	bucketGlobal     = []byte("global")
	bucketHosts      = []byte("hosts")
	bucketPorts      = []byte("ports")
	bucketSubsystems = []byte("subsystems")
	bucketHostSubsys = []byte("host_subsys")
	bucketPortSubsys = []byte("port_subsys")
	bucketNamespaces = []byte("namespaces")
	bucketLocks      = []byte("namespace_locks")

	globalKey = []byte("config")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db      *bolt.DB
	secrets *security.SecretsManager
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nvmet.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketGlobal,
			bucketHosts,
			bucketPorts,
			bucketSubsystems,
			bucketHostSubsys,
			bucketPortSubsys,
			bucketNamespaces,
			bucketLocks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// SetSecretsManager enables encryption of host DH-HMAC-CHAP keys at rest
func (s *BoltStore) SetSecretsManager(sm *security.SecretsManager) {
	s.secrets = sm
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// create assigns the next sequence of bucket to the record returned by assign
func (s *BoltStore) create(bucket []byte, assign func(id int) any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate id: %w", err)
		}
		data, err := json.Marshal(assign(int(seq)))
		if err != nil {
			return err
		}
		return b.Put(itob(int(seq)), data)
	})
}

func (s *BoltStore) update(bucket []byte, kind string, id int, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

func (s *BoltStore) remove(bucket []byte, kind string, id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
		}
		return b.Delete(itob(id))
	})
}

func get[T any](s *BoltStore, bucket []byte, kind string, id int) (*T, error) {
	var v T
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(itob(id))
		if data == nil {
			return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// list returns the records of bucket in ID order
func list[T any](s *BoltStore, bucket []byte) ([]*T, error) {
	var items []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			return nil
		})
	})
	return items, err
}

// Global configuration
func (s *BoltStore) GetGlobal() (*types.GlobalConfig, error) {
	cfg := types.DefaultGlobalConfig()
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGlobal).Get(globalKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, cfg)
	})
	return cfg, err
}

func (s *BoltStore) UpdateGlobal(cfg *types.GlobalConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGlobal).Put(globalKey, data)
	})
}

// Host operations
func (s *BoltStore) CreateHost(host *types.Host) error {
	sealed, err := s.sealHost(host)
	if err != nil {
		return err
	}
	err = s.create(bucketHosts, func(id int) any {
		sealed.ID = id
		return sealed
	})
	if err == nil {
		host.ID = sealed.ID
	}
	return err
}

func (s *BoltStore) GetHost(id int) (*types.Host, error) {
	host, err := get[types.Host](s, bucketHosts, "host", id)
	if err != nil {
		return nil, err
	}
	return host, s.openHost(host)
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	hosts, err := list[types.Host](s, bucketHosts)
	if err != nil {
		return nil, err
	}
	for _, host := range hosts {
		if err := s.openHost(host); err != nil {
			return nil, err
		}
	}
	return hosts, nil
}

func (s *BoltStore) UpdateHost(host *types.Host) error {
	sealed, err := s.sealHost(host)
	if err != nil {
		return err
	}
	return s.update(bucketHosts, "host", host.ID, sealed)
}

func (s *BoltStore) DeleteHost(id int) error {
	return s.remove(bucketHosts, "host", id)
}

// sealHost returns a copy of host with its keys encrypted
func (s *BoltStore) sealHost(host *types.Host) (*types.Host, error) {
	sealed := *host
	if s.secrets == nil {
		return &sealed, nil
	}
	var err error
	if sealed.DHChapKey, err = s.secrets.EncryptString(host.DHChapKey); err != nil {
		return nil, fmt.Errorf("failed to encrypt dhchap_key: %w", err)
	}
	if sealed.DHChapCtrlKey, err = s.secrets.EncryptString(host.DHChapCtrlKey); err != nil {
		return nil, fmt.Errorf("failed to encrypt dhchap_ctrl_key: %w", err)
	}
	return &sealed, nil
}

func (s *BoltStore) openHost(host *types.Host) error {
	if s.secrets == nil {
		if security.IsEncrypted(host.DHChapKey) || security.IsEncrypted(host.DHChapCtrlKey) {
			return fmt.Errorf("host %d has encrypted keys but no encryption key is configured", host.ID)
		}
		return nil
	}
	var err error
	if host.DHChapKey, err = s.secrets.DecryptString(host.DHChapKey); err != nil {
		return fmt.Errorf("failed to decrypt dhchap_key of host %d: %w", host.ID, err)
	}
	if host.DHChapCtrlKey, err = s.secrets.DecryptString(host.DHChapCtrlKey); err != nil {
		return fmt.Errorf("failed to decrypt dhchap_ctrl_key of host %d: %w", host.ID, err)
	}
	return nil
}

// Port operations
func (s *BoltStore) CreatePort(port *types.Port) error {
	return s.create(bucketPorts, func(id int) any {
		port.ID = id
		return port
	})
}

func (s *BoltStore) GetPort(id int) (*types.Port, error) {
	return get[types.Port](s, bucketPorts, "port", id)
}

func (s *BoltStore) ListPorts() ([]*types.Port, error) {
	return list[types.Port](s, bucketPorts)
}

func (s *BoltStore) UpdatePort(port *types.Port) error {
	return s.update(bucketPorts, "port", port.ID, port)
}

func (s *BoltStore) DeletePort(id int) error {
	return s.remove(bucketPorts, "port", id)
}

// Subsystem operations
func (s *BoltStore) CreateSubsystem(subsys *types.Subsystem) error {
	return s.create(bucketSubsystems, func(id int) any {
		subsys.ID = id
		return subsys
	})
}

func (s *BoltStore) GetSubsystem(id int) (*types.Subsystem, error) {
	return get[types.Subsystem](s, bucketSubsystems, "subsystem", id)
}

func (s *BoltStore) ListSubsystems() ([]*types.Subsystem, error) {
	return list[types.Subsystem](s, bucketSubsystems)
}

func (s *BoltStore) UpdateSubsystem(subsys *types.Subsystem) error {
	return s.update(bucketSubsystems, "subsystem", subsys.ID, subsys)
}

func (s *BoltStore) DeleteSubsystem(id int) error {
	return s.remove(bucketSubsystems, "subsystem", id)
}

// Host to subsystem link operations
func (s *BoltStore) CreateHostSubsys(link *types.HostSubsys) error {
	return s.create(bucketHostSubsys, func(id int) any {
		link.ID = id
		return link
	})
}

func (s *BoltStore) GetHostSubsys(id int) (*types.HostSubsys, error) {
	return get[types.HostSubsys](s, bucketHostSubsys, "host_subsys", id)
}

func (s *BoltStore) ListHostSubsys() ([]*types.HostSubsys, error) {
	return list[types.HostSubsys](s, bucketHostSubsys)
}

func (s *BoltStore) DeleteHostSubsys(id int) error {
	return s.remove(bucketHostSubsys, "host_subsys", id)
}

// Port to subsystem link operations
func (s *BoltStore) CreatePortSubsys(link *types.PortSubsys) error {
	return s.create(bucketPortSubsys, func(id int) any {
		link.ID = id
		return link
	})
}

func (s *BoltStore) GetPortSubsys(id int) (*types.PortSubsys, error) {
	return get[types.PortSubsys](s, bucketPortSubsys, "port_subsys", id)
}

func (s *BoltStore) ListPortSubsys() ([]*types.PortSubsys, error) {
	return list[types.PortSubsys](s, bucketPortSubsys)
}

func (s *BoltStore) DeletePortSubsys(id int) error {
	return s.remove(bucketPortSubsys, "port_subsys", id)
}

// Namespace operations
func (s *BoltStore) CreateNamespace(ns *types.Namespace) error {
	return s.create(bucketNamespaces, func(id int) any {
		ns.ID = id
		stored := *ns
		stored.Locked = false
		return &stored
	})
}

func (s *BoltStore) GetNamespace(id int) (*types.Namespace, error) {
	return get[types.Namespace](s, bucketNamespaces, "namespace", id)
}

func (s *BoltStore) ListNamespaces() ([]*types.Namespace, error) {
	return list[types.Namespace](s, bucketNamespaces)
}

func (s *BoltStore) UpdateNamespace(ns *types.Namespace) error {
	stored := *ns
	stored.Locked = false
	return s.update(bucketNamespaces, "namespace", ns.ID, &stored)
}

func (s *BoltStore) DeleteNamespace(id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("namespace %d: %w", id, ErrNotFound)
		}
		if err := tx.Bucket(bucketLocks).Delete(itob(id)); err != nil {
			return err
		}
		return b.Delete(itob(id))
	})
}

// SetNamespaceLocked records whether the dataset behind a namespace is
// locked. The record goes away with the namespace.
func (s *BoltStore) SetNamespaceLocked(id int, locked bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if !locked {
			return b.Delete(itob(id))
		}
		if tx.Bucket(bucketNamespaces).Get(itob(id)) == nil {
			return fmt.Errorf("namespace %d: %w", id, ErrNotFound)
		}
		return b.Put(itob(id), []byte{1})
	})
}

// ListLockedNamespaces returns the IDs of locked namespaces
func (s *BoltStore) ListLockedNamespaces() ([]int, error) {
	var ids []int
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, _ []byte) error {
			ids = append(ids, int(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	return ids, err
}
