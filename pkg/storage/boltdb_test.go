package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/truenas/nvmetd/pkg/security"
	"github.com/truenas/nvmetd/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGlobalDefaults(t *testing.T) {
	store := newTestStore(t)

	cfg, err := store.GetGlobal()
	require.NoError(t, err)
	assert.Equal(t, types.DefaultBaseNQN, cfg.BaseNQN)
	assert.True(t, cfg.Kernel)
	assert.True(t, cfg.XportReferral)

	cfg.ANA = true
	cfg.Kernel = false
	require.NoError(t, store.UpdateGlobal(cfg))

	cfg, err = store.GetGlobal()
	require.NoError(t, err)
	assert.True(t, cfg.ANA)
	assert.False(t, cfg.Kernel)
}

func TestSubsystemCRUD(t *testing.T) {
	store := newTestStore(t)

	a := &types.Subsystem{Name: "a", SubNQN: "nqn.test:a"}
	b := &types.Subsystem{Name: "b", SubNQN: "nqn.test:b"}
	require.NoError(t, store.CreateSubsystem(a))
	require.NoError(t, store.CreateSubsystem(b))
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)

	got, err := store.GetSubsystem(2)
	require.NoError(t, err)
	assert.Equal(t, "nqn.test:b", got.SubNQN)

	got.AllowAnyHost = true
	require.NoError(t, store.UpdateSubsystem(got))

	all, err := store.ListSubsystems()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)
	assert.True(t, all[1].AllowAnyHost)

	require.NoError(t, store.DeleteSubsystem(1))
	_, err = store.GetSubsystem(1)
	assert.ErrorIs(t, err, ErrNotFound)

	// IDs are never reused
	c := &types.Subsystem{Name: "c"}
	require.NoError(t, store.CreateSubsystem(c))
	assert.Equal(t, 3, c.ID)
}

func TestMissingRecords(t *testing.T) {
	store := newTestStore(t)

	assert.ErrorIs(t, store.DeletePort(4), ErrNotFound)
	assert.ErrorIs(t, store.UpdatePort(&types.Port{ID: 4}), ErrNotFound)
	assert.ErrorIs(t, store.DeleteHostSubsys(1), ErrNotFound)

	_, err := store.GetNamespace(9)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "namespace 9")
}

func TestLinks(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateHostSubsys(&types.HostSubsys{HostID: 1, SubsysID: 1}))
	require.NoError(t, store.CreatePortSubsys(&types.PortSubsys{PortID: 1, SubsysID: 1}))
	require.NoError(t, store.CreatePortSubsys(&types.PortSubsys{PortID: 2, SubsysID: 1}))

	hs, err := store.ListHostSubsys()
	require.NoError(t, err)
	assert.Len(t, hs, 1)

	ps, err := store.ListPortSubsys()
	require.NoError(t, err)
	assert.Len(t, ps, 2)

	require.NoError(t, store.DeletePortSubsys(ps[0].ID))
	ps, err = store.ListPortSubsys()
	require.NoError(t, err)
	assert.Equal(t, 2, ps[0].PortID)
}

func TestNamespaceLockedNotPersisted(t *testing.T) {
	store := newTestStore(t)

	ns := &types.Namespace{NSID: 1, SubsysID: 1, DeviceType: types.DeviceTypeZVOL, DevicePath: "zvol/tank/v1", Locked: true}
	require.NoError(t, store.CreateNamespace(ns))
	assert.True(t, ns.Locked)

	got, err := store.GetNamespace(ns.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked)
}

func TestNamespaceLocks(t *testing.T) {
	store := newTestStore(t)

	ns1 := &types.Namespace{NSID: 1, SubsysID: 1, DeviceType: types.DeviceTypeZVOL, DevicePath: "zvol/tank/v1"}
	ns2 := &types.Namespace{NSID: 2, SubsysID: 1, DeviceType: types.DeviceTypeZVOL, DevicePath: "zvol/tank/v2"}
	require.NoError(t, store.CreateNamespace(ns1))
	require.NoError(t, store.CreateNamespace(ns2))

	require.NoError(t, store.SetNamespaceLocked(ns1.ID, true))
	require.NoError(t, store.SetNamespaceLocked(ns2.ID, true))
	ids, err := store.ListLockedNamespaces()
	require.NoError(t, err)
	assert.Equal(t, []int{ns1.ID, ns2.ID}, ids)

	require.NoError(t, store.SetNamespaceLocked(ns1.ID, false))
	require.NoError(t, store.SetNamespaceLocked(ns1.ID, false), "unlocking twice is harmless")
	require.NoError(t, store.DeleteNamespace(ns2.ID))
	ids, err = store.ListLockedNamespaces()
	require.NoError(t, err)
	assert.Empty(t, ids)

	err = store.SetNamespaceLocked(99, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHostKeysEncrypted(t *testing.T) {
	store := newTestStore(t)
	sm, err := security.NewSecretsManagerFromPassword("passphrase")
	require.NoError(t, err)
	store.SetSecretsManager(sm)

	host := &types.Host{HostNQN: "nqn.host", DHChapKey: "DHHC-1:00:key:", DHChapHash: types.DHChapHashSHA256}
	require.NoError(t, store.CreateHost(host))
	assert.Equal(t, "DHHC-1:00:key:", host.DHChapKey)

	// the raw record holds ciphertext
	var raw types.Host
	require.NoError(t, store.db.View(func(tx *bolt.Tx) error {
		return json.Unmarshal(tx.Bucket(bucketHosts).Get(itob(host.ID)), &raw)
	}))
	assert.True(t, security.IsEncrypted(raw.DHChapKey))
	assert.Empty(t, raw.DHChapCtrlKey)

	got, err := store.GetHost(host.ID)
	require.NoError(t, err)
	assert.Equal(t, "DHHC-1:00:key:", got.DHChapKey)

	// without the key the record cannot be read
	store.SetSecretsManager(nil)
	_, err = store.ListHosts()
	assert.Error(t, err)
}
