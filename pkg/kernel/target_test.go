package kernel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/nvmetd/pkg/render"
	"github.com/truenas/nvmetd/pkg/types"
)

type fakeRunner struct {
	calls []string
	fail  map[string]bool
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, call)
	if r.fail[name] {
		return []byte("busy"), os.ErrPermission
	}
	return nil, nil
}

func newTestTarget(t *testing.T) (*Target, *configfsSim, *fakeRunner) {
	t.Helper()
	sim := newConfigfsSim(t)
	runner := &fakeRunner{}
	target := NewTarget(sim, sim.root, WithRetries(2, time.Millisecond), WithRunner(runner))
	target.sleep = func(time.Duration) {}
	return target, sim, runner
}

func basicInput() render.Input {
	return render.Input{
		Global: types.DefaultGlobalConfig(),
		Hosts:  []*types.Host{{ID: 1, HostNQN: "nqn.host1", DHChapKey: "DHHC-1:01:secret:"}},
		Ports: []*types.Port{
			{ID: 1, Index: 1, AddrTrtype: types.TrtypeTCP, AddrAdrfam: types.AddrFamilyIPv4, AddrTraddr: "10.0.0.1", AddrTrsvcid: 4420, Enabled: true},
			{ID: 2, Index: 2, AddrTrtype: types.TrtypeTCP, AddrAdrfam: types.AddrFamilyIPv4, AddrTraddr: "10.0.0.2", AddrTrsvcid: 4420, Enabled: true},
		},
		Subsystems: []*types.Subsystem{{ID: 1, Name: "s1", SubNQN: "nqn.test:s1", Serial: "abc"}},
		HostSubsys: []*types.HostSubsys{{ID: 1, HostID: 1, SubsysID: 1}},
		PortSubsys: []*types.PortSubsys{{ID: 1, PortID: 1, SubsysID: 1}},
		Namespaces: []*types.Namespace{{
			ID: 1, NSID: 1, SubsysID: 1, DeviceType: types.DeviceTypeZVOL, DevicePath: "zvol/tank/v1",
			DeviceUUID: "uuid-1", DeviceNGUID: "nguid-1", Enabled: true,
		}},
	}
}

func haInput(status types.FailoverStatus) render.Input {
	in := basicInput()
	in.Global.ANA = true
	in.Ports = in.Ports[:1]
	in.Ports[0].AddrTraddr = "10.0.0.100"
	in.Failover = types.FailoverState{
		Licensed: true,
		Node:     types.FailoverNodeA,
		Status:   status,
		AddressPairs: map[types.Trtype]map[string]string{
			types.TrtypeTCP: {"10.0.0.100": "10.0.0.1/10.0.0.2"},
		},
	}
	return in
}

func TestWriteConfigWithoutModule(t *testing.T) {
	sim := newConfigfsSim(t)
	target := NewTarget(sim, filepath.Join(sim.root, "missing"))

	assert.False(t, target.ModuleLoaded())
	assert.NoError(t, target.WriteConfig(context.Background(), render.Build(basicInput())))
}

func TestWriteConfigCreates(t *testing.T) {
	target, sim, _ := newTestTarget(t)
	require.NoError(t, target.WriteConfig(context.Background(), render.Build(basicInput())))

	assert.Equal(t, "abc", sim.read(t, "subsystems", "nqn.test:s1", "attr_serial"))
	assert.Equal(t, "0", sim.read(t, "subsystems", "nqn.test:s1", "attr_allow_any_host"))
	assert.Equal(t, "TrueNAS", sim.read(t, "subsystems", "nqn.test:s1", "attr_model"))
	assert.Equal(t, "Unknown", sim.read(t, "subsystems", "nqn.test:s1", "attr_firmware"))
	assert.Equal(t, "65519", sim.read(t, "subsystems", "nqn.test:s1", "attr_cntlid_max"), "no bound without failover")

	assert.Equal(t, "DHHC-1:01:secret:", sim.read(t, "hosts", "nqn.host1", "dhchap_key"))
	assert.Equal(t, "\x00", sim.read(t, "hosts", "nqn.host1", "dhchap_ctrl_key"))
	assert.Equal(t, "null", sim.read(t, "hosts", "nqn.host1", "dhchap_dhgroup"))

	assert.ElementsMatch(t, []string{"1", "2"}, sim.names(t, "ports"))
	assert.Equal(t, "tcp", sim.read(t, "ports", "1", "addr_trtype"))
	assert.Equal(t, "ipv4", sim.read(t, "ports", "1", "addr_adrfam"))
	assert.Equal(t, "10.0.0.1", sim.read(t, "ports", "1", "addr_traddr"))
	assert.Equal(t, "4420", sim.read(t, "ports", "1", "addr_trsvcid"))

	assert.Equal(t, "10.0.0.2", sim.read(t, "ports", "1", "referrals", "2", "addr_traddr"))
	assert.Equal(t, "1", sim.read(t, "ports", "1", "referrals", "2", "enable"))
	assert.Equal(t, "10.0.0.1", sim.read(t, "ports", "2", "referrals", "1", "addr_traddr"))

	link, err := os.Readlink(filepath.Join(sim.root, "subsystems", "nqn.test:s1", "allowed_hosts", "nqn.host1"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sim.root, "hosts", "nqn.host1"), link)
	link, err = os.Readlink(filepath.Join(sim.root, "ports", "1", "subsystems", "nqn.test:s1"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sim.root, "subsystems", "nqn.test:s1"), link)
	assert.Empty(t, sim.names(t, "ports", "2", "subsystems"))

	ns := []string{"subsystems", "nqn.test:s1", "namespaces", "1"}
	assert.Equal(t, "/dev/zvol/tank/v1", sim.read(t, append(ns, "device_path")...))
	assert.Equal(t, "uuid-1", sim.read(t, append(ns, "device_uuid")...))
	assert.Equal(t, "0", sim.read(t, append(ns, "buffered_io")...))
	assert.Equal(t, "1", sim.read(t, append(ns, "resv_enable")...))
	assert.Equal(t, "1", sim.read(t, append(ns, "ana_grpid")...))
	assert.Equal(t, "1", sim.read(t, append(ns, "enable")...))
}

func TestWriteConfigUpdatesAndRemoves(t *testing.T) {
	target, sim, _ := newTestTarget(t)
	ctx := context.Background()
	in := basicInput()
	require.NoError(t, target.WriteConfig(ctx, render.Build(in)))

	// A second render of the same configuration is a no-op
	require.NoError(t, target.WriteConfig(ctx, render.Build(in)))
	assert.Equal(t, "abc", sim.read(t, "subsystems", "nqn.test:s1", "attr_serial"))

	in.Namespaces[0].Enabled = false
	in.Ports[1].AddrTraddr = "10.0.0.3"
	in.Hosts[0].DHChapKey = ""
	require.NoError(t, target.WriteConfig(ctx, render.Build(in)))
	assert.Equal(t, "0", sim.read(t, "subsystems", "nqn.test:s1", "namespaces", "1", "enable"))
	assert.Equal(t, "10.0.0.3", sim.read(t, "ports", "2", "addr_traddr"))
	assert.Equal(t, "10.0.0.3", sim.read(t, "ports", "1", "referrals", "2", "addr_traddr"))
	assert.Equal(t, "1", sim.read(t, "ports", "1", "referrals", "2", "enable"))
	assert.Equal(t, "\x00", sim.read(t, "hosts", "nqn.host1", "dhchap_key"))

	in.Global.XportReferral = false
	in.PortSubsys = nil
	require.NoError(t, target.WriteConfig(ctx, render.Build(in)))
	assert.Empty(t, sim.names(t, "ports", "1", "referrals"))
	assert.Empty(t, sim.names(t, "ports", "1", "subsystems"))

	require.NoError(t, target.WriteConfig(ctx, render.Build(render.Input{})))
	assert.Empty(t, sim.names(t, "subsystems"))
	assert.Empty(t, sim.names(t, "hosts"))
	assert.Empty(t, sim.names(t, "ports"))
}

func TestWriteConfigRemovesNamespacesOfDeletedSubsystem(t *testing.T) {
	target, sim, _ := newTestTarget(t)
	ctx := context.Background()
	in := basicInput()
	require.NoError(t, target.WriteConfig(ctx, render.Build(in)))

	in.Subsystems = nil
	require.NoError(t, target.WriteConfig(ctx, render.Build(in)))
	assert.Empty(t, sim.names(t, "subsystems"))
}

func TestWriteConfigFailureKeepsLiveObjects(t *testing.T) {
	target, sim, _ := newTestTarget(t)
	ctx := context.Background()
	in := basicInput()
	require.NoError(t, target.WriteConfig(ctx, render.Build(in)))

	require.NoError(t, os.Remove(filepath.Join(sim.root, "hosts", "nqn.host1", "dhchap_hash")))
	in.Subsystems = nil

	err := target.WriteConfig(ctx, render.Build(in))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hosts")
	assert.True(t, sim.exists("subsystems", "nqn.test:s1"), "deletions only run after every stage succeeded")
}

func TestWriteConfigANA(t *testing.T) {
	target, sim, _ := newTestTarget(t)
	ctx := context.Background()
	require.NoError(t, target.WriteConfig(ctx, render.Build(haInput(types.FailoverStatusMaster))))

	assert.Equal(t, []string{"5001"}, sim.names(t, "ports"))
	assert.Equal(t, "10.0.0.1", sim.read(t, "ports", "5001", "addr_traddr"))
	assert.Equal(t, "optimized", sim.read(t, "ports", "5001", "ana_groups", "2", "ana_state"))
	assert.Equal(t, "10.0.0.2", sim.read(t, "ports", "5001", "referrals", "5001", "addr_traddr"), "self referral points at the peer")
	assert.True(t, sim.exists("ports", "5001", "subsystems", "nqn.test:s1"))
	assert.Equal(t, "31999", sim.read(t, "subsystems", "nqn.test:s1", "attr_cntlid_max"))
	assert.Equal(t, "2", sim.read(t, "subsystems", "nqn.test:s1", "namespaces", "1", "ana_grpid"))
	assert.Equal(t, "1", sim.read(t, "subsystems", "nqn.test:s1", "namespaces", "1", "enable"))

	require.NoError(t, target.WriteConfig(ctx, render.Build(haInput(types.FailoverStatusBackup))))
	assert.Equal(t, "inaccessible", sim.read(t, "ports", "5001", "ana_groups", "2", "ana_state"))
	assert.Equal(t, "0", sim.read(t, "subsystems", "nqn.test:s1", "namespaces", "1", "enable"))

	in := haInput(types.FailoverStatusMaster)
	in.Global.ANA = false
	require.NoError(t, target.WriteConfig(ctx, render.Build(in)))
	assert.Equal(t, []string{"1"}, sim.names(t, "ports"))
	assert.False(t, sim.exists("ports", "1", "ana_groups", "2"))
	assert.Equal(t, "1", sim.read(t, "subsystems", "nqn.test:s1", "namespaces", "1", "ana_grpid"))
}

func TestNamespaceOperations(t *testing.T) {
	target, sim, _ := newTestTarget(t)
	ctx := context.Background()
	rc := render.Build(basicInput())
	require.NoError(t, target.WriteConfig(ctx, rc))
	ns := rc.Namespaces[0]
	dir := []string{"subsystems", "nqn.test:s1", "namespaces", "1"}

	require.NoError(t, target.LockNamespace(ctx, ns))
	assert.Equal(t, "0", sim.read(t, append(dir, "enable")...))

	require.NoError(t, target.UnlockNamespace(ctx, ns))
	assert.Equal(t, "/dev/zvol/tank/v1", sim.read(t, append(dir, "device_path")...))
	assert.Equal(t, "1", sim.read(t, append(dir, "enable")...))

	require.NoError(t, target.ResizeNamespace(ctx, ns))
	assert.Equal(t, "1", sim.read(t, append(dir, "revalidate_size")...))

	missing := ns
	missing.Namespace = &types.Namespace{NSID: 9, DeviceType: types.DeviceTypeZVOL}
	assert.NoError(t, target.LockNamespace(ctx, missing), "namespaces not rendered yet are ignored")
}

func TestClearConfig(t *testing.T) {
	target, sim, _ := newTestTarget(t)
	require.NoError(t, target.WriteConfig(context.Background(), render.Build(haInput(types.FailoverStatusMaster))))

	require.NoError(t, target.ClearConfig())
	assert.Empty(t, sim.names(t, "ports"))
	assert.Empty(t, sim.names(t, "subsystems"))
	assert.Empty(t, sim.names(t, "hosts"))
}

func TestActive(t *testing.T) {
	target, _, _ := newTestTarget(t)
	ctx := context.Background()
	assert.False(t, target.Active(ctx))

	require.NoError(t, target.WriteConfig(ctx, render.Build(basicInput())))
	assert.True(t, target.Active(ctx))

	// a daemon started later sees the same configfs
	restarted := NewTarget(target.fs, target.root)
	assert.True(t, restarted.Active(ctx))

	require.NoError(t, target.ClearConfig())
	assert.False(t, restarted.Active(ctx))

	missing := NewTarget(target.fs, target.root+"-unloaded")
	assert.False(t, missing.Active(ctx))
}

func TestStartStop(t *testing.T) {
	target, _, runner := newTestTarget(t)
	ctx := context.Background()
	in := basicInput()
	in.Global.RDMA = true

	require.NoError(t, target.Start(ctx, render.Build(in)))
	assert.Equal(t, []string{"modprobe -a nvmet nvmet-tcp nvmet-rdma"}, runner.calls)

	runner.calls = nil
	runner.fail = map[string]bool{"rmmod": true}
	require.NoError(t, target.Stop(ctx), "unload failures are not fatal")
	assert.Equal(t, []string{"rmmod nvmet-rdma", "rmmod nvmet-tcp"}, runner.calls)
}

func TestStartStopWithoutModuleLoading(t *testing.T) {
	target, _, runner := newTestTarget(t)
	WithModuleLoading(false)(target)
	ctx := context.Background()

	require.NoError(t, target.Start(ctx, render.Build(basicInput())))
	require.NoError(t, target.Stop(ctx))
	assert.Empty(t, runner.calls)
}

func TestLoadModulesFailure(t *testing.T) {
	target, _, runner := newTestTarget(t)
	runner.fail = map[string]bool{"modprobe": true}

	assert.NoError(t, target.LoadModules(context.Background()))
	assert.Error(t, target.LoadModules(context.Background(), "nvmet"))
}

func TestSetAttrsRetryBudget(t *testing.T) {
	fs := afero.NewOsFs().(FS)
	dir := t.TempDir()
	target := NewTarget(fs, dir)

	sleeps := 0
	target.sleep = func(time.Duration) {
		sleeps++
		if sleeps == 2 {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0644))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), nil, 0644))
		}
	}

	list := attrs{{"a", "1"}, {"b", "2"}}
	left, err := target.setAttrs(dir, list, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, sleeps)
	assert.Equal(t, 3, left)

	data, err := os.ReadFile(filepath.Join(dir, "b"))
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(data))

	left, err = target.setAttrs(dir, attrs{{"missing", "1"}}, left)
	assert.Error(t, err, "attributes are never created")
	assert.Equal(t, 0, left)
	assert.Equal(t, 5, sleeps)
}
