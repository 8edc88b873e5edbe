package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/nvmetd/pkg/api"
	"github.com/truenas/nvmetd/pkg/events"
	"github.com/truenas/nvmetd/pkg/manager"
	"github.com/truenas/nvmetd/pkg/network"
	"github.com/truenas/nvmetd/pkg/reconciler"
	"github.com/truenas/nvmetd/pkg/storage"
	"github.com/truenas/nvmetd/pkg/types"
	"github.com/truenas/nvmetd/pkg/volume"
)

type staticInterfaces []network.Interface

func (s staticInterfaces) Interfaces() ([]network.Interface, error) {
	return s, nil
}

type fakeService struct {
	status reconciler.Status
}

func (f *fakeService) StartService(context.Context) error {
	f.status = reconciler.Status{Running: true, Backend: "kernel"}
	return nil
}

func (f *fakeService) StopService(context.Context) error {
	f.status = reconciler.Status{}
	return nil
}

func (f *fakeService) RestartService(context.Context) error { return nil }
func (f *fakeService) Reload(context.Context) error         { return nil }
func (f *fakeService) Status() reconciler.Status            { return f.status }

func newTestServer(t *testing.T) (*api.Server, afero.Fs) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	fs := afero.NewMemMapFs()
	mgr, err := manager.NewManager(&manager.Config{
		Store:   store,
		Broker:  broker,
		Volumes: volume.NewDriver(fs),
		Interfaces: staticInterfaces{
			{Name: "eth0", Up: true, Addresses: []net.IP{net.ParseIP("192.168.1.10")}},
		},
	})
	require.NoError(t, err)
	return api.NewServer(mgr, &fakeService{}), fs
}

func newTestClient(t *testing.T) (*Client, afero.Fs) {
	t.Helper()
	server, fs := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, fs
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		addr    string
		baseURL string
		wantErr bool
	}{
		{addr: "127.0.0.1:6010", baseURL: "http://127.0.0.1:6010"},
		{addr: "http://localhost:6010/", baseURL: "http://localhost:6010"},
		{addr: "/run/nvmetd.sock", baseURL: "http://nvmetd"},
		{addr: "unix:///run/nvmetd.sock", baseURL: "http://nvmetd"},
		{addr: "localhost", wantErr: true},
		{addr: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			c, err := NewClient(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.baseURL, c.baseURL)
		})
	}
}

func TestConfigurationRoundTrip(t *testing.T) {
	c, fs := newTestClient(t)
	require.NoError(t, afero.WriteFile(fs, "/mnt/tank/vol.img", make([]byte, 8192), 0600))

	host, err := c.CreateHost(&types.Host{HostNQN: "nqn.2014-08.org.nvmexpress:uuid:client"})
	require.NoError(t, err)
	assert.Equal(t, 1, host.ID)

	key, err := c.GenerateKey(types.DHChapHashSHA384, host.HostNQN)
	require.NoError(t, err)
	host.DHChapKey = key
	host, err = c.UpdateHost(host)
	require.NoError(t, err)
	assert.Equal(t, key, host.DHChapKey)

	choices, err := c.TransportAddressChoices(types.TrtypeTCP)
	require.NoError(t, err)
	assert.Contains(t, choices, "192.168.1.10")

	port, err := c.CreatePort(&types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "192.168.1.10"})
	require.NoError(t, err)
	assert.Equal(t, types.DefaultTCPPort, port.AddrTrsvcid)

	subsys, err := c.CreateSubsystem(&types.Subsystem{Name: "backup"})
	require.NoError(t, err)

	_, err = c.CreateHostSubsys(host.ID, subsys.ID)
	require.NoError(t, err)
	_, err = c.CreatePortSubsys(port.ID, subsys.ID)
	require.NoError(t, err)

	ns, err := c.CreateNamespace(&types.Namespace{
		SubsysID:   subsys.ID,
		DeviceType: types.DeviceTypeFile,
		DevicePath: "/mnt/tank/vol.img",
		Enabled:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ns.NSID)

	ns, err = c.LockNamespace(ns.ID)
	require.NoError(t, err)
	assert.True(t, ns.Locked)

	details, err := c.ListSubsystemDetails()
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, []int{host.ID}, details[0].Hosts)
	assert.Equal(t, []int{port.ID}, details[0].Ports)
	assert.Equal(t, []int{ns.ID}, details[0].Namespaces)

	err = c.DeleteHost(host.ID, false)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Len(t, apiErr.Errors, 1)
	assert.Equal(t, "nvmet_host_delete.id", apiErr.Errors[0].Attribute)

	require.NoError(t, c.DeleteHost(host.ID, true))
	links, err := c.ListHostSubsys()
	require.NoError(t, err)
	assert.Empty(t, links)

	_, err = c.GetHost(host.ID)
	assert.True(t, IsNotFound(err))
}

func TestGlobalAndService(t *testing.T) {
	c, _ := newTestClient(t)

	global, err := c.GetGlobal()
	require.NoError(t, err)
	global.BaseNQN = "nqn.2005-10.org.example"
	global, err = c.UpdateGlobal(global)
	require.NoError(t, err)
	assert.Equal(t, "nqn.2005-10.org.example", global.BaseNQN)

	global.BaseNQN = "iqn.bogus"
	_, err = c.UpdateGlobal(global)
	assert.ErrorContains(t, err, `[nvmet_global_update.basenqn] NQN must start with "nqn."`)

	status, err := c.ServiceAction("start")
	require.NoError(t, err)
	assert.True(t, status.Running)

	status, err = c.ServiceStatus()
	require.NoError(t, err)
	assert.Equal(t, "kernel", status.Backend)

	_, err = c.ServiceAction("explode")
	assert.ErrorContains(t, err, "unknown service action")

	ready, err := c.Ready()
	require.NoError(t, err)
	assert.Equal(t, "ready", ready.Status)
}

func TestUnixSocketIsReadOnly(t *testing.T) {
	server, _ := newTestServer(t)

	dir, err := os.MkdirTemp("", "nvmetd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "api.sock")

	errCh := make(chan error, 1)
	go func() { errCh <- server.StartUnix(socket) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
		<-errCh
	})

	c, err := NewClient("unix://" + socket)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := c.ListHosts()
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = c.CreateSubsystem(&types.Subsystem{Name: "denied"})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "write operations not allowed")
}
