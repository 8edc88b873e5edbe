package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/nvmetd/pkg/storage"
	"github.com/truenas/nvmetd/pkg/types"
)

func TestCreatePortDefaults(t *testing.T) {
	env := newTestEnv(t, singleNode())
	ctx := context.Background()

	v4, err := env.mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 1, v4.Index)
	assert.Equal(t, types.AddrFamilyIPv4, v4.AddrAdrfam)
	assert.Equal(t, types.DefaultTCPPort, v4.AddrTrsvcid)

	v6, err := env.mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "fd00::1"})
	require.NoError(t, err)
	assert.Equal(t, 2, v6.Index)
	assert.Equal(t, types.AddrFamilyIPv6, v6.AddrAdrfam)

	require.NoError(t, env.mgr.DeletePort(ctx, v4.ID, false))
	again, err := env.mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "10.0.0.1", AddrTrsvcid: 4421})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Index)
}

func TestCreatePortValidation(t *testing.T) {
	tests := []struct {
		name    string
		port    types.Port
		attr    string
		message string
	}{
		{
			name:    "unknown transport",
			port:    types.Port{AddrTrtype: "LOOP", AddrTraddr: "10.0.0.1"},
			attr:    "nvmet_port_create.addr_trtype",
			message: `Invalid transport "LOOP"`,
		},
		{
			name:    "missing address",
			port:    types.Port{AddrTrtype: types.TrtypeTCP},
			attr:    "nvmet_port_create.addr_traddr",
			message: "This field is required",
		},
		{
			name:    "family mismatch",
			port:    types.Port{AddrTrtype: types.TrtypeTCP, AddrAdrfam: types.AddrFamilyIPv4, AddrTraddr: "fd00::1"},
			attr:    "nvmet_port_create.addr_traddr",
			message: "Invalid IPV4 address: fd00::1",
		},
		{
			name:    "address not local",
			port:    types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "10.9.9.9"},
			attr:    "nvmet_port_create.addr_traddr",
			message: "Address 10.9.9.9 is not available for TCP",
		},
		{
			name:    "rdma disabled",
			port:    types.Port{AddrTrtype: types.TrtypeRDMA, AddrTraddr: "10.1.0.1"},
			attr:    "nvmet_port_create.addr_trtype",
			message: msgRDMAUnsupported,
		},
		{
			name:    "rdma on non rdma interface",
			port:    types.Port{AddrTrtype: types.TrtypeRDMA, AddrTraddr: "10.0.0.1"},
			attr:    "nvmet_port_create.addr_traddr",
			message: "Address 10.0.0.1 is not available for RDMA",
		},
		{
			name:    "index out of range",
			port:    types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "10.0.0.1", Index: types.ANAPortIndexOffset},
			attr:    "nvmet_port_create.index",
			message: "Must be between 1 and 4999",
		},
		{
			name:    "fc family",
			port:    types.Port{AddrTrtype: types.TrtypeFC, AddrAdrfam: types.AddrFamilyIPv4, AddrTraddr: "nn-0x1:pn-0x2"},
			attr:    "nvmet_port_create.addr_adrfam",
			message: "FC requires the FC address family",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, singleNode())
			port := tt.port
			_, err := env.mgr.CreatePort(context.Background(), &port)
			requireValidation(t, err, tt.attr, tt.message)
		})
	}
}

func TestCreatePortDuplicates(t *testing.T) {
	env := newTestEnv(t, singleNode())
	ctx := context.Background()

	_, err := env.mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "10.0.0.1", Index: 7})
	require.NoError(t, err)

	_, err = env.mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "10.0.0.1"})
	requireValidation(t, err, "nvmet_port_create.addr_traddr", "There already is a port using the same transport and address")

	_, err = env.mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "fd00::1", Index: 7})
	requireValidation(t, err, "nvmet_port_create.index", "Port index 7 is already in use")
}

func TestCreatePortRDMA(t *testing.T) {
	env := newTestEnv(t, singleNode())
	ctx := context.Background()

	cfg, err := env.mgr.GlobalConfig()
	require.NoError(t, err)
	cfg.RDMA = true
	_, err = env.mgr.UpdateGlobal(ctx, cfg)
	require.NoError(t, err)

	port, err := env.mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeRDMA, AddrTraddr: "10.1.0.1"})
	require.NoError(t, err)
	assert.Equal(t, types.AddrFamilyIPv4, port.AddrAdrfam)
}

func TestTransportAddressChoices(t *testing.T) {
	single := newTestEnv(t, singleNode())
	choices, err := single.mgr.TransportAddressChoices(types.TrtypeTCP)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"10.0.0.1": "10.0.0.1", "fd00::1": "fd00::1", "10.1.0.1": "10.1.0.1"}, choices)

	choices, err = single.mgr.TransportAddressChoices(types.TrtypeRDMA)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"10.1.0.1": "10.1.0.1"}, choices)

	_, err = single.mgr.TransportAddressChoices("LOOP")
	assert.True(t, IsValidationError(err))

	ha := newTestEnv(t, haNode(types.FailoverStatusMaster))
	choices, err = ha.mgr.TransportAddressChoices(types.TrtypeTCP)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"10.0.0.100": "10.0.0.1/10.0.0.2"}, choices)
}

func TestUpdateActivePort(t *testing.T) {
	env := newTestEnv(t, singleNode())
	ctx := context.Background()

	port, err := env.mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "10.0.0.1", Enabled: true})
	require.NoError(t, err)
	subsys, err := env.mgr.CreateSubsystem(ctx, &types.Subsystem{Name: "s1"})
	require.NoError(t, err)

	// not yet serving anything
	port.AddrTrsvcid = 4421
	_, err = env.mgr.UpdatePort(ctx, port)
	require.NoError(t, err)

	_, err = env.mgr.CreatePortSubsys(ctx, &types.PortSubsys{PortID: port.ID, SubsysID: subsys.ID})
	require.NoError(t, err)

	changed := *port
	changed.AddrTrsvcid = 4422
	_, err = env.mgr.UpdatePort(ctx, &changed)
	requireValidation(t, err, "nvmet_port_update", "Cannot change addr_trsvcid on an active port.  Disable first to allow change.")

	changed = *port
	changed.Index = 9
	_, err = env.mgr.UpdatePort(ctx, &changed)
	requireValidation(t, err, "nvmet_port_update", "Cannot change index on an active port.  Disable first to allow change.")

	size := 16384
	changed = *port
	changed.InlineDataSize = &size
	_, err = env.mgr.UpdatePort(ctx, &changed)
	require.NoError(t, err)

	// disabling first allows the change
	changed.Enabled = false
	_, err = env.mgr.UpdatePort(ctx, &changed)
	require.NoError(t, err)
	changed.AddrTrsvcid = 4422
	updated, err := env.mgr.UpdatePort(ctx, &changed)
	require.NoError(t, err)
	assert.Equal(t, 4422, updated.AddrTrsvcid)
}

func TestDeletePort(t *testing.T) {
	env := newTestEnv(t, singleNode())
	ctx := context.Background()

	port, err := env.mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeTCP, AddrTraddr: "10.0.0.1"})
	require.NoError(t, err)
	subsys, err := env.mgr.CreateSubsystem(ctx, &types.Subsystem{Name: "s1"})
	require.NoError(t, err)
	_, err = env.mgr.CreatePortSubsys(ctx, &types.PortSubsys{PortID: port.ID, SubsysID: subsys.ID})
	require.NoError(t, err)

	err = env.mgr.DeletePort(ctx, port.ID, false)
	requireValidation(t, err, "nvmet_port_delete.id", "Port #1 used by 1 subsystem(s): s1")

	require.NoError(t, env.mgr.DeletePort(ctx, port.ID, true))
	links, err := env.mgr.ListPortSubsys()
	require.NoError(t, err)
	assert.Empty(t, links)
	assert.ErrorIs(t, env.mgr.DeletePort(ctx, port.ID, true), storage.ErrNotFound)
}
