package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/nvmetd/pkg/security"
	"github.com/truenas/nvmetd/pkg/storage"
	"github.com/truenas/nvmetd/pkg/types"
)

const hostNQN = "nqn.2014-08.org.nvmexpress:uuid:7d3b4a1e-0000-4000-8000-000000000001"

func TestCreateHost(t *testing.T) {
	key, err := security.GenerateDHChapKey(types.DHChapHashSHA256, hostNQN)
	require.NoError(t, err)

	tests := []struct {
		name    string
		host    types.Host
		attr    string
		message string
	}{
		{
			name:    "missing nqn",
			host:    types.Host{},
			attr:    "nvmet_host_create.hostnqn",
			message: "This field is required",
		},
		{
			name:    "bad hash",
			host:    types.Host{HostNQN: hostNQN, DHChapHash: "MD5"},
			attr:    "nvmet_host_create.dhchap_hash",
			message: `Invalid hash "MD5"`,
		},
		{
			name:    "bad group",
			host:    types.Host{HostNQN: hostNQN, DHChapDHGroup: "1024-BIT"},
			attr:    "nvmet_host_create.dhchap_dhgroup",
			message: `Invalid DH group "1024-BIT"`,
		},
		{
			name:    "ctrl key without key",
			host:    types.Host{HostNQN: hostNQN, DHChapCtrlKey: key},
			attr:    "nvmet_host_create.dhchap_ctrl_key",
			message: "Cannot configure bidirectional authentication without setting dhchap_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, singleNode())
			host := tt.host
			_, err := env.mgr.CreateHost(context.Background(), &host)
			requireValidation(t, err, tt.attr, tt.message)
		})
	}

	t.Run("malformed key", func(t *testing.T) {
		env := newTestEnv(t, singleNode())
		_, err := env.mgr.CreateHost(context.Background(), &types.Host{HostNQN: hostNQN, DHChapKey: "secret"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nvmet_host_create.dhchap_key")
	})

	t.Run("valid", func(t *testing.T) {
		env := newTestEnv(t, singleNode())
		host, err := env.mgr.CreateHost(context.Background(), &types.Host{HostNQN: " " + hostNQN + " ", DHChapKey: key})
		require.NoError(t, err)
		assert.Equal(t, hostNQN, host.HostNQN)
		assert.Equal(t, types.DHChapHashSHA256, host.DHChapHash)

		_, err = env.mgr.CreateHost(context.Background(), &types.Host{HostNQN: hostNQN})
		requireValidation(t, err, "nvmet_host_create.hostnqn", "This hostnqn is already in use")
	})
}

func TestUpdateHost(t *testing.T) {
	env := newTestEnv(t, singleNode())
	ctx := context.Background()

	host, err := env.mgr.CreateHost(ctx, &types.Host{HostNQN: hostNQN})
	require.NoError(t, err)

	host.DHChapHash = types.DHChapHashSHA512
	host.DHChapDHGroup = types.DHChapDHGroup4096
	_, err = env.mgr.UpdateHost(ctx, host)
	require.NoError(t, err)

	stored, err := env.mgr.GetHost(host.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DHChapHashSHA512, stored.DHChapHash)
	assert.Equal(t, types.DHChapDHGroup4096, stored.DHChapDHGroup)

	_, err = env.mgr.UpdateHost(ctx, &types.Host{ID: 99, HostNQN: "nqn.x"})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestDeleteHost(t *testing.T) {
	env := newTestEnv(t, singleNode())
	ctx := context.Background()

	host, err := env.mgr.CreateHost(ctx, &types.Host{HostNQN: hostNQN})
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c", "d"} {
		s, err := env.mgr.CreateSubsystem(ctx, &types.Subsystem{Name: name})
		require.NoError(t, err)
		_, err = env.mgr.CreateHostSubsys(ctx, &types.HostSubsys{HostID: host.ID, SubsysID: s.ID})
		require.NoError(t, err)
	}

	err = env.mgr.DeleteHost(ctx, host.ID, false)
	requireValidation(t, err, "nvmet_host_delete.id", "Host "+hostNQN+" used by 4 subsystem(s): a,b,c,...")

	require.NoError(t, env.mgr.DeleteHost(ctx, host.ID, true))
	links, err := env.mgr.ListHostSubsys()
	require.NoError(t, err)
	assert.Empty(t, links)
	_, err = env.mgr.GetHost(host.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGenerateKey(t *testing.T) {
	env := newTestEnv(t, singleNode())

	key, err := env.mgr.GenerateKey("", hostNQN)
	require.NoError(t, err)
	assert.NoError(t, security.ValidateDHChapKey(key))
	assert.Contains(t, key, "DHHC-1:01:")

	key, err = env.mgr.GenerateKey(types.DHChapHashSHA384, hostNQN)
	require.NoError(t, err)
	assert.Contains(t, key, "DHHC-1:02:")

	_, err = env.mgr.GenerateKey(types.DHChapHashSHA256, "")
	assert.True(t, IsValidationError(err))

	assert.Len(t, env.mgr.DHChapHashChoices(), 3)
	assert.Len(t, env.mgr.DHChapDHGroupChoices(), 5)
}

func TestHostSubsysLinks(t *testing.T) {
	env := newTestEnv(t, singleNode())
	ctx := context.Background()

	_, err := env.mgr.CreateHostSubsys(ctx, &types.HostSubsys{HostID: 5, SubsysID: 6})
	requireValidation(t, err, "nvmet_host_subsys_create.host_id", "No host with ID 5")
	requireValidation(t, err, "nvmet_host_subsys_create.subsys_id", "No subsystem with ID 6")

	host, err := env.mgr.CreateHost(ctx, &types.Host{HostNQN: hostNQN})
	require.NoError(t, err)
	subsys, err := env.mgr.CreateSubsystem(ctx, &types.Subsystem{Name: "s1"})
	require.NoError(t, err)

	link, err := env.mgr.CreateHostSubsys(ctx, &types.HostSubsys{HostID: host.ID, SubsysID: subsys.ID})
	require.NoError(t, err)
	_, err = env.mgr.CreateHostSubsys(ctx, &types.HostSubsys{HostID: host.ID, SubsysID: subsys.ID})
	requireValidation(t, err, "nvmet_host_subsys_create.host_id", "This record already exists (Host ID: 1/Subsystem ID: 1)")

	require.NoError(t, env.mgr.DeleteHostSubsys(ctx, link.ID))
	assert.ErrorIs(t, env.mgr.DeleteHostSubsys(ctx, link.ID), storage.ErrNotFound)
}
