package spdk

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCall(t *testing.T) {
	srv := newFakeServer(t)
	c := NewClient(srv.socket)
	ctx := context.Background()

	require.NoError(t, c.FrameworkWaitInit(ctx))

	subs, err := c.GetSubsystems(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Discovery", subs[0].Subtype)

	require.NoError(t, c.CreateSubsystem(ctx, CreateSubsystemParams{NQN: "nqn.test:a", SerialNumber: "s1", AllowAnyHost: true}))
	assert.Equal(t, "s1", srv.get("nqn.test:a").SerialNumber)
	assert.True(t, srv.get("nqn.test:a").AllowAnyHost)

	require.NoError(t, c.SubsystemAllowAnyHost(ctx, "nqn.test:a", false))
	assert.False(t, srv.get("nqn.test:a").AllowAnyHost)

	qpairs, err := c.GetQPairs(ctx, "nqn.test:a")
	require.NoError(t, err)
	assert.Empty(t, qpairs)
}

func TestClientErrors(t *testing.T) {
	srv := newFakeServer(t)
	c := NewClient(srv.socket)
	ctx := context.Background()

	srv.fail["nvmf_get_subsystems"] = &RPCError{Code: -1, Message: "boom"}
	_, err := c.GetSubsystems(ctx)
	require.Error(t, err)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -1, rpcErr.Code)
	assert.Contains(t, err.Error(), "nvmf_get_subsystems")

	err = c.Call(ctx, "no_such_method", nil, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32601, rpcErr.Code)

	err = c.DeleteSubsystem(ctx, "nqn.test:missing")
	assert.Error(t, err)

	missing := NewClient(filepath.Join(t.TempDir(), "none.sock"))
	err = missing.FrameworkWaitInit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestNewClientDefaultSocket(t *testing.T) {
	assert.Equal(t, DefaultSocket, NewClient("").Socket())
}
