package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(NewEvent(EventSubsysCreated, 3, "created subsystem"))

	select {
	case ev := <-sub:
		assert.Equal(t, EventSubsysCreated, ev.Type)
		assert.Equal(t, "3", ev.Metadata["id"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-sub
	require.False(t, open)
}

func TestRequiresReload(t *testing.T) {
	assert.True(t, EventNamespaceUpdated.RequiresReload())
	assert.True(t, EventGlobalUpdated.RequiresReload())
	assert.False(t, EventServiceReloaded.RequiresReload())
	assert.False(t, EventReloadFailed.RequiresReload())
}
