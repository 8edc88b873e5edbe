/*
Package manager validates and persists the NVMe-oF target configuration.

The manager is the only writer of the configuration store. Every create,
update and delete goes through it, is validated against the rest of the
configuration, and publishes an event once stored. The reconciler listens
for those events and renders the new configuration into the selected
target.

# Architecture

	┌──────────────── REST API ────────────────┐
	│   /api/v1/nvmet/{host,port,subsys,...}   │
	└────────────────────┬─────────────────────┘
	                     │
	┌────────────────────▼─────────────────────┐
	│                 Manager                  │
	│  - validation (ValidationErrors)         │
	│  - ID, index and NSID allocation         │
	│  - FILE backing files (volume.Driver)    │
	│  - namespace lock / unlock / resize      │
	└──────┬──────────────────────────┬────────┘
	       │                          │
	┌──────▼───────┐          ┌───────▼────────┐
	│  BoltStore   │          │  events.Broker │──► reconciler
	└──────────────┘          └────────────────┘

# Validation

Problems are collected into ValidationErrors, each naming the attribute
it concerns in the form "<schema>.<field>", and returned together:

	_, err := mgr.CreatePort(ctx, &types.Port{AddrTrtype: types.TrtypeTCP})
	if manager.IsValidationError(err) {
		// 422 with every problem listed
	}

Missing records are reported with an error wrapping storage.ErrNotFound.

# Deletion

Hosts and ports linked to subsystems, and subsystems holding namespaces,
are only deleted when force is set. A forced delete removes whatever
depends on the object. Deleting a subsystem always removes its host and
port links.

# Namespaces

NSIDs are allocated as the lowest free value of the subsystem. Device
UUIDs and NGUIDs are generated once and kept. FILE namespaces are backed
by a sparse file that is created on demand and may grow but never shrink.

A namespace whose dataset is locked is marked Locked. Locks are stored
apart from the namespace records and survive a restart of the daemon.
While the kernel target runs, locking and unlocking also toggle the
namespace in configfs without waiting for a render.
*/
package manager
