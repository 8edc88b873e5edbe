/*
Package reconciler drives the NVMe-oF target service.

The reconciler owns the service lock. It starts and stops the backend the
global configuration selects (kernel configfs or SPDK) and renders the
stored configuration into it. Renders are synchronous and never overlap.

# Architecture

	┌──────────── manager ────────────┐
	│  create / update / delete       │
	└───────────────┬─────────────────┘
	                │ change events
	                ▼
	┌──────────── events.Broker ──────┐
	└───────────────┬─────────────────┘
	                │
	┌───────────────▼─────────────────┐      ┌──────────────┐
	│           Reconciler            │◄─────│ ticker       │
	│  - debounce change events       │      │ (periodic)   │
	│  - build render.Context         │      └──────────────┘
	│  - Backend.WriteConfig          │
	└──────┬─────────────────┬────────┘
	       │                 │
	┌──────▼──────┐   ┌──────▼──────┐
	│ kernel      │   │ spdk        │
	│ (configfs)  │   │ (JSON-RPC)  │
	└─────────────┘   └─────────────┘

Change events arriving within the debounce window are coalesced into one
reload. Service events published by the reconciler itself never trigger a
reload.

# Usage

	rec := reconciler.NewReconciler(mgr, reconciler.Config{
		Kernel:   kernel.NewHostTarget(""),
		SPDK:     spdk.NewTarget(spdk.NewClient("")),
		Interval: reconciler.DefaultInterval,
	})
	rec.Start()
	defer rec.Stop()

	if err := rec.StartService(ctx); err != nil {
		return err
	}

Nothing is rendered while the service is stopped. Switching the global
configuration between kernel and SPDK while running stops the old backend
and starts the new one on the next reload.
*/
package reconciler
