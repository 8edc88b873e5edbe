/*
Package api implements the nvmetd REST API server.

The api package is the interface external tools (nvmetctl, the management
middleware, monitoring) use to read and change the NVMe-oF target
configuration and to control the target service. Every request is handled
by the Manager, which validates and persists it; the reconciler then applies
the configuration to the running target.

# Architecture

	┌─────────────── CLIENT (nvmetctl / middleware) ──────────────┐
	│                                                              │
	│   pkg/client  ──  HTTP/JSON over TCP or a UNIX socket        │
	└──────────────────────────┬───────────────────────────────────┘
	                           │
	┌──────────────────────────▼──────── nvmetd ──────────────────┐
	│                                                              │
	│   gorilla/mux router (pkg/api)                               │
	│     - instrument: request metrics + debug log                │
	│     - ReadOnly: GET only on the UNIX socket                  │
	│                           │                                  │
	│   Manager (validation, BoltDB) ──events──▶ Reconciler        │
	│                                           (kernel / SPDK)    │
	└──────────────────────────────────────────────────────────────┘

# Endpoints

Configuration endpoints live under /api/v1/nvmet:

	GET    /global                          global configuration
	PUT    /global                          update (merged into the stored value)
	GET    /global/ana_active               whether any subsystem uses ANA
	GET    /global/running                  whether the target is running

	GET    /host                            list hosts
	POST   /host                            create
	GET    /host/{id}                       get
	PUT    /host/{id}                       update
	DELETE /host/{id}?force=true            delete, dropping subsystem links
	POST   /host/generate_key               new DH-HMAC-CHAP secret
	GET    /host/dhchap_dhgroup_choices
	GET    /host/dhchap_hash_choices

	GET    /port, POST /port, GET|PUT|DELETE /port/{id}
	GET    /port/transport_address_choices?addr_trtype=TCP

	GET    /subsys?verbose=true             list, with attached IDs when verbose
	POST   /subsys, GET|PUT|DELETE /subsys/{id}

	GET|POST /host_subsys, GET|DELETE /host_subsys/{id}
	GET|POST /port_subsys, GET|DELETE /port_subsys/{id}

	GET    /namespace, POST /namespace, GET|PUT /namespace/{id}
	DELETE /namespace/{id}?remove=true      delete, removing the backing file
	POST   /namespace/{id}/lock|unlock|resize

	GET|PUT  /failover                      HA state of this controller
	GET      /service                       target service status
	POST     /service/start|stop|restart|reload

Monitoring endpoints live at the root: /health, /health/components, /ready,
/live and /metrics.

# Errors

Failed requests return an ErrorResponse. Validation failures use status 422
and list every rejected attribute as "<schema>.<field>", for example
"nvmet_port_create.addr_traddr". Unknown IDs return 404 and malformed bodies
return 400.

# Usage

	server := api.NewServer(mgr, reconciler)
	go server.Start("127.0.0.1:8470")
	go server.StartUnix("/run/nvmetd/nvmetd.sock")
	...
	server.Shutdown(ctx)
*/
package api
