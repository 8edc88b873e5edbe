// Package spdk renders target configuration into a running SPDK nvmf
// application over its JSON-RPC socket.
//
// Every object kind is converged by a differ that keys both the desired
// and the live objects, adds and updates in stage order, and defers
// removals until every stage succeeded. The package also drives the SPDK
// setup script that binds NICs and allocates hugepages.
package spdk
