// Package network discovers the interfaces and addresses of the host over
// netlink. It backs the transport address choices offered for ports, the
// RDMA capability check, and the mapping of SPDK listen addresses to NICs.
package network
