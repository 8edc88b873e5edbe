/*
Package kernel renders the target configuration into the Linux nvmet
configfs tree.

A render runs a fixed list of stages. Each stage creates and updates one kind
of object (subsystems, hosts, ports, referrals, host and port links,
namespaces) and returns a Cleanup holding its deletions:

	subsystems -> hosts -> ports -> referrals -> ana_referrals
	           -> host_subsys -> port_subsys -> namespaces

Cleanups run in reverse order once every stage succeeded, so an object is
never removed while something else still references it.

Ports that serve ANA subsystems are rendered a second time under their index
plus 5000 and listen on this controller's own address of the HA pair. The ANA
group of the controller is created below each such port and carries the
optimized or inaccessible state.
*/
package kernel
