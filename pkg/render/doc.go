/*
Package render builds the desired NVMe-oF target state from the stored
configuration.

A Context is a snapshot: entities, resolved links, and the values derived
from the HA situation of this node (whether ANA is active, which ANA group
and controller ID range to use, which subsystems are visible on a standby
node, which address of a virtual address pair to listen on). Both target
backends consume the same Context so they agree on every derived value.

Ports serving ANA subsystems are rendered a second time under their index
plus 5000. Referrals between ports are computed per class: non-ANA ports
refer to each other when cross-port referrals are enabled, and each ANA port
refers to itself on the peer node.
*/
package render
