/*
Package types defines the NVMe-oF target data model shared by nvmetd.

The entities mirror the configuration objects of a target: the global
settings, hosts, ports, subsystems, the links between them, and the
namespaces a subsystem exports. Enumerations carry the mapping between their
API spelling and the spellings used by the kernel configfs tree and by SPDK:

	Trtype("TCP").Sysfs()         // "tcp"
	AddrFamilyIPv4.SPDK()         // "IPv4"
	DHChapDHGroup2048.Sysfs()     // "ffdhe2048"
	DHChapHashSHA384.Sysfs()      // "hmac(sha384)"

FailoverState and SystemInfo describe the controller the daemon runs on.
They are supplied by configuration and are read by the renderers to pick ANA
groups, controller ID ranges and the model string.
*/
package types
