package types

import (
	"fmt"
	"sort"
)

// Well-known NVMe-oF values
const (
	DiscoveryNQN   = "nqn.2014-08.org.nvmexpress.discovery"
	DefaultBaseNQN = "nqn.2011-06.com.truenas"

	DefaultTCPPort = 4420

	// ANAPortIndexOffset is added to a port index when the port serves
	// subsystems that use Asymmetric Namespace Access.
	ANAPortIndexOffset = 5000

	NodeAMaxCntlID = 31999
	NodeBMinCntlID = 32000
	MaxNSID        = 0xFFFF

	DefaultANAGrpID = 1
	NodeAANAGrpID   = 2
	NodeBANAGrpID   = 3

	ANAStateOptimized    = "optimized"
	ANAStateInaccessible = "inaccessible"
)

// GlobalConfig is the singleton target configuration
type GlobalConfig struct {
	ID            int    `json:"id" yaml:"-"`
	BaseNQN       string `json:"basenqn" yaml:"basenqn"`
	Kernel        bool   `json:"kernel" yaml:"kernel"`
	ANA           bool   `json:"ana" yaml:"ana"`
	RDMA          bool   `json:"rdma" yaml:"rdma"`
	XportReferral bool   `json:"xport_referral" yaml:"xport_referral"`
}

// DefaultGlobalConfig returns the configuration used before any update
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		ID:            1,
		BaseNQN:       DefaultBaseNQN,
		Kernel:        true,
		XportReferral: true,
	}
}

// Host is an initiator identified by its host NQN
type Host struct {
	ID            int           `json:"id" yaml:"-"`
	HostNQN       string        `json:"hostnqn" yaml:"hostnqn"`
	DHChapKey     string        `json:"dhchap_key" yaml:"dhchap_key,omitempty"`
	DHChapCtrlKey string        `json:"dhchap_ctrl_key" yaml:"dhchap_ctrl_key,omitempty"`
	DHChapDHGroup DHChapDHGroup `json:"dhchap_dhgroup" yaml:"dhchap_dhgroup,omitempty"`
	DHChapHash    DHChapHash    `json:"dhchap_hash" yaml:"dhchap_hash,omitempty"`
}

// Port is a transport endpoint exposed by the target
type Port struct {
	ID             int        `json:"id" yaml:"-"`
	Index          int        `json:"index" yaml:"index,omitempty"`
	AddrTrtype     Trtype     `json:"addr_trtype" yaml:"addr_trtype"`
	AddrTrsvcid    int        `json:"addr_trsvcid" yaml:"addr_trsvcid,omitempty"`
	AddrAdrfam     AddrFamily `json:"addr_adrfam" yaml:"addr_adrfam,omitempty"`
	AddrTraddr     string     `json:"addr_traddr" yaml:"addr_traddr"`
	InlineDataSize *int       `json:"inline_data_size" yaml:"inline_data_size,omitempty"`
	MaxQueueSize   *int       `json:"max_queue_size" yaml:"max_queue_size,omitempty"`
	PIEnable       *bool      `json:"pi_enable" yaml:"pi_enable,omitempty"`
	Enabled        bool       `json:"enabled" yaml:"enabled"`
}

// AddressKey identifies the listening address of a port
func (p *Port) AddressKey() string {
	return fmt.Sprintf("%s:%s:%d", p.AddrTrtype, p.AddrTraddr, p.AddrTrsvcid)
}

// Subsystem is an NVM subsystem exported by the target
type Subsystem struct {
	ID           int    `json:"id" yaml:"-"`
	Name         string `json:"name" yaml:"name"`
	SubNQN       string `json:"subnqn" yaml:"subnqn,omitempty"`
	Serial       string `json:"serial" yaml:"serial,omitempty"`
	AllowAnyHost bool   `json:"allow_any_host" yaml:"allow_any_host"`
	PIEnable     *bool  `json:"pi_enable" yaml:"pi_enable,omitempty"`
	QIDMax       *int   `json:"qid_max" yaml:"qid_max,omitempty"`
	IEEEOUI      string `json:"ieee_oui" yaml:"ieee_oui,omitempty"`
	ANA          *bool  `json:"ana" yaml:"ana,omitempty"`
}

// SubsystemDetail is a subsystem with the IDs of everything attached to it
type SubsystemDetail struct {
	Subsystem
	Hosts      []int `json:"hosts"`
	Namespaces []int `json:"namespaces"`
	Ports      []int `json:"ports"`
}

// HostSubsys allows a host to connect to a subsystem
type HostSubsys struct {
	ID       int `json:"id"`
	HostID   int `json:"host_id"`
	SubsysID int `json:"subsys_id"`
}

// PortSubsys exposes a subsystem on a port
type PortSubsys struct {
	ID       int `json:"id"`
	PortID   int `json:"port_id"`
	SubsysID int `json:"subsys_id"`
}

// Namespace is a block device or file exported by a subsystem
type Namespace struct {
	ID          int        `json:"id" yaml:"-"`
	NSID        int        `json:"nsid" yaml:"nsid,omitempty"`
	SubsysID    int        `json:"subsys_id" yaml:"-"`
	DeviceType  DeviceType `json:"device_type" yaml:"device_type"`
	DevicePath  string     `json:"device_path" yaml:"device_path"`
	Filesize    *int64     `json:"filesize" yaml:"filesize,omitempty"`
	DeviceUUID  string     `json:"device_uuid" yaml:"device_uuid,omitempty"`
	DeviceNGUID string     `json:"device_nguid" yaml:"device_nguid,omitempty"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`

	// Locked is derived from the state of the backing dataset and is
	// never persisted.
	Locked bool `json:"locked" yaml:"-"`
}

// DeviceType selects how a namespace is backed
type DeviceType string

const (
	DeviceTypeZVOL DeviceType = "ZVOL"
	DeviceTypeFile DeviceType = "FILE"
)

// Valid reports whether d is a known device type
func (d DeviceType) Valid() bool {
	return d == DeviceTypeZVOL || d == DeviceTypeFile
}

// DB returns the value persisted by older configuration databases
func (d DeviceType) DB() int {
	switch d {
	case DeviceTypeZVOL:
		return 1
	case DeviceTypeFile:
		return 2
	}
	return 0
}

// BufferedIO returns the configfs buffered_io value for the device type
func (d DeviceType) BufferedIO() string {
	if d == DeviceTypeFile {
		return "1"
	}
	return "0"
}

// Trtype is an NVMe-oF transport type
type Trtype string

const (
	TrtypeTCP  Trtype = "TCP"
	TrtypeRDMA Trtype = "RDMA"
	TrtypeFC   Trtype = "FC"
)

// Valid reports whether t is a known transport
func (t Trtype) Valid() bool {
	switch t {
	case TrtypeTCP, TrtypeRDMA, TrtypeFC:
		return true
	}
	return false
}

// Sysfs returns the configfs spelling of the transport
func (t Trtype) Sysfs() string {
	switch t {
	case TrtypeTCP:
		return "tcp"
	case TrtypeRDMA:
		return "rdma"
	case TrtypeFC:
		return "fc"
	}
	return ""
}

// TrtypeFromSysfs maps a configfs transport name back to its API value
func TrtypeFromSysfs(s string) (Trtype, bool) {
	for _, t := range []Trtype{TrtypeTCP, TrtypeRDMA, TrtypeFC} {
		if t.Sysfs() == s {
			return t, true
		}
	}
	return "", false
}

// AddrFamily is an NVMe-oF address family
type AddrFamily string

const (
	AddrFamilyIPv4 AddrFamily = "IPV4"
	AddrFamilyIPv6 AddrFamily = "IPV6"
	AddrFamilyIB   AddrFamily = "IB"
	AddrFamilyFC   AddrFamily = "FC"
)

var addrFamilyNames = map[AddrFamily][2]string{
	AddrFamilyIPv4: {"ipv4", "IPv4"},
	AddrFamilyIPv6: {"ipv6", "IPv6"},
	AddrFamilyIB:   {"ib", "IB"},
	AddrFamilyFC:   {"fc", "FC"},
}

// Valid reports whether a is a known address family
func (a AddrFamily) Valid() bool {
	_, ok := addrFamilyNames[a]
	return ok
}

// Sysfs returns the configfs spelling of the address family
func (a AddrFamily) Sysfs() string {
	return addrFamilyNames[a][0]
}

// SPDK returns the SPDK JSON-RPC spelling of the address family
func (a AddrFamily) SPDK() string {
	return addrFamilyNames[a][1]
}

// AddrFamilyFromSPDK maps an SPDK address family back to its API value
func AddrFamilyFromSPDK(s string) (AddrFamily, bool) {
	for a, names := range addrFamilyNames {
		if names[1] == s {
			return a, true
		}
	}
	return "", false
}

// DHChapHash is the hash used for DH-HMAC-CHAP authentication
type DHChapHash string

const (
	DHChapHashSHA256 DHChapHash = "SHA-256"
	DHChapHashSHA384 DHChapHash = "SHA-384"
	DHChapHashSHA512 DHChapHash = "SHA-512"
)

// Valid reports whether h is a known hash
func (h DHChapHash) Valid() bool {
	return h.ID() != 0
}

// ID returns the NVMe hash identifier (1, 2 or 3), or 0 when unknown
func (h DHChapHash) ID() int {
	switch h {
	case DHChapHashSHA256:
		return 1
	case DHChapHashSHA384:
		return 2
	case DHChapHashSHA512:
		return 3
	}
	return 0
}

// Sysfs returns the configfs spelling of the hash
func (h DHChapHash) Sysfs() string {
	switch h {
	case DHChapHashSHA256:
		return "hmac(sha256)"
	case DHChapHashSHA384:
		return "hmac(sha384)"
	case DHChapHashSHA512:
		return "hmac(sha512)"
	}
	return ""
}

// DHChapDHGroup is the Diffie-Hellman group used with DH-HMAC-CHAP. The
// empty value means no DH exchange.
type DHChapDHGroup string

const (
	DHChapDHGroupNone DHChapDHGroup = ""
	DHChapDHGroup2048 DHChapDHGroup = "2048-BIT"
	DHChapDHGroup3072 DHChapDHGroup = "3072-BIT"
	DHChapDHGroup4096 DHChapDHGroup = "4096-BIT"
	DHChapDHGroup6144 DHChapDHGroup = "6144-BIT"
	DHChapDHGroup8192 DHChapDHGroup = "8192-BIT"
)

var dhGroupSysfs = map[DHChapDHGroup]string{
	DHChapDHGroupNone: "null",
	DHChapDHGroup2048: "ffdhe2048",
	DHChapDHGroup3072: "ffdhe3072",
	DHChapDHGroup4096: "ffdhe4096",
	DHChapDHGroup6144: "ffdhe6144",
	DHChapDHGroup8192: "ffdhe8192",
}

// Valid reports whether g is a known group
func (g DHChapDHGroup) Valid() bool {
	_, ok := dhGroupSysfs[g]
	return ok
}

// Sysfs returns the configfs spelling of the group
func (g DHChapDHGroup) Sysfs() string {
	return dhGroupSysfs[g]
}

// DHChapDHGroupChoices lists the selectable groups
func DHChapDHGroupChoices() []DHChapDHGroup {
	return []DHChapDHGroup{DHChapDHGroup2048, DHChapDHGroup3072, DHChapDHGroup4096, DHChapDHGroup6144, DHChapDHGroup8192}
}

// DHChapHashChoices lists the selectable hashes
func DHChapHashChoices() []DHChapHash {
	return []DHChapHash{DHChapHashSHA256, DHChapHashSHA384, DHChapHashSHA512}
}

// FailoverNode identifies a controller of an HA pair
type FailoverNode string

const (
	FailoverNodeNone FailoverNode = ""
	FailoverNodeA    FailoverNode = "A"
	FailoverNodeB    FailoverNode = "B"
)

// FailoverStatus is the HA role of this controller
type FailoverStatus string

const (
	FailoverStatusSingle FailoverStatus = "SINGLE"
	FailoverStatusMaster FailoverStatus = "MASTER"
	FailoverStatusBackup FailoverStatus = "BACKUP"
)

// FailoverState describes the HA situation of this controller
type FailoverState struct {
	Licensed bool           `json:"licensed" yaml:"licensed"`
	Node     FailoverNode   `json:"node" yaml:"node"`
	Status   FailoverStatus `json:"status" yaml:"status"`

	// AddressPairs maps, per transport, a virtual address to the
	// "nodeA/nodeB" pair of physical addresses behind it.
	AddressPairs map[Trtype]map[string]string `json:"address_pairs" yaml:"address_pairs"`
}

// SystemInfo identifies the product exporting the subsystems
type SystemInfo struct {
	Vendor  string `json:"vendor" yaml:"vendor"`
	Product string `json:"product" yaml:"product"`
	Version string `json:"version" yaml:"version"`
}

// SortedKeys returns the keys of a set in ascending order
func SortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
