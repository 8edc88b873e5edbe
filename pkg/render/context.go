package render

import (
	"sort"
	"strings"

	"github.com/truenas/nvmetd/pkg/types"
)

// DefaultRecordsize is the block size assumed for FILE namespaces whose
// dataset record size is unknown
const DefaultRecordsize = 512

// HostSubsys is a host link resolved to its entities
type HostSubsys struct {
	Host   *types.Host
	Subsys *types.Subsystem
}

// PortSubsys is a port link resolved to its entities
type PortSubsys struct {
	Port   *types.Port
	Subsys *types.Subsystem
}

// Namespace is a namespace resolved to its subsystem
type Namespace struct {
	*types.Namespace
	Subsys *types.Subsystem
}

// Referral directs discovery from the port with ID From to the port with ID To
type Referral struct {
	From int
	To   int
}

// PortUsage classifies the enabled ports and the referrals between them
type PortUsage struct {
	NonANAPorts     []int
	ANAPorts        []int
	NonANAReferrals []Referral
	ANAReferrals    []Referral
}

// Input is the raw configuration a Context is built from
type Input struct {
	Global     *types.GlobalConfig
	Failover   types.FailoverState
	System     types.SystemInfo
	Hosts      []*types.Host
	Ports      []*types.Port
	Subsystems []*types.Subsystem
	HostSubsys []*types.HostSubsys
	PortSubsys []*types.PortSubsys
	Namespaces []*types.Namespace

	// PathToRecordsize optionally maps FILE device paths to a block size
	PathToRecordsize map[string]int
}

// Context is the desired target state handed to a renderer
type Context struct {
	Global     types.GlobalConfig
	Failover   types.FailoverState
	System     types.SystemInfo
	Hosts      []*types.Host
	Ports      []*types.Port
	Subsystems []*types.Subsystem
	HostSubsys []HostSubsys
	PortSubsys []PortSubsys
	Namespaces []Namespace

	ANAActive        bool
	Usage            PortUsage
	Model            string
	Firmware         string
	PathToRecordsize map[string]int

	portsByID map[int]*types.Port
}

// Build resolves links and derives the values every renderer needs.
// Links that reference missing entities are dropped.
func Build(in Input) *Context {
	global := types.DefaultGlobalConfig()
	if in.Global != nil {
		global = in.Global
	}

	c := &Context{
		Global:           *global,
		Failover:         in.Failover,
		System:           in.System,
		Hosts:            in.Hosts,
		Ports:            in.Ports,
		Subsystems:       in.Subsystems,
		PathToRecordsize: in.PathToRecordsize,
		portsByID:        make(map[int]*types.Port),
	}
	if c.PathToRecordsize == nil {
		c.PathToRecordsize = make(map[string]int)
	}

	hosts := make(map[int]*types.Host)
	for _, h := range in.Hosts {
		hosts[h.ID] = h
	}
	for _, p := range in.Ports {
		c.portsByID[p.ID] = p
	}
	subsystems := make(map[int]*types.Subsystem)
	for _, s := range in.Subsystems {
		subsystems[s.ID] = s
	}

	for _, link := range in.HostSubsys {
		h, s := hosts[link.HostID], subsystems[link.SubsysID]
		if h != nil && s != nil {
			c.HostSubsys = append(c.HostSubsys, HostSubsys{Host: h, Subsys: s})
		}
	}
	for _, link := range in.PortSubsys {
		p, s := c.portsByID[link.PortID], subsystems[link.SubsysID]
		if p != nil && s != nil {
			c.PortSubsys = append(c.PortSubsys, PortSubsys{Port: p, Subsys: s})
		}
	}
	for _, ns := range in.Namespaces {
		if s := subsystems[ns.SubsysID]; s != nil {
			c.Namespaces = append(c.Namespaces, Namespace{Namespace: ns, Subsys: s})
		}
	}

	c.ANAActive = anaActive(c.Global, c.Failover, in.Subsystems)
	c.Model = modelString(c.System)
	c.Firmware = firmwareString(c.System)
	c.Usage = c.portUsage()
	return c
}

func anaActive(global types.GlobalConfig, failover types.FailoverState, subsystems []*types.Subsystem) bool {
	if !failover.Licensed {
		return false
	}
	if global.ANA {
		return true
	}
	for _, s := range subsystems {
		if s.ANA != nil && *s.ANA {
			return true
		}
	}
	return false
}

func modelString(sys types.SystemInfo) string {
	if sys.Vendor != "" {
		if sys.Product != "" {
			return sys.Product
		}
		return sys.Vendor
	}
	name := sys.Product
	if name == "" {
		name = "TrueNAS"
	}
	if strings.HasPrefix(strings.ToLower(name), "truenas") {
		return name
	}
	return "TrueNAS " + name
}

func firmwareString(sys types.SystemInfo) string {
	if sys.Version == "" {
		return "Unknown"
	}
	if len(sys.Version) > 8 {
		return sys.Version[:8]
	}
	return sys.Version
}

// portUsage splits enabled ports into ANA and non-ANA ports. A port linked
// to an ANA subsystem is an ANA port; any other enabled port, linked or
// not, is a non-ANA port. A port may be both.
func (c *Context) portUsage() PortUsage {
	ana := make(map[int]bool)
	nonANA := make(map[int]bool)

	for _, ps := range c.PortSubsys {
		if !ps.Port.Enabled {
			continue
		}
		if c.SubsysANA(ps.Subsys) {
			ana[ps.Port.ID] = true
		} else {
			nonANA[ps.Port.ID] = true
		}
	}
	for _, p := range c.Ports {
		if p.Enabled && !ana[p.ID] && !nonANA[p.ID] {
			nonANA[p.ID] = true
		}
	}

	usage := PortUsage{
		NonANAPorts: types.SortedKeys(nonANA),
		ANAPorts:    types.SortedKeys(ana),
	}

	if c.Global.XportReferral {
		usage.NonANAReferrals = crossReferrals(usage.NonANAPorts)
	}

	if c.Failover.Node != types.FailoverNodeNone {
		for _, id := range usage.ANAPorts {
			usage.ANAReferrals = append(usage.ANAReferrals, Referral{From: id, To: id})
		}
	}
	if c.Global.XportReferral {
		usage.ANAReferrals = append(usage.ANAReferrals, crossReferrals(usage.ANAPorts)...)
	}
	sort.Slice(usage.ANAReferrals, func(i, j int) bool {
		a, b := usage.ANAReferrals[i], usage.ANAReferrals[j]
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return usage
}

func crossReferrals(ids []int) []Referral {
	var refs []Referral
	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				refs = append(refs, Referral{From: a, To: b})
			}
		}
	}
	return refs
}
