package render

import (
	"strings"

	"github.com/truenas/nvmetd/pkg/types"
)

// Port returns the port with the given ID
func (c *Context) Port(id int) *types.Port {
	return c.portsByID[id]
}

// ANAEnabled reports whether ANA is enabled globally
func (c *Context) ANAEnabled() bool {
	return c.Global.ANA
}

// SubsysANA reports whether subsys uses ANA. A nil subsystem setting
// follows the global setting.
func (c *Context) SubsysANA(s *types.Subsystem) bool {
	if !c.ANAActive {
		return false
	}
	if s.ANA != nil {
		return *s.ANA
	}
	return c.Global.ANA
}

// SubsysVisible reports whether subsys is exported on this node. The
// standby node of an HA pair only exports ANA subsystems.
func (c *Context) SubsysVisible(s *types.Subsystem) bool {
	if c.Failover.Status == types.FailoverStatusBackup {
		return c.SubsysANA(s)
	}
	return true
}

// ANAPortIndex returns the index under which port serves ANA subsystems
func ANAPortIndex(index int) int {
	if index < types.ANAPortIndexOffset {
		return index + types.ANAPortIndexOffset
	}
	return index
}

// IsANAIndex reports whether a port index belongs to the ANA range
func IsANAIndex(index int) bool {
	return index > types.ANAPortIndexOffset
}

// PortSubsysIndex returns the port index through which subsys is exported
// on port. ok is false when the link is not rendered on this node.
func (c *Context) PortSubsysIndex(p *types.Port, s *types.Subsystem) (index int, ok bool) {
	if !p.Enabled {
		return 0, false
	}
	index = p.Index
	if c.SubsysANA(s) {
		index = ANAPortIndex(index)
	}
	if !IsANAIndex(index) && c.Failover.Status == types.FailoverStatusBackup {
		return 0, false
	}
	return index, true
}

// ANAGrpID returns the ANA group of namespaces on this node
func (c *Context) ANAGrpID() int {
	switch c.Failover.Node {
	case types.FailoverNodeA:
		return types.NodeAANAGrpID
	case types.FailoverNodeB:
		return types.NodeBANAGrpID
	}
	return types.DefaultANAGrpID
}

// ANAState returns the state of this node's ANA group
func (c *Context) ANAState() string {
	if c.Failover.Status == types.FailoverStatusBackup {
		return types.ANAStateInaccessible
	}
	return types.ANAStateOptimized
}

// CntlIDRange returns the controller ID bounds this node enforces, zero
// meaning no bound. The nodes of an HA pair split the range so IDs never
// collide after failover.
func (c *Context) CntlIDRange() (minID, maxID int) {
	switch c.Failover.Node {
	case types.FailoverNodeA:
		return 0, types.NodeAMaxCntlID
	case types.FailoverNodeB:
		return types.NodeBMinCntlID, 0
	}
	return 0, 0
}

// addressPair returns the node A and node B addresses behind a virtual
// address
func (c *Context) addressPair(trtype types.Trtype, traddr string) (a, b string, ok bool) {
	pair, found := c.Failover.AddressPairs[trtype][traddr]
	if !found {
		return "", "", false
	}
	parts := strings.Split(pair, "/")
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// pairAddress resolves traddr to this node's address, or to the peer's
// address when remote is set. Addresses without a pair are returned as is.
func (c *Context) pairAddress(trtype types.Trtype, traddr string, remote bool) string {
	a, b, ok := c.addressPair(trtype, traddr)
	if !ok {
		return traddr
	}
	switch c.Failover.Node {
	case types.FailoverNodeA:
		if remote {
			return b
		}
		return a
	case types.FailoverNodeB:
		if remote {
			return a
		}
		return b
	}
	return traddr
}

// TraddrFor returns the address a port listens on when rendered under
// index. ANA ports listen on this node's own address of the pair.
func (c *Context) TraddrFor(index int, p *types.Port) string {
	if IsANAIndex(index) {
		return c.pairAddress(p.AddrTrtype, p.AddrTraddr, false)
	}
	return p.AddrTraddr
}

// PeerTraddr returns the peer node's address behind the port address
func (c *Context) PeerTraddr(p *types.Port) (string, bool) {
	if _, _, ok := c.addressPair(p.AddrTrtype, p.AddrTraddr); !ok {
		return "", false
	}
	if c.Failover.Node == types.FailoverNodeNone {
		return "", false
	}
	return c.pairAddress(p.AddrTrtype, p.AddrTraddr, true), true
}

// ReferralTraddr returns the address advertised by a referral to p. A
// referral from an ANA port to itself points at the peer node.
func (c *Context) ReferralTraddr(index int, p *types.Port, remote bool) string {
	if IsANAIndex(index) {
		return c.pairAddress(p.AddrTrtype, p.AddrTraddr, remote)
	}
	return p.AddrTraddr
}

// VisibleSubsystems returns the subsystems exported on this node
func (c *Context) VisibleSubsystems() []*types.Subsystem {
	var out []*types.Subsystem
	for _, s := range c.Subsystems {
		if c.SubsysVisible(s) {
			out = append(out, s)
		}
	}
	return out
}

// NamespaceEnabled reports whether a namespace should accept I/O on this node
func (c *Context) NamespaceEnabled(ns Namespace) bool {
	switch c.Failover.Status {
	case types.FailoverStatusBackup:
		return false
	default:
		return ns.Enabled && !ns.Locked
	}
}

// NamespaceANAGrpID returns the ANA group a namespace belongs to
func (c *Context) NamespaceANAGrpID(ns Namespace) int {
	if c.SubsysANA(ns.Subsys) {
		return c.ANAGrpID()
	}
	return types.DefaultANAGrpID
}

// Recordsize returns the block size to use for a FILE namespace
func (c *Context) Recordsize(path string) int {
	if size, ok := c.PathToRecordsize[path]; ok && size > 0 {
		return size
	}
	return DefaultRecordsize
}
