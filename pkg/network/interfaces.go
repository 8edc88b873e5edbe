package network

import (
	"fmt"
	"net"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/vishvananda/netlink"

	"github.com/truenas/nvmetd/pkg/types"
)

// SysClassNet is where the kernel lists network interfaces
const SysClassNet = "/sys/class/net"

// Interface is a network interface and the addresses configured on it
type Interface struct {
	Name      string
	Index     int
	Up        bool
	Loopback  bool
	RDMA      bool
	Addresses []net.IP
}

// HasAddress reports whether ip is configured on the interface
func (i Interface) HasAddress(ip net.IP) bool {
	for _, addr := range i.Addresses {
		if addr.Equal(ip) {
			return true
		}
	}
	return false
}

// Lister returns the interfaces of the host
type Lister interface {
	Interfaces() ([]Interface, error)
}

// LinkSource lists interfaces over netlink
type LinkSource struct {
	linkList func() ([]netlink.Link, error)
	addrList func(netlink.Link) ([]netlink.Addr, error)
	sysfs    afero.Fs
}

// NewLinkSource creates a Lister backed by netlink and sysfs
func NewLinkSource() *LinkSource {
	return &LinkSource{
		linkList: netlink.LinkList,
		addrList: func(link netlink.Link) ([]netlink.Addr, error) {
			return netlink.AddrList(link, netlink.FAMILY_ALL)
		},
		sysfs: afero.NewOsFs(),
	}
}

// Interfaces returns every link with its addresses, sorted by name
func (s *LinkSource) Interfaces() ([]Interface, error) {
	links, err := s.linkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	ifaces := make([]Interface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		addrs, err := s.addrList(link)
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", attrs.Name, err)
		}

		iface := Interface{
			Name:     attrs.Name,
			Index:    attrs.Index,
			Up:       attrs.Flags&net.FlagUp != 0,
			Loopback: attrs.Flags&net.FlagLoopback != 0,
		}
		iface.RDMA, _ = afero.DirExists(s.sysfs, filepath.Join(SysClassNet, attrs.Name, "device", "infiniband"))
		for _, addr := range addrs {
			if addr.IPNet != nil {
				iface.Addresses = append(iface.Addresses, addr.IP)
			}
		}
		ifaces = append(ifaces, iface)
	}

	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })
	return ifaces, nil
}

// RDMACapable reports whether any interface can carry NVMe-oF over RDMA
func RDMACapable(ifaces []Interface) bool {
	for _, iface := range ifaces {
		if iface.RDMA {
			return true
		}
	}
	return false
}

// InterfaceForAddress returns the name of the interface holding addr
func InterfaceForAddress(ifaces []Interface, addr string) (string, bool) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", false
	}
	for _, iface := range ifaces {
		if iface.HasAddress(ip) {
			return iface.Name, true
		}
	}
	return "", false
}

// TransportAddressChoices returns the addresses a port of trtype may listen
// on, mapped to a description. On an HA system the choices are the virtual
// addresses, each described by its "nodeA/nodeB" pair.
func TransportAddressChoices(ifaces []Interface, trtype types.Trtype, failover types.FailoverState) map[string]string {
	choices := make(map[string]string)

	if failover.Licensed {
		for vip, pair := range failover.AddressPairs[trtype] {
			choices[vip] = pair
		}
		return choices
	}

	if trtype == types.TrtypeFC {
		return choices
	}

	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		if trtype == types.TrtypeRDMA && !iface.RDMA {
			continue
		}
		for _, ip := range iface.Addresses {
			if ip.IsLinkLocalUnicast() {
				continue
			}
			choices[ip.String()] = ip.String()
		}
	}
	return choices
}
