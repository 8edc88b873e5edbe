package spdk

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/truenas/nvmetd/pkg/metrics"
	"github.com/truenas/nvmetd/pkg/render"
	"github.com/truenas/nvmetd/pkg/types"
	"github.com/truenas/nvmetd/pkg/volume"
)

// Cleanup performs the deletions of a stage once every later stage has
// cleaned up
type Cleanup func() error

type stage struct {
	name  string
	apply func(ctx context.Context, rc *render.Context) (Cleanup, error)
}

// differ converges the live objects of one kind onto their configuration.
// Both sides are keyed by a synthetic string derived from the object.
type differ[C, L any] struct {
	name   string
	config map[string]C
	live   map[string]L

	add    func(C) error
	update func(C, L) (bool, error)
	remove func(L) error
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// run adds and updates, and returns the removals. The discovery subsystem
// is never removed.
func (d differ[C, L]) run() (Cleanup, error) {
	var added, updated int
	for _, key := range sortedKeys(d.config) {
		l, ok := d.live[key]
		if !ok {
			if err := d.add(d.config[key]); err != nil {
				return nil, fmt.Errorf("failed to add %s: %w", key, err)
			}
			added++
			continue
		}
		if d.update == nil {
			continue
		}
		changed, err := d.update(d.config[key], l)
		if err != nil {
			return nil, fmt.Errorf("failed to update %s: %w", key, err)
		}
		if changed {
			updated++
		}
	}
	metrics.RecordStage(backendName, d.name, added, updated, 0)

	var remove []string
	for _, key := range sortedKeys(d.live) {
		if _, ok := d.config[key]; !ok && key != types.DiscoveryNQN {
			remove = append(remove, key)
		}
	}
	return func() error {
		for _, key := range remove {
			if err := d.remove(d.live[key]); err != nil {
				return fmt.Errorf("failed to remove %s: %w", key, err)
			}
		}
		metrics.RecordStage(backendName, d.name, 0, 0, len(remove))
		return nil
	}, nil
}

func (t *Target) stages() []stage {
	return []stage{
		{"subsystems", t.applySubsystems},
		{"transports", t.applyTransports},
		{"dhchap_key", t.keyStage(keyTypeDHChap)},
		{"dhchap_ctrl_key", t.keyStage(keyTypeDHChapCtrl)},
		{"ports", t.applyPorts},
		{"ana_referrals", t.applyANAReferrals},
		{"host_subsys", t.applyHostSubsys},
		{"port_subsys", t.applyPortSubsys},
		{"ana_state", t.applyANAState},
		{"bdevs", t.applyBdevs},
		{"namespaces", t.applyNamespaces},
	}
}

// WriteConfig converges the SPDK target onto rc. Deletions run in reverse
// stage order once every stage succeeded. Nothing is done while the
// target is not running.
func (t *Target) WriteConfig(ctx context.Context, rc *render.Context) error {
	if !t.Ready(ctx, true) {
		t.logger.Debug().Str("socket", t.client.Socket()).Msg("SPDK target not running, skipping render")
		return nil
	}
	if err := t.fs.MkdirAll(t.keyDir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	timer := metrics.NewTimer()
	stages := t.stages()
	cleanups := make([]Cleanup, len(stages))
	for i, st := range stages {
		cleanup, err := st.apply(ctx, rc)
		if err != nil {
			metrics.RenderErrorsTotal.WithLabelValues(backendName).Inc()
			return fmt.Errorf("failed to render %s: %w", st.name, err)
		}
		cleanups[i] = cleanup
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		if cleanups[i] == nil {
			continue
		}
		if err := cleanups[i](); err != nil {
			metrics.RenderErrorsTotal.WithLabelValues(backendName).Inc()
			return fmt.Errorf("failed to clean up %s: %w", stages[i].name, err)
		}
	}

	timer.ObserveDurationVec(metrics.RenderDuration, backendName)
	t.logger.Debug().Dur("duration", timer.Duration()).Msg("Configuration rendered")
	return nil
}

func (t *Target) liveSubsystems(ctx context.Context) ([]Subsystem, error) {
	subs, err := t.client.GetSubsystems(ctx)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, s := range subs {
		if s.NQN != types.DiscoveryNQN {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *Target) applySubsystems(ctx context.Context, rc *render.Context) (Cleanup, error) {
	subs, err := t.client.GetSubsystems(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]Subsystem, len(subs))
	for _, s := range subs {
		live[s.NQN] = s
	}
	config := make(map[string]*types.Subsystem)
	for _, s := range rc.VisibleSubsystems() {
		config[s.SubNQN] = s
	}

	return differ[*types.Subsystem, Subsystem]{
		name:   "subsystems",
		config: config,
		live:   live,
		add: func(s *types.Subsystem) error {
			minID, maxID := rc.CntlIDRange()
			return t.client.CreateSubsystem(ctx, CreateSubsystemParams{
				NQN:          s.SubNQN,
				SerialNumber: s.Serial,
				ModelNumber:  rc.Model,
				AllowAnyHost: s.AllowAnyHost,
				MinCntlID:    minID,
				MaxCntlID:    maxID,
				ANAReporting: rc.Failover.Licensed,
			})
		},
		update: func(s *types.Subsystem, l Subsystem) (bool, error) {
			if s.AllowAnyHost == l.AllowAnyHost {
				return false, nil
			}
			return true, t.client.SubsystemAllowAnyHost(ctx, s.SubNQN, s.AllowAnyHost)
		},
		remove: func(l Subsystem) error {
			return t.client.DeleteSubsystem(ctx, l.NQN)
		},
	}.run()
}

// applyTransports creates the transports the ports need. SPDK cannot
// unload a transport, so there is nothing to clean up.
func (t *Target) applyTransports(ctx context.Context, rc *render.Context) (Cleanup, error) {
	current, err := t.client.GetTransports(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool)
	for _, tr := range current {
		have[strings.ToUpper(tr.Trtype)] = true
	}
	want := make(map[string]bool)
	for _, p := range rc.Ports {
		want[string(p.AddrTrtype)] = true
	}
	added := 0
	for _, trtype := range sortedKeys(want) {
		if have[trtype] {
			continue
		}
		if err := t.client.CreateTransport(ctx, trtype); err != nil {
			return nil, fmt.Errorf("failed to create transport %s: %w", trtype, err)
		}
		added++
	}
	metrics.RecordStage(backendName, "transports", added, 0, 0)
	return nil, nil
}

const (
	keyTypeDHChap     = "dhchap_key"
	keyTypeDHChapCtrl = "dhchap_ctrl_key"
)

func hostKeyValue(h *types.Host, keyType string) string {
	if keyType == keyTypeDHChapCtrl {
		return h.DHChapCtrlKey
	}
	return h.DHChapKey
}

// HostKeyName returns the keyring name of a host key, or "" when the host
// has no such key. The name changes with the key, so keys are never
// updated in place.
func HostKeyName(h *types.Host, keyType string) string {
	value := hostKeyValue(h, keyType)
	if value == "" {
		return ""
	}
	sum := md5.Sum([]byte(value))
	return keyType + "-" + strings.ReplaceAll(h.HostNQN, ":", "-") + "-" + hex.EncodeToString(sum[:])
}

func (t *Target) writeKeyFile(keyType, value string) (string, error) {
	f, err := afero.TempFile(t.fs, t.keyDir, keyType+"-")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return "", err
	}
	return f.Name(), f.Close()
}

func (t *Target) keyStage(keyType string) func(ctx context.Context, rc *render.Context) (Cleanup, error) {
	return func(ctx context.Context, rc *render.Context) (Cleanup, error) {
		keys, err := t.client.GetKeys(ctx)
		if err != nil {
			return nil, err
		}
		live := make(map[string]Key)
		for _, k := range keys {
			if strings.HasPrefix(k.Name, keyType+"-") {
				live[k.Name] = k
			}
		}
		config := make(map[string]*types.Host)
		for _, h := range rc.Hosts {
			if name := HostKeyName(h, keyType); name != "" {
				config[name] = h
			}
		}

		return differ[*types.Host, Key]{
			name:   keyType,
			config: config,
			live:   live,
			add: func(h *types.Host) error {
				path, err := t.writeKeyFile(keyType, hostKeyValue(h, keyType))
				if err != nil {
					return fmt.Errorf("failed to write key file: %w", err)
				}
				return t.client.AddKeyFile(ctx, HostKeyName(h, keyType), path)
			},
			remove: func(k Key) error {
				if err := t.client.RemoveKeyFile(ctx, k.Name); err != nil {
					return err
				}
				if err := t.fs.Remove(k.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
				return nil
			},
		}.run()
	}
}

// listenAddress returns the address a port listens on under index
func listenAddress(rc *render.Context, index int, p *types.Port) ListenAddress {
	addr := ListenAddress{
		Trtype: string(p.AddrTrtype),
		Adrfam: p.AddrAdrfam.SPDK(),
		Traddr: rc.TraddrFor(index, p),
	}
	if p.AddrAdrfam == types.AddrFamilyIPv4 || p.AddrAdrfam == types.AddrFamilyIPv6 {
		addr.Trsvcid = strconv.Itoa(p.AddrTrsvcid)
	}
	return addr
}

func sameAddress(a, b ListenAddress) bool {
	return strings.EqualFold(a.Trtype, b.Trtype) && a.Traddr == b.Traddr && a.Trsvcid == b.Trsvcid
}

func addressKey(addr ListenAddress) string {
	return addr.Trtype + ":" + addr.Traddr + ":" + addr.Trsvcid
}

// liveAddressKey maps a live listener back to the index of the port it
// belongs to. Listeners of no configured port are keyed by their address.
func liveAddressKey(rc *render.Context, addr ListenAddress) string {
	for _, p := range rc.Ports {
		if !strings.EqualFold(string(p.AddrTrtype), addr.Trtype) || strconv.Itoa(p.AddrTrsvcid) != addr.Trsvcid {
			continue
		}
		if addr.Traddr == p.AddrTraddr {
			return strconv.Itoa(p.Index)
		}
		ana := render.ANAPortIndex(p.Index)
		if addr.Traddr == rc.TraddrFor(ana, p) {
			return strconv.Itoa(ana)
		}
	}
	return addressKey(addr)
}

type portEntry struct {
	index int
	port  *types.Port
}

// applyPorts models ports as listeners of the discovery subsystem
func (t *Target) applyPorts(ctx context.Context, rc *render.Context) (Cleanup, error) {
	listeners, err := t.client.GetListeners(ctx, types.DiscoveryNQN)
	if err != nil {
		return nil, err
	}
	live := make(map[string]ListenAddress)
	for _, l := range listeners {
		live[liveAddressKey(rc, l.Address)] = l.Address
	}
	config := make(map[string]portEntry)
	for _, id := range rc.Usage.NonANAPorts {
		p := rc.Port(id)
		config[strconv.Itoa(p.Index)] = portEntry{index: p.Index, port: p}
	}
	for _, id := range rc.Usage.ANAPorts {
		p := rc.Port(id)
		index := render.ANAPortIndex(p.Index)
		config[strconv.Itoa(index)] = portEntry{index: index, port: p}
	}

	add := func(e portEntry) error {
		return t.client.AddListener(ctx, types.DiscoveryNQN, listenAddress(rc, e.index, e.port))
	}
	remove := func(addr ListenAddress) error {
		return t.client.RemoveListener(ctx, types.DiscoveryNQN, addr)
	}
	return differ[portEntry, ListenAddress]{
		name:   "ports",
		config: config,
		live:   live,
		add:    add,
		update: func(e portEntry, addr ListenAddress) (bool, error) {
			if sameAddress(listenAddress(rc, e.index, e.port), addr) {
				return false, nil
			}
			if err := remove(addr); err != nil {
				return false, err
			}
			return true, add(e)
		},
		remove: remove,
	}.run()
}

// applyANAReferrals refers discovery on each ANA port to the same port on
// the peer controller. Referrals between local ports are implicit in SPDK.
func (t *Target) applyANAReferrals(ctx context.Context, rc *render.Context) (Cleanup, error) {
	refs, err := t.client.GetReferrals(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]ListenAddress)
	for _, r := range refs {
		live[addressKey(r.Address)] = r.Address
	}
	config := make(map[string]ListenAddress)
	for _, id := range rc.Usage.ANAPorts {
		p := rc.Port(id)
		peer, ok := rc.PeerTraddr(p)
		if !ok {
			continue
		}
		addr := ListenAddress{
			Trtype:  string(p.AddrTrtype),
			Adrfam:  p.AddrAdrfam.SPDK(),
			Traddr:  peer,
			Trsvcid: strconv.Itoa(p.AddrTrsvcid),
		}
		config[addressKey(addr)] = addr
	}

	return differ[ListenAddress, ListenAddress]{
		name:   "ana_referrals",
		config: config,
		live:   live,
		add: func(addr ListenAddress) error {
			return t.client.AddReferral(ctx, addr)
		},
		remove: func(addr ListenAddress) error {
			return t.client.RemoveReferral(ctx, addr)
		},
	}.run()
}

type liveHost struct {
	nqn  string
	host SubsystemHost
}

func (t *Target) applyHostSubsys(ctx context.Context, rc *render.Context) (Cleanup, error) {
	subs, err := t.liveSubsystems(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]liveHost)
	for _, s := range subs {
		for _, h := range s.Hosts {
			live[h.NQN+":"+s.NQN] = liveHost{nqn: s.NQN, host: h}
		}
	}
	config := make(map[string]render.HostSubsys)
	for _, hs := range rc.HostSubsys {
		if rc.SubsysVisible(hs.Subsys) {
			config[hs.Host.HostNQN+":"+hs.Subsys.SubNQN] = hs
		}
	}

	minID, maxID := rc.CntlIDRange()
	add := func(hs render.HostSubsys) error {
		return t.client.AddHost(ctx, AddHostParams{
			NQN:            hs.Subsys.SubNQN,
			Host:           hs.Host.HostNQN,
			DHChapKey:      HostKeyName(hs.Host, keyTypeDHChap),
			DHChapCtrlrKey: HostKeyName(hs.Host, keyTypeDHChapCtrl),
			MinCntlID:      minID,
			MaxCntlID:      maxID,
		})
	}
	remove := func(l liveHost) error {
		return t.client.RemoveHost(ctx, l.nqn, l.host.NQN)
	}
	return differ[render.HostSubsys, liveHost]{
		name:   "host_subsys",
		config: config,
		live:   live,
		add:    add,
		// Hosts cannot be modified, so a host whose keys changed is
		// removed and added again
		update: func(hs render.HostSubsys, l liveHost) (bool, error) {
			if HostKeyName(hs.Host, keyTypeDHChap) == l.host.DHChapKey &&
				HostKeyName(hs.Host, keyTypeDHChapCtrl) == l.host.DHChapCtrlrKey {
				return false, nil
			}
			if err := remove(l); err != nil {
				return false, err
			}
			return true, add(hs)
		},
		remove: remove,
	}.run()
}

type portLink struct {
	index  int
	port   *types.Port
	subnqn string
}

type liveListener struct {
	nqn  string
	addr ListenAddress
}

func (t *Target) applyPortSubsys(ctx context.Context, rc *render.Context) (Cleanup, error) {
	subs, err := t.liveSubsystems(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]liveListener)
	for _, s := range subs {
		for _, addr := range s.ListenAddresses {
			live[liveAddressKey(rc, addr)+":"+s.NQN] = liveListener{nqn: s.NQN, addr: addr}
		}
	}
	config := make(map[string]portLink)
	for _, ps := range rc.PortSubsys {
		if !rc.SubsysVisible(ps.Subsys) {
			continue
		}
		index, ok := rc.PortSubsysIndex(ps.Port, ps.Subsys)
		if !ok {
			continue
		}
		config[strconv.Itoa(index)+":"+ps.Subsys.SubNQN] = portLink{index: index, port: ps.Port, subnqn: ps.Subsys.SubNQN}
	}

	add := func(l portLink) error {
		addr := listenAddress(rc, l.index, l.port)
		if err := t.client.AddListener(ctx, l.subnqn, addr); err != nil {
			return err
		}
		if render.IsANAIndex(l.index) {
			return t.client.SetListenerANAState(ctx, l.subnqn, addr, rc.ANAState(), rc.ANAGrpID())
		}
		return nil
	}
	remove := func(l liveListener) error {
		return t.client.RemoveListener(ctx, l.nqn, l.addr)
	}
	return differ[portLink, liveListener]{
		name:   "port_subsys",
		config: config,
		live:   live,
		add:    add,
		update: func(pl portLink, l liveListener) (bool, error) {
			if sameAddress(listenAddress(rc, pl.index, pl.port), l.addr) {
				return false, nil
			}
			if err := remove(l); err != nil {
				return false, err
			}
			return true, add(pl)
		},
		remove: remove,
	}.run()
}

type anaUpdate struct {
	nqn  string
	addr ListenAddress
}

// applyANAState moves the listeners of ANA subsystems to this controller's
// state. Becoming inaccessible happens before anything else is removed,
// becoming optimized only once the render completed.
func (t *Target) applyANAState(ctx context.Context, rc *render.Context) (Cleanup, error) {
	state := rc.ANAState()
	grpID := rc.ANAGrpID()

	var updates []anaUpdate
	for _, s := range rc.VisibleSubsystems() {
		if !rc.SubsysANA(s) {
			continue
		}
		listeners, err := t.client.GetListeners(ctx, s.SubNQN)
		if err != nil {
			return nil, err
		}
		for _, l := range listeners {
			for _, st := range l.ANAStates {
				if st.ANAGroup == grpID && st.ANAState != state {
					updates = append(updates, anaUpdate{nqn: s.SubNQN, addr: l.Address})
				}
			}
		}
	}

	apply := func() error {
		for _, u := range updates {
			if err := t.client.SetListenerANAState(ctx, u.nqn, u.addr, state, grpID); err != nil {
				return fmt.Errorf("failed to set ANA state of %s: %w", u.nqn, err)
			}
		}
		metrics.RecordStage(backendName, "ana_state", 0, len(updates), 0)
		return nil
	}

	if state == types.ANAStateInaccessible {
		return nil, apply()
	}
	return apply, nil
}

// exported reports whether a namespace is backed by a bdev on this
// controller. The standby controller exports no namespaces, and disabled
// or locked namespaces release their device.
func exported(rc *render.Context, ns render.Namespace) bool {
	if !rc.SubsysVisible(ns.Subsys) || rc.Failover.Status == types.FailoverStatusBackup {
		return false
	}
	if !ns.Enabled || ns.Locked {
		return false
	}
	_, ok := bdevName(ns)
	return ok
}

func bdevName(ns render.Namespace) (string, bool) {
	switch ns.DeviceType {
	case types.DeviceTypeZVOL:
		if strings.HasPrefix(ns.DevicePath, volume.ZvolPrefix) {
			return "ZVOL:" + ns.DevicePath, true
		}
	case types.DeviceTypeFile:
		if strings.HasPrefix(ns.DevicePath, volume.FilePrefix) {
			return "FILE:" + ns.DevicePath, true
		}
	}
	return "", false
}

// liveBdevKey maps a live bdev to the bdev name of its namespace. Bdevs not
// created by this package map to "".
func liveBdevKey(b Bdev) string {
	switch b.ProductName {
	case ProductUring:
		if u := b.DriverSpecific.Uring; u != nil && strings.HasPrefix(u.Filename, volume.ZvolDevDir+"/") {
			return "ZVOL:" + volume.ZvolPrefix + volume.ZvolPathToName(u.Filename)
		}
	case ProductAIO:
		if a := b.DriverSpecific.AIO; a != nil && strings.HasPrefix(a.Filename, volume.FilePrefix) {
			return "FILE:" + a.Filename
		}
	case ProductNull:
		return b.Name
	}
	return ""
}

func (t *Target) applyBdevs(ctx context.Context, rc *render.Context) (Cleanup, error) {
	bdevs, err := t.client.GetBdevs(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]Bdev)
	for _, b := range bdevs {
		if key := liveBdevKey(b); key != "" {
			live[key] = b
		}
	}
	config := make(map[string]render.Namespace)
	for _, ns := range rc.Namespaces {
		if exported(rc, ns) {
			name, _ := bdevName(ns)
			config[name] = ns
		}
	}

	return differ[render.Namespace, Bdev]{
		name:   "bdevs",
		config: config,
		live:   live,
		add: func(ns render.Namespace) error {
			name, _ := bdevName(ns)
			if ns.DeviceType == types.DeviceTypeZVOL {
				return t.client.CreateUringBdev(ctx, name, volume.DevicePath(ns.DevicePath))
			}
			return t.client.CreateAIOBdev(ctx, name, ns.DevicePath, rc.Recordsize(ns.DevicePath))
		},
		remove: func(b Bdev) error {
			switch b.ProductName {
			case ProductUring:
				return t.client.DeleteUringBdev(ctx, b.Name)
			case ProductAIO:
				return t.client.DeleteAIOBdev(ctx, b.Name)
			default:
				return t.client.DeleteNullBdev(ctx, b.Name)
			}
		},
	}.run()
}

type liveNamespace struct {
	nqn  string
	nsid int
}

func namespaceKey(bdev, nqn string, nsid int) string {
	return bdev + ":" + nqn + ":" + strconv.Itoa(nsid)
}

func (t *Target) applyNamespaces(ctx context.Context, rc *render.Context) (Cleanup, error) {
	subs, err := t.liveSubsystems(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]liveNamespace)
	for _, s := range subs {
		for _, ns := range s.Namespaces {
			live[namespaceKey(ns.BdevName, s.NQN, ns.NSID)] = liveNamespace{nqn: s.NQN, nsid: ns.NSID}
		}
	}
	config := make(map[string]render.Namespace)
	for _, ns := range rc.Namespaces {
		if exported(rc, ns) {
			name, _ := bdevName(ns)
			config[namespaceKey(name, ns.Subsys.SubNQN, ns.NSID)] = ns
		}
	}

	return differ[render.Namespace, liveNamespace]{
		name:   "namespaces",
		config: config,
		live:   live,
		add: func(ns render.Namespace) error {
			name, _ := bdevName(ns)
			return t.client.AddNamespace(ctx, ns.Subsys.SubNQN, Namespace{
				NSID:     ns.NSID,
				BdevName: name,
				UUID:     ns.DeviceUUID,
				NGUID:    strings.ReplaceAll(ns.DeviceNGUID, "-", ""),
				// HA nodes always use their own group so that toggling ANA
				// later needs no namespace change
				ANAGrpID: rc.ANAGrpID(),
			})
		},
		remove: func(l liveNamespace) error {
			return t.client.RemoveNamespace(ctx, l.nqn, l.nsid)
		},
	}.run()
}
