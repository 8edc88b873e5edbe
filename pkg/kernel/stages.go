package kernel

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/truenas/nvmetd/pkg/metrics"
	"github.com/truenas/nvmetd/pkg/render"
	"github.com/truenas/nvmetd/pkg/types"
	"github.com/truenas/nvmetd/pkg/volume"
)

// entityDir converges the directories below one configfs parent
type entityDir struct {
	stage  string
	parent string
	config map[string]attrs

	postCreate func(path string) error
	postUpdate func(path string) error
	preDelete  func(path string) error
}

func (t *Target) applyEntities(e entityDir) (Cleanup, error) {
	live, err := t.listNames(e.parent)
	if err != nil {
		return nil, err
	}
	add, remove, update := diffKeys(e.config, live)

	// Directories first, attributes later, to give the kernel time to
	// populate them
	for _, key := range add {
		if err := t.mkdir(t.join(e.parent, key)); err != nil {
			return nil, err
		}
	}

	updated := 0
	for _, key := range update {
		path := t.join(e.parent, key)
		changed, err := t.updateAttrs(path, e.config[key])
		if err != nil {
			return nil, err
		}
		if changed {
			updated++
		}
		if e.postUpdate != nil {
			if err := e.postUpdate(path); err != nil {
				return nil, err
			}
		}
	}

	retries := t.retries
	for _, key := range add {
		path := t.join(e.parent, key)
		if retries, err = t.setAttrs(path, e.config[key], retries); err != nil {
			return nil, err
		}
		if e.postCreate != nil {
			if err := e.postCreate(path); err != nil {
				return nil, err
			}
		}
	}

	metrics.RecordStage(backendName, e.stage, len(add), updated, 0)

	return func() error {
		for _, key := range remove {
			path := t.join(e.parent, key)
			if e.preDelete != nil {
				if err := e.preDelete(path); err != nil {
					return err
				}
			}
			if err := t.rmdir(path); err != nil {
				return err
			}
		}
		metrics.RecordStage(backendName, e.stage, 0, 0, len(remove))
		return nil
	}, nil
}

func (t *Target) join(dir, name string) string {
	return filepath.Join(dir, name)
}

func subsysAttrs(rc *render.Context, s *types.Subsystem) attrs {
	var a attrs
	a.set("attr_serial", s.Serial)
	a.set("attr_allow_any_host", boolAttr(s.AllowAnyHost))
	a.set("attr_pi_enable", boolAttr(s.PIEnable != nil && *s.PIEnable))
	if s.QIDMax != nil && *s.QIDMax != 0 {
		a.set("attr_qid_max", strconv.Itoa(*s.QIDMax))
	}
	if s.IEEEOUI != "" {
		a.set("attr_ieee_oui", s.IEEEOUI)
	}
	minID, maxID := rc.CntlIDRange()
	if maxID != 0 {
		a.set("attr_cntlid_max", strconv.Itoa(maxID))
	}
	if minID != 0 {
		a.set("attr_cntlid_min", strconv.Itoa(minID))
	}
	a.set("attr_model", rc.Model)
	a.set("attr_firmware", rc.Firmware)
	return a
}

func (t *Target) applySubsystems(rc *render.Context) (Cleanup, error) {
	config := make(map[string]attrs)
	for _, s := range rc.Subsystems {
		config[s.SubNQN] = subsysAttrs(rc, s)
	}

	return t.applyEntities(entityDir{
		stage:  "subsystems",
		parent: t.path("subsystems"),
		config: config,
		// A force-deleted subsystem may still hold namespaces that were
		// removed from the configuration together with it
		preDelete: func(path string) error {
			return t.removeChildren(t.join(path, "namespaces"), nil)
		},
	})
}

func hostKeyAttr(key string) string {
	if key == "" {
		return "\x00"
	}
	return key
}

func hostAttrs(h *types.Host) attrs {
	var a attrs
	a.set("dhchap_key", hostKeyAttr(h.DHChapKey))
	a.set("dhchap_ctrl_key", hostKeyAttr(h.DHChapCtrlKey))
	a.set("dhchap_dhgroup", h.DHChapDHGroup.Sysfs())
	hash := h.DHChapHash
	if hash == "" {
		hash = types.DHChapHashSHA256
	}
	a.set("dhchap_hash", hash.Sysfs())
	return a
}

func (t *Target) applyHosts(rc *render.Context) (Cleanup, error) {
	config := make(map[string]attrs)
	for _, h := range rc.Hosts {
		config[h.HostNQN] = hostAttrs(h)
	}

	return t.applyEntities(entityDir{
		stage:  "hosts",
		parent: t.path("hosts"),
		config: config,
	})
}

func portAttrs(rc *render.Context, index int, p *types.Port) attrs {
	var a attrs
	a.set("addr_trtype", p.AddrTrtype.Sysfs())
	a.set("addr_adrfam", p.AddrAdrfam.Sysfs())
	a.set("addr_traddr", rc.TraddrFor(index, p))
	a.set("addr_trsvcid", strconv.Itoa(p.AddrTrsvcid))
	if p.InlineDataSize != nil {
		a.set("param_inline_data_size", strconv.Itoa(*p.InlineDataSize))
	}
	if p.MaxQueueSize != nil {
		a.set("param_max_queue_size", strconv.Itoa(*p.MaxQueueSize))
	}
	a.set("param_pi_enable", boolAttr(p.PIEnable != nil && *p.PIEnable))
	return a
}

// portConfig keys every rendered port by its configfs index. A port that
// serves ANA subsystems appears a second time under its ANA index.
func portConfig(rc *render.Context) map[string]attrs {
	config := make(map[string]attrs)
	for _, id := range rc.Usage.NonANAPorts {
		p := rc.Port(id)
		config[strconv.Itoa(p.Index)] = portAttrs(rc, p.Index, p)
	}
	for _, id := range rc.Usage.ANAPorts {
		p := rc.Port(id)
		index := render.ANAPortIndex(p.Index)
		config[strconv.Itoa(index)] = portAttrs(rc, index, p)
	}
	return config
}

// portANAPath returns the ANA group directory of this node below a port
func (t *Target) portANAPath(path string, rc *render.Context) (string, bool) {
	switch rc.Failover.Node {
	case types.FailoverNodeA, types.FailoverNodeB:
		return t.join(path, "ana_groups/"+strconv.Itoa(rc.ANAGrpID())), true
	}
	return "", false
}

func (t *Target) ensureANAState(path string, rc *render.Context) error {
	if !rc.Failover.Licensed {
		return nil
	}
	anaPath, ok := t.portANAPath(path, rc)
	if !ok {
		return nil
	}

	if !rc.ANAActive {
		if t.isDir(anaPath) {
			return t.rmdir(anaPath)
		}
		return nil
	}

	if !t.isDir(anaPath) {
		if err := t.mkdir(anaPath); err != nil {
			return err
		}
	}
	statePath := t.join(anaPath, "ana_state")
	cur, err := t.readAttr(statePath)
	if err != nil {
		return err
	}
	if state := rc.ANAState(); cur != state {
		t.logger.Info().Str("port", path).Str("state", state).Msg("Setting ANA state")
		return t.writeAttr(statePath, state)
	}
	return nil
}

func (t *Target) applyPorts(rc *render.Context) (Cleanup, error) {
	ensure := func(path string) error { return t.ensureANAState(path, rc) }

	return t.applyEntities(entityDir{
		stage:      "ports",
		parent:     t.path("ports"),
		config:     portConfig(rc),
		postCreate: ensure,
		postUpdate: ensure,
		preDelete: func(path string) error {
			if !rc.Failover.Licensed {
				return nil
			}
			if anaPath, ok := t.portANAPath(path, rc); ok && t.isDir(anaPath) {
				return t.rmdir(anaPath)
			}
			return nil
		},
	})
}

func namespaceAttrs(rc *render.Context, ns render.Namespace) attrs {
	var a attrs
	a.set("device_uuid", ns.DeviceUUID)
	a.set("device_nguid", ns.DeviceNGUID)
	if ns.DevicePath != "" && !ns.Locked {
		if path, ok := targetDevicePath(ns.DeviceType, ns.DevicePath); ok {
			a.set("device_path", path)
		}
	}
	a.set("buffered_io", ns.DeviceType.BufferedIO())
	a.set("resv_enable", "1")
	a.set("ana_grpid", strconv.Itoa(rc.NamespaceANAGrpID(ns)))
	a.set("enable", boolAttr(rc.NamespaceEnabled(ns)))
	return a
}

// targetDevicePath maps a namespace device_path to the path the kernel opens
func targetDevicePath(deviceType types.DeviceType, devicePath string) (string, bool) {
	switch deviceType {
	case types.DeviceTypeFile:
		if strings.HasPrefix(devicePath, volume.FilePrefix) {
			return devicePath, true
		}
	case types.DeviceTypeZVOL:
		if strings.HasPrefix(devicePath, volume.ZvolPrefix) {
			return volume.DevicePath(devicePath), true
		}
	}
	return "", false
}

// applyNamespaces converges the namespaces of every subsystem, including
// subsystems left without any namespace
func (t *Target) applyNamespaces(rc *render.Context) (Cleanup, error) {
	perSubsys := make(map[string]map[string]attrs)
	for _, s := range rc.Subsystems {
		perSubsys[s.SubNQN] = make(map[string]attrs)
	}
	for _, ns := range rc.Namespaces {
		if perSubsys[ns.Subsys.SubNQN] == nil {
			perSubsys[ns.Subsys.SubNQN] = make(map[string]attrs)
		}
		perSubsys[ns.Subsys.SubNQN][strconv.Itoa(ns.NSID)] = namespaceAttrs(rc, ns)
	}

	var removeDirs []string
	added, updated := 0, 0
	for _, subnqn := range sortedKeys(perSubsys) {
		config := perSubsys[subnqn]
		parent := t.path("subsystems", subnqn, "namespaces")

		live, err := t.listNames(parent)
		if err != nil {
			return nil, err
		}
		add, remove, update := diffKeys(config, live)

		for _, key := range add {
			if err := t.mkdir(t.join(parent, key)); err != nil {
				return nil, err
			}
		}
		for _, key := range update {
			changed, err := t.updateAttrs(t.join(parent, key), config[key])
			if err != nil {
				return nil, fmt.Errorf("namespace %s of %s: %w", key, subnqn, err)
			}
			if changed {
				updated++
			}
		}
		retries := t.retries
		for _, key := range add {
			if retries, err = t.setAttrs(t.join(parent, key), config[key], retries); err != nil {
				return nil, fmt.Errorf("namespace %s of %s: %w", key, subnqn, err)
			}
		}
		added += len(add)
		for _, key := range remove {
			removeDirs = append(removeDirs, t.join(parent, key))
		}
	}
	metrics.RecordStage(backendName, "namespaces", added, updated, 0)

	return func() error {
		for _, dir := range removeDirs {
			if err := t.rmdir(dir); err != nil {
				return err
			}
		}
		metrics.RecordStage(backendName, "namespaces", 0, 0, len(removeDirs))
		return nil
	}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
