package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/truenas/nvmetd/pkg/client"
	"github.com/truenas/nvmetd/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply an NVMe-oF target configuration from a YAML file.

Objects are matched with the existing configuration by their natural key
(hostnqn, port index or address, subsystem name, namespace device_path) and
created or updated. Fields left out of the file keep their current value.
Nothing is deleted.

Example:
  global:
    basenqn: nqn.2011-06.com.truenas
  hosts:
    - hostnqn: nqn.2014-08.org.nvmexpress:uuid:0b2c
      dhchap_key: DHHC-1:01:...
  ports:
    - index: 1
      addr_trtype: TCP
      addr_traddr: 10.0.0.1
      enabled: true
  subsystems:
    - name: vol1
      hosts: [nqn.2014-08.org.nvmexpress:uuid:0b2c]
      ports: [1]
      namespaces:
        - device_type: ZVOL
          device_path: zvol/tank/vol1
          enabled: true

  nvmetctl apply -f target.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Manifest is a target configuration file. Items stay YAML nodes so they
// can be decoded over the objects they update.
type Manifest struct {
	Global     yaml.Node   `yaml:"global"`
	Hosts      []yaml.Node `yaml:"hosts"`
	Ports      []yaml.Node `yaml:"ports"`
	Subsystems []yaml.Node `yaml:"subsystems"`
}

// subsystemRefs are the parts of a subsystem item that name other objects
type subsystemRefs struct {
	Hosts      []string    `yaml:"hosts"`
	Ports      []int       `yaml:"ports"`
	Namespaces []yaml.Node `yaml:"namespaces"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	return (&applier{client: c, out: cmd.OutOrStdout()}).apply(&m)
}

// applier creates or updates the objects of a manifest
type applier struct {
	client *client.Client
	out    io.Writer

	hosts map[string]int
	ports map[int]int
}

func (a *applier) apply(m *Manifest) error {
	if m.Global.Kind != 0 {
		if err := a.applyGlobal(&m.Global); err != nil {
			return err
		}
	}
	if err := a.applyHosts(m.Hosts); err != nil {
		return err
	}
	if err := a.applyPorts(m.Ports); err != nil {
		return err
	}
	for i := range m.Subsystems {
		if err := a.applySubsystem(&m.Subsystems[i]); err != nil {
			return err
		}
	}
	return nil
}

// report prints what happened to an object
func (a *applier) report(kind, name, action string, id int) {
	if action == "unchanged" {
		fmt.Fprintf(a.out, "  %s unchanged: %s\n", kind, name)
		return
	}
	fmt.Fprintf(a.out, "✓ %s %s: %s (ID: %d)\n", kind, action, name, id)
}

// merge decodes node over a deep copy of current and reports whether
// anything changed. yaml decodes into pointers already set, so a shallow
// copy would alias the pointer fields of current.
func merge[T any](node *yaml.Node, current *T) (*T, bool, error) {
	data, err := json.Marshal(current)
	if err != nil {
		return nil, false, err
	}
	merged := new(T)
	if err := json.Unmarshal(data, merged); err != nil {
		return nil, false, err
	}
	if err := node.Decode(merged); err != nil {
		return nil, false, err
	}
	return merged, !reflect.DeepEqual(merged, current), nil
}

func (a *applier) applyGlobal(node *yaml.Node) error {
	current, err := a.client.GetGlobal()
	if err != nil {
		return fmt.Errorf("failed to get global configuration: %w", err)
	}
	merged, changed, err := merge(node, current)
	if err != nil {
		return fmt.Errorf("invalid global section: %w", err)
	}
	if !changed {
		a.report("Global", "configuration", "unchanged", merged.ID)
		return nil
	}
	if _, err := a.client.UpdateGlobal(merged); err != nil {
		return fmt.Errorf("failed to update global configuration: %w", err)
	}
	a.report("Global", "configuration", "updated", merged.ID)
	return nil
}

func (a *applier) applyHosts(nodes []yaml.Node) error {
	existing, err := a.client.ListHosts()
	if err != nil {
		return fmt.Errorf("failed to list hosts: %w", err)
	}
	a.hosts = make(map[string]int)
	byNQN := make(map[string]*types.Host)
	for _, h := range existing {
		a.hosts[h.HostNQN] = h.ID
		byNQN[h.HostNQN] = h
	}

	for i := range nodes {
		var want types.Host
		if err := nodes[i].Decode(&want); err != nil {
			return fmt.Errorf("invalid host at line %d: %w", nodes[i].Line, err)
		}
		if want.HostNQN == "" {
			return fmt.Errorf("host at line %d has no hostnqn", nodes[i].Line)
		}

		current, ok := byNQN[want.HostNQN]
		if !ok {
			created, err := a.client.CreateHost(&want)
			if err != nil {
				return fmt.Errorf("failed to create host %s: %w", want.HostNQN, err)
			}
			a.hosts[created.HostNQN] = created.ID
			a.report("Host", created.HostNQN, "created", created.ID)
			continue
		}

		merged, changed, err := merge(&nodes[i], current)
		if err != nil {
			return fmt.Errorf("invalid host %s: %w", want.HostNQN, err)
		}
		if !changed {
			a.report("Host", merged.HostNQN, "unchanged", merged.ID)
			continue
		}
		if _, err := a.client.UpdateHost(merged); err != nil {
			return fmt.Errorf("failed to update host %s: %w", want.HostNQN, err)
		}
		a.report("Host", merged.HostNQN, "updated", merged.ID)
	}
	return nil
}

// findPort matches a port item by index when it has one, by address
// otherwise
func findPort(ports []*types.Port, want *types.Port) *types.Port {
	for _, p := range ports {
		if want.Index != 0 {
			if p.Index == want.Index {
				return p
			}
			continue
		}
		trsvcid := want.AddrTrsvcid
		if trsvcid == 0 {
			trsvcid = types.DefaultTCPPort
		}
		if p.AddrTrtype == want.AddrTrtype && p.AddrTraddr == want.AddrTraddr && p.AddrTrsvcid == trsvcid {
			return p
		}
	}
	return nil
}

func (a *applier) applyPorts(nodes []yaml.Node) error {
	existing, err := a.client.ListPorts()
	if err != nil {
		return fmt.Errorf("failed to list ports: %w", err)
	}
	a.ports = make(map[int]int)
	for _, p := range existing {
		a.ports[p.Index] = p.ID
	}

	for i := range nodes {
		var want types.Port
		if err := nodes[i].Decode(&want); err != nil {
			return fmt.Errorf("invalid port at line %d: %w", nodes[i].Line, err)
		}
		name := fmt.Sprintf("%s %s", want.AddrTrtype, want.AddrTraddr)

		current := findPort(existing, &want)
		if current == nil {
			created, err := a.client.CreatePort(&want)
			if err != nil {
				return fmt.Errorf("failed to create port %s: %w", name, err)
			}
			a.ports[created.Index] = created.ID
			a.report("Port", fmt.Sprintf("#%d %s", created.Index, name), "created", created.ID)
			continue
		}

		merged, changed, err := merge(&nodes[i], current)
		if err != nil {
			return fmt.Errorf("invalid port %s: %w", name, err)
		}
		name = fmt.Sprintf("#%d %s", merged.Index, name)
		if !changed {
			a.report("Port", name, "unchanged", merged.ID)
			continue
		}
		if _, err := a.client.UpdatePort(merged); err != nil {
			return fmt.Errorf("failed to update port %s: %w", name, err)
		}
		a.report("Port", name, "updated", merged.ID)
	}
	return nil
}

func (a *applier) applySubsystem(node *yaml.Node) error {
	var want types.Subsystem
	if err := node.Decode(&want); err != nil {
		return fmt.Errorf("invalid subsystem at line %d: %w", node.Line, err)
	}
	var refs subsystemRefs
	if err := node.Decode(&refs); err != nil {
		return fmt.Errorf("invalid subsystem %s: %w", want.Name, err)
	}
	if want.Name == "" {
		return fmt.Errorf("subsystem at line %d has no name", node.Line)
	}

	subsystems, err := a.client.ListSubsystems()
	if err != nil {
		return fmt.Errorf("failed to list subsystems: %w", err)
	}
	var subsys *types.Subsystem
	for _, s := range subsystems {
		if s.Name == want.Name {
			subsys = s
		}
	}

	if subsys == nil {
		if subsys, err = a.client.CreateSubsystem(&want); err != nil {
			return fmt.Errorf("failed to create subsystem %s: %w", want.Name, err)
		}
		a.report("Subsystem", subsys.Name, "created", subsys.ID)
	} else {
		merged, changed, err := merge(node, subsys)
		if err != nil {
			return fmt.Errorf("invalid subsystem %s: %w", want.Name, err)
		}
		if changed {
			if subsys, err = a.client.UpdateSubsystem(merged); err != nil {
				return fmt.Errorf("failed to update subsystem %s: %w", want.Name, err)
			}
			a.report("Subsystem", subsys.Name, "updated", subsys.ID)
		} else {
			a.report("Subsystem", subsys.Name, "unchanged", subsys.ID)
		}
	}

	if err := a.linkSubsystem(subsys, &refs); err != nil {
		return err
	}
	return a.applyNamespaces(subsys, refs.Namespaces)
}

func (a *applier) linkSubsystem(subsys *types.Subsystem, refs *subsystemRefs) error {
	hostLinks, err := a.client.ListHostSubsys()
	if err != nil {
		return fmt.Errorf("failed to list host links: %w", err)
	}
	for _, nqn := range refs.Hosts {
		hostID, ok := a.hosts[nqn]
		if !ok {
			return fmt.Errorf("subsystem %s: unknown host %s", subsys.Name, nqn)
		}
		if hasLink(hostLinks, func(l *types.HostSubsys) bool { return l.HostID == hostID && l.SubsysID == subsys.ID }) {
			continue
		}
		link, err := a.client.CreateHostSubsys(hostID, subsys.ID)
		if err != nil {
			return fmt.Errorf("failed to link host %s to %s: %w", nqn, subsys.Name, err)
		}
		a.report("Host link", nqn+" -> "+subsys.Name, "created", link.ID)
	}

	portLinks, err := a.client.ListPortSubsys()
	if err != nil {
		return fmt.Errorf("failed to list port links: %w", err)
	}
	for _, index := range refs.Ports {
		portID, ok := a.ports[index]
		if !ok {
			return fmt.Errorf("subsystem %s: unknown port index %d", subsys.Name, index)
		}
		if hasLink(portLinks, func(l *types.PortSubsys) bool { return l.PortID == portID && l.SubsysID == subsys.ID }) {
			continue
		}
		link, err := a.client.CreatePortSubsys(portID, subsys.ID)
		if err != nil {
			return fmt.Errorf("failed to link port #%d to %s: %w", index, subsys.Name, err)
		}
		a.report("Port link", fmt.Sprintf("#%d -> %s", index, subsys.Name), "created", link.ID)
	}
	return nil
}

func hasLink[L any](links []*L, match func(*L) bool) bool {
	for _, l := range links {
		if match(l) {
			return true
		}
	}
	return false
}

func (a *applier) applyNamespaces(subsys *types.Subsystem, nodes []yaml.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	existing, err := a.client.ListNamespaces()
	if err != nil {
		return fmt.Errorf("failed to list namespaces: %w", err)
	}

	for i := range nodes {
		var want types.Namespace
		if err := nodes[i].Decode(&want); err != nil {
			return fmt.Errorf("invalid namespace at line %d: %w", nodes[i].Line, err)
		}
		if want.DevicePath == "" {
			return fmt.Errorf("namespace at line %d has no device_path", nodes[i].Line)
		}
		want.SubsysID = subsys.ID
		name := subsys.Name + ":" + want.DevicePath

		var current *types.Namespace
		for _, ns := range existing {
			if ns.SubsysID == subsys.ID && ns.DevicePath == want.DevicePath {
				current = ns
			}
		}
		if current == nil {
			created, err := a.client.CreateNamespace(&want)
			if err != nil {
				return fmt.Errorf("failed to create namespace %s: %w", name, err)
			}
			a.report("Namespace", fmt.Sprintf("%s (nsid %d)", name, created.NSID), "created", created.ID)
			continue
		}

		merged, changed, err := merge(&nodes[i], current)
		if err != nil {
			return fmt.Errorf("invalid namespace %s: %w", name, err)
		}
		if !changed {
			a.report("Namespace", name, "unchanged", merged.ID)
			continue
		}
		if _, err := a.client.UpdateNamespace(merged); err != nil {
			return fmt.Errorf("failed to update namespace %s: %w", name, err)
		}
		a.report("Namespace", name, "updated", merged.ID)
	}
	return nil
}
