package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/truenas/nvmetd/pkg/client"
	"github.com/truenas/nvmetd/pkg/config"
	"github.com/truenas/nvmetd/pkg/reconciler"
	"github.com/truenas/nvmetd/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nvmetctl",
	Short: "nvmetctl - manage the NVMe-oF target through nvmetd",
	Long: `nvmetctl reads and changes the NVMe-oF target configuration held by
nvmetd and controls the target service.

Read-only commands work over the daemon's UNIX socket; commands that change
the configuration need the TCP listener (--addr host:port).`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nvmetctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	addr := os.Getenv("NVMETD_ADDR")
	if addr == "" {
		addr = config.DefaultAPIAddr
	}
	rootCmd.PersistentFlags().String("addr", addr, "nvmetd address, host:port or a UNIX socket path")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(namespaceCmd)
	rootCmd.AddCommand(failoverCmd)
	rootCmd.AddCommand(generateKeyCmd)
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nvmetd: %w", err)
	}
	return c, nil
}

func parseID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ID %q", arg)
	}
	return id, nil
}

// printer renders objects in the output format chosen with -o
type printer struct {
	out    io.Writer
	format string
}

func newPrinter(cmd *cobra.Command) (*printer, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "table", "json", "yaml":
	default:
		return nil, fmt.Errorf("output format must be table, json or yaml")
	}
	return &printer{out: cmd.OutOrStdout(), format: format}, nil
}

// print writes v as JSON or YAML, or as a table of header and rows
func (p *printer) print(v any, header []string, rows [][]string) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.out)
		defer enc.Close()
		return enc.Encode(v)
	}

	w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func optional[T any](v *T) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ids(list []int) string {
	if len(list) == 0 {
		return "-"
	}
	parts := make([]string, len(list))
	for i, id := range list {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// Get commands
var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the target configuration",
}

var getGlobalCmd = &cobra.Command{
	Use:   "global",
	Short: "Show the global configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, p, err := getSetup(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		g, err := c.GetGlobal()
		if err != nil {
			return err
		}
		return p.print(g, []string{"BASENQN", "KERNEL", "ANA", "RDMA", "XPORT_REFERRAL"}, [][]string{{
			g.BaseNQN, strconv.FormatBool(g.Kernel), strconv.FormatBool(g.ANA),
			strconv.FormatBool(g.RDMA), strconv.FormatBool(g.XportReferral),
		}})
	},
}

var getHostsCmd = &cobra.Command{
	Use:     "hosts",
	Aliases: []string{"host"},
	Short:   "List hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, p, err := getSetup(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		hosts, err := c.ListHosts()
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(hosts))
		for _, h := range hosts {
			auth := "none"
			switch {
			case h.DHChapCtrlKey != "":
				auth = "bidirectional"
			case h.DHChapKey != "":
				auth = "host"
			}
			rows = append(rows, []string{
				strconv.Itoa(h.ID), h.HostNQN, auth, string(h.DHChapHash), orDash(string(h.DHChapDHGroup)),
			})
		}
		return p.print(hosts, []string{"ID", "HOSTNQN", "AUTH", "HASH", "DHGROUP"}, rows)
	},
}

var getPortsCmd = &cobra.Command{
	Use:     "ports",
	Aliases: []string{"port"},
	Short:   "List ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, p, err := getSetup(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ports, err := c.ListPorts()
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(ports))
		for _, port := range ports {
			rows = append(rows, []string{
				strconv.Itoa(port.ID), strconv.Itoa(port.Index), string(port.AddrTrtype),
				string(port.AddrAdrfam), port.AddrTraddr, strconv.Itoa(port.AddrTrsvcid),
				strconv.FormatBool(port.Enabled),
			})
		}
		return p.print(ports, []string{"ID", "INDEX", "TRTYPE", "ADRFAM", "TRADDR", "TRSVCID", "ENABLED"}, rows)
	},
}

var getSubsysCmd = &cobra.Command{
	Use:     "subsys",
	Aliases: []string{"subsystems", "subsystem"},
	Short:   "List subsystems with their hosts, ports and namespaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, p, err := getSetup(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		details, err := c.ListSubsystemDetails()
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(details))
		for _, d := range details {
			rows = append(rows, []string{
				strconv.Itoa(d.ID), d.Name, d.SubNQN, strconv.FormatBool(d.AllowAnyHost), optional(d.ANA),
				ids(d.Hosts), ids(d.Ports), ids(d.Namespaces),
			})
		}
		return p.print(details, []string{"ID", "NAME", "SUBNQN", "ANY_HOST", "ANA", "HOSTS", "PORTS", "NAMESPACES"}, rows)
	},
}

var getNamespacesCmd = &cobra.Command{
	Use:     "namespaces",
	Aliases: []string{"namespace", "ns"},
	Short:   "List namespaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, p, err := getSetup(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		namespaces, err := c.ListNamespaces()
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(namespaces))
		for _, ns := range namespaces {
			rows = append(rows, []string{
				strconv.Itoa(ns.ID), strconv.Itoa(ns.SubsysID), strconv.Itoa(ns.NSID), string(ns.DeviceType),
				ns.DevicePath, optional(ns.Filesize), strconv.FormatBool(ns.Enabled), strconv.FormatBool(ns.Locked),
			})
		}
		return p.print(namespaces, []string{"ID", "SUBSYS", "NSID", "TYPE", "PATH", "FILESIZE", "ENABLED", "LOCKED"}, rows)
	},
}

var getLinksCmd = &cobra.Command{
	Use:   "links",
	Short: "List host and port links of subsystems",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, p, err := getSetup(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		hostLinks, err := c.ListHostSubsys()
		if err != nil {
			return err
		}
		portLinks, err := c.ListPortSubsys()
		if err != nil {
			return err
		}
		var rows [][]string
		for _, l := range hostLinks {
			rows = append(rows, []string{strconv.Itoa(l.ID), "host", strconv.Itoa(l.HostID), strconv.Itoa(l.SubsysID)})
		}
		for _, l := range portLinks {
			rows = append(rows, []string{strconv.Itoa(l.ID), "port", strconv.Itoa(l.PortID), strconv.Itoa(l.SubsysID)})
		}
		links := map[string]any{"host_subsys": hostLinks, "port_subsys": portLinks}
		return p.print(links, []string{"ID", "KIND", "FROM", "SUBSYS"}, rows)
	},
}

func getSetup(cmd *cobra.Command) (*client.Client, *printer, error) {
	p, err := newPrinter(cmd)
	if err != nil {
		return nil, nil, err
	}
	c, err := newClient(cmd)
	if err != nil {
		return nil, nil, err
	}
	return c, p, nil
}

func init() {
	getCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table, json, yaml)")
	getCmd.AddCommand(getGlobalCmd)
	getCmd.AddCommand(getHostsCmd)
	getCmd.AddCommand(getPortsCmd)
	getCmd.AddCommand(getSubsysCmd)
	getCmd.AddCommand(getNamespacesCmd)
	getCmd.AddCommand(getLinksCmd)
}

// Delete commands
var deleteCmd = &cobra.Command{
	Use:   "delete KIND ID",
	Short: "Delete a host, port, subsystem, namespace or link",
	Long: `Delete an object by ID. KIND is one of host, port, subsys, namespace,
host_subsys or port_subsys.

Hosts and ports still linked to subsystems, and subsystems still holding
namespaces, are only deleted with --force.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		remove, _ := cmd.Flags().GetBool("remove")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		switch args[0] {
		case "host":
			err = c.DeleteHost(id, force)
		case "port":
			err = c.DeletePort(id, force)
		case "subsys", "subsystem":
			err = c.DeleteSubsystem(id, force)
		case "namespace", "ns":
			err = c.DeleteNamespace(id, remove)
		case "host_subsys":
			err = c.DeleteHostSubsys(id)
		case "port_subsys":
			err = c.DeletePortSubsys(id)
		default:
			return fmt.Errorf("unknown kind %q", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %s %d\n", args[0], id)
		return nil
	},
}

func init() {
	deleteCmd.Flags().Bool("force", false, "Also delete links and contained namespaces")
	deleteCmd.Flags().Bool("remove", false, "Remove the backing file of a FILE namespace")
}

// Service commands
var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Control the target service",
}

func serviceActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.ServiceAction(action)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the target service",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.ServiceStatus()
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), status)
		return nil
	},
}

func printStatus(w io.Writer, status *reconciler.Status) {
	switch {
	case status.Error != "":
		fmt.Fprintf(w, "%s target: error: %s\n", orDash(status.Backend), status.Error)
	case status.Running:
		fmt.Fprintf(w, "%s target: running\n", status.Backend)
	default:
		fmt.Fprintln(w, "target: stopped")
	}
}

func init() {
	serviceCmd.AddCommand(serviceActionCmd("start", "Start the target and render the configuration"))
	serviceCmd.AddCommand(serviceActionCmd("stop", "Remove the configuration from the target"))
	serviceCmd.AddCommand(serviceActionCmd("restart", "Stop and start the target"))
	serviceCmd.AddCommand(serviceActionCmd("reload", "Render the configuration into the running target"))
	serviceCmd.AddCommand(serviceStatusCmd)
}

// Namespace commands
var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Act on a namespace of the running target",
}

func namespaceActionCmd(action, short string, call func(*client.Client, int) (*types.Namespace, error)) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ns, err := call(c, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Namespace %d (nsid %d): %s\n", ns.ID, ns.NSID, action)
			return nil
		},
	}
}

func init() {
	namespaceCmd.AddCommand(namespaceActionCmd("lock", "Mark the dataset behind a namespace as locked", (*client.Client).LockNamespace))
	namespaceCmd.AddCommand(namespaceActionCmd("unlock", "Clear the lock of a namespace", (*client.Client).UnlockNamespace))
	namespaceCmd.AddCommand(namespaceActionCmd("resize", "Tell the target a backing device grew", (*client.Client).ResizeNamespace))
}

// Failover commands
var failoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Show or change the HA state of this controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if !cmd.Flags().Changed("status") && !cmd.Flags().Changed("node") && !cmd.Flags().Changed("licensed") {
			state, err := c.GetFailover()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status=%s node=%q licensed=%t\n", state.Status, state.Node, state.Licensed)
			return nil
		}

		state, err := c.GetFailover()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("status") {
			status, _ := cmd.Flags().GetString("status")
			state.Status = types.FailoverStatus(strings.ToUpper(status))
		}
		if cmd.Flags().Changed("node") {
			node, _ := cmd.Flags().GetString("node")
			state.Node = types.FailoverNode(strings.ToUpper(node))
		}
		if cmd.Flags().Changed("licensed") {
			state.Licensed, _ = cmd.Flags().GetBool("licensed")
		}
		state, err = c.SetFailover(*state)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Failover status=%s node=%q\n", state.Status, state.Node)
		return nil
	},
}

func init() {
	failoverCmd.Flags().String("status", "", "SINGLE, MASTER or BACKUP")
	failoverCmd.Flags().String("node", "", "A or B")
	failoverCmd.Flags().Bool("licensed", false, "Whether the system is licensed for HA")
}

// Key generation
var generateKeyCmd = &cobra.Command{
	Use:   "generate-key HOSTNQN",
	Short: "Generate a DH-HMAC-CHAP secret for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, _ := cmd.Flags().GetString("hash")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		key, err := c.GenerateKey(types.DHChapHash(hash), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	generateKeyCmd.Flags().String("hash", string(types.DHChapHashSHA256), "SHA-256, SHA-384 or SHA-512")
}
