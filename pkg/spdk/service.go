package spdk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/retry"
	"github.com/spf13/afero"

	"github.com/truenas/nvmetd/pkg/network"
	"github.com/truenas/nvmetd/pkg/render"
	"github.com/truenas/nvmetd/pkg/types"
)

// ErrSetupFailed is returned when the setup script exits with an error
var ErrSetupFailed = errors.New("spdk setup failed")

var errNotReady = errors.New("spdk target is not ready")

// Ready reports whether the target accepts requests. A cheap check only
// looks for the socket.
func (t *Target) Ready(ctx context.Context, cheap bool) bool {
	if ok, _ := afero.Exists(t.fs, t.client.Socket()); !ok {
		return false
	}
	if cheap {
		return true
	}
	return t.client.FrameworkWaitInit(ctx) == nil
}

// WaitReady polls Ready once a second, at most attempts times
func (t *Target) WaitReady(ctx context.Context, attempts int) bool {
	if attempts <= 0 {
		return false
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if !t.Ready(ctx, false) {
				return errNotReady
			}
			return nil
		},
		IsFatalError: func(error) bool { return ctx.Err() != nil },
		Attempts:     attempts,
		Delay:        time.Second,
		Clock:        t.clock,
		Stop:         ctx.Done(),
	})
	return err == nil
}

func (t *Target) runSetup(ctx context.Context, args ...string) error {
	out, err := t.runner.Run(ctx, t.setupScript, args...)
	if err != nil {
		t.logger.Error().Err(err).Strs("args", args).Bytes("output", out).Msg("SPDK setup script failed")
		return fmt.Errorf("%w: %s %s: %v", ErrSetupFailed, t.setupScript, strings.Join(args, " "), err)
	}
	return nil
}

// Setup allocates hugepages and binds the NICs of the configured ports
func (t *Target) Setup(ctx context.Context, rc *render.Context) error {
	nics, err := t.NICs(rc)
	if err != nil {
		return err
	}
	slots, err := t.PCISlots(nics)
	if err != nil {
		return err
	}
	return t.runSetup(ctx, "config", fmt.Sprintf("PCI_ALLOWED=%q", strings.Join(slots, " ")))
}

// Reset rebinds PCI devices to their original drivers
func (t *Target) Reset(ctx context.Context) error {
	return t.runSetup(ctx, "reset")
}

// Cleanup removes files left behind by an exited SPDK application
func (t *Target) Cleanup(ctx context.Context) error {
	return t.runSetup(ctx, "cleanup")
}

// NICs returns the interfaces carrying the addresses of the configured ports
func (t *Target) NICs(rc *render.Context) ([]string, error) {
	if rc.Global.Kernel {
		return nil, errors.New("nvme-of is configured for the kernel target")
	}
	if len(rc.Ports) == 0 {
		return nil, errors.New("no ports configured for nvme-of")
	}

	addresses := make(map[string]bool)
	for _, p := range rc.Ports {
		switch p.AddrTrtype {
		case types.TrtypeTCP, types.TrtypeRDMA:
		default:
			return nil, fmt.Errorf("unsupported addr_trtype: %q", p.AddrTrtype)
		}
		switch p.AddrAdrfam {
		case types.AddrFamilyIPv4, types.AddrFamilyIPv6:
		default:
			return nil, fmt.Errorf("unsupported addr_adrfam: %q", p.AddrAdrfam)
		}
		if p.AddrTraddr != "" {
			addresses[p.AddrTraddr] = true
		}
	}
	if len(addresses) == 0 {
		return nil, errors.New("no IP addresses configured for nvme-of")
	}

	ifaces, err := t.interfaces.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	var nics []string
	seen := make(map[string]bool)
	for _, addr := range sortedKeys(addresses) {
		name, ok := network.InterfaceForAddress(ifaces, addr)
		if !ok {
			return nil, fmt.Errorf("could not find interface for address %s", addr)
		}
		if !seen[name] {
			seen[name] = true
			nics = append(nics, name)
		}
	}
	return nics, nil
}

// PCISlots returns the PCI slot of each NIC
func (t *Target) PCISlots(nics []string) ([]string, error) {
	var slots []string
	for _, nic := range nics {
		if slot, ok := t.pciSlot(nic); ok {
			slots = append(slots, slot)
		}
	}
	if len(slots) != len(nics) {
		return nil, errors.New("could not find a PCI slot for every NIC")
	}
	return slots, nil
}

func (t *Target) pciSlot(nic string) (string, bool) {
	f, err := t.fs.Open(filepath.Join(network.SysClassNet, nic, "device", "uevent"))
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if slot, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "PCI_SLOT_NAME="); ok && slot != "" {
			return slot, true
		}
	}
	return "", false
}
