package kernel

import (
	"strconv"

	"github.com/truenas/nvmetd/pkg/metrics"
	"github.com/truenas/nvmetd/pkg/render"
	"github.com/truenas/nvmetd/pkg/types"
)

// referralClass selects the port directories and indices handled by one
// referral stage. ANA referrals live below ANA port indices.
type referralClass struct {
	ana bool
}

func (c referralClass) handles(index int) bool {
	if c.ana {
		return index >= types.ANAPortIndexOffset
	}
	return index < types.ANAPortIndexOffset
}

func (c referralClass) index(index int) int {
	if c.ana {
		return render.ANAPortIndex(index)
	}
	return index
}

func (c referralClass) referrals(rc *render.Context) []render.Referral {
	if c.ana {
		return rc.Usage.ANAReferrals
	}
	return rc.Usage.NonANAReferrals
}

func referralAttrs(rc *render.Context, index int, p *types.Port, remote bool) attrs {
	var a attrs
	a.set("addr_trtype", p.AddrTrtype.Sysfs())
	a.set("addr_adrfam", p.AddrAdrfam.Sysfs())
	a.set("addr_traddr", rc.ReferralTraddr(index, p, remote))
	a.set("addr_trsvcid", strconv.Itoa(p.AddrTrsvcid))
	return a
}

// updateReferral rewrites a live referral whose address changed. The
// referral is disabled while its attributes are written.
func (t *Target) updateReferral(dir string, want attrs) (bool, error) {
	var changed attrs
	for _, a := range want {
		cur, err := t.readAttr(t.join(dir, a.name))
		if err != nil {
			return false, err
		}
		if cur != a.value {
			changed = append(changed, a)
		}
	}
	if len(changed) == 0 {
		return false, nil
	}

	enable := t.join(dir, "enable")
	if err := t.writeAttr(enable, "0"); err != nil {
		return false, err
	}
	for _, a := range changed {
		if err := t.writeAttr(t.join(dir, a.name), a.value); err != nil {
			// Leave the referral enabled with whatever it now holds
			_ = t.writeAttr(enable, "1")
			return false, err
		}
	}
	return true, t.writeAttr(enable, "1")
}

// referralStage converges the discovery referrals of one class of port
func (t *Target) referralStage(ana bool) func(rc *render.Context) (Cleanup, error) {
	class := referralClass{ana: ana}
	name := "referrals"
	if ana {
		name = "ana_referrals"
	}

	return func(rc *render.Context) (Cleanup, error) {
		portByIndex := make(map[int]*types.Port)
		for _, p := range rc.Ports {
			portByIndex[class.index(p.Index)] = p
		}
		wanted := make(map[int]map[string]bool)
		for _, ref := range class.referrals(rc) {
			from, to := rc.Port(ref.From), rc.Port(ref.To)
			if from == nil || to == nil {
				continue
			}
			src := class.index(from.Index)
			if wanted[src] == nil {
				wanted[src] = make(map[string]bool)
			}
			wanted[src][strconv.Itoa(class.index(to.Index))] = true
		}

		portDirs, err := t.listNames(t.path("ports"))
		if err != nil {
			return nil, err
		}

		var toRemove []string
		added, updated := 0, 0
		for _, dir := range portDirs {
			parent, err := strconv.Atoi(dir)
			if err != nil || !class.handles(parent) {
				continue
			}
			refDir := t.path("ports", dir, "referrals")
			live, err := t.listNames(refDir)
			if err != nil {
				return nil, err
			}

			add, remove, update := diffKeys(wanted[parent], live)
			for _, key := range remove {
				toRemove = append(toRemove, t.join(refDir, key))
			}
			for _, key := range add {
				if err := t.mkdir(t.join(refDir, key)); err != nil {
					return nil, err
				}
			}

			for _, key := range update {
				dst, _ := strconv.Atoi(key)
				p := portByIndex[dst]
				if p == nil {
					continue
				}
				changed, err := t.updateReferral(t.join(refDir, key), referralAttrs(rc, dst, p, parent == dst))
				if err != nil {
					return nil, err
				}
				if changed {
					updated++
				}
			}

			retries := t.retries
			for _, key := range add {
				dst, _ := strconv.Atoi(key)
				p := portByIndex[dst]
				if p == nil {
					continue
				}
				a := referralAttrs(rc, dst, p, parent == dst)
				a.set("enable", "1")
				if retries, err = t.setAttrs(t.join(refDir, key), a, retries); err != nil {
					return nil, err
				}
			}
			added += len(add)
		}
		metrics.RecordStage(backendName, name, added, updated, 0)

		return func() error {
			for _, path := range toRemove {
				if err := t.rmdir(path); err != nil {
					return err
				}
			}
			metrics.RecordStage(backendName, name, 0, 0, len(toRemove))
			return nil
		}, nil
	}
}
