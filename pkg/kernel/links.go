package kernel

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/truenas/nvmetd/pkg/metrics"
	"github.com/truenas/nvmetd/pkg/render"
)

// linkSet describes the symbolic links of one kind: every directory below
// parent holds, in its sub directory, links to entries of target
type linkSet struct {
	stage  string
	parent string
	sub    string
	target string

	// want maps a source directory name to the names it must link
	want map[string]map[string]bool
}

func (l *linkSet) add(src, name string) {
	if l.want == nil {
		l.want = make(map[string]map[string]bool)
	}
	if l.want[src] == nil {
		l.want[src] = make(map[string]bool)
	}
	l.want[src][name] = true
}

func (t *Target) isSymlink(path string) bool {
	info, _, err := t.fs.LstatIfPossible(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

func (t *Target) applyLinks(l linkSet) (Cleanup, error) {
	missing := make(map[string]map[string]bool, len(l.want))
	for src, names := range l.want {
		missing[src] = make(map[string]bool, len(names))
		for name := range names {
			missing[src][name] = true
		}
	}

	var unlink []string
	sources, err := t.listNames(t.path(l.parent))
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		dir := t.path(l.parent, src, l.sub)
		if !t.isDir(dir) {
			continue
		}
		names, err := t.listNames(dir)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			path := t.join(dir, name)
			if !t.isSymlink(path) {
				continue
			}
			if missing[src][name] {
				delete(missing[src], name)
			} else {
				unlink = append(unlink, path)
			}
		}
	}

	created := 0
	srcs := make([]string, 0, len(missing))
	for src := range missing {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	for _, src := range srcs {
		names := make([]string, 0, len(missing[src]))
		for name := range missing[src] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			link := t.path(l.parent, src, l.sub, name)
			if err := t.fs.SymlinkIfPossible(t.path(l.target, name), link); err != nil {
				return nil, fmt.Errorf("failed to link %s: %w", link, err)
			}
			created++
		}
	}
	metrics.RecordStage(backendName, l.stage, created, 0, 0)

	return func() error {
		for _, path := range unlink {
			if err := t.fs.Remove(path); err != nil {
				return fmt.Errorf("failed to unlink %s: %w", path, err)
			}
		}
		metrics.RecordStage(backendName, l.stage, 0, 0, len(unlink))
		return nil
	}, nil
}

// applyHostSubsys links allowed hosts into their subsystems
func (t *Target) applyHostSubsys(rc *render.Context) (Cleanup, error) {
	l := linkSet{stage: "host_subsys", parent: "subsystems", sub: "allowed_hosts", target: "hosts"}
	for _, hs := range rc.HostSubsys {
		l.add(hs.Subsys.SubNQN, hs.Host.HostNQN)
	}
	return t.applyLinks(l)
}

// applyPortSubsys exports subsystems on ports. ANA subsystems are linked
// below the ANA index of the port.
func (t *Target) applyPortSubsys(rc *render.Context) (Cleanup, error) {
	l := linkSet{stage: "port_subsys", parent: "ports", sub: "subsystems", target: "subsystems"}
	for _, ps := range rc.PortSubsys {
		index, ok := rc.PortSubsysIndex(ps.Port, ps.Subsys)
		if !ok {
			continue
		}
		l.add(strconv.Itoa(index), ps.Subsys.SubNQN)
	}
	return t.applyLinks(l)
}
