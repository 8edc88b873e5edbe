package kernel

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// configfsSim emulates the nvmet configfs tree on a temporary directory.
// Creating a directory populates its attributes and default groups, and
// removing it behaves like rmdir on configfs.
type configfsSim struct {
	FS
	root string
}

type itemLayout struct {
	attrs  map[string]string
	groups []string
}

var (
	subsysLayout = itemLayout{
		attrs: map[string]string{
			"attr_serial": "", "attr_allow_any_host": "0", "attr_pi_enable": "0",
			"attr_qid_max": "128", "attr_ieee_oui": "0x000000", "attr_cntlid_min": "1",
			"attr_cntlid_max": "65519", "attr_model": "Linux", "attr_firmware": "6.12",
		},
		groups: []string{"namespaces", "allowed_hosts"},
	}
	namespaceLayout = itemLayout{
		attrs: map[string]string{
			"device_uuid": "", "device_nguid": "", "device_path": "", "buffered_io": "0",
			"resv_enable": "0", "ana_grpid": "1", "enable": "0", "revalidate_size": "",
		},
	}
	hostLayout = itemLayout{
		attrs: map[string]string{
			"dhchap_key": "", "dhchap_ctrl_key": "", "dhchap_dhgroup": "null", "dhchap_hash": "hmac(sha256)",
		},
	}
	portLayout = itemLayout{
		attrs: map[string]string{
			"addr_trtype": "", "addr_adrfam": "", "addr_traddr": "", "addr_trsvcid": "",
			"param_inline_data_size": "-1", "param_max_queue_size": "-1", "param_pi_enable": "0",
		},
		groups: []string{"subsystems", "referrals", "ana_groups", "ana_groups/1"},
	}
	referralLayout = itemLayout{
		attrs: map[string]string{
			"addr_trtype": "", "addr_adrfam": "", "addr_traddr": "", "addr_trsvcid": "", "enable": "0",
		},
	}
	anaGroupLayout = itemLayout{
		attrs: map[string]string{"ana_state": "optimized"},
	}
)

func newConfigfsSim(t *testing.T) *configfsSim {
	t.Helper()
	root := filepath.Join(t.TempDir(), "nvmet")
	sim := &configfsSim{FS: afero.NewOsFs().(FS), root: root}
	for _, dir := range []string{"", "hosts", "ports", "subsystems"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0755))
	}
	return sim
}

func (s *configfsSim) layout(path string) (itemLayout, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return itemLayout{}, false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	switch {
	case len(parts) == 2 && parts[0] == "subsystems":
		return subsysLayout, true
	case len(parts) == 4 && parts[0] == "subsystems" && parts[2] == "namespaces":
		return namespaceLayout, true
	case len(parts) == 2 && parts[0] == "hosts":
		return hostLayout, true
	case len(parts) == 2 && parts[0] == "ports":
		return portLayout, true
	case len(parts) == 4 && parts[0] == "ports" && parts[2] == "referrals":
		return referralLayout, true
	case len(parts) == 4 && parts[0] == "ports" && parts[2] == "ana_groups":
		return anaGroupLayout, true
	}
	return itemLayout{}, false
}

func (s *configfsSim) populate(path string, l itemLayout) error {
	for name, value := range l.attrs {
		if err := os.WriteFile(filepath.Join(path, name), []byte(value+"\n"), 0644); err != nil {
			return err
		}
	}
	for _, group := range l.groups {
		if err := os.MkdirAll(filepath.Join(path, group), 0755); err != nil {
			return err
		}
		if sub, ok := s.layout(filepath.Join(path, group)); ok {
			if err := s.populate(filepath.Join(path, group), sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *configfsSim) Mkdir(name string, perm os.FileMode) error {
	if err := s.FS.Mkdir(name, perm); err != nil {
		return err
	}
	if l, ok := s.layout(name); ok {
		return s.populate(name, l)
	}
	return nil
}

// Remove refuses to remove items that still hold user created children
func (s *configfsSim) Remove(name string) error {
	info, err := os.Lstat(name)
	if err != nil || !info.IsDir() {
		return s.FS.Remove(name)
	}
	l, ok := s.layout(name)
	if !ok {
		return s.FS.Remove(name)
	}
	defaults := map[string]bool{}
	for _, g := range l.groups {
		defaults[g] = true
	}
	for _, g := range l.groups {
		entries, err := os.ReadDir(filepath.Join(name, g))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				continue
			}
			if !defaults[g+"/"+e.Name()] {
				return &os.PathError{Op: "rmdir", Path: name, Err: syscall.ENOTEMPTY}
			}
		}
	}
	return os.RemoveAll(name)
}

func (s *configfsSim) read(t *testing.T, elem ...string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(append([]string{s.root}, elem...)...))
	require.NoError(t, err)
	return strings.TrimSuffix(string(data), "\n")
}

func (s *configfsSim) exists(elem ...string) bool {
	_, err := os.Lstat(filepath.Join(append([]string{s.root}, elem...)...))
	return err == nil
}

func (s *configfsSim) names(t *testing.T, elem ...string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(append([]string{s.root}, elem...)...))
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}
