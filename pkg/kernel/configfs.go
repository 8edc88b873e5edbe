package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// attr is a configfs attribute and the value it should hold
type attr struct {
	name  string
	value string
}

// attrs is an ordered attribute list. configfs enforces ordering between
// some attributes (device_path before enable), so a map will not do.
type attrs []attr

func (a *attrs) set(name, value string) {
	*a = append(*a, attr{name: name, value: value})
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// valuesMatch compares a live attribute with a desired one. Empty live
// values match a desired "\x00", which is how keys are cleared.
func valuesMatch(live, desired string) bool {
	return live == desired || (live == "" && desired == "\x00")
}

func (t *Target) path(elem ...string) string {
	return filepath.Join(append([]string{t.root}, elem...)...)
}

func (t *Target) exists(path string) bool {
	ok, _ := afero.Exists(t.fs, path)
	return ok
}

func (t *Target) isDir(path string) bool {
	ok, _ := afero.DirExists(t.fs, path)
	return ok
}

// listNames returns the sorted entry names of a configfs directory
func (t *Target) listNames(dir string) ([]string, error) {
	infos, err := afero.ReadDir(t.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (t *Target) mkdir(path string) error {
	if err := t.fs.Mkdir(path, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}

func (t *Target) rmdir(path string) error {
	if err := t.fs.Remove(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (t *Target) readAttr(path string) (string, error) {
	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// writeAttr writes value to an existing attribute. Attributes are created
// by the kernel; they are never created here.
func (t *Target) writeAttr(path, value string) error {
	f, err := t.fs.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.WriteString(value + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// setAttrs writes every attribute of a newly created directory. The kernel
// populates new directories asynchronously, so missing attributes are
// waited for. retries is shared by all directories of a stage and the
// remaining budget is returned.
func (t *Target) setAttrs(dir string, list attrs, retries int) (int, error) {
	for _, a := range list {
		p := filepath.Join(dir, a.name)
		for !t.exists(p) && retries > 0 {
			t.sleep(t.retryDelay)
			retries--
		}
		if err := t.writeAttr(p, a.value); err != nil {
			return retries, err
		}
	}
	return retries, nil
}

// updateAttrs writes the attributes of an existing directory whose live
// value differs. It reports whether anything was written.
func (t *Target) updateAttrs(dir string, list attrs) (bool, error) {
	changed := false
	for _, a := range list {
		p := filepath.Join(dir, a.name)
		cur, err := t.readAttr(p)
		if err != nil {
			return changed, err
		}
		if valuesMatch(cur, a.value) {
			continue
		}
		t.logger.Debug().Str("attr", p).Str("old", cur).Str("new", a.value).Msg("Updating attribute")
		if err := t.writeAttr(p, a.value); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// diffKeys splits keys into those to add, remove and update, each sorted
func diffKeys[V any](config map[string]V, live []string) (add, remove, update []string) {
	liveSet := make(map[string]bool, len(live))
	for _, k := range live {
		liveSet[k] = true
		if _, ok := config[k]; !ok {
			remove = append(remove, k)
		}
	}
	for k := range config {
		if liveSet[k] {
			update = append(update, k)
		} else {
			add = append(add, k)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)
	sort.Strings(update)
	return add, remove, update
}
