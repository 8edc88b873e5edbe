package kernel

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/truenas/nvmetd/pkg/log"
	"github.com/truenas/nvmetd/pkg/metrics"
	"github.com/truenas/nvmetd/pkg/render"
)

const (
	// DefaultConfigDir is the nvmet configfs root
	DefaultConfigDir = "/sys/kernel/config/nvmet"

	backendName = "kernel"
)

// FS is the filesystem configfs is reached through. It must support
// symbolic links, which carry the host and port links.
type FS interface {
	afero.Fs
	afero.Symlinker
}

// Runner runs a host command
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Cleanup performs the deletions of a stage once every later stage has
// cleaned up
type Cleanup func() error

// stage converges one kind of configfs object. apply creates and updates,
// the returned Cleanup deletes.
type stage struct {
	name  string
	apply func(rc *render.Context) (Cleanup, error)
}

// Target renders configuration into the Linux kernel NVMe target
type Target struct {
	fs         FS
	root       string
	retries    int
	retryDelay time.Duration
	sleep      func(time.Duration)
	runner     Runner
	modules    bool
	logger     zerolog.Logger
}

// Option configures a Target
type Option func(*Target)

// WithRetries sets the attribute wait budget of a stage and the delay
// between attempts
func WithRetries(retries int, delay time.Duration) Option {
	return func(t *Target) {
		t.retries = retries
		t.retryDelay = delay
	}
}

// WithRunner replaces the command runner used for module management
func WithRunner(r Runner) Option {
	return func(t *Target) {
		t.runner = r
	}
}

// WithModuleLoading controls whether Start and Stop load and unload the
// target modules
func WithModuleLoading(enabled bool) Option {
	return func(t *Target) {
		t.modules = enabled
	}
}

// NewTarget creates a kernel target rooted at root on fs
func NewTarget(fs FS, root string, opts ...Option) *Target {
	t := &Target{
		fs:         fs,
		root:       root,
		retries:    10,
		retryDelay: time.Second,
		sleep:      time.Sleep,
		runner:     execRunner{},
		modules:    true,
		logger:     log.WithBackend(backendName),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewHostTarget creates a kernel target on the host configfs
func NewHostTarget(root string, opts ...Option) *Target {
	if root == "" {
		root = DefaultConfigDir
	}
	return NewTarget(afero.NewOsFs().(FS), root, opts...)
}

// Name identifies the backend
func (t *Target) Name() string {
	return backendName
}

func (t *Target) stages() []stage {
	return []stage{
		{"subsystems", t.applySubsystems},
		{"hosts", t.applyHosts},
		{"ports", t.applyPorts},
		{"referrals", t.referralStage(false)},
		{"ana_referrals", t.referralStage(true)},
		{"host_subsys", t.applyHostSubsys},
		{"port_subsys", t.applyPortSubsys},
		{"namespaces", t.applyNamespaces},
	}
}

// WriteConfig converges configfs onto rc. Stages create and update in
// order, then delete in reverse order so that nothing is removed while
// still referenced. A failing stage aborts the render before any deletion.
// Nothing is done while the nvmet module is not loaded.
func (t *Target) WriteConfig(ctx context.Context, rc *render.Context) error {
	if !t.ModuleLoaded() {
		t.logger.Debug().Str("root", t.root).Msg("nvmet configfs not present, skipping render")
		return nil
	}

	timer := metrics.NewTimer()
	stages := t.stages()
	cleanups := make([]Cleanup, 0, len(stages))

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		cleanup, err := st.apply(rc)
		if err != nil {
			metrics.RenderErrorsTotal.WithLabelValues(backendName).Inc()
			return fmt.Errorf("failed to render %s: %w", st.name, err)
		}
		cleanups = append(cleanups, cleanup)
	}

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			metrics.RenderErrorsTotal.WithLabelValues(backendName).Inc()
			return fmt.Errorf("failed to clean up %s: %w", stages[i].name, err)
		}
	}

	timer.ObserveDurationVec(metrics.RenderDuration, backendName)
	t.logger.Debug().Dur("duration", timer.Duration()).Msg("Configuration rendered")
	return nil
}

// ModuleLoaded reports whether the nvmet configfs tree exists
func (t *Target) ModuleLoaded() bool {
	return t.isDir(t.root)
}

// Active reports whether the target exports subsystems, which is the case
// when an earlier daemon started it
func (t *Target) Active(_ context.Context) bool {
	if !t.ModuleLoaded() {
		return false
	}
	names, err := t.listNames(t.path("subsystems"))
	return err == nil && len(names) > 0
}

// LoadModules loads kernel modules with a single modprobe
func (t *Target) LoadModules(ctx context.Context, modules ...string) error {
	if len(modules) == 0 {
		return nil
	}
	out, err := t.runner.Run(ctx, "modprobe", append([]string{"-a"}, modules...)...)
	if err != nil {
		return fmt.Errorf("failed to load modules %v: %w: %s", modules, err, out)
	}
	return nil
}

// UnloadModule removes a kernel module. Failures are logged, since a module
// in use by another consumer is expected to stay loaded.
func (t *Target) UnloadModule(ctx context.Context, module string) {
	if out, err := t.runner.Run(ctx, "rmmod", module); err != nil {
		t.logger.Debug().Err(err).Str("module", module).Bytes("output", out).Msg("Module not unloaded")
	}
}

// Modules returns the modules needed for the configured transports
func Modules(rdma bool) []string {
	mods := []string{"nvmet", "nvmet-tcp"}
	if rdma {
		mods = append(mods, "nvmet-rdma")
	}
	return mods
}

// Start loads the target modules
func (t *Target) Start(ctx context.Context, rc *render.Context) error {
	if !t.modules {
		return nil
	}
	return t.LoadModules(ctx, Modules(rc.Global.RDMA)...)
}

// Stop removes every configfs object and unloads the transport modules
func (t *Target) Stop(ctx context.Context) error {
	if err := t.ClearConfig(); err != nil {
		return err
	}
	if !t.modules {
		return nil
	}
	for _, mod := range []string{"nvmet-rdma", "nvmet-tcp"} {
		t.UnloadModule(ctx, mod)
	}
	return nil
}

// ClearConfig removes every port, subsystem and host from configfs
func (t *Target) ClearConfig() error {
	if !t.ModuleLoaded() {
		return nil
	}

	ports, err := t.listNames(t.path("ports"))
	if err != nil {
		return err
	}
	for _, port := range ports {
		if err := t.removeChildren(t.path("ports", port, "subsystems"), nil); err != nil {
			return err
		}
		if err := t.removeChildren(t.path("ports", port, "referrals"), nil); err != nil {
			return err
		}
		if err := t.removeChildren(t.path("ports", port, "ana_groups"), func(name string) bool { return name != "1" }); err != nil {
			return err
		}
		if err := t.rmdir(t.path("ports", port)); err != nil {
			return err
		}
	}

	subsystems, err := t.listNames(t.path("subsystems"))
	if err != nil {
		return err
	}
	for _, subsys := range subsystems {
		if err := t.removeChildren(t.path("subsystems", subsys, "allowed_hosts"), nil); err != nil {
			return err
		}
		if err := t.removeChildren(t.path("subsystems", subsys, "namespaces"), nil); err != nil {
			return err
		}
		if err := t.rmdir(t.path("subsystems", subsys)); err != nil {
			return err
		}
	}

	return t.removeChildren(t.path("hosts"), nil)
}

// removeChildren removes the entries of dir matching the filter, or all
// entries when filter is nil
func (t *Target) removeChildren(dir string, filter func(name string) bool) error {
	names, err := t.listNames(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if filter != nil && !filter(name) {
			continue
		}
		if err := t.rmdir(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
