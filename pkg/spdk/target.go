package spdk

import (
	"context"
	"os/exec"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/truenas/nvmetd/pkg/log"
	"github.com/truenas/nvmetd/pkg/network"
	"github.com/truenas/nvmetd/pkg/render"
)

const (
	// DefaultKeyDir holds the DH-HMAC-CHAP key files handed to the keyring
	DefaultKeyDir = "/var/run/spdk/keys"

	// DefaultSetupScript prepares hugepages and binds NICs for SPDK
	DefaultSetupScript = "/opt/spdk/scripts/setup.sh"

	backendName = "spdk"
)

// Runner runs a host command
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Target renders configuration into an SPDK nvmf target
type Target struct {
	client      *Client
	fs          afero.Fs
	keyDir      string
	setupScript string
	runner      Runner
	interfaces  network.Lister
	clock       clock.Clock
	logger      zerolog.Logger
}

// Option configures a Target
type Option func(*Target)

// WithFs replaces the filesystem holding the socket, the key files and sysfs
func WithFs(fs afero.Fs) Option {
	return func(t *Target) {
		t.fs = fs
	}
}

// WithKeyDir sets the directory key files are written to
func WithKeyDir(dir string) Option {
	return func(t *Target) {
		t.keyDir = dir
	}
}

// WithSetupScript sets the SPDK setup script. An empty path disables setup.
func WithSetupScript(path string) Option {
	return func(t *Target) {
		t.setupScript = path
	}
}

// WithRunner replaces the command runner used for the setup script
func WithRunner(r Runner) Option {
	return func(t *Target) {
		t.runner = r
	}
}

// WithInterfaces replaces the source of network interfaces
func WithInterfaces(l network.Lister) Option {
	return func(t *Target) {
		t.interfaces = l
	}
}

// NewTarget creates an SPDK target driven through client
func NewTarget(client *Client, opts ...Option) *Target {
	t := &Target{
		client:      client,
		fs:          afero.NewOsFs(),
		keyDir:      DefaultKeyDir,
		setupScript: DefaultSetupScript,
		runner:      execRunner{},
		interfaces:  network.NewLinkSource(),
		clock:       clock.WallClock,
		logger:      log.WithBackend(backendName),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name identifies the backend
func (t *Target) Name() string {
	return backendName
}

// Client returns the JSON-RPC client of the target
func (t *Target) Client() *Client {
	return t.client
}

// Active reports whether the SPDK application answers requests. It only
// runs while the target service is started.
func (t *Target) Active(ctx context.Context) bool {
	return t.Ready(ctx, false)
}

// Start prepares the host for the SPDK target
func (t *Target) Start(ctx context.Context, rc *render.Context) error {
	if t.setupScript == "" {
		return nil
	}
	return t.Setup(ctx, rc)
}

// Stop removes every object this package created from the target and
// cleans up files SPDK left behind
func (t *Target) Stop(ctx context.Context) error {
	if err := t.WriteConfig(ctx, render.Build(render.Input{})); err != nil {
		return err
	}
	if t.setupScript == "" {
		return nil
	}
	return t.Cleanup(ctx)
}
