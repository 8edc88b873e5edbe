package spdk

import "context"

// ListenAddress is the transport address of a listener or referral
type ListenAddress struct {
	Trtype  string `json:"trtype"`
	Adrfam  string `json:"adrfam,omitempty"`
	Traddr  string `json:"traddr"`
	Trsvcid string `json:"trsvcid,omitempty"`
}

// Subsystem is an NVMe-oF subsystem as reported by nvmf_get_subsystems
type Subsystem struct {
	NQN             string          `json:"nqn"`
	Subtype         string          `json:"subtype"`
	ListenAddresses []ListenAddress `json:"listen_addresses"`
	AllowAnyHost    bool            `json:"allow_any_host"`
	Hosts           []SubsystemHost `json:"hosts"`
	SerialNumber    string          `json:"serial_number,omitempty"`
	ModelNumber     string          `json:"model_number,omitempty"`
	Namespaces      []Namespace     `json:"namespaces,omitempty"`
}

// SubsystemHost is a host allowed to connect to a subsystem
type SubsystemHost struct {
	NQN            string `json:"nqn"`
	DHChapKey      string `json:"dhchap_key,omitempty"`
	DHChapCtrlrKey string `json:"dhchap_ctrlr_key,omitempty"`
}

// Namespace is a namespace of a subsystem
type Namespace struct {
	NSID     int    `json:"nsid,omitempty"`
	BdevName string `json:"bdev_name"`
	UUID     string `json:"uuid,omitempty"`
	NGUID    string `json:"nguid,omitempty"`
	ANAGrpID int    `json:"anagrpid,omitempty"`
}

// Transport is an initialized nvmf transport
type Transport struct {
	Trtype string `json:"trtype"`
}

// ANAState is the state of one ANA group on a listener
type ANAState struct {
	ANAGroup int    `json:"ana_group"`
	ANAState string `json:"ana_state"`
}

// Listener is a listener of a subsystem
type Listener struct {
	Address   ListenAddress `json:"address"`
	ANAStates []ANAState    `json:"ana_states"`
}

// Referral is a discovery referral
type Referral struct {
	Address ListenAddress `json:"address"`
}

// Key is a keyring entry
type Key struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Bdev is a block device
type Bdev struct {
	Name           string         `json:"name"`
	ProductName    string         `json:"product_name"`
	BlockSize      int            `json:"block_size"`
	NumBlocks      int64          `json:"num_blocks"`
	DriverSpecific DriverSpecific `json:"driver_specific"`
}

// DriverSpecific holds the backing file of uring and aio bdevs
type DriverSpecific struct {
	Uring *FileBacking `json:"uring,omitempty"`
	AIO   *FileBacking `json:"aio,omitempty"`
}

// FileBacking names the file behind a bdev
type FileBacking struct {
	Filename string `json:"filename"`
}

// QPair is a connected queue pair
type QPair struct {
	CntlID        int           `json:"cntlid"`
	State         string        `json:"state"`
	Thread        string        `json:"thread"`
	HostNQN       string        `json:"hostnqn"`
	ListenAddress ListenAddress `json:"listen_address"`
	PeerAddress   ListenAddress `json:"peer_address"`
}

// Bdev product names
const (
	ProductUring = "URING bdev"
	ProductAIO   = "AIO disk"
	ProductNull  = "Null disk"
)

// CreateSubsystemParams are the parameters of nvmf_create_subsystem
type CreateSubsystemParams struct {
	NQN          string `json:"nqn"`
	SerialNumber string `json:"serial_number,omitempty"`
	ModelNumber  string `json:"model_number,omitempty"`
	AllowAnyHost bool   `json:"allow_any_host"`
	MinCntlID    int    `json:"min_cntlid,omitempty"`
	MaxCntlID    int    `json:"max_cntlid,omitempty"`
	ANAReporting bool   `json:"ana_reporting,omitempty"`
}

// AddHostParams are the parameters of nvmf_subsystem_add_host
type AddHostParams struct {
	NQN            string `json:"nqn"`
	Host           string `json:"host"`
	DHChapKey      string `json:"dhchap_key,omitempty"`
	DHChapCtrlrKey string `json:"dhchap_ctrlr_key,omitempty"`
	MinCntlID      int    `json:"min_cntlid,omitempty"`
	MaxCntlID      int    `json:"max_cntlid,omitempty"`
}

type nqnParams struct {
	NQN string `json:"nqn"`
}

type listenerParams struct {
	NQN           string        `json:"nqn"`
	ListenAddress ListenAddress `json:"listen_address"`
	ANAState      string        `json:"ana_state,omitempty"`
	ANAGrpID      int           `json:"anagrpid,omitempty"`
}

type nameParams struct {
	Name string `json:"name"`
}

// FrameworkWaitInit returns once the SPDK subsystems are initialized
func (c *Client) FrameworkWaitInit(ctx context.Context) error {
	return c.Call(ctx, "framework_wait_init", nil, nil)
}

// GetSubsystems lists every subsystem, the discovery subsystem included
func (c *Client) GetSubsystems(ctx context.Context) ([]Subsystem, error) {
	var out []Subsystem
	if err := c.Call(ctx, "nvmf_get_subsystems", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSubsystem creates a subsystem
func (c *Client) CreateSubsystem(ctx context.Context, p CreateSubsystemParams) error {
	return c.Call(ctx, "nvmf_create_subsystem", p, nil)
}

// DeleteSubsystem deletes a subsystem
func (c *Client) DeleteSubsystem(ctx context.Context, nqn string) error {
	return c.Call(ctx, "nvmf_delete_subsystem", nqnParams{NQN: nqn}, nil)
}

// SubsystemAllowAnyHost sets whether any host may connect to a subsystem
func (c *Client) SubsystemAllowAnyHost(ctx context.Context, nqn string, allow bool) error {
	params := struct {
		NQN          string `json:"nqn"`
		AllowAnyHost bool   `json:"allow_any_host"`
	}{nqn, allow}
	return c.Call(ctx, "nvmf_subsystem_allow_any_host", params, nil)
}

// GetTransports lists the initialized transports
func (c *Client) GetTransports(ctx context.Context) ([]Transport, error) {
	var out []Transport
	if err := c.Call(ctx, "nvmf_get_transports", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTransport initializes a transport
func (c *Client) CreateTransport(ctx context.Context, trtype string) error {
	return c.Call(ctx, "nvmf_create_transport", Transport{Trtype: trtype}, nil)
}

// AddListener adds a listener to a subsystem
func (c *Client) AddListener(ctx context.Context, nqn string, addr ListenAddress) error {
	return c.Call(ctx, "nvmf_subsystem_add_listener", listenerParams{NQN: nqn, ListenAddress: addr}, nil)
}

// RemoveListener removes a listener from a subsystem
func (c *Client) RemoveListener(ctx context.Context, nqn string, addr ListenAddress) error {
	return c.Call(ctx, "nvmf_subsystem_remove_listener", listenerParams{NQN: nqn, ListenAddress: addr}, nil)
}

// GetListeners lists the listeners of a subsystem
func (c *Client) GetListeners(ctx context.Context, nqn string) ([]Listener, error) {
	var out []Listener
	if err := c.Call(ctx, "nvmf_subsystem_get_listeners", nqnParams{NQN: nqn}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetListenerANAState sets the state of an ANA group on a listener
func (c *Client) SetListenerANAState(ctx context.Context, nqn string, addr ListenAddress, state string, grpID int) error {
	params := listenerParams{NQN: nqn, ListenAddress: addr, ANAState: state, ANAGrpID: grpID}
	return c.Call(ctx, "nvmf_subsystem_listener_set_ana_state", params, nil)
}

// AddReferral adds a discovery referral
func (c *Client) AddReferral(ctx context.Context, addr ListenAddress) error {
	return c.Call(ctx, "nvmf_discovery_add_referral", Referral{Address: addr}, nil)
}

// RemoveReferral removes a discovery referral
func (c *Client) RemoveReferral(ctx context.Context, addr ListenAddress) error {
	return c.Call(ctx, "nvmf_discovery_remove_referral", Referral{Address: addr}, nil)
}

// GetReferrals lists the discovery referrals
func (c *Client) GetReferrals(ctx context.Context) ([]Referral, error) {
	var out []Referral
	if err := c.Call(ctx, "nvmf_discovery_get_referrals", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddHost allows a host to connect to a subsystem
func (c *Client) AddHost(ctx context.Context, p AddHostParams) error {
	return c.Call(ctx, "nvmf_subsystem_add_host", p, nil)
}

// RemoveHost revokes access of a host to a subsystem
func (c *Client) RemoveHost(ctx context.Context, nqn, host string) error {
	params := struct {
		NQN  string `json:"nqn"`
		Host string `json:"host"`
	}{nqn, host}
	return c.Call(ctx, "nvmf_subsystem_remove_host", params, nil)
}

// GetKeys lists the keyring
func (c *Client) GetKeys(ctx context.Context) ([]Key, error) {
	var out []Key
	if err := c.Call(ctx, "keyring_get_keys", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddKeyFile adds a key stored in a file to the keyring
func (c *Client) AddKeyFile(ctx context.Context, name, path string) error {
	return c.Call(ctx, "keyring_file_add_key", Key{Name: name, Path: path}, nil)
}

// RemoveKeyFile removes a file key from the keyring
func (c *Client) RemoveKeyFile(ctx context.Context, name string) error {
	return c.Call(ctx, "keyring_file_remove_key", nameParams{Name: name}, nil)
}

// GetBdevs lists every block device
func (c *Client) GetBdevs(ctx context.Context) ([]Bdev, error) {
	var out []Bdev
	if err := c.Call(ctx, "bdev_get_bdevs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateUringBdev creates an io_uring bdev over a block device
func (c *Client) CreateUringBdev(ctx context.Context, name, filename string) error {
	params := struct {
		Name     string `json:"name"`
		Filename string `json:"filename"`
	}{name, filename}
	return c.Call(ctx, "bdev_uring_create", params, nil)
}

// DeleteUringBdev deletes an io_uring bdev
func (c *Client) DeleteUringBdev(ctx context.Context, name string) error {
	return c.Call(ctx, "bdev_uring_delete", nameParams{Name: name}, nil)
}

// CreateAIOBdev creates an AIO bdev over a file
func (c *Client) CreateAIOBdev(ctx context.Context, name, filename string, blockSize int) error {
	params := struct {
		Name      string `json:"name"`
		Filename  string `json:"filename"`
		BlockSize int    `json:"block_size,omitempty"`
	}{name, filename, blockSize}
	return c.Call(ctx, "bdev_aio_create", params, nil)
}

// DeleteAIOBdev deletes an AIO bdev
func (c *Client) DeleteAIOBdev(ctx context.Context, name string) error {
	return c.Call(ctx, "bdev_aio_delete", nameParams{Name: name}, nil)
}

// CreateNullBdev creates a bdev that discards I/O
func (c *Client) CreateNullBdev(ctx context.Context, name string, blockSize int, numBlocks int64) error {
	params := struct {
		Name      string `json:"name"`
		BlockSize int    `json:"block_size"`
		NumBlocks int64  `json:"num_blocks"`
	}{name, blockSize, numBlocks}
	return c.Call(ctx, "bdev_null_create", params, nil)
}

// DeleteNullBdev deletes a null bdev
func (c *Client) DeleteNullBdev(ctx context.Context, name string) error {
	return c.Call(ctx, "bdev_null_delete", nameParams{Name: name}, nil)
}

// AddNamespace attaches a bdev to a subsystem as a namespace
func (c *Client) AddNamespace(ctx context.Context, nqn string, ns Namespace) error {
	params := struct {
		NQN       string    `json:"nqn"`
		Namespace Namespace `json:"namespace"`
	}{nqn, ns}
	return c.Call(ctx, "nvmf_subsystem_add_ns", params, nil)
}

// RemoveNamespace detaches a namespace from a subsystem
func (c *Client) RemoveNamespace(ctx context.Context, nqn string, nsid int) error {
	params := struct {
		NQN  string `json:"nqn"`
		NSID int    `json:"nsid"`
	}{nqn, nsid}
	return c.Call(ctx, "nvmf_subsystem_remove_ns", params, nil)
}

// GetQPairs lists the queue pairs connected to a subsystem
func (c *Client) GetQPairs(ctx context.Context, nqn string) ([]QPair, error) {
	var out []QPair
	if err := c.Call(ctx, "nvmf_subsystem_get_qpairs", nqnParams{NQN: nqn}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
