package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/truenas/nvmetd/pkg/api"
	"github.com/truenas/nvmetd/pkg/manager"
	"github.com/truenas/nvmetd/pkg/reconciler"
	"github.com/truenas/nvmetd/pkg/types"
)

// DefaultTimeout bounds every request. Starting the SPDK target waits for
// the application to initialize, hence the generous value.
const DefaultTimeout = 2 * time.Minute

// Client talks to the nvmetd REST API
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a client for addr. A "host:port" address uses TCP; a
// path (or "unix://path") uses the daemon's read-only UNIX socket.
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("address is required")
	}

	c := &Client{
		http:    &http.Client{},
		timeout: DefaultTimeout,
	}

	socket := strings.TrimPrefix(addr, "unix://")
	switch {
	case strings.HasPrefix(socket, "/"):
		c.baseURL = "http://nvmetd"
		c.http.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		}
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		c.baseURL = strings.TrimSuffix(addr, "/")
	default:
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		c.baseURL = "http://" + addr
	}
	return c, nil
}

// SetTimeout changes the per-request timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Error is a failed API request
type Error struct {
	StatusCode int
	Message    string
	Errors     []manager.ValidationError
}

func (e *Error) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
	}
	lines := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		lines[i] = v.Error()
	}
	return strings.Join(lines, "\n")
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach nvmetd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			errResp.Error = resp.Status
		}
		return &Error{StatusCode: resp.StatusCode, Message: errResp.Error, Errors: errResp.Errors}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func get[T any](c *Client, path string, query url.Values) (T, error) {
	var out T
	err := c.do(http.MethodGet, path, query, nil, &out)
	return out, err
}

func send[T any](c *Client, method, path string, body any) (*T, error) {
	out := new(T)
	if err := c.do(method, path, nil, body, out); err != nil {
		return nil, err
	}
	return out, nil
}

func resourcePath(kind string, id int) string {
	return api.Prefix + "/" + kind + "/" + strconv.Itoa(id)
}

func flag(name string, set bool) url.Values {
	if !set {
		return nil
	}
	return url.Values{name: []string{"true"}}
}

// Global

// GetGlobal returns the global target configuration
func (c *Client) GetGlobal() (*types.GlobalConfig, error) {
	return get[*types.GlobalConfig](c, api.Prefix+"/global", nil)
}

// UpdateGlobal replaces the global configuration
func (c *Client) UpdateGlobal(cfg *types.GlobalConfig) (*types.GlobalConfig, error) {
	return send[types.GlobalConfig](c, http.MethodPut, api.Prefix+"/global", cfg)
}

// ANAActive reports whether any subsystem uses ANA
func (c *Client) ANAActive() (bool, error) {
	return get[bool](c, api.Prefix+"/global/ana_active", nil)
}

// Running reports whether the target service is running
func (c *Client) Running() (bool, error) {
	return get[bool](c, api.Prefix+"/global/running", nil)
}

// Hosts

// ListHosts lists all hosts
func (c *Client) ListHosts() ([]*types.Host, error) {
	return get[[]*types.Host](c, api.Prefix+"/host", nil)
}

// GetHost gets a host by ID
func (c *Client) GetHost(id int) (*types.Host, error) {
	return get[*types.Host](c, resourcePath("host", id), nil)
}

// CreateHost creates a host
func (c *Client) CreateHost(h *types.Host) (*types.Host, error) {
	return send[types.Host](c, http.MethodPost, api.Prefix+"/host", h)
}

// UpdateHost updates a host
func (c *Client) UpdateHost(h *types.Host) (*types.Host, error) {
	return send[types.Host](c, http.MethodPut, resourcePath("host", h.ID), h)
}

// DeleteHost deletes a host. With force its subsystem links go too.
func (c *Client) DeleteHost(id int, force bool) error {
	return c.do(http.MethodDelete, resourcePath("host", id), flag("force", force), nil, nil)
}

// GenerateKey asks the daemon for a new DH-HMAC-CHAP secret
func (c *Client) GenerateKey(hash types.DHChapHash, hostnqn string) (string, error) {
	resp, err := send[api.GenerateKeyResponse](c, http.MethodPost, api.Prefix+"/host/generate_key",
		api.GenerateKeyRequest{DHChapHash: hash, HostNQN: hostnqn})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

// Ports

// ListPorts lists all ports
func (c *Client) ListPorts() ([]*types.Port, error) {
	return get[[]*types.Port](c, api.Prefix+"/port", nil)
}

// GetPort gets a port by ID
func (c *Client) GetPort(id int) (*types.Port, error) {
	return get[*types.Port](c, resourcePath("port", id), nil)
}

// CreatePort creates a port
func (c *Client) CreatePort(p *types.Port) (*types.Port, error) {
	return send[types.Port](c, http.MethodPost, api.Prefix+"/port", p)
}

// UpdatePort updates a port
func (c *Client) UpdatePort(p *types.Port) (*types.Port, error) {
	return send[types.Port](c, http.MethodPut, resourcePath("port", p.ID), p)
}

// DeletePort deletes a port. With force its subsystem links go too.
func (c *Client) DeletePort(id int, force bool) error {
	return c.do(http.MethodDelete, resourcePath("port", id), flag("force", force), nil, nil)
}

// TransportAddressChoices lists the addresses a port of trtype may use
func (c *Client) TransportAddressChoices(trtype types.Trtype) (map[string]string, error) {
	return get[map[string]string](c, api.Prefix+"/port/transport_address_choices",
		url.Values{"addr_trtype": []string{string(trtype)}})
}

// Subsystems

// ListSubsystems lists all subsystems
func (c *Client) ListSubsystems() ([]*types.Subsystem, error) {
	return get[[]*types.Subsystem](c, api.Prefix+"/subsys", nil)
}

// ListSubsystemDetails lists subsystems with the IDs attached to them
func (c *Client) ListSubsystemDetails() ([]*types.SubsystemDetail, error) {
	return get[[]*types.SubsystemDetail](c, api.Prefix+"/subsys", flag("verbose", true))
}

// GetSubsystem gets a subsystem by ID
func (c *Client) GetSubsystem(id int) (*types.Subsystem, error) {
	return get[*types.Subsystem](c, resourcePath("subsys", id), nil)
}

// CreateSubsystem creates a subsystem
func (c *Client) CreateSubsystem(s *types.Subsystem) (*types.Subsystem, error) {
	return send[types.Subsystem](c, http.MethodPost, api.Prefix+"/subsys", s)
}

// UpdateSubsystem updates a subsystem
func (c *Client) UpdateSubsystem(s *types.Subsystem) (*types.Subsystem, error) {
	return send[types.Subsystem](c, http.MethodPut, resourcePath("subsys", s.ID), s)
}

// DeleteSubsystem deletes a subsystem. With force its namespaces go too.
func (c *Client) DeleteSubsystem(id int, force bool) error {
	return c.do(http.MethodDelete, resourcePath("subsys", id), flag("force", force), nil, nil)
}

// Links

// ListHostSubsys lists host to subsystem links
func (c *Client) ListHostSubsys() ([]*types.HostSubsys, error) {
	return get[[]*types.HostSubsys](c, api.Prefix+"/host_subsys", nil)
}

// CreateHostSubsys allows a host to connect to a subsystem
func (c *Client) CreateHostSubsys(hostID, subsysID int) (*types.HostSubsys, error) {
	return send[types.HostSubsys](c, http.MethodPost, api.Prefix+"/host_subsys",
		types.HostSubsys{HostID: hostID, SubsysID: subsysID})
}

// DeleteHostSubsys removes a host to subsystem link
func (c *Client) DeleteHostSubsys(id int) error {
	return c.do(http.MethodDelete, resourcePath("host_subsys", id), nil, nil, nil)
}

// ListPortSubsys lists port to subsystem links
func (c *Client) ListPortSubsys() ([]*types.PortSubsys, error) {
	return get[[]*types.PortSubsys](c, api.Prefix+"/port_subsys", nil)
}

// CreatePortSubsys exposes a subsystem on a port
func (c *Client) CreatePortSubsys(portID, subsysID int) (*types.PortSubsys, error) {
	return send[types.PortSubsys](c, http.MethodPost, api.Prefix+"/port_subsys",
		types.PortSubsys{PortID: portID, SubsysID: subsysID})
}

// DeletePortSubsys removes a port to subsystem link
func (c *Client) DeletePortSubsys(id int) error {
	return c.do(http.MethodDelete, resourcePath("port_subsys", id), nil, nil, nil)
}

// Namespaces

// ListNamespaces lists all namespaces
func (c *Client) ListNamespaces() ([]*types.Namespace, error) {
	return get[[]*types.Namespace](c, api.Prefix+"/namespace", nil)
}

// GetNamespace gets a namespace by ID
func (c *Client) GetNamespace(id int) (*types.Namespace, error) {
	return get[*types.Namespace](c, resourcePath("namespace", id), nil)
}

// CreateNamespace creates a namespace
func (c *Client) CreateNamespace(ns *types.Namespace) (*types.Namespace, error) {
	return send[types.Namespace](c, http.MethodPost, api.Prefix+"/namespace", ns)
}

// UpdateNamespace updates a namespace
func (c *Client) UpdateNamespace(ns *types.Namespace) (*types.Namespace, error) {
	return send[types.Namespace](c, http.MethodPut, resourcePath("namespace", ns.ID), ns)
}

// DeleteNamespace deletes a namespace. With remove a FILE namespace's
// backing file is deleted too.
func (c *Client) DeleteNamespace(id int, remove bool) error {
	return c.do(http.MethodDelete, resourcePath("namespace", id), flag("remove", remove), nil, nil)
}

// LockNamespace marks the dataset behind a namespace as locked
func (c *Client) LockNamespace(id int) (*types.Namespace, error) {
	return send[types.Namespace](c, http.MethodPost, resourcePath("namespace", id)+"/lock", nil)
}

// UnlockNamespace clears the lock of a namespace
func (c *Client) UnlockNamespace(id int) (*types.Namespace, error) {
	return send[types.Namespace](c, http.MethodPost, resourcePath("namespace", id)+"/unlock", nil)
}

// ResizeNamespace tells the target a namespace's backing device grew
func (c *Client) ResizeNamespace(id int) (*types.Namespace, error) {
	return send[types.Namespace](c, http.MethodPost, resourcePath("namespace", id)+"/resize", nil)
}

// Failover and service

// GetFailover returns the HA state of the controller
func (c *Client) GetFailover() (*types.FailoverState, error) {
	return get[*types.FailoverState](c, api.Prefix+"/failover", nil)
}

// SetFailover records a change of the HA state
func (c *Client) SetFailover(state types.FailoverState) (*types.FailoverState, error) {
	return send[types.FailoverState](c, http.MethodPut, api.Prefix+"/failover", state)
}

// ServiceStatus returns the state of the target service
func (c *Client) ServiceStatus() (*reconciler.Status, error) {
	return get[*reconciler.Status](c, api.Prefix+"/service", nil)
}

// ServiceAction starts, stops, restarts or reloads the target service
func (c *Client) ServiceAction(action string) (*reconciler.Status, error) {
	switch action {
	case "start", "stop", "restart", "reload":
	default:
		return nil, fmt.Errorf("unknown service action %q", action)
	}
	return send[reconciler.Status](c, http.MethodPost, api.Prefix+"/service/"+action, nil)
}

// Ready returns the readiness report of the daemon
func (c *Client) Ready() (*api.ReadyResponse, error) {
	return get[*api.ReadyResponse](c, "/ready", nil)
}
