package spdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// DefaultSocket is the JSON-RPC socket of the SPDK nvmf target
const DefaultSocket = "/var/run/spdk/spdk.sock"

// RPCError is an error returned by the SPDK target
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("spdk error %d: %s", e.Code, e.Message)
}

type request struct {
	Version string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Version string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Client calls the SPDK JSON-RPC server over its UNIX socket
type Client struct {
	socket  string
	timeout time.Duration
	nextID  atomic.Int64
}

// NewClient creates a client for the server listening on socket
func NewClient(socket string) *Client {
	if socket == "" {
		socket = DefaultSocket
	}
	return &Client{socket: socket, timeout: 30 * time.Second}
}

// Socket returns the path of the server socket
func (c *Client) Socket() string {
	return c.socket
}

// Call invokes method with params and decodes the result into result,
// which may be nil
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.socket, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	req := request{Version: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%s: response id %d does not match request id %d", method, resp.ID, req.ID)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
