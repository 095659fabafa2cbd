package vaultrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/agent-gate/agentgate-go/internal/vault"
)

// ErrVaultUnavailable is returned when the socket cannot be reached or the
// server reports a vault failure. The proxies map it to 503.
var ErrVaultUnavailable = errors.New("vaultrpc: vault unavailable")

// ErrNotFound mirrors vault.ErrNotFound across the socket boundary.
var ErrNotFound = errors.New("vaultrpc: not found")

// Client talks to the vault server over its unix socket. Each call uses a
// fresh connection; the socket is local so setup cost is negligible and it
// keeps the client free of pool state.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient creates a client for the socket at path.
func NewClient(socketPath string) *Client {
	return &Client{path: socketPath, timeout: CallTimeout}
}

// call performs one request/response exchange with the default timeout.
func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	return c.callWithin(ctx, req, c.timeout)
}

func (c *Client) callWithin(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	if err := writeFrame(conn, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}

	var resp Response
	if err := readFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	if !resp.OK {
		switch resp.Error {
		case "not found":
			return nil, ErrNotFound
		case "vault unavailable":
			return nil, ErrVaultUnavailable
		default:
			return nil, fmt.Errorf("vaultrpc: %s", resp.Error)
		}
	}
	return &resp, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, &Request{Op: OpPing})
	return err
}

// Get fetches the full entry for (protocol, target).
func (c *Client) Get(ctx context.Context, protocol, target string) (*vault.Entry, error) {
	resp, err := c.call(ctx, &Request{Op: OpGet, Protocol: protocol, Target: target})
	if err != nil {
		return nil, err
	}
	if resp.Entry == nil {
		return nil, ErrNotFound
	}
	return resp.Entry, nil
}

// List fetches metadata-only entries, optionally filtered by protocol.
func (c *Client) List(ctx context.Context, protocol string) ([]vault.ListEntry, error) {
	resp, err := c.call(ctx, &Request{Op: OpList, Protocol: protocol})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Store writes an entry.
func (c *Client) Store(ctx context.Context, protocol, target string, cred vault.Credential, opts vault.StoreOptions) error {
	_, err := c.call(ctx, &Request{
		Op:                 OpStore,
		Protocol:           protocol,
		Target:             target,
		Credential:         &cred,
		Label:              opts.Label,
		AllowedPaths:       opts.AllowedPaths,
		RateLimitPerMinute: opts.RateLimitPerMinute,
	})
	return err
}

// Delete removes an entry.
func (c *Client) Delete(ctx context.Context, protocol, target string) error {
	_, err := c.call(ctx, &Request{Op: OpDelete, Protocol: protocol, Target: target})
	return err
}

// GetToken resolves an OAuth access token for target, refreshing if needed.
// A refresh can take a full upstream round trip, so this call gets a wider
// window than the metadata ops.
func (c *Client) GetToken(ctx context.Context, target string) (string, error) {
	resp, err := c.callWithin(ctx, &Request{Op: OpGetToken, Target: target}, TokenCallTimeout)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// GetSecret fetches an opaque blob by name.
func (c *Client) GetSecret(ctx context.Context, name string) (string, error) {
	resp, err := c.call(ctx, &Request{Op: OpGetSecret, Name: name})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}
