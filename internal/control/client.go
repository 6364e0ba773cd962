package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrNotRunning is returned when no daemon listens on the control socket.
var ErrNotRunning = errors.New("daemon is not running")

// Client sends requests to a running daemon.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a client for the daemon of swarmDir. A non-positive
// timeout defaults to five seconds.
func NewClient(swarmDir string, timeout time.Duration) *Client {
	return NewClientAt(SocketPath(swarmDir), timeout)
}

// NewClientAt returns a client for an explicit socket path.
func NewClientAt(path string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{path: path, timeout: timeout}
}

// Send delivers req and waits for the response. A request without an ID
// gets a fresh one.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		if notListening(err) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send %s request: %w", req.Kind, err)
	}

	var resp Response
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Kind, err)
	}
	if resp.ID != req.ID && resp.ID != "" {
		return nil, fmt.Errorf("response id %s does not match request %s", resp.ID, req.ID)
	}
	return &resp, nil
}

// Call sends req and decodes the response data into out, which may be nil.
// A failed request is returned as a *RemoteError.
func (c *Client) Call(ctx context.Context, req *Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &RemoteError{Kind: req.Kind, Message: resp.Error}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	return resp.Decode(out)
}

// Notify sends a request whose answer does not matter, such as
// graph_changed after a CLI mutation. A daemon that is not running is not
// an error.
func (c *Client) Notify(ctx context.Context, kind Kind) error {
	err := c.Call(ctx, &Request{Kind: kind}, nil)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

func notListening(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
