package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/wire"
)

// Client queries a running daemon.
type Client struct {
	http   *http.Client
	base   string
	prefix string
}

// NewClient returns a client for the daemon listening on socket or, when
// socket is empty, on the TCP address addr.
func NewClient(socket, addr, prefix string) *Client {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultPathPrefix
	}
	c := &Client{prefix: prefix}
	tr := &http.Transport{}
	if socket != "" {
		var d net.Dialer
		tr.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", socket)
		}
		c.base = "http://natpeerd"
	} else {
		c.base = "http://" + addr
	}
	c.http = &http.Client{Transport: tr, Timeout: 10 * time.Second}
	return c
}

// Resolve asks the daemon for the substitute address of a socket.
func (c *Client) Resolve(ctx context.Context, t conncache.Tuple, dir conncache.Direction) (netip.AddrPort, bool, error) {
	q := url.Values{}
	q.Set("proto", strings.ToLower(wire.ProtoName(t.Proto)))
	q.Set("local", t.Local.String())
	q.Set("remote", t.Remote.String())
	q.Set("dir", dir.String())

	var resp ResolveResponse
	if err := c.get(ctx, "/resolve?"+q.Encode(), &resp); err != nil {
		return netip.AddrPort{}, false, err
	}
	if !resp.Substitute {
		return netip.AddrPort{}, false, nil
	}
	ap, err := netip.ParseAddrPort(resp.Addr)
	if err != nil {
		return netip.AddrPort{}, false, fmt.Errorf("api: bad address in response: %w", err)
	}
	return ap, true, nil
}

// Get fetches an endpoint (e.g., "/heartbeat") and returns the raw body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+c.prefix+path, nil)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("api: %s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("api: %s", resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
