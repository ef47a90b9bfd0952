package wire

import (
	"context"
	"strings"

	"github.com/dreamware/warden/internal/watchdog"
)

// HTTPClient delivers probes to a client or mediator over HTTP.
type HTTPClient struct {
	id   string
	addr string
}

// NewHTTPClient returns the daemon-side handle of the client id listening at
// addr.
func NewHTTPClient(id, addr string) *HTTPClient {
	return &HTTPClient{id: id, addr: strings.TrimSuffix(addr, "/")}
}

func (c *HTTPClient) ID() string { return c.id }

func (c *HTTPClient) Addr() string { return c.addr }

// CheckIfAlive posts the probe. The client answers on the daemon's /alive
// endpoint.
func (c *HTTPClient) CheckIfAlive(ctx context.Context, sessionID int64, tier watchdog.Tier) error {
	return PostJSON(ctx, c.addr+"/v1/probe", ProbeRequest{SessionID: sessionID, Tier: tier.String()}, nil)
}

// PrepareProcessTermination posts to <addr>/v1/prepare-termination.
func (c *HTTPClient) PrepareProcessTermination(ctx context.Context) error {
	return PostJSON(ctx, c.addr+"/v1/prepare-termination", struct{}{}, nil)
}

// HTTPMonitor asks a monitor for dumps over HTTP.
type HTTPMonitor struct {
	id   string
	addr string
}

// NewHTTPMonitor creates the adapter of the monitor reachable at addr.
func NewHTTPMonitor(id, addr string) *HTTPMonitor {
	return &HTTPMonitor{id: id, addr: strings.TrimSuffix(addr, "/")}
}

func (m *HTTPMonitor) ID() string { return m.id }

// OnClientsNotResponding asks the monitor for dumps through <addr>/v1/dump.
func (m *HTTPMonitor) OnClientsNotResponding(ctx context.Context, pids []int32) error {
	return PostJSON(ctx, m.addr+"/v1/dump", DumpRequest{PIDs: pids}, nil)
}
