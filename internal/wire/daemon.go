package wire

import (
	"context"
	"net/url"
	"strings"
)

// DaemonClient calls the daemon API.
type DaemonClient struct {
	base string
}

// NewDaemonClient talks to the daemon at base, e.g. "http://127.0.0.1:8080".
func NewDaemonClient(base string) *DaemonClient {
	return &DaemonClient{base: strings.TrimSuffix(base, "/")}
}

// RegisterClient posts to /v1/clients.
func (d *DaemonClient) RegisterClient(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	err := PostJSON(ctx, d.base+"/v1/clients", req, &resp)
	return resp, err
}

// UnregisterClient deletes /v1/clients/:id.
func (d *DaemonClient) UnregisterClient(ctx context.Context, id string) error {
	return DeleteJSON(ctx, d.base+"/v1/clients/"+url.PathEscape(id))
}

// RegisterMediator posts to /v1/mediators.
func (d *DaemonClient) RegisterMediator(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	err := PostJSON(ctx, d.base+"/v1/mediators", req, &resp)
	return resp, err
}

// UnregisterMediator deletes /v1/mediators/:id.
func (d *DaemonClient) UnregisterMediator(ctx context.Context, id string) error {
	return DeleteJSON(ctx, d.base+"/v1/mediators/"+url.PathEscape(id))
}

// RegisterMonitor posts to /v1/monitor.
func (d *DaemonClient) RegisterMonitor(ctx context.Context, req RegisterRequest) error {
	return PostJSON(ctx, d.base+"/v1/monitor", req, nil)
}

// UnregisterMonitor deletes /v1/monitor/:id.
func (d *DaemonClient) UnregisterMonitor(ctx context.Context, id string) error {
	return DeleteJSON(ctx, d.base+"/v1/monitor/"+url.PathEscape(id))
}

// TellClientAlive answers the probe of sessionID.
func (d *DaemonClient) TellClientAlive(ctx context.Context, id string, sessionID int64) error {
	return PostJSON(ctx, d.base+"/v1/clients/"+url.PathEscape(id)+"/alive", AliveRequest{SessionID: sessionID}, nil)
}

// TellMediatorAlive answers the probe of sessionID with the pids that
// cannot respond.
func (d *DaemonClient) TellMediatorAlive(ctx context.Context, id string, sessionID int64, notResponding []int32) error {
	return PostJSON(ctx, d.base+"/v1/mediators/"+url.PathEscape(id)+"/alive",
		AliveRequest{SessionID: sessionID, NotResponding: notResponding}, nil)
}

// TellDumpFinished reports that the dump of pid was written.
func (d *DaemonClient) TellDumpFinished(ctx context.Context, monitorID string, pid int32) error {
	return PostJSON(ctx, d.base+"/v1/monitor/"+url.PathEscape(monitorID)+"/dump-finished",
		DumpFinishedRequest{PID: pid}, nil)
}

// Health checks that the daemon answers /health.
func (d *DaemonClient) Health(ctx context.Context) error {
	var out map[string]any
	return GetJSON(ctx, d.base+"/health", &out)
}
