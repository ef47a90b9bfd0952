package vhal

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dreamware/warden/internal/enforcement"
)

// Termination reasons carried by PropWatchdogTerminatedProcess.
const (
	terminatedNotResponding int32 = 1
	terminatedIoOveruse     int32 = 2
)

// Reporter publishes the watchdog's liveness and terminated processes as
// vehicle properties.
type Reporter struct {
	client  *Client
	clock   clock.Clock
	started time.Time
}

// NewReporter publishes through client. Uptime is measured from now.
func NewReporter(client *Client, cl clock.Clock) *Reporter {
	if cl == nil {
		cl = clock.New()
	}
	return &Reporter{client: client, clock: cl, started: cl.Now()}
}

// ReportAlive sets PropWatchdogAlive to the uptime in milliseconds.
func (r *Reporter) ReportAlive(ctx context.Context) error {
	uptime := r.clock.Since(r.started).Milliseconds()
	return r.client.Set(ctx, PropValue{
		Prop:        PropWatchdogAlive,
		Int64Values: []int64{uptime},
	})
}

// ReportTerminated sets PropWatchdogTerminatedProcess to the reason and the
// process identity "name (pid)".
func (r *Reporter) ReportTerminated(ctx context.Context, pid int32, name string, reason enforcement.Reason) error {
	code := terminatedNotResponding
	if reason == enforcement.ReasonIoOveruse {
		code = terminatedIoOveruse
	}
	ident := name
	if pid > 0 {
		ident += " (" + strconv.Itoa(int(pid)) + ")"
	}
	return r.client.Set(ctx, PropValue{
		Prop:        PropWatchdogTerminatedProcess,
		Int32Values: []int32{code},
		StringValue: ident,
	})
}
