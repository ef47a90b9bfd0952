// Package vhal talks to the vehicle property service.
//
// # Overview
//
// A Client issues asynchronous get and set requests through a Hal transport
// and correlates the results by request id. Requests that get no result
// within the client timeout complete with StatusTryAgain. Each callback runs
// exactly once, whether the result, the timeout or Close comes first.
//
//	┌────────┐ GetValue/SetValue ┌─────┐  get_values/set_values  ┌────────┐
//	│ caller │ ────────────────▶ │     │ ──────────────────────▶ │        │
//	│        │                   │Client│                        │  Hal   │
//	│        │ ◀──── callback ── │     │ ◀── OnGetValues/OnSet ─ │        │
//	└────────┘                   └─────┘                         └────────┘
//	                                │ pending.Table per kind
//	                                ▼
//	                      timeout ──▶ StatusTryAgain
//
// # Transports
//
// LocalHal serves a Properties table in process. WSHal speaks JSON frames
// over a gorilla/websocket connection to a Server, which serves the same
// Properties table to remote clients:
//
//	{"action":"get_values","get":[...]}     client ──▶ server
//	{"action":"get_results","get_results":[...]}  server ──▶ client
//
// Properties are stored in a storage.Store under "vhal/prop/<prop>/<area>",
// so values survive a daemon restart when the store is persistent.
//
// # Watchdog Properties
//
// Reporter publishes PropWatchdogAlive with the daemon uptime and
// PropWatchdogTerminatedProcess for every terminated process, with reason 1
// for not responding and 2 for I/O overuse. HeartbeatMonitor polls
// PropVhalHeartbeat and declares the property service unhealthy once the
// value stops advancing for a configured number of checks.
//
// # Observability
//
// Every completed request is counted in warden_vhal_requests_total by kind
// and status.
//
// # Usage Example
//
//	props := vhal.NewProperties(storage.NewMemoryStore(), nil, logger)
//	client := vhal.NewClient(vhal.NewLocalHal(props), 10*time.Second)
//	defer client.Close()
//
//	err := client.Set(ctx, vhal.PropValue{Prop: vhal.PropWatchdogAlive, Int64Values: []int64{1}})
package vhal
