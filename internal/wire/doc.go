// Package wire is the HTTP/JSON protocol between the watchdog daemon and the
// processes it supervises.
//
// # Overview
//
// The daemon exposes the /v1 API documented on its handlers. Supervised
// processes run a small HTTP server of their own that the daemon calls back
// into. Every exchange is asynchronous: the callee acknowledges at once and
// answers later through the daemon API.
//
//	┌──────────────┐  POST <addr>/v1/probe           ┌──────────────┐
//	│              │ ──────────────────────────────▶ │              │
//	│   watchdogd  │                                 │    client    │
//	│              │ ◀────────────────────────────── │              │
//	└──────────────┘  POST /v1/clients/:id/alive     └──────────────┘
//
// # Callback Endpoints
//
// Clients and mediators expose:
//
//	POST <addr>/v1/probe                  ProbeRequest, answered later via /alive
//	POST <addr>/v1/prepare-termination    empty body
//
// A monitor exposes one:
//
//	POST <addr>/v1/dump                   DumpRequest, answered later via /dump-finished
//
// # Core Components
//
// HTTPClient and HTTPMonitor: daemon-side adapters
//   - Implement watchdog.Client and watchdog.Monitor over the endpoints above
//   - Are created per registration from the id and address it carried
//
// DaemonClient: client-side view of the daemon API
//   - Registers and unregisters clients, mediators and the monitor
//   - Reports liveness, stalled mediator pids and finished dumps
//
// # Error Handling
//
// Every call is a single JSON request through PostJSON, PutJSON, GetJSON or
// DeleteJSON. Non-2xx answers surface as *HTTPError carrying the status and
// the server's error message, and StatusCode extracts the status from any
// wrapped error:
//
//	400  malformed request or invalid argument
//	404  unknown identity
//	409  identity already registered
//	412  daemon not started or already terminated
//	504  the vehicle property service did not answer in time
//
// Transport failures carry no status and StatusCode returns 0 for them.
//
// # Usage Example
//
//	daemon := wire.NewDaemonClient("http://127.0.0.1:8080")
//	resp, err := daemon.RegisterClient(ctx, wire.RegisterRequest{
//		ID: "maps", Addr: "http://127.0.0.1:8090", Tier: "critical", PID: pid, UID: uid,
//	})
//	if wire.StatusCode(err) == http.StatusConflict {
//		// already registered
//	}
package wire
