package wire

import (
	"time"

	"github.com/dreamware/warden/internal/overuse"
)

// RegisterRequest registers a client, mediator or monitor. Tier is only
// read for clients.
type RegisterRequest struct {
	ID   string `json:"id" binding:"required"`
	Addr string `json:"addr" binding:"required,url"`
	Tier string `json:"tier,omitempty"`
	PID  int32  `json:"pid" binding:"gt=0"`
	UID  int32  `json:"uid" binding:"gte=0"`
}

type RegisterResponse struct {
	SessionID int64 `json:"session_id,omitempty"`
}

// AliveRequest answers a probe. NotResponding is only sent by mediators.
type AliveRequest struct {
	NotResponding []int32 `json:"not_responding,omitempty"`
	SessionID     int64   `json:"session_id" binding:"required"`
}

type DumpFinishedRequest struct {
	PID int32 `json:"pid" binding:"gt=0"`
}

type PowerCycleRequest struct {
	Cycle string `json:"cycle" binding:"required"`
}

type UserStateRequest struct {
	State  string `json:"state" binding:"required"`
	UserID int32  `json:"user_id" binding:"gte=0"`
}

type HealthCheckRequest struct {
	Enable bool `json:"enable"`
}

// ProbeRequest is sent by the daemon to a client or mediator.
type ProbeRequest struct {
	Tier      string `json:"tier"`
	SessionID int64  `json:"session_id"`
}

// DumpRequest is sent by the daemon to the monitor.
type DumpRequest struct {
	PIDs []int32 `json:"pids"`
}

type ConfigsRequest struct {
	Configs []overuse.ResourceOveruseConfiguration `json:"configs" binding:"required,dive"`
}

type ConfigsResponse struct {
	Configs []overuse.ResourceOveruseConfiguration `json:"configs"`
}

type PackageRequest struct {
	Package overuse.PackageInfo `json:"package"`
}

type ThresholdResponse struct {
	Thresholds overuse.PerStateBytes `json:"thresholds"`
}

type SafeToKillResponse struct {
	SafeToKill bool `json:"safe_to_kill"`
}

// UsageRequest carries one collection of per-uid written bytes. Time
// defaults to the daemon's clock.
type UsageRequest struct {
	Time   *time.Time           `json:"time,omitempty"`
	Usages []overuse.UidIoUsage `json:"usages"`
}

type UsageResponse struct {
	Stats []overuse.PackageIoOveruseStats `json:"stats"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
