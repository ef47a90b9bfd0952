package watchdog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tier is the heartbeat severity class a regular client registers with.
// Each tier has its own round period and number of tolerated missed rounds.
type Tier int

const (
	TierCritical Tier = iota
	TierModerate
	TierNormal
)

// Tiers lists every tier in severity order.
var Tiers = []Tier{TierCritical, TierModerate, TierNormal}

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierModerate:
		return "moderate"
	case TierNormal:
		return "normal"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	return t >= TierCritical && t <= TierNormal
}

// ParseTier converts a tier name to a Tier. Matching is case-insensitive.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q: %w", s, ErrInvalidArgument)
}

// TierConfig is the fixed timing of one tier.
type TierConfig struct {
	// Period is both the interval between rounds and the deadline of a probe.
	Period time.Duration `yaml:"period" validate:"gt=0"`

	// MissLimit is the number of consecutive missed rounds after which a
	// client is declared not responding.
	MissLimit int `yaml:"miss_limit" validate:"gte=1"`
}

// DefaultTierConfigs returns the built-in tier timings.
func DefaultTierConfigs() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierCritical: {Period: 3 * time.Second, MissLimit: 2},
		TierModerate: {Period: 5 * time.Second, MissLimit: 2},
		TierNormal:   {Period: 10 * time.Second, MissLimit: 2},
	}
}

// PowerCycle is a device power state notification.
type PowerCycle int

const (
	PowerCycleShutdownPrepare PowerCycle = iota
	PowerCycleShutdownEnter
	PowerCycleResume
)

var powerCycleNames = map[PowerCycle]string{
	PowerCycleShutdownPrepare: "shutdown_prepare",
	PowerCycleShutdownEnter:   "shutdown_enter",
	PowerCycleResume:          "resume",
}

func (c PowerCycle) String() string {
	if name, ok := powerCycleNames[c]; ok {
		return name
	}
	return fmt.Sprintf("power_cycle(%d)", int(c))
}

// ParsePowerCycle converts a power cycle name to a PowerCycle.
func ParsePowerCycle(s string) (PowerCycle, error) {
	for c, name := range powerCycleNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown power cycle %q: %w", s, ErrInvalidArgument)
}

// UserState is a user session state notification.
type UserState int

const (
	UserStateStarted UserState = iota
	UserStateStopped
	UserStateRemoved
)

var userStateNames = map[UserState]string{
	UserStateStarted: "started",
	UserStateStopped: "stopped",
	UserStateRemoved: "removed",
}

func (s UserState) String() string {
	if name, ok := userStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("user_state(%d)", int(s))
}

// ParseUserState converts a user state name to a UserState.
func ParseUserState(s string) (UserState, error) {
	for st, name := range userStateNames {
		if strings.EqualFold(s, name) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown user state %q: %w", s, ErrInvalidArgument)
}

// PerUserUIDRange is the number of uids reserved for each user.
const PerUserUIDRange = 100000

// Caller identifies the process behind a registration.
type Caller struct {
	PID int32 `json:"pid"`
	UID int32 `json:"uid"`
}

// UserID returns the user owning the caller's uid.
func (c Caller) UserID() int32 {
	return c.UID / PerUserUIDRange
}

// Client is a registered identity that answers liveness probes. Regular
// clients and mediators share this contract.
type Client interface {
	// ID is the stable identity of the client.
	ID() string

	// CheckIfAlive delivers a probe. The client answers asynchronously with
	// TellClientAlive or TellMediatorAlive carrying sessionID.
	CheckIfAlive(ctx context.Context, sessionID int64, tier Tier) error

	// PrepareProcessTermination warns the client that it is about to be killed.
	PrepareProcessTermination(ctx context.Context) error
}

// Monitor is the single agent that produces diagnostic dumps.
type Monitor interface {
	ID() string

	// OnClientsNotResponding asks the monitor to dump pids. The monitor
	// reports completion per pid with TellDumpFinished.
	OnClientsNotResponding(ctx context.Context, pids []int32) error
}

// NotResponding describes a process declared unresponsive. Client is nil
// when the process was reported by a mediator.
type NotResponding struct {
	Client Client
	ID     string
	Caller Caller
	Tier   Tier
}

// Enforcer acts on unresponsive processes.
type Enforcer interface {
	HandleNotResponding(ctx context.Context, procs []NotResponding)
	DumpFinished(pid int32) bool
}

// AliveReporter receives the watchdog's own liveness once per critical round.
type AliveReporter interface {
	ReportAlive(ctx context.Context) error
}

// UserStatsRemover drops per-user accounting when a user is removed.
type UserStatsRemover interface {
	RemoveStatsForUser(userID int32)
}

// Subscriber delivers process death notifications.
type Subscriber interface {
	// Subscribe calls onDeath once when the process behind caller exits.
	// The returned cancel function is safe to call after onDeath fired.
	Subscribe(id string, caller Caller, onDeath func()) (cancel func(), err error)
}
