package watchdog

import (
	"fmt"
	"io"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// NotifyPowerCycleChange pauses rounds on shutdown and resumes them on
// resume. Other values return ErrInvalidArgument.
func (s *Service) NotifyPowerCycleChange(cycle PowerCycle) error {
	switch cycle {
	case PowerCycleShutdownPrepare, PowerCycleShutdownEnter:
		s.setGate(func() { s.powerOn = false })
	case PowerCycleResume:
		s.setGate(func() { s.powerOn = true })
	default:
		return fmt.Errorf("power cycle %d: %w", int(cycle), ErrInvalidArgument)
	}
	s.logger.Info("power cycle changed", "cycle", cycle)
	return nil
}

// ControlProcessHealthCheck turns heartbeat rounds on or off.
func (s *Service) ControlProcessHealthCheck(enable bool) error {
	s.setGate(func() { s.checkEnabled = enable })
	s.logger.Info("process health check toggled", "enabled", enable)
	return nil
}

// setGate applies change to the enable flags. When checking becomes
// disabled, outstanding probes are released and miss counters reset so a
// pause is never counted against a client.
func (s *Service) setGate(change func()) {
	s.mu.Lock()
	wasEnabled := s.enabledLocked()
	change()
	if !wasEnabled || s.enabledLocked() {
		s.mu.Unlock()
		return
	}
	outstanding := make(map[Tier][]int64)
	for session, ref := range s.sessions {
		outstanding[ref.tier] = append(outstanding[ref.tier], session)
	}
	clear(s.sessions)
	s.resetMissesLocked(func(*clientEntry) bool { return true })
	s.mu.Unlock()

	for tier, ids := range outstanding {
		s.pools[tier].TryFinishRequests(tier, ids)
	}
}

func (s *Service) enabledLocked() bool {
	return s.powerOn && s.checkEnabled
}

// Enabled reports whether heartbeat rounds are currently issued.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabledLocked()
}

// NotifyUserStateChange applies a user session change. Clients of a stopped
// user are not probed until the user starts again. Removing a user drops
// its resource usage statistics.
func (s *Service) NotifyUserStateChange(userID int32, state UserState) error {
	switch state {
	case UserStateStarted:
		s.mu.Lock()
		delete(s.stoppedUsers, userID)
		s.mu.Unlock()
	case UserStateStopped:
		s.mu.Lock()
		s.stoppedUsers[userID] = struct{}{}
		s.resetMissesLocked(func(e *clientEntry) bool { return e.caller.UserID() == userID })
		s.mu.Unlock()
	case UserStateRemoved:
		s.mu.Lock()
		delete(s.stoppedUsers, userID)
		remover := s.statsRemover
		s.mu.Unlock()
		if remover != nil {
			remover.RemoveStatsForUser(userID)
		}
	default:
		return fmt.Errorf("user %d state %d: %w", userID, int(state), ErrInvalidArgument)
	}
	s.logger.Info("user state changed", "user", userID, "state", state)
	return nil
}

func (s *Service) resetMissesLocked(match func(*clientEntry) bool) {
	reset := func(entry *clientEntry) {
		if !match(entry) {
			return
		}
		for _, r := range entry.rounds {
			r.misses = 0
		}
	}
	for _, bucket := range s.clients {
		for _, entry := range bucket {
			reset(entry)
		}
	}
	for _, entry := range s.mediators {
		reset(entry)
	}
}

// Dump writes a human-readable summary of the registry.
func (s *Service) Dump(w io.Writer) error {
	clients := s.Clients()

	s.mu.Lock()
	enabled := s.enabledLocked()
	powerOn, checkEnabled := s.powerOn, s.checkEnabled
	stopped := maps.Keys(s.stoppedUsers)
	monitor := "none"
	if s.monitor != nil {
		monitor = s.monitor.ID()
	}
	outstanding := len(s.sessions)
	s.mu.Unlock()
	slices.Sort(stopped)

	fmt.Fprintf(w, "CAR WATCHDOG PROCESS SERVICE\n")
	fmt.Fprintf(w, "  Enabled: %t (power on: %t, health check: %t)\n", enabled, powerOn, checkEnabled)
	fmt.Fprintf(w, "  Stopped users: %v\n", stopped)
	fmt.Fprintf(w, "  Monitor: %s\n", monitor)
	fmt.Fprintf(w, "  Outstanding probes: %d\n", outstanding)
	for _, tier := range Tiers {
		cfg := s.tiers[tier]
		fmt.Fprintf(w, "  Tier %s: period %s, miss limit %d\n", tier, cfg.Period, cfg.MissLimit)
	}
	fmt.Fprintf(w, "  Registered: %d\n", len(clients))
	for _, c := range clients {
		tier := c.Tier
		if tier == "" {
			tier = "all"
		}
		_, err := fmt.Fprintf(w, "    %s %s pid=%d uid=%d tier=%s misses=%d awaiting=%t\n",
			c.Role, c.ID, c.PID, c.UID, tier, c.Misses, c.Awaiting)
		if err != nil {
			return err
		}
	}
	return nil
}
