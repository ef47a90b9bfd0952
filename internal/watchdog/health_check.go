package watchdog

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// probe is one liveness probe of a round.
type probe struct {
	client  Client
	session int64
}

// Start enables registration and starts one round ticker per tier.
// Returns ErrIllegalState if the service was already started or terminated.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.state != stateCreated {
		s.mu.Unlock()
		return fmt.Errorf("start watchdog: %w", ErrIllegalState)
	}
	s.state = stateStarted
	s.mu.Unlock()

	for _, tier := range Tiers {
		// Created here so a mock clock advanced right after Start fires it.
		ticker := s.clock.Ticker(s.tiers[tier].Period)
		s.wg.Add(1)
		go s.runTier(tier, ticker)
	}
	s.logger.Info("watchdog started",
		"critical", s.tiers[TierCritical].Period,
		"moderate", s.tiers[TierModerate].Period,
		"normal", s.tiers[TierNormal].Period)
	return nil
}

// Terminate stops the rounds, drops every registration and releases
// outstanding probes without treating them as misses. Safe to call more
// than once.
func (s *Service) Terminate() {
	s.mu.Lock()
	if s.state == stateTerminated {
		s.mu.Unlock()
		return
	}
	wasStarted := s.state == stateStarted
	s.state = stateTerminated

	var cancels []func()
	for _, bucket := range s.clients {
		for _, entry := range bucket {
			if entry.cancel != nil {
				cancels = append(cancels, entry.cancel)
			}
		}
		clear(bucket)
	}
	for _, entry := range s.mediators {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	clear(s.mediators)
	clear(s.sessions)
	if s.monitorCancel != nil {
		cancels = append(cancels, s.monitorCancel)
	}
	s.monitor, s.monitorCancel = nil, nil
	s.updateGaugesLocked()
	s.mu.Unlock()

	if wasStarted {
		close(s.stop)
		s.wg.Wait()
	}
	for _, cancel := range cancels {
		cancel()
	}
	// Expiry callbacks observe the terminated state and do nothing.
	for _, pool := range s.pools {
		pool.Close()
	}
	s.logger.Info("watchdog terminated")
}

func (s *Service) runTier(tier Tier, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.doHealthCheck(tier)
		case <-s.stop:
			return
		}
	}
}

// doHealthCheck runs one round of tier.
//
// Implementation:
//  1. Close the previous round: probes of this tier still pending are misses
//  2. Report the watchdog's own liveness on critical rounds
//  3. Unless checking is disabled, probe every client of the tier whose user
//     is not stopped, and every mediator
//
// Closing the previous round first keeps rounds of one tier from overlapping.
func (s *Service) doHealthCheck(tier Tier) {
	ctx, span := tracer.Start(context.Background(), "watchdog.HealthCheck",
		trace.WithAttributes(attribute.String("tier", tier.String())))
	defer span.End()

	s.mu.Lock()
	if s.state != stateStarted {
		s.mu.Unlock()
		return
	}
	var previous []int64
	for session, ref := range s.sessions {
		if ref.tier == tier {
			previous = append(previous, session)
		}
	}
	s.mu.Unlock()

	if len(previous) > 0 {
		if missed := s.pools[tier].TryFinishRequests(tier, previous); len(missed) > 0 {
			s.onRoundExpired(ctx, tier, missed)
		}
	}

	s.mu.Lock()
	if s.state != stateStarted || !s.enabledLocked() {
		s.mu.Unlock()
		return
	}
	reporter := s.aliveReporter
	var probes []probe
	var ids []int64
	for _, entry := range s.clients[tier] {
		if _, stopped := s.stoppedUsers[entry.caller.UserID()]; stopped {
			continue
		}
		probes = append(probes, s.armLocked(entry, tier))
		ids = append(ids, probes[len(probes)-1].session)
	}
	for _, entry := range s.mediators {
		probes = append(probes, s.armLocked(entry, tier))
		ids = append(ids, probes[len(probes)-1].session)
	}
	s.mu.Unlock()

	s.metrics.RoundStarted(tier.String())
	span.SetAttributes(attribute.Int("probes", len(probes)))

	if tier == TierCritical && reporter != nil {
		if err := reporter.ReportAlive(ctx); err != nil {
			s.logger.Warn("failed to report watchdog alive", "error", err)
		}
	}

	if len(ids) == 0 {
		return
	}
	err := s.pools[tier].AddRequests(tier, ids, func(expired []int64) {
		s.onRoundExpired(context.Background(), tier, expired)
	})
	if err != nil {
		// Only possible while terminating.
		s.logger.Warn("failed to start heartbeat round", "tier", tier, "error", err)
		return
	}
	s.sendProbes(ctx, tier, probes)
}

// armLocked allocates a fresh session for entry in tier.
func (s *Service) armLocked(entry *clientEntry, tier Tier) probe {
	session := nextSessionID()
	entry.round(tier).session = session
	s.sessions[session] = sessionRef{entry: entry, tier: tier}
	return probe{client: entry.client, session: session}
}

// sendProbes delivers the round's probes concurrently. A probe that cannot
// be delivered is left pending and counts as a miss when the round closes.
func (s *Service) sendProbes(ctx context.Context, tier Tier, probes []probe) {
	ctx, cancel := context.WithTimeout(ctx, s.tiers[tier].Period)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.probeLimit)
	for _, p := range probes {
		g.Go(func() error {
			if err := p.client.CheckIfAlive(ctx, p.session, tier); err != nil {
				s.logger.Debug("failed to deliver liveness probe",
					"id", p.client.ID(), "session", p.session, "tier", tier, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// onRoundExpired accounts a miss for every expired session and hands
// identities that reached the tier's miss limit to the enforcer.
func (s *Service) onRoundExpired(ctx context.Context, tier Tier, sessions []int64) {
	limit := s.tiers[tier].MissLimit

	var victims []NotResponding
	var removed []detached
	missed := 0

	s.mu.Lock()
	if s.state != stateStarted {
		s.mu.Unlock()
		return
	}
	for _, session := range sessions {
		ref, ok := s.sessions[session]
		if !ok {
			continue
		}
		delete(s.sessions, session)

		entry := ref.entry
		r := entry.round(tier)
		if session < r.lastAck {
			continue
		}
		if _, stopped := s.stoppedUsers[entry.caller.UserID()]; stopped && entry.role == roleRegular {
			continue
		}
		missed++
		r.misses++
		s.logger.Warn("liveness probe missed",
			"id", entry.id(), "role", entry.role, "tier", tier, "misses", r.misses, "limit", limit)
		if r.misses < limit {
			continue
		}
		victims = append(victims, NotResponding{
			Client: entry.client,
			ID:     entry.id(),
			Caller: entry.caller,
			Tier:   tier,
		})
		removed = append(removed, s.removeLocked(entry))
	}
	enforcer := s.enforcer
	s.mu.Unlock()

	s.metrics.ProbesMissed(tier.String(), missed)
	for _, d := range removed {
		s.release(d)
	}
	if len(victims) == 0 {
		return
	}
	for _, v := range victims {
		s.logger.Warn("client not responding", "id", v.ID, "pid", v.Caller.PID, "tier", tier)
	}
	if enforcer == nil {
		s.logger.Error("no enforcer configured, unresponsive clients only removed", "count", len(victims))
		return
	}
	enforcer.HandleNotResponding(ctx, victims)
}

// TellClientAlive acknowledges the probe of sessionID. A stale or mismatched
// session is ignored.
func (s *Service) TellClientAlive(id string, sessionID int64) error {
	s.acknowledge(id, roleRegular, sessionID)
	return nil
}

// TellMediatorAlive acknowledges a mediator probe. When the session is
// current, the processes the mediator reports as not responding are handed
// to the enforcer without waiting for their own heartbeat timeout.
func (s *Service) TellMediatorAlive(id string, notResponding []int32, sessionID int64) error {
	if !s.acknowledge(id, roleMediator, sessionID) || len(notResponding) == 0 {
		return nil
	}

	s.mu.Lock()
	enforcer := s.enforcer
	s.mu.Unlock()

	procs := make([]NotResponding, 0, len(notResponding))
	for _, pid := range notResponding {
		procs = append(procs, NotResponding{ID: fmt.Sprintf("pid:%d", pid), Caller: Caller{PID: pid, UID: -1}})
	}
	s.logger.Warn("mediator reported processes not responding", "mediator", id, "pids", notResponding)
	if enforcer == nil {
		s.logger.Error("no enforcer configured, mediator report dropped", "mediator", id)
		return nil
	}
	ctx, end := withSpan(context.Background(), "watchdog.MediatorReport")
	defer end()
	enforcer.HandleNotResponding(ctx, procs)
	return nil
}

// acknowledge finishes the probe of sessionID if it belongs to id and is
// still pending. Reports whether it did.
func (s *Service) acknowledge(id string, r role, sessionID int64) bool {
	s.mu.Lock()
	ref, ok := s.sessions[sessionID]
	s.mu.Unlock()

	if !ok || ref.entry.id() != id || ref.entry.role != r {
		s.logger.Debug("stale liveness reply ignored", "id", id, "role", r, "session", sessionID)
		return false
	}
	if len(s.pools[ref.tier].TryFinishRequests(ref.tier, []int64{sessionID})) == 0 {
		s.logger.Debug("late liveness reply ignored", "id", id, "role", r, "session", sessionID)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sessionID]; ok && cur.entry == ref.entry {
		delete(s.sessions, sessionID)
	}
	rd := ref.entry.round(ref.tier)
	rd.misses = 0
	if sessionID > rd.lastAck {
		rd.lastAck = sessionID
	}
	return true
}
