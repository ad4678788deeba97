// Package patrol implements the health monitor: a timer-driven control loop
// that watches agent liveness through the progress ledger, nudges stuck
// agents, escalates repeat offenders to the mayor, and surfaces stalled
// merge requests. Each pass reads a snapshot and acts; all sends are
// fire-and-forget so one unreachable agent never blocks the sweep.
package patrol

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"foreman/pkg/coordinator"
	"foreman/pkg/ledger"
	"foreman/pkg/mailbox"
	"foreman/pkg/protocol"
	"foreman/pkg/registry"
)

// Config tunes the patrol loop.
type Config struct {
	// Interval is the pass cadence.
	Interval time.Duration
	// LivenessWindow is how long an agent may go without a progress entry
	// before it counts as stuck.
	LivenessWindow time.Duration
	// EscalateAfter is the number of consecutive stuck or blocked passes
	// before the mayor is notified.
	EscalateAfter int
	// EscalationCooldown suppresses repeat escalations for the same agent.
	EscalationCooldown time.Duration
	// MergeStaleAfter is how long a queued merge request may sit untouched
	// before it is marked stalled.
	MergeStaleAfter time.Duration
	// AgentName is the identity the patrol registers for its heartbeat.
	AgentName string
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 2 * time.Minute
	}
	if c.LivenessWindow == 0 {
		c.LivenessWindow = 5 * time.Minute
	}
	if c.EscalateAfter == 0 {
		c.EscalateAfter = 2
	}
	if c.EscalationCooldown == 0 {
		c.EscalationCooldown = c.LivenessWindow
	}
	if c.MergeStaleAfter == 0 {
		c.MergeStaleAfter = 10 * time.Minute
	}
	if c.AgentName == "" {
		c.AgentName = "patrol"
	}
	return c
}

// Patrol is the health monitor. One instance sweeps every open workspace.
type Patrol struct {
	coord *coordinator.Coordinator

	mu  sync.Mutex
	cfg Config

	// strikes counts consecutive unhealthy passes per workspace/agent.
	strikes       map[string]int
	lastEscalated map[string]time.Time

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	logf    func(format string, args ...any)
}

// New creates a Patrol over the coordinator.
func New(coord *coordinator.Coordinator, cfg Config) *Patrol {
	return &Patrol{
		coord:         coord,
		cfg:           cfg.withDefaults(),
		strikes:       make(map[string]int),
		lastEscalated: make(map[string]time.Time),
		nowFunc:       time.Now,
		logf:          log.Printf,
	}
}

// Retune replaces the tuning parameters. Takes effect on the next pass;
// called by the config watcher on hot reload.
func (p *Patrol) Retune(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg.withDefaults()
}

func (p *Patrol) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Run sweeps until the context is canceled. A failed pass is logged and
// retried at the next cadence.
func (p *Patrol) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil {
				p.logf("patrol: sweep: %v", err)
			}
			ticker.Reset(p.config().Interval)
		}
	}
}

// Sweep runs one pass over every open workspace.
func (p *Patrol) Sweep(ctx context.Context) error {
	wss, err := p.coord.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	for _, ws := range wss {
		if ws.ClosedAt != nil {
			continue
		}
		if err := p.Pass(ctx, ws.ID); err != nil {
			p.logf("patrol: workspace %s: %v", ws.ID, err)
		}
	}
	return nil
}

// Pass runs a single pass over one workspace: classify every live agent,
// nudge the stuck, escalate repeat offenders, flag stalled merges, and
// write the patrol's own heartbeat.
func (p *Patrol) Pass(ctx context.Context, workspaceID string) error {
	cfg := p.config()
	now := p.nowFunc()

	self, err := p.coord.EnsureAgent(ctx, workspaceID, cfg.AgentName, protocol.RoleDeacon)
	if err != nil {
		return fmt.Errorf("ensure patrol agent: %w", err)
	}

	agents, err := p.coord.Registry.List(ctx, workspaceID, registry.Filter{ExcludeTerminated: true})
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	latest, err := p.coord.Ledger.LatestAll(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("latest progress: %w", err)
	}
	blocked, err := p.unresolvedBlockers(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("unresolved blockers: %w", err)
	}

	var nHealthy, nStuck, nBlocked int
	for _, a := range agents {
		// The patrol and the escalation target are not patrol subjects.
		if a.ID == self.ID || a.Role.HasEscalationAuthority() {
			continue
		}
		key := workspaceID + "/" + a.ID

		switch p.classify(a, latest, blocked, now, cfg) {
		case healthy:
			nHealthy++
			delete(p.strikes, key)
			continue
		case stuck:
			nStuck++
			p.strikes[key]++
			p.nudge(ctx, workspaceID, cfg.AgentName, a)
		case blockedTooLong:
			nBlocked++
			p.strikes[key]++
		}

		if p.strikes[key] >= cfg.EscalateAfter {
			p.escalate(ctx, workspaceID, cfg, now, key, a, latest)
		}
	}

	p.flagStalledMerges(ctx, workspaceID, cfg, now)

	// Heartbeat: the patrol reports its own liveness like any other agent,
	// summarizing what it saw this pass.
	if _, err := p.coord.ReportProgress(ctx, workspaceID, ledger.AppendParams{
		AgentID: self.ID,
		Status:  fmt.Sprintf("patrolled: %d healthy, %d stuck, %d blocked", nHealthy, nStuck, nBlocked),
	}); err != nil {
		return fmt.Errorf("patrol heartbeat: %w", err)
	}
	return nil
}

// unresolvedBlockers returns the sender and recipient keys of unread
// blocker messages. Recipients are stored verbatim, so a key may be an
// agent name or a role alias. An agent tied to an open blocker is
// classified blocked even while its state still says working.
func (p *Patrol) unresolvedBlockers(ctx context.Context, workspaceID string) (map[string]bool, error) {
	msgs, err := p.coord.Mailbox.List(ctx, workspaceID, mailbox.Filter{
		Type:       protocol.MsgBlocker,
		UnreadOnly: true,
	})
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		names[m.From] = true
		names[m.To] = true
	}
	return names, nil
}

type verdict int

const (
	healthy verdict = iota
	stuck
	blockedTooLong
)

// classify judges one agent from the snapshot. Freshly spawned agents get a
// full liveness window before their silence counts against them.
func (p *Patrol) classify(a protocol.Agent, latest map[string]protocol.ProgressEntry, blocked map[string]bool, now time.Time, cfg Config) verdict {
	// Blockers reach an agent by name or by role alias, the same keys an
	// inbox fetch resolves.
	if a.State == protocol.AgentBlocked || blocked[a.Name] || blocked[string(a.Role)] {
		return blockedTooLong
	}
	lastSeen := a.CreatedAt
	if e, ok := latest[a.ID]; ok {
		lastSeen = e.CreatedAt
	}
	if now.Sub(lastSeen) > cfg.LivenessWindow {
		return stuck
	}
	return healthy
}

// nudge asks a silent agent to report. Fire-and-forget.
func (p *Patrol) nudge(ctx context.Context, workspaceID, from string, a protocol.Agent) {
	_, err := p.coord.SendMessage(ctx, workspaceID, coordinator.SendRequest{
		From:    from,
		To:      a.Name,
		Type:    protocol.MsgNudge,
		Content: "no progress reported within the liveness window; please post a status update",
	})
	if err != nil {
		p.logf("patrol: nudge %s: %v", a.Name, err)
	}
}

// escalate notifies the mayor about a repeat offender, at most once per
// cool-down.
func (p *Patrol) escalate(ctx context.Context, workspaceID string, cfg Config, now time.Time, key string, a protocol.Agent, latest map[string]protocol.ProgressEntry) {
	if last, ok := p.lastEscalated[key]; ok && now.Sub(last) < cfg.EscalationCooldown {
		return
	}
	lastSeen := a.CreatedAt
	lastStatus := "(no progress reported)"
	if e, ok := latest[a.ID]; ok {
		lastSeen = e.CreatedAt
		lastStatus = e.Status
	}
	_, err := p.coord.SendMessage(ctx, workspaceID, coordinator.SendRequest{
		From: cfg.AgentName,
		To:   string(protocol.RoleMayor),
		Type: protocol.MsgEscalation,
		Content: fmt.Sprintf("agent %s (%s, state %s) unhealthy for %d consecutive passes, silent for %s, last status: %s",
			a.Name, a.ID, a.State, p.strikes[key], now.Sub(lastSeen).Round(time.Second), lastStatus),
	})
	if err != nil {
		p.logf("patrol: escalate %s: %v", a.Name, err)
		return
	}
	p.lastEscalated[key] = now
}

// flagStalledMerges marks long-untouched queued merge requests as stalled
// and tells the mayor. Marking is idempotent; already-stalled requests are
// not re-reported.
func (p *Patrol) flagStalledMerges(ctx context.Context, workspaceID string, cfg Config, now time.Time) {
	stale, err := p.coord.MergeQ.QueuedSince(ctx, workspaceID, now.Add(-cfg.MergeStaleAfter))
	if err != nil {
		p.logf("patrol: stalled merges: %v", err)
		return
	}
	for _, mr := range stale {
		if _, err := p.coord.MarkMergeStalled(ctx, workspaceID, mr.ID); err != nil {
			p.logf("patrol: mark stalled %s: %v", mr.ID, err)
			continue
		}
		_, err := p.coord.SendMessage(ctx, workspaceID, coordinator.SendRequest{
			From:    cfg.AgentName,
			To:      string(protocol.RoleMayor),
			Type:    protocol.MsgEscalation,
			Content: fmt.Sprintf("merge request %s (%s) has been queued without activity", mr.ID, mr.BranchRef),
		})
		if err != nil {
			p.logf("patrol: report stalled %s: %v", mr.ID, err)
		}
	}
}
