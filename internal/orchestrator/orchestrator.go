// Package orchestrator owns the registry of live trading agents. It admits
// bot-start requests, runs the global monitoring loop and feeds the batch
// persistence queue.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botfleet/internal/agent"
	"botfleet/internal/batch"
	"botfleet/internal/domain"
	"botfleet/internal/ports"
)

const (
	defaultMonitorInterval  = 30 * time.Second
	defaultMaxStartsPerUser = 5
	defaultStartRateWindow  = 300 * time.Second

	preflightMinBalance  = 20.0
	preflightUsableFloor = 10.0
	usablePercentage     = 0.90
)

// Credentials are the venue API keys supplied with a start request.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// ManagedAgent is the agent surface the orchestrator drives.
type ManagedAgent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() domain.AgentStatus
	IsRunning() bool
}

// SystemStats aggregates the fleet for reporting.
type SystemStats struct {
	ActiveBots        int
	BotsWithPositions int
	TotalTrades       int
	TotalPNL          float64
	PercentageMode    int
	FixedMode         int
}

// Config holds the orchestrator dependencies. NewVenue builds the per-user
// trading surface from credentials; NewAgent builds an agent on top of it.
type Config struct {
	NewVenue func(userID string, creds Credentials) (agent.Venue, error)
	NewAgent func(userID string, cfg domain.BotConfig, venue agent.Venue, onTrade func(domain.Trade)) (ManagedAgent, error)
	Queue    *batch.Queue
	Logger   ports.Logger

	MonitorInterval  time.Duration // default 30s
	MaxStartsPerUser int           // start-rate budget, default 5
	StartRateWindow  time.Duration // start-rate window, default 300s
}

// Orchestrator coordinates the fleet of trading agents.
type Orchestrator struct {
	cfg    Config
	logger ports.Logger
	queue  *batch.Queue
	now    func() time.Time

	mu          sync.Mutex
	agents      map[string]ManagedAgent
	statusCache map[string]domain.AgentStatus
	startTimes  map[string][]time.Time

	monitorOn     bool
	monitorCtx    context.Context
	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

// New creates an orchestrator. The monitor loop starts lazily with the first
// successful StartBot.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.NewVenue == nil || cfg.NewAgent == nil || cfg.Queue == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("venue factory, agent factory, queue and logger are required")
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	if cfg.MaxStartsPerUser <= 0 {
		cfg.MaxStartsPerUser = defaultMaxStartsPerUser
	}
	if cfg.StartRateWindow <= 0 {
		cfg.StartRateWindow = defaultStartRateWindow
	}
	return &Orchestrator{
		cfg:         cfg,
		logger:      cfg.Logger,
		queue:       cfg.Queue,
		now:         time.Now,
		agents:      make(map[string]ManagedAgent),
		statusCache: make(map[string]domain.AgentStatus),
		startTimes:  make(map[string][]time.Time),
	}, nil
}

// StartBot admits and launches a trading agent for the user. Any existing
// agent for the same user is stopped first.
func (o *Orchestrator) StartBot(ctx context.Context, userID string, creds Credentials, cfg domain.BotConfig) error {
	if userID == "" {
		return fmt.Errorf("user id is required: %w", ports.ErrInvalidRequest)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := o.admitStart(userID); err != nil {
		return err
	}

	// stop any existing agent first so the user never runs two bots
	o.mu.Lock()
	existing := o.agents[userID]
	delete(o.agents, userID)
	o.mu.Unlock()
	if existing != nil {
		o.logger.Info(ctx, "stopping existing agent before restart", map[string]interface{}{"userID": userID})
		if err := existing.Stop(ctx); err != nil {
			o.logger.Warn(ctx, "stop of existing agent failed",
				map[string]interface{}{"userID": userID, "error": err.Error()})
		}
	}

	venue, err := o.cfg.NewVenue(userID, creds)
	if err != nil {
		return fmt.Errorf("venue setup for user %s: %w", userID, err)
	}
	if err := o.preflightBalance(ctx, venue, cfg); err != nil {
		return err
	}

	ag, err := o.cfg.NewAgent(userID, cfg, venue, o.queue.QueueTrade)
	if err != nil {
		return fmt.Errorf("agent setup for user %s: %w", userID, err)
	}
	if err := ag.Start(ctx); err != nil {
		return fmt.Errorf("agent start for user %s: %w", userID, err)
	}

	o.mu.Lock()
	o.agents[userID] = ag
	o.statusCache[userID] = ag.Status()
	o.mu.Unlock()
	o.ensureMonitor()

	o.logger.Info(ctx, "bot started", map[string]interface{}{
		"userID": userID, "symbol": cfg.Symbol, "timeframe": cfg.Timeframe,
		"leverage": cfg.Leverage, "sizeMode": string(cfg.SizeMode()),
	})
	return nil
}

// admitStart enforces the per-user start-rate budget. Every attempt counts,
// including ones that fail later.
func (o *Orchestrator) admitStart(userID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	cutoff := now.Add(-o.cfg.StartRateWindow)
	recent := o.startTimes[userID][:0]
	for _, t := range o.startTimes[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= o.cfg.MaxStartsPerUser {
		o.startTimes[userID] = recent
		return fmt.Errorf("user %s: %d starts in the last %s: %w",
			userID, len(recent), o.cfg.StartRateWindow, ports.ErrStartRateExceeded)
	}
	o.startTimes[userID] = append(recent, now)
	return nil
}

// preflightBalance rejects starts the sizing mode could never trade with.
func (o *Orchestrator) preflightBalance(ctx context.Context, venue agent.Venue, cfg domain.BotConfig) error {
	bal, err := venue.Balance(ctx)
	if err != nil {
		return fmt.Errorf("pre-flight balance check: %w", err)
	}
	if bal < preflightMinBalance {
		return fmt.Errorf("balance %.2f USDT below required minimum %.0f: %w",
			bal, preflightMinBalance, ports.ErrInsufficientFunds)
	}
	if cfg.SizeMode() == domain.ModePercentage {
		if usable := bal * usablePercentage; usable < preflightUsableFloor {
			return fmt.Errorf("usable balance %.2f USDT below floor %.0f: %w",
				usable, preflightUsableFloor, ports.ErrInsufficientFunds)
		}
	} else if bal < cfg.OrderSize {
		return fmt.Errorf("balance %.2f USDT below fixed order size %.2f: %w",
			bal, cfg.OrderSize, ports.ErrInsufficientFunds)
	}
	return nil
}

// StopBot stops and deregisters the user's agent. Stopping a user with no
// agent is a reported error, not a panic.
func (o *Orchestrator) StopBot(ctx context.Context, userID string) error {
	o.mu.Lock()
	ag, ok := o.agents[userID]
	delete(o.agents, userID)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop bot for user %s: %w", userID, ports.ErrAgentNotFound)
	}

	err := ag.Stop(ctx)

	o.mu.Lock()
	o.statusCache[userID] = ag.Status()
	o.mu.Unlock()

	if err != nil {
		return fmt.Errorf("stop bot for user %s: %w", userID, err)
	}
	o.logger.Info(ctx, "bot stopped", map[string]interface{}{"userID": userID})
	return nil
}

// GetStatus returns the latest known status for the user: live when the agent
// is registered, the cached snapshot after it stopped.
func (o *Orchestrator) GetStatus(userID string) (domain.AgentStatus, error) {
	o.mu.Lock()
	ag, live := o.agents[userID]
	cached, wasKnown := o.statusCache[userID]
	o.mu.Unlock()

	if live {
		return ag.Status(), nil
	}
	if wasKnown {
		return cached, nil
	}
	return domain.AgentStatus{}, fmt.Errorf("status for user %s: %w", userID, ports.ErrAgentNotFound)
}

// Statuses returns a snapshot of every known agent status, live and cached.
func (o *Orchestrator) Statuses() []domain.AgentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]domain.AgentStatus, 0, len(o.statusCache)+len(o.agents))
	seen := make(map[string]bool, len(o.agents))
	for userID, ag := range o.agents {
		out = append(out, ag.Status())
		seen[userID] = true
	}
	for userID, status := range o.statusCache {
		if !seen[userID] {
			out = append(out, status)
		}
	}
	return out
}

// Stats aggregates the registered agents.
func (o *Orchestrator) Stats() SystemStats {
	o.mu.Lock()
	agents := make([]ManagedAgent, 0, len(o.agents))
	for _, ag := range o.agents {
		agents = append(agents, ag)
	}
	o.mu.Unlock()

	var stats SystemStats
	for _, ag := range agents {
		status := ag.Status()
		if status.IsRunning {
			stats.ActiveBots++
		}
		if status.PositionSide != domain.SideNone {
			stats.BotsWithPositions++
		}
		stats.TotalTrades += status.TotalTrades
		stats.TotalPNL += status.TotalPNL
		if status.OrderSizeMode == domain.ModePercentage {
			stats.PercentageMode++
		} else {
			stats.FixedMode++
		}
	}
	return stats
}

// ensureMonitor starts the global monitor loop once.
func (o *Orchestrator) ensureMonitor() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.monitorOn {
		return
	}
	o.monitorOn = true
	o.monitorCtx, o.monitorCancel = context.WithCancel(context.Background())
	o.monitorWG.Add(1)
	go o.monitorLoop()
}

func (o *Orchestrator) monitorLoop() {
	defer o.monitorWG.Done()
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.monitorCtx.Done():
			return
		case <-ticker.C:
			o.monitorTick(o.monitorCtx)
		}
	}
}

// monitorTick pulls every agent's status, refreshes the cache, queues a
// persistence update and deregisters agents that stopped on their own. It
// then flushes the batch queue if due.
func (o *Orchestrator) monitorTick(ctx context.Context) {
	o.mu.Lock()
	agents := make(map[string]ManagedAgent, len(o.agents))
	for userID, ag := range o.agents {
		agents[userID] = ag
	}
	o.mu.Unlock()

	for userID, ag := range agents {
		status := ag.Status()

		o.mu.Lock()
		o.statusCache[userID] = status
		if !status.IsRunning {
			delete(o.agents, userID)
		}
		o.mu.Unlock()

		o.queue.QueueUserUpdate(userID, statusFields(status))

		if !status.IsRunning {
			o.logger.Info(ctx, "deregistered self-stopped agent", map[string]interface{}{
				"userID": userID, "statusMessage": status.StatusMessage,
			})
			// release loop resources; Stop on a stopped agent is a no-op
			if err := ag.Stop(ctx); err != nil {
				o.logger.Warn(ctx, "cleanup stop failed",
					map[string]interface{}{"userID": userID, "error": err.Error()})
			}
		}
	}

	if o.queue.ShouldFlush() {
		if err := o.queue.Flush(ctx); err != nil {
			o.logger.Warn(ctx, "batch flush failed, will retry",
				map[string]interface{}{"error": err.Error()})
		}
	}
}

// statusFields maps a status snapshot to the persisted per-user fields.
func statusFields(s domain.AgentStatus) map[string]any {
	return map[string]any{
		"is_running":         s.IsRunning,
		"symbol":             s.Symbol,
		"timeframe":          s.Timeframe,
		"leverage":           s.Leverage,
		"order_size":         s.OrderSize,
		"order_size_mode":    string(s.OrderSizeMode),
		"position_side":      string(s.PositionSide),
		"entry_price":        s.EntryPrice,
		"current_price":      s.CurrentPrice,
		"unrealized_pnl":     s.UnrealizedPNL,
		"total_trades":       s.TotalTrades,
		"total_pnl":          s.TotalPNL,
		"last_signal":        string(s.LastSignal),
		"balance":            s.Balance,
		"balance_sufficient": s.BalanceSufficient,
		"consecutive_losses": s.ConsecutiveLosses,
		"status_message":     s.StatusMessage,
		"last_check_time":    s.LastCheckTime.UTC().Format(time.RFC3339),
	}
}

// Shutdown stops the monitor loop, stops every agent and forces one final
// flush.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.monitorOn {
		o.monitorCancel()
		o.monitorOn = false
	}
	agents := make(map[string]ManagedAgent, len(o.agents))
	for userID, ag := range o.agents {
		agents[userID] = ag
	}
	o.agents = make(map[string]ManagedAgent)
	o.mu.Unlock()
	o.monitorWG.Wait()

	for userID, ag := range agents {
		if err := ag.Stop(ctx); err != nil {
			o.logger.Warn(ctx, "agent stop during shutdown failed",
				map[string]interface{}{"userID": userID, "error": err.Error()})
		}
		status := ag.Status()
		o.mu.Lock()
		o.statusCache[userID] = status
		o.mu.Unlock()
		o.queue.QueueUserUpdate(userID, statusFields(status))
	}

	if err := o.queue.Flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	o.logger.Info(ctx, "orchestrator shut down", map[string]interface{}{"agents": len(agents)})
	return nil
}
