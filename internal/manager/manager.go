package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"binance-signal-bot-go/internal/bot"
	"binance-signal-bot-go/internal/clock"
	"binance-signal-bot-go/internal/exchange"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/persistence"

	"go.uber.org/zap"
)

var (
	ErrNotReady       = errors.New("manager not initialized")
	ErrAlreadyRunning = errors.New("bot already running")
	ErrNotRunning     = errors.New("bot not running")
	ErrUnknownBot     = errors.New("bot not found")
)

// ExchangeFactory builds the gateway for one bot, binding its
// credentials. Injected so simulations and tests can substitute their
// own exchange.
type ExchangeFactory func(cfg models.BotConfig) (exchange.Exchange, error)

type runningBot struct {
	bot    *bot.Bot
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the registry of live bot loops. All starts and stops go
// through it; it is the only writer of the registry map.
type Manager struct {
	store       persistence.Store
	newExchange ExchangeFactory
	clock       *clock.Synchronizer
	prober      clock.TimeProber
	logger      *zap.SugaredLogger

	maxConsecutiveFailures int

	mu    sync.Mutex
	ready bool
	bots  map[string]*runningBot
}

// New builds a manager. The prober is any exchange handle usable for
// unauthenticated time probes; the clock is shared with every gateway
// the factory produces.
func New(store persistence.Store, factory ExchangeFactory, sync *clock.Synchronizer, prober clock.TimeProber, maxConsecutiveFailures int, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		store:                  store,
		newExchange:            factory,
		clock:                  sync,
		prober:                 prober,
		logger:                 logger,
		maxConsecutiveFailures: maxConsecutiveFailures,
		bots:                   make(map[string]*runningBot),
	}
}

// Initialize measures the clock offset, opens the registry for requests,
// and respawns every bot that was running when the process last exited.
// Start and Stop reject until this has run.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.clock.Sync(ctx, m.prober); err != nil {
		// Deliberately not fatal. The gateway retries on timestamp
		// rejections, so a transient probe failure here self-heals.
		m.logger.Warnw("initial clock sync failed", "err", err)
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()

	records, err := m.store.ListBots()
	if err != nil {
		return fmt.Errorf("listing persisted bots: %w", err)
	}
	for _, rec := range records {
		if rec.Status != models.StatusRunning {
			continue
		}
		if err := m.Start(rec.Config); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			m.logger.Errorw("respawning persisted bot failed", "bot", rec.Config.ID, "err", err)
			m.markError(rec.Config.ID, fmt.Sprintf("respawn failed: %v", err))
		}
	}
	return nil
}

// Start spins up the bot's run loop. Starting an already-running bot is
// rejected without touching the live loop; starting a stopped or errored
// bot resets its error and flips it back to running.
func (m *Manager) Start(cfg models.BotConfig) error {
	// All construction happens before the registry lock so a slow or
	// failing setup never blocks other starts, and a failed one leaves
	// no registry entry behind.
	ex, err := m.newExchange(cfg)
	if err != nil {
		return fmt.Errorf("building exchange for bot %s: %w", cfg.ID, err)
	}
	b, err := bot.New(cfg, ex, m.store, m.maxConsecutiveFailures, m.logger)
	if err != nil {
		return fmt.Errorf("building bot %s: %w", cfg.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rb := &runningBot{bot: b, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		cancel()
		return ErrNotReady
	}
	if _, exists := m.bots[cfg.ID]; exists {
		m.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	m.bots[cfg.ID] = rb
	m.mu.Unlock()

	if err := m.persistRunning(cfg); err != nil {
		cancel()
		// The loop goroutine is never spawned on this path, so done must
		// be closed here: a concurrent Stop may already hold the entry
		// and be waiting on it.
		close(rb.done)
		m.mu.Lock()
		if cur, ok := m.bots[cfg.ID]; ok && cur == rb {
			delete(m.bots, cfg.ID)
		}
		m.mu.Unlock()
		return err
	}

	go func() {
		b.Run(runCtx)
		close(rb.done)
		// A loop that exited on its own (escalation) removes itself, so
		// the slot is free for an explicit restart.
		m.mu.Lock()
		if cur, ok := m.bots[cfg.ID]; ok && cur == rb {
			delete(m.bots, cfg.ID)
		}
		m.mu.Unlock()
	}()

	m.logger.Infow("bot started", "bot", cfg.ID, "symbol", cfg.Symbol)
	return nil
}

// Stop cancels the bot's loop, waits for any in-flight tick to finish,
// and persists the stopped status. A bot that escalated to the error
// state in the meantime keeps that status.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		return ErrNotReady
	}
	rb, ok := m.bots[id]
	if ok {
		delete(m.bots, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	rb.cancel()
	<-rb.done

	if err := m.store.UpdateBot(id, func(rec *models.BotRecord) error {
		if rec.Status == models.StatusRunning {
			rec.Status = models.StatusStopped
		}
		return nil
	}); err != nil {
		return fmt.Errorf("persisting stop of bot %s: %w", id, err)
	}
	m.logger.Infow("bot stopped", "bot", id)
	return nil
}

// Shutdown stops every loop and waits for in-flight ticks. Persisted
// statuses are left untouched: bots marked running are respawned on the
// next Initialize, which is what makes process restarts transparent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.ready = false
	running := make([]*runningBot, 0, len(m.bots))
	for id, rb := range m.bots {
		running = append(running, rb)
		delete(m.bots, id)
	}
	m.mu.Unlock()

	for _, rb := range running {
		rb.cancel()
	}
	for _, rb := range running {
		<-rb.done
	}
	m.logger.Infow("all bots stopped", "count", len(running))
}

// Status returns the bot's persisted record, with the live registry
// deciding whether it currently counts as running.
func (m *Manager) Status(id string) (*models.BotRecord, error) {
	rec, err := m.store.GetBot(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownBot
	}
	return rec, nil
}

// List returns all persisted bot records.
func (m *Manager) List() ([]models.BotRecord, error) {
	return m.store.ListBots()
}

// IsActive reports whether the bot's loop is live right now, as opposed
// to its persisted status, which survives the loop.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bots[id]
	return ok
}

// Running returns the ids of the bots with a live loop in this process.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	return ids
}

// ResyncAll is the fleet recovery path for systemic clock drift: it
// forces a fresh offset measurement and then bounces every live loop so
// no bot keeps trading on requests stamped from the bad offset.
func (m *Manager) ResyncAll(ctx context.Context) error {
	if err := m.clock.Sync(ctx, m.prober); err != nil {
		return fmt.Errorf("resyncing clock: %w", err)
	}

	for _, id := range m.Running() {
		rec, err := m.store.GetBot(id)
		if err != nil || rec == nil {
			m.logger.Errorw("loading bot for restart failed", "bot", id, "err", err)
			continue
		}
		if err := m.Stop(id); err != nil {
			if errors.Is(err, ErrNotRunning) {
				continue // stopped on its own in the meantime
			}
			return fmt.Errorf("restarting bot %s: %w", id, err)
		}
		if err := m.Start(rec.Config); err != nil {
			return fmt.Errorf("restarting bot %s: %w", id, err)
		}
	}
	return nil
}

// persistRunning upserts the bot record with the latest config and the
// running status.
func (m *Manager) persistRunning(cfg models.BotConfig) error {
	existing, err := m.store.GetBot(cfg.ID)
	if err != nil {
		return fmt.Errorf("loading bot %s: %w", cfg.ID, err)
	}
	if existing == nil {
		return m.store.SaveBot(&models.BotRecord{
			Config: cfg,
			Status: models.StatusRunning,
		})
	}
	return m.store.UpdateBot(cfg.ID, func(rec *models.BotRecord) error {
		rec.Config = cfg
		rec.Status = models.StatusRunning
		rec.LastError = ""
		return nil
	})
}

func (m *Manager) markError(id, reason string) {
	if err := m.store.UpdateBot(id, func(rec *models.BotRecord) error {
		rec.Status = models.StatusError
		rec.LastError = reason
		return nil
	}); err != nil {
		m.logger.Errorw("persisting error state failed", "bot", id, "err", err)
	}
}
