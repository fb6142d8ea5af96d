// Package jobs runs the periodic housekeeping of the dispatch tables:
// expiring stale pending orders and evicting finished ones.
package jobs

import (
	"github.com/robfig/cron/v3"

	"github.com/routa/dispatch/infra/logger"
)

// OrderSweeper is the slice of the order table the jobs drive.
// Both calls return how many orders they touched.
type OrderSweeper interface {
	ExpirePending() int
	EvictTerminal() int
}

// Config holds the cron expressions for the two sweeps. Expressions use the
// six-field form with a leading seconds column.
type Config struct {
	ExpirySchedule   string `json:"expiry_schedule"`
	EvictionSchedule string `json:"eviction_schedule"`
}

func (c *Config) SetDefaults() {
	if c.ExpirySchedule == "" {
		c.ExpirySchedule = "*/10 * * * * *"
	}
	if c.EvictionSchedule == "" {
		c.EvictionSchedule = "0 * * * * *"
	}
}

// Manager owns the cron scheduler for order housekeeping.
type Manager struct {
	sweeper OrderSweeper
	cron    *cron.Cron
	cfg     Config
	log     logger.Logger
}

func NewManager(sweeper OrderSweeper, cfg Config, log logger.Logger) *Manager {
	cfg.SetDefaults()
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Manager{
		sweeper: sweeper,
		cron:    cron.New(cron.WithSeconds()),
		cfg:     cfg,
		log:     log,
	}
}

// Start registers both sweeps and launches the scheduler.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc(m.cfg.ExpirySchedule, m.runExpiry); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(m.cfg.EvictionSchedule, m.runEviction); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Infof("housekeeping jobs started (expiry %q, eviction %q)", m.cfg.ExpirySchedule, m.cfg.EvictionSchedule)
	return nil
}

// Stop halts the scheduler. Sweeps already running finish on their own.
func (m *Manager) Stop() {
	m.cron.Stop()
	m.log.Infof("housekeeping jobs stopped")
}

func (m *Manager) runExpiry() {
	if n := m.sweeper.ExpirePending(); n > 0 {
		m.log.Infof("expired %d stale pending order(s)", n)
	}
}

func (m *Manager) runEviction() {
	if n := m.sweeper.EvictTerminal(); n > 0 {
		m.log.Debugf("evicted %d finished order(s)", n)
	}
}
