// Package scheduler implements background task scheduling for the proxy:
// periodic catalog refresh while the session is idle, activation log
// pruning and host stats polling.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/m3tac0de/x1proxy/internal/config"
	"github.com/m3tac0de/x1proxy/internal/db"
	"github.com/m3tac0de/x1proxy/internal/engine"
	"github.com/m3tac0de/x1proxy/internal/events"
	"github.com/m3tac0de/x1proxy/internal/util"
)

// Activation log rows older than this are swept.
const activationRetention = 90 * 24 * time.Hour

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	engine   *engine.Engine
	mappings *db.MappingsDatabase
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, eng *engine.Engine, mappings *db.MappingsDatabase) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		engine:   eng,
		mappings: mappings,
	}
}

// Start begins running all scheduled tasks.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	timers := s.cfg.GetApplicationData().Timers

	if timers.CatalogRefreshInterval > 0 {
		go s.runCatalogRefreshLoop(ctx, time.Duration(timers.CatalogRefreshInterval)*time.Second)
	}

	if s.mappings != nil && timers.MappingSweepInterval > 0 {
		go s.runActivationSweepLoop(ctx, time.Duration(timers.MappingSweepInterval)*time.Second)
	}

	if timers.StatsPollingInterval > 0 {
		go s.runStatsPollingLoop(ctx, time.Duration(timers.StatsPollingInterval)*time.Second)
	}

	// Block until context is cancelled
	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runCatalogRefreshLoop re-requests the hub's top-level catalog lists so
// the mirror does not go stale between app sessions. Refreshes are skipped
// while a client app owns the session or a burst is still settling.
func (s *Scheduler) runCatalogRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshCatalog()
		}
	}
}

func (s *Scheduler) refreshCatalog() {
	if !s.engine.CanIssueCommands() {
		log.Debug().Msg("catalog refresh skipped: cannot issue commands")
		return
	}
	if s.engine.Burst().Active() {
		log.Debug().Msg("catalog refresh skipped: burst in progress")
		return
	}

	log.Debug().Msg("refreshing hub catalog")
	s.engine.RequestActivities()
	s.engine.RequestDevices()
}

// runActivationSweepLoop prunes old rows out of the activation log.
func (s *Scheduler) runActivationSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.mappings.PruneActivations(activationRetention)
			if err != nil {
				log.Warn().Err(err).Msg("activation sweep failed")
				continue
			}
			if removed > 0 {
				log.Info().Int64("removed", removed).Msg("activation log pruned")
			}
		}
	}
}

// runStatsPollingLoop samples host load for the debug log.
func (s *Scheduler) runStatsPollingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats()
		}
	}
}

// collectStats gathers a host load sample.
func (s *Scheduler) collectStats() {
	cpuPercent, err := util.GetCPUUsage()
	if err != nil {
		return
	}
	mem, err := util.GetMemoryUsage()
	if err != nil {
		return
	}

	log.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("mem_percent", mem.UsedPercent).
		Bool("hub_connected", s.engine.HubConnected()).
		Bool("client_connected", s.engine.ClientConnected()).
		Msg("stats sample")
}
