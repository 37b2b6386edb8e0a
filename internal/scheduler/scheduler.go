// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/aventura-engine/aventura/internal/services"
	"github.com/aventura-engine/aventura/internal/utils"
)

// Scheduler runs the per-minute housekeeping job cmd/server registers at
// startup: force-resetting any Turn Coordinator stuck outside Idle past a
// watchdog timeout, and pruning the Chapter Engine's expired query cache.
//
// Grounded on yy1588133-myclaw's internal/cron/service.go Service type
// (rcron.Cron wrapped in a start/stop pair with its own context), trimmed
// from that teacher's dynamic job-registration/persistence layer (jobs
// loaded from a JSON store, added/removed at runtime) down to one fixed
// housekeeping job covering both tasks, since nothing in this system needs
// jobs defined outside the binary itself.
type Scheduler struct {
	coordinator     *services.TurnCoordinator
	chapterEngine   *services.ChapterEngine
	watchdogTimeout time.Duration

	mu   sync.Mutex
	cron *rcron.Cron
}

// New builds a Scheduler against the given coordinator and chapter engine.
func New(coordinator *services.TurnCoordinator, chapterEngine *services.ChapterEngine, watchdogTimeout time.Duration) *Scheduler {
	if watchdogTimeout <= 0 {
		watchdogTimeout = 2 * time.Minute
	}
	return &Scheduler{coordinator: coordinator, chapterEngine: chapterEngine, watchdogTimeout: watchdogTimeout}
}

// Start registers and runs the housekeeping job every minute, until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	c := rcron.New()
	c.AddFunc("@every 1m", s.runHousekeeping)

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	utils.GetLogger().Info("scheduler started", map[string]interface{}{"watchdog_timeout": s.watchdogTimeout.String()})

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		cron := s.cron
		s.mu.Unlock()
		if cron != nil {
			<-cron.Stop().Done()
		}
	}()
}

func (s *Scheduler) runHousekeeping() {
	for _, storyID := range s.coordinator.StuckStories(s.watchdogTimeout) {
		s.coordinator.ForceReset(storyID)
	}

	if pruned := s.chapterEngine.PruneCache(); pruned > 0 {
		utils.GetLogger().Info("pruned expired chapter query cache entries", map[string]interface{}{"count": pruned})
	}
}
