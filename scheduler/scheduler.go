// Package scheduler runs the engine's periodic background responsibilities:
// partition lookahead creation, partition lifecycle transitions, cache
// maintenance, cache warming and advisor analysis. Each job is named, has a
// defined interval, and is started and stopped as part of the engine's
// explicit lifecycle. Job errors are logged and retried on the next run,
// never propagated to in-flight requests.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"marketdata_backend/config"
	"marketdata_backend/services/advisor"
	"marketdata_backend/services/cache"
	"marketdata_backend/services/partition"
	"marketdata_backend/services/retrieval"
)

// Scheduler manages the engine's scheduled jobs.
type Scheduler struct {
	cron      *gocron.Scheduler
	cfg       *config.Config
	parts     *partition.Manager
	store     *cache.Store
	retrieval *retrieval.Service
	adv       *advisor.Advisor
}

// New creates a scheduler wired to the engine's components.
func New(cfg *config.Config, parts *partition.Manager, store *cache.Store,
	svc *retrieval.Service, adv *advisor.Advisor) *Scheduler {
	return &Scheduler{
		cron:      gocron.NewScheduler(time.UTC),
		cfg:       cfg,
		parts:     parts,
		store:     store,
		retrieval: svc,
		adv:       adv,
	}
}

// Start registers and starts all jobs.
func (s *Scheduler) Start() {
	log.Println("Starting scheduler...")

	// Create partitions ahead of need so write paths never block on
	// partition creation
	s.cron.Every(1).Day().At("00:05").Do(func() {
		s.runPartitionLookahead()
	})

	// Seal, archive and drop expired partitions per retention policy
	s.cron.Every(1).Day().At("01:00").Do(func() {
		s.runPartitionLifecycle()
	})

	// Evict expired cache entries
	s.cron.Every(5).Minutes().Do(func() {
		s.runCacheMaintenance()
	})

	// Refresh partition statistics for the health endpoint and advisor
	s.cron.Every(1).Hour().Do(func() {
		s.runStatsRefresh()
	})

	// Advisory analysis of query performance
	s.cron.Every(1).Hour().Do(func() {
		s.adv.RunAnalysis()
	})

	// Re-warm frequently requested symbols daily before the session
	if len(s.cfg.Retrieval.WarmSymbols) > 0 {
		s.cron.Every(1).Day().At("08:30").Do(func() {
			s.runCacheWarm()
		})
	}

	s.cron.StartAsync()

	// Lookahead and warming also run once at startup
	go func() {
		s.runPartitionLookahead()
		s.runCacheWarm()
	}()

	log.Println("Scheduler started successfully")
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Scheduler stopped")
}

func (s *Scheduler) runPartitionLookahead() {
	if err := s.parts.EnsureAllLookahead(); err != nil {
		log.Printf("Partition lookahead failed (will retry next run): %v", err)
		return
	}
	log.Println("Partition lookahead completed")
}

func (s *Scheduler) runPartitionLifecycle() {
	sealed, err := s.parts.SealExpired()
	if err != nil {
		log.Printf("Partition seal pass failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	archived, err := s.parts.ArchiveExpired(ctx)
	if err != nil {
		log.Printf("Partition archive pass failed: %v", err)
	}

	dropped, err := s.parts.DropExpired()
	if err != nil {
		log.Printf("Partition drop pass failed: %v", err)
	}

	if sealed+archived+dropped > 0 {
		log.Printf("Partition lifecycle: sealed=%d archived=%d dropped=%d", sealed, archived, dropped)
	}
}

func (s *Scheduler) runCacheMaintenance() {
	if removed := s.store.Sweep(); removed > 0 {
		log.Printf("Cache maintenance evicted %d expired entries", removed)
	}
}

func (s *Scheduler) runStatsRefresh() {
	for _, table := range []string{partition.BarsTable, partition.QueryLogTable} {
		if err := s.parts.RefreshStats(table); err != nil {
			log.Printf("Partition stats refresh failed for %s: %v", table, err)
		}
	}
}

func (s *Scheduler) runCacheWarm() {
	if len(s.cfg.Retrieval.WarmSymbols) == 0 {
		return
	}
	s.retrieval.WarmCache(s.cfg.Retrieval.WarmSymbols)
}
