package consolidate

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler drives periodic consolidation cycles in the background.
type Scheduler struct {
	service  *Service
	interval time.Duration

	running sync.Mutex // held while a cycle runs; skips overlapping ticks
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewScheduler creates a scheduler around the service. interval <= 0 falls
// back to six hours.
func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background loop. The first cycle runs after one full
// interval, not immediately.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("consolidate: scheduler started, interval %s", s.interval)
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	log.Printf("consolidate: scheduler stopped")
}

// RunOnce executes a single cycle if one is not already in flight.
// It reports whether the cycle ran.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.running.TryLock() {
		log.Printf("WARNING: consolidate: previous cycle still running, skipping")
		return false
	}
	defer s.running.Unlock()

	start := time.Now()
	results := s.service.ConsolidateAllUsers(ctx)

	var processed, failed int
	for _, result := range results {
		if result.Err != nil {
			failed++
			continue
		}
		if !result.Skipped {
			processed++
		}
	}
	log.Printf("consolidate: cycle finished in %s: %d tenants consolidated, %d failed, %d considered",
		time.Since(start).Round(time.Millisecond), processed, failed, len(results))
	return true
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}
