// Package maintenance runs the gateway's periodic sweeps on cron schedules.
package maintenance

import (
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Sweeper schedules named housekeeping tasks. Tasks run on the cron
// goroutine; a panic in one is logged and never kills the scheduler.
type Sweeper struct {
	cron *cron.Cron

	mu      sync.Mutex
	names   []string
	running bool
}

// NewSweeper creates an idle sweeper. Schedules use the standard five-field
// cron syntax plus @every descriptors.
func NewSweeper() *Sweeper {
	return &Sweeper{cron: cron.New()}
}

// Register adds a task under the given schedule.
func (s *Sweeper) Register(name, schedule string, run func()) error {
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Maintenance] Task %s panicked: %v", name, r)
			}
		}()
		run()
	}

	if _, err := s.cron.AddFunc(schedule, wrapped); err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", name, err)
	}

	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()

	log.Printf("[Maintenance] Registered task %s (%s)", name, schedule)
	return nil
}

// Start begins running scheduled tasks.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Printf("[Maintenance] Started with %d tasks", len(s.names))
}

// Stop halts scheduling and waits for any in-flight task to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	<-s.cron.Stop().Done()
	log.Printf("[Maintenance] Stopped")
}

// Tasks lists registered task names.
func (s *Sweeper) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}
