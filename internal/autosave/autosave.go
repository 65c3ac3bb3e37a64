package autosave

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
)

// Saver persists the experiment to a single file
type Saver interface {
	SaveInOneFile(path string) (int, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler saves the experiment on a cron schedule
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	path     string
	saver    Saver

	mu        sync.Mutex
	saving    bool
	lastSave  time.Time
	lastBytes int
	lastErr   error
}

// New creates a Scheduler. It does not start until Start is called.
func New(expr, path string, saver Saver) (*Scheduler, error) {
	if path == "" {
		return nil, errors.New("autosave path is required")
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	s := &Scheduler{
		cron:     cron.New(cron.WithParser(parser)),
		schedule: sched,
		path:     path,
		saver:    saver,
	}
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

// Start begins the schedule in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running save to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// NextRun returns the next scheduled save time
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(time.Now())
}

// SaveNow saves immediately, skipping if a save is already in progress
func (s *Scheduler) SaveNow() error {
	s.mu.Lock()
	if s.saving {
		s.mu.Unlock()
		return nil
	}
	s.saving = true
	s.mu.Unlock()

	n, err := s.saver.SaveInOneFile(s.path)

	s.mu.Lock()
	s.saving = false
	s.lastErr = err
	if err == nil {
		s.lastSave = time.Now()
		s.lastBytes = n
	}
	s.mu.Unlock()
	return err
}

// LastSave returns the time and size of the last successful save
func (s *Scheduler) LastSave() (time.Time, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSave, s.lastBytes, s.lastErr
}

func (s *Scheduler) tick() {
	if err := s.SaveNow(); err != nil {
		log.Printf("autosave to %s failed: %v", s.path, err)
		return
	}
	_, n, _ := s.LastSave()
	log.Printf("autosaved %s to %s", humanize.Bytes(uint64(n)), s.path)
}
