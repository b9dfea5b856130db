package room

import (
	"sync"
	"time"
)

// scheduler is the per-room snapshot timer. It is a two-state machine,
// stopped <-> running: the transition to running happens exactly when
// membership goes 0 -> 1 and back to stopped exactly when it returns to 0.
// start and stop are guarded so a double start or a second stop is a no-op;
// the timer goroutine is the room's only long-lived resource and must be
// cancelled exactly once.
type scheduler struct {
	interval time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func newScheduler(interval time.Duration) *scheduler {
	return &scheduler{interval: interval}
}

// start launches the timer goroutine. Returns false when already running.
// tick fires every interval; sample fires once per second for the traffic
// metric.
func (s *scheduler) start(tick, sample func(now time.Time)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	s.running = true
	s.done = make(chan struct{})
	go s.run(s.done, tick, sample)
	return true
}

// stop cancels the timer goroutine. Returns false when not running.
func (s *scheduler) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	s.running = false
	close(s.done)
	return true
}

func (s *scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *scheduler) run(done <-chan struct{}, tick, sample func(now time.Time)) {
	ticker := time.NewTicker(s.interval)
	rateTicker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer rateTicker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			tick(now)
		case now := <-rateTicker.C:
			sample(now)
		}
	}
}
