package sync

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler defaults.
const (
	DefaultFastInterval = 10 * time.Second
	DefaultSlowInterval = 60 * time.Second
	DefaultZoneInterval = 5 * time.Minute
)

// SchedulerOptions configure a Scheduler. Zero durations take the
// package defaults.
type SchedulerOptions struct {
	// FastInterval is the poll period while the push channel is down.
	FastInterval time.Duration

	// SlowInterval is the safety-net period while pushes are flowing.
	SlowInterval time.Duration

	// ZoneInterval paces zone and flow mirror refreshes.
	ZoneInterval time.Duration

	// Connected reports whether the push channel is established. Nil
	// reads as never connected, keeping the fast cadence.
	Connected func() bool

	// OnTick requests a sync cycle. Required.
	OnTick func()

	// OnZoneTick requests a zone refresh. Nil disables the zone ticker
	// entirely, which is how a token without zone access runs.
	OnZoneTick func()
}

// Scheduler paces sync cycles for one hub. The poll period is re-read
// on every tick, so losing the push channel shifts back to the fast
// cadence within a single tick; Kick shortens even that.
type Scheduler struct {
	fast time.Duration
	slow time.Duration
	zone time.Duration

	connected func() bool
	tick      func()
	zoneTick  func()

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	wg        sync.WaitGroup
}

// NewScheduler validates options and builds a scheduler.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.OnTick == nil {
		return nil, errors.New("sync: scheduler tick callback is required")
	}
	s := &Scheduler{
		fast:      opts.FastInterval,
		slow:      opts.SlowInterval,
		zone:      opts.ZoneInterval,
		connected: opts.Connected,
		tick:      opts.OnTick,
		zoneTick:  opts.OnZoneTick,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if s.fast <= 0 {
		s.fast = DefaultFastInterval
	}
	if s.slow <= 0 {
		s.slow = DefaultSlowInterval
	}
	if s.zone <= 0 {
		s.zone = DefaultZoneInterval
	}
	if s.connected == nil {
		s.connected = func() bool { return false }
	}
	return s, nil
}

// Start launches the tickers.
func (s *Scheduler) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.wg.Add(1)
	go s.pollLoop()
	if s.zoneTick != nil {
		s.wg.Add(1)
		go s.zoneLoop()
	}
	return nil
}

// Close stops the tickers and waits for them to exit.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.started.Load() {
		s.wg.Wait()
	}
	return nil
}

// Kick re-arms the poll timer immediately. Wired to push channel state
// transitions so a dropped channel resumes fast polling at once instead
// of waiting out a slow period.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// interval returns the current poll period with up to 10% jitter so
// several hubs never settle into lockstep.
func (s *Scheduler) interval() time.Duration {
	base := s.fast
	if s.connected() {
		base = s.slow
	}
	//nolint:gosec // math/rand is fine for pacing jitter
	return base + time.Duration(rand.Int63n(int64(base/10)+1))
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()
	timer := time.NewTimer(s.interval())
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.interval())
		case <-timer.C:
			s.tick()
			timer.Reset(s.interval())
		}
	}
}

func (s *Scheduler) zoneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.zone)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.zoneTick()
		}
	}
}
