package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/appctx"
	"github.com/quantum-forge/a2a-server/internal/common/config"
	"github.com/quantum-forge/a2a-server/internal/common/logger"
)

var (
	ErrReaperAlreadyRunning = errors.New("reaper already running")
	ErrReaperNotRunning     = errors.New("reaper not running")
)

// sweepTimeout bounds a single reaper pass.
const sweepTimeout = 30 * time.Second

// Reaper periodically returns abandoned tasks to the queue. It runs at
// a quarter of the lease timeout so an expired lease is noticed well
// before a second lease window passes.
type Reaper struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReaper creates a lease reaper for the queue service.
func NewReaper(service *Service, cfg config.QueueConfig, log *logger.Logger) *Reaper {
	interval := cfg.LeaseTimeoutDuration() / 4
	if interval < time.Second {
		interval = time.Second
	}
	return &Reaper{
		service:  service,
		interval: interval,
		log:      log,
	}
}

// Start launches the reaper loop.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrReaperAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.processLoop()

	r.log.Info("Lease reaper started", zap.Duration("interval", r.interval))
	return nil
}

// Stop halts the reaper loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrReaperNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("Lease reaper stopped")
	return nil
}

func (r *Reaper) processLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	ctx, cancel := appctx.Detached(context.Background(), r.stopCh, sweepTimeout)
	defer cancel()

	revived, err := r.service.ReviveExpired(ctx)
	if err != nil {
		r.log.Error("Reaper sweep failed", zap.Error(err))
		return
	}
	if revived > 0 {
		r.log.Info("Reaper sweep revived tasks", zap.Int("count", revived))
	}
}
