package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
)

// Poller runs SyncAll on an interval and on demand. It is used by `serve`
// when no external scheduler drives syncing.
type Poller struct {
	engine    *Engine
	interval  time.Duration
	timeout   time.Duration
	resultCh  chan Summary
	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	logger    zerolog.Logger

	mu      gosync.Mutex
	running bool
}

// NewPoller creates a Poller. Each run is bounded by timeout.
func NewPoller(e *Engine, interval, timeout time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	return &Poller{
		engine:    e,
		interval:  interval,
		timeout:   timeout,
		resultCh:  make(chan Summary, 16),
		triggerCh: make(chan struct{}, 1),
		logger:    logger.With().Str("component", "poller").Logger(),
	}
}

// Start launches the polling goroutine. It runs once immediately. A stopped
// Poller may be started again.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(ctx, p.stopCh, p.doneCh)
}

// Stop halts polling and waits for an in-flight run to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()
	<-done
}

// Trigger requests an immediate run. It never blocks; a pending trigger
// absorbs further requests.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Results delivers run summaries. Summaries are dropped when nobody reads.
func (p *Poller) Results() <-chan Summary {
	return p.resultCh
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	summary, err := p.engine.SyncAll(runCtx)
	if err != nil {
		p.logger.Error().Err(err).Msg("scheduled sync failed")
		return
	}
	select {
	case p.resultCh <- summary:
	default:
	}
}
