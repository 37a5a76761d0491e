// Package worker implements the bounded pool of execution slots that pull
// ready items from the scheduler and run them to completion.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/toolexec/internal/scheduler"
)

const (
	defaultMinWorkers     = 2
	defaultMaxWorkers     = 8
	defaultScaleThreshold = 10
	defaultScaleUpAfter   = 5 * time.Second
	defaultIdleTimeout    = time.Minute
	defaultCheckInterval  = time.Second
)

// Config configures the pool.
type Config struct {
	MinWorkers int
	MaxWorkers int

	// Autoscale starts MinWorkers and grows toward MaxWorkers while the queue
	// depth stays above ScaleThreshold for ScaleUpAfter. Workers idle for
	// IdleTimeout retire down to MinWorkers. Without Autoscale the pool runs
	// MaxWorkers fixed slots.
	Autoscale      bool
	ScaleThreshold int
	ScaleUpAfter   time.Duration
	IdleTimeout    time.Duration
	CheckInterval  time.Duration
}

func (c Config) minWorkers() int {
	if c.MinWorkers > 0 {
		return c.MinWorkers
	}
	return defaultMinWorkers
}

func (c Config) maxWorkers() int {
	if c.MaxWorkers > 0 {
		return max(c.MaxWorkers, c.minWorkers())
	}
	return max(defaultMaxWorkers, c.minWorkers())
}

func (c Config) scaleThreshold() int {
	if c.ScaleThreshold > 0 {
		return c.ScaleThreshold
	}
	return defaultScaleThreshold
}

func (c Config) scaleUpAfter() time.Duration {
	if c.ScaleUpAfter > 0 {
		return c.ScaleUpAfter
	}
	return defaultScaleUpAfter
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return defaultIdleTimeout
}

func (c Config) checkInterval() time.Duration {
	if c.CheckInterval > 0 {
		return c.CheckInterval
	}
	return defaultCheckInterval
}

// Source yields ready work. *scheduler.Scheduler satisfies it.
type Source interface {
	Next(ctx context.Context) (scheduler.Item, error)
	Len() int
}

// Processor runs one dequeued item to completion.
type Processor interface {
	Process(ctx context.Context, item scheduler.Item)
	// Abort is called when Process panicked. The pool survives.
	Abort(item scheduler.Item, recovered any)
}

// Pool is a bounded set of workers.
type Pool struct {
	cfg     Config
	src     Source
	proc    Processor
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	workers int
	nextID  int
	started bool

	busy atomic.Int32

	loopCtx    context.Context
	stopLoops  context.CancelFunc
	runCtx     context.Context
	wg         sync.WaitGroup
	autoscaler sync.WaitGroup
}

// NewPool creates a pool. Call Start to spawn workers.
func NewPool(cfg Config, src Source, proc Processor, metrics *Metrics, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		cfg:     cfg,
		src:     src,
		proc:    proc,
		logger:  logger,
		metrics: metrics,
	}
}

// Start spawns the initial workers. ctx is the parent context of every
// processed item; cancelling it aborts in-flight work.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true
	p.runCtx = ctx
	p.loopCtx, p.stopLoops = context.WithCancel(context.Background())

	initial := p.cfg.maxWorkers()
	if p.cfg.Autoscale {
		initial = p.cfg.minWorkers()
		p.autoscaler.Add(1)
		go p.autoscale()
	}
	for i := 0; i < initial; i++ {
		p.spawnLocked()
	}

	p.logger.Info("worker pool started",
		slog.Int("workers", initial),
		slog.Int("min_workers", p.cfg.minWorkers()),
		slog.Int("max_workers", p.cfg.maxWorkers()),
		slog.Bool("autoscale", p.cfg.Autoscale),
	)
	return nil
}

// Stop stops dequeuing and waits for in-flight items to finish or ctx to end.
// Items still running when ctx ends keep their own context; the caller is
// expected to cancel them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopLoops == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopLoops()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.autoscaler.Wait()
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d busy workers: %w", p.Busy(), ctx.Err())
	}
}

// Workers returns the current number of workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Busy returns the number of workers currently processing an item.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Spare returns how many more items could run right now, counting workers
// the autoscaler may still add.
func (p *Pool) Spare() int {
	return max(p.cfg.maxWorkers()-p.Busy(), 0)
}

func (p *Pool) spawnLocked() {
	p.workers++
	p.nextID++
	p.metrics.setWorkers(p.workers)
	p.wg.Add(1)
	go p.loop(p.nextID)
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	log := p.logger.With(slog.Int("worker_id", id))

	for {
		nextCtx, cancel := p.loopCtx, context.CancelFunc(func() {})
		if p.cfg.Autoscale {
			nextCtx, cancel = context.WithTimeout(p.loopCtx, p.cfg.idleTimeout())
		}
		item, err := p.src.Next(nextCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && p.loopCtx.Err() == nil {
				if p.retire() {
					log.Debug("idle worker retired")
					return
				}
				continue
			}
			p.exit()
			if !errors.Is(err, scheduler.ErrClosed) && !errors.Is(err, context.Canceled) {
				log.Error("worker stopping on dequeue error", slog.String("error", err.Error()))
			}
			return
		}
		p.run(log, item)
	}
}

func (p *Pool) run(log *slog.Logger, item scheduler.Item) {
	p.metrics.setBusy(int(p.busy.Add(1)))
	defer func() {
		p.metrics.setBusy(int(p.busy.Add(-1)))
	}()
	defer func() {
		if r := recover(); r != nil {
			p.metrics.panicked()
			log.Error("recovered panic while processing execution",
				slog.String("execution_id", item.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			p.proc.Abort(item, r)
		}
	}()
	p.proc.Process(p.runCtx, item)
}

// retire removes the calling worker if the pool is above its minimum.
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers <= p.cfg.minWorkers() {
		return false
	}
	p.workers--
	p.metrics.setWorkers(p.workers)
	p.metrics.scaled("down")
	return true
}

func (p *Pool) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers--
	p.metrics.setWorkers(p.workers)
}

// autoscale adds a worker on every check while the queue depth has stayed
// above the threshold for the sustain period.
func (p *Pool) autoscale() {
	defer p.autoscaler.Done()
	ticker := time.NewTicker(p.cfg.checkInterval())
	defer ticker.Stop()

	var overSince time.Time
	for {
		select {
		case <-p.loopCtx.Done():
			return
		case now := <-ticker.C:
			if p.src.Len() <= p.cfg.scaleThreshold() {
				overSince = time.Time{}
				continue
			}
			if overSince.IsZero() {
				overSince = now
			}
			if now.Sub(overSince) < p.cfg.scaleUpAfter() {
				continue
			}
			p.mu.Lock()
			if p.workers < p.cfg.maxWorkers() && p.loopCtx.Err() == nil {
				p.spawnLocked()
				p.metrics.scaled("up")
				p.logger.Debug("worker pool scaled up",
					slog.Int("workers", p.workers),
					slog.Int("queue_depth", p.src.Len()),
				)
			}
			p.mu.Unlock()
		}
	}
}
