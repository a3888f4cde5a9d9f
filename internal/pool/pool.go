// Package pool manages the bounded browser-automation pool that executes scrape tasks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/metrics"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// ErrNotRunning is returned by Submit when the pool is stopped or draining.
var ErrNotRunning = errors.New("pool is not running")

// State is the pool lifecycle state.
type State string

// Lifecycle states.
const (
	StateStopped  State = "STOPPED"
	StateRunning  State = "RUNNING"
	StateDraining State = "DRAINING"
)

// Browser is a launched rendering resource.
type Browser interface {
	tracker.Renderer
	Close() error
}

// Launcher starts a Browser.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Throttle spaces out tasks per domain.
type Throttle interface {
	Wait(ctx context.Context, domain string) error
}

// Task is one unit of work executed with the pool's renderer.
type Task interface {
	// Host is the domain used for throttling.
	Host() string
	// Run executes the task. It must report its own outcome.
	Run(ctx context.Context, renderer tracker.Renderer)
	// Abort reports a failure when Run could not complete.
	Abort(err error)
}

// Config controls pool sizing.
type Config struct {
	MaxConcurrency int
}

// Pool executes tasks with at most MaxConcurrency in parallel.
type Pool struct {
	launcher Launcher
	throttle Throttle
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	browser  Browser
	ctx      context.Context
	cancel   context.CancelFunc
	sem      chan struct{}
	tasks    sync.WaitGroup
	drained  chan struct{}
	launches int
}

// New creates a stopped Pool.
func New(launcher Launcher, throttle Throttle, cfg Config, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		launcher: launcher,
		throttle: throttle,
		cfg:      cfg,
		logger:   logger,
		state:    StateStopped,
	}, nil
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Launches returns how many times the browser has been launched.
func (p *Pool) Launches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches
}

// EnsureStarted launches the pool if it is not running. If a drain is in
// progress it waits for the close to finish and launches again.
func (p *Pool) EnsureStarted(ctx context.Context) error {
	for {
		p.mu.Lock()
		switch p.state {
		case StateRunning:
			p.mu.Unlock()
			return nil
		case StateDraining:
			drained := p.drained
			p.mu.Unlock()
			select {
			case <-drained:
				continue
			case <-ctx.Done():
				return fmt.Errorf("wait for pool drain: %w", ctx.Err())
			}
		default:
		}

		// Launch while holding the lock so concurrent callers see one launch.
		browser, err := p.launcher.Launch(ctx)
		if err != nil {
			p.mu.Unlock()
			metrics.ObservePoolLaunch("error")
			return fmt.Errorf("launch browser: %w", err)
		}
		p.browser = browser
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.sem = make(chan struct{}, p.cfg.MaxConcurrency)
		p.drained = make(chan struct{})
		p.state = StateRunning
		p.launches++
		p.mu.Unlock()

		metrics.ObservePoolLaunch("ok")
		p.logger.Info("pool started", zap.Int("max_concurrency", p.cfg.MaxConcurrency))
		return nil
	}
}

// Submit schedules task without blocking the caller.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	p.mu.Lock()
	if p.state != StateRunning {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotRunning, state)
	}
	p.tasks.Add(1)
	ctx, sem, browser := p.ctx, p.sem, p.browser
	p.mu.Unlock()

	go p.execute(ctx, sem, browser, task)
	return nil
}

func (p *Pool) execute(ctx context.Context, sem chan struct{}, browser Browser, task Task) {
	defer p.tasks.Done()

	if p.throttle != nil {
		if err := p.throttle.Wait(ctx, task.Host()); err != nil {
			task.Abort(fmt.Errorf("throttle: %w", err))
			return
		}
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		task.Abort(fmt.Errorf("acquire pool slot: %w", ctx.Err()))
		return
	}
	metrics.IncInflight()
	defer func() {
		<-sem
		metrics.DecInflight()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("scrape task panicked",
				zap.String("host", task.Host()),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			task.Abort(fmt.Errorf("task panic: %v", rec))
		}
	}()
	task.Run(ctx, browser)
}

// AwaitIdleThenClose drains queued and in-flight tasks, then releases the
// browser. If ctx ends first, outstanding tasks are canceled and the browser
// is closed anyway.
func (p *Pool) AwaitIdleThenClose(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDraining
	drained := p.drained
	cancel := p.cancel
	browser := p.browser
	p.mu.Unlock()

	p.logger.Info("pool draining")
	idle := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(idle)
	}()

	var waitErr error
	select {
	case <-idle:
	case <-ctx.Done():
		waitErr = fmt.Errorf("await pool idle: %w", ctx.Err())
		cancel()
		<-idle
	}
	cancel()

	var closeErr error
	if browser != nil {
		if err := browser.Close(); err != nil {
			closeErr = fmt.Errorf("close browser: %w", err)
		}
	}

	p.mu.Lock()
	p.state = StateStopped
	p.browser = nil
	p.mu.Unlock()
	close(drained)
	p.logger.Info("pool closed")

	return errors.Join(waitErr, closeErr)
}
