package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EngineControlError reports a stop or start command that did not succeed.
type EngineControlError struct {
	Phase string
	Err   error
}

func (e *EngineControlError) Error() string {
	return fmt.Sprintf("engine %s failed: %v", e.Phase, e.Err)
}

func (e *EngineControlError) Unwrap() error {
	return e.Err
}

type Runner interface {
	Run(ctx context.Context, argv []string) error
}

// ExecRunner runs commands on the host and folds their output into errors.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, msg)
		}
		return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	return nil
}

// Locker guards the stop/edit/start window across processes.
type Locker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}

type Options struct {
	StopCommand    []string
	StartCommand   []string
	StopSettle     time.Duration
	StartSettle    time.Duration
	CommandTimeout time.Duration
	Runner         Runner
	Locker         Locker
	Logger         logrus.FieldLogger
}

// Controller serializes every operational-store edit behind one engine
// stop/start cycle.
type Controller struct {
	stop, start    []string
	stopSettle     time.Duration
	startSettle    time.Duration
	commandTimeout time.Duration
	runner         Runner
	locker         Locker
	logger         logrus.FieldLogger

	// Sleep is swapped out in tests.
	Sleep func(time.Duration)

	mu     sync.Mutex
	cycles atomic.Int64
}

func NewController(opts Options) *Controller {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	return &Controller{
		stop:           opts.StopCommand,
		start:          opts.StartCommand,
		stopSettle:     opts.StopSettle,
		startSettle:    opts.StartSettle,
		commandTimeout: opts.CommandTimeout,
		runner:         opts.Runner,
		locker:         opts.Locker,
		logger:         opts.Logger,
		Sleep:          time.Sleep,
	}
}

// Cycles reports how many stop/start cycles have run.
func (c *Controller) Cycles() int64 {
	return c.cycles.Load()
}

// WithEngineStopped stops the engine, runs fn, and starts the engine again.
// The start is attempted whatever fn returns. Once the engine is stopped the
// caller's cancellation no longer applies. A failed stop is logged and the
// cycle continues; a failed start is joined into the returned error.
func (c *Controller) WithEngineStopped(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx)
		if err != nil {
			return fmt.Errorf("acquire engine lock: %w", err)
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				c.logger.WithError(err).Warn("engine lock release failed")
			}
		}()
	}

	work := context.WithoutCancel(ctx)
	cycle := c.cycles.Add(1)
	log := c.logger.WithField("cycle", cycle)
	begin := time.Now()

	if err := c.run(work, c.stop); err != nil {
		log.WithError(&EngineControlError{Phase: "stop", Err: err}).Warn("engine stop failed, continuing")
	}
	c.sleep(c.stopSettle)

	fnErr := c.call(work, fn)
	if fnErr != nil {
		log.WithError(fnErr).Error("engine-stopped edit failed")
	}

	var startErr error
	if err := c.run(work, c.start); err != nil {
		startErr = &EngineControlError{Phase: "start", Err: err}
		log.WithError(err).Error("engine start failed")
	}
	c.sleep(c.startSettle)

	log.WithField("elapsed", time.Since(begin).Round(time.Millisecond)).Debug("engine cycle complete")
	return errors.Join(fnErr, startErr)
}

func (c *Controller) run(ctx context.Context, argv []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	return c.runner.Run(ctx, argv)
}

func (c *Controller) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine-stopped edit panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (c *Controller) sleep(d time.Duration) {
	if d <= 0 || c.Sleep == nil {
		return
	}
	c.Sleep(d)
}
