// Package worker runs background tasks off the request path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatbroker/pkg/metrics"
)

// ErrQueueFull is returned by Enqueue when the task was dropped.
var ErrQueueFull = errors.New("task queue full")

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("worker pool stopped")

type Task struct {
	ID   string
	Name string
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries uint64
	// Timeout bounds every attempt. Zero means the pool default.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type Pool struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration

	Log     zerolog.Logger
	Metrics *metrics.Metrics

	jobs    chan *Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	lock    sync.RWMutex
}

func NewPool(workers, queueSize int, log zerolog.Logger, m *metrics.Metrics) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pool{
		Workers:         workers,
		QueueSize:       queueSize,
		DefaultTimeout:  30 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		Log:             log.With().Str("component", "worker").Logger(),
		Metrics:         m,
		jobs:            make(chan *Task, queueSize),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

// Stop stops accepting tasks, lets queued ones finish and waits for the workers.
func (p *Pool) Stop() {
	p.lock.Lock()
	if p.stopped {
		p.lock.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.lock.Unlock()
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}

// Enqueue never blocks. A full queue drops the task and returns ErrQueueFull.
func (p *Pool) Enqueue(task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		p.Log.Warn().Str("task_id", task.ID).Str("task_name", task.Name).Msg("Task queue full, dropping task")
		p.count(task.Name, "dropped")
		return ErrQueueFull
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for task := range p.jobs {
		p.handle(task)
	}
}

func (p *Pool) handle(task *Task) {
	log := p.Log.With().Str("task_id", task.ID).Str("task_name", task.Name).Logger()
	ctx := log.WithContext(p.ctx)
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.DefaultTimeout
	}

	attempt := 0
	op := func() (err error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Bytes(zerolog.ErrorStackFieldName, debug.Stack()).
					Any("panic", r).
					Msg("Task panicked")
				err = backoff.Permanent(fmt.Errorf("task panicked: %v", r))
			}
		}()
		return task.Run(attemptCtx)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, task.MaxRetries), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Task failed, retrying")
	})
	if err != nil {
		log.Warn().Err(err).Int("attempts", attempt).Msg("Task failed")
		p.count(task.Name, "failed")
		return
	}
	log.Trace().Int("attempts", attempt).Msg("Task finished")
	p.count(task.Name, "ok")
}

func (p *Pool) count(name, outcome string) {
	if p.Metrics != nil {
		p.Metrics.WorkerTasks.WithLabelValues(name, outcome).Inc()
	}
}
