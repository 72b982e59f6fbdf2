// Package notify delivers committed alert notifications to external sinks
// off the request path.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Sink delivers one notification to an external system. Implementations must
// be safe for concurrent use.
type Sink interface {
	Name() string
	Send(ctx context.Context, n *alert.Notification) error
}

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notification dispatcher closed")
)

const (
	DefaultQueueSize   = 1024
	DefaultWorkers     = 4
	DefaultSendTimeout = 10 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// Options configures a Dispatcher. Zero values select the defaults.
type Options struct {
	QueueSize int
	Workers   int

	// Rate caps deliveries per second across all sinks. Zero means unlimited.
	Rate  float64
	Burst int

	SendTimeout time.Duration
	MaxAttempts int
	RetryDelay  time.Duration

	Hooks Hooks
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
}

// Dispatcher queues notifications and fans each one out to every sink from a
// fixed pool of workers. Notify never blocks; a full queue drops the
// notification, which stays readable from the store.
type Dispatcher struct {
	sinks   []Sink
	queue   chan *alert.Notification
	limiter *rate.Limiter
	opts    Options
	logger  log.Logger

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher starts the worker pool. Call Close to stop it.
func NewDispatcher(logger log.Logger, opts Options, sinks ...Sink) *Dispatcher {
	opts.setDefaults()
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		sinks:  sinks,
		queue:  make(chan *alert.Notification, opts.QueueSize),
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.Rate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)
	}
	for range opts.Workers {
		d.wg.Go(d.work)
	}
	return d
}

// Notify enqueues n for delivery.
func (d *Dispatcher) Notify(_ context.Context, n *alert.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- n:
		d.opts.Hooks.queued(len(d.queue))
		return nil
	default:
		d.opts.Hooks.dropped()
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits for the queue to drain. If
// ctx ends first, in-flight sends are canceled and ctx's error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	for n := range d.queue {
		d.opts.Hooks.queued(len(d.queue))
		if d.limiter != nil {
			if err := d.limiter.Wait(d.ctx); err != nil {
				d.logger.Warn(d.ctx, "notification dropped",
					"notification_id", n.ID,
					"error", err.Error(),
				)
				d.opts.Hooks.dropped()
				continue
			}
		}
		for _, s := range d.sinks {
			d.send(s, n)
		}
	}
}

func (d *Dispatcher) send(s Sink, n *alert.Notification) {
	begin := time.Now()

	var err error
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.SendTimeout)
		err = s.Send(ctx, n)
		cancel()
		if err == nil || attempt >= d.opts.MaxAttempts || !d.pause() {
			break
		}
	}

	result := "ok"
	if err != nil {
		result = "failed"
		d.logger.Warn(d.ctx, "notification delivery failed",
			"sink", s.Name(),
			"notification_id", n.ID,
			"target_user", n.TargetUser,
			"error", err.Error(),
		)
	}
	d.opts.Hooks.delivered(s.Name(), result, time.Since(begin).Seconds())
}

// pause waits out the retry delay. It reports false once the dispatcher is
// shutting down.
func (d *Dispatcher) pause() bool {
	t := time.NewTimer(d.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}
