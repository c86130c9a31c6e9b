// README: Emitter contract plus fan-out, async, logging and recording sinks.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/metrics"
)

type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Notifier is what engine services hold: it never fails the caller.
type Notifier struct {
	emitter Emitter
	logger  *zap.Logger
}

func NewNotifier(emitter Emitter, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{emitter: emitter, logger: logger}
}

// Publish hands e to the emitter and only logs failures.
func (n *Notifier) Publish(ctx context.Context, e Event) {
	if n == nil || n.emitter == nil {
		return
	}
	if err := n.emitter.Emit(ctx, e); err != nil {
		metrics.EventsEmitted.WithLabelValues(string(e.Kind()), "error").Inc()
		n.logger.Warn("event delivery failed",
			zap.String("kind", string(e.Kind())),
			zap.String("ride_id", string(e.Subject())),
			zap.Error(err),
		)
		return
	}
	metrics.EventsEmitted.WithLabelValues(string(e.Kind()), "ok").Inc()
}

type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, em := range f {
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogEmitter struct {
	logger *zap.Logger
}

func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(_ context.Context, e Event) error {
	l.logger.Info("event",
		zap.String("kind", string(e.Kind())),
		zap.String("ride_id", string(e.Subject())),
		zap.Any("payload", e),
	)
	return nil
}

var ErrQueueFull = errors.New("notification queue full")

// Async decouples callers from slow sinks with a bounded queue. Events that
// do not fit are dropped.
type Async struct {
	inner  Emitter
	queue  chan Event
	logger *zap.Logger
}

func NewAsync(inner Emitter, size int, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{inner: inner, queue: make(chan Event, size), logger: logger}
}

func (a *Async) Emit(_ context.Context, e Event) error {
	select {
	case a.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is done, then drains what is left
// with a short deadline.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case e := <-a.queue:
			a.deliver(ctx, e)
		}
	}
}

func (a *Async) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-a.queue:
			a.deliver(ctx, e)
		default:
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, e Event) {
	if err := a.inner.Emit(ctx, e); err != nil {
		a.logger.Warn("async delivery failed", zap.String("kind", string(e.Kind())), zap.Error(err))
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind()
	}
	return out
}

// Find returns the recorded events of kind k.
func (r *Recorder) Find(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
