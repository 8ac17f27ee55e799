package audit

import (
	"context"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the dispatcher buffers events.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// SinkTimeout bounds one delivery. Zero means no deadline.
	SinkTimeout time.Duration
	Logger      zerolog.Logger
}

// Dispatcher hands events to a sink from a single background goroutine, so
// request paths never wait on sink I/O.
type Dispatcher struct {
	sink        Sink
	dropIfFull  bool
	sinkTimeout time.Duration
	log         zerolog.Logger

	queue    chan Event
	stop     chan struct{}
	finished chan struct{}

	dropped  atomic.Uint64
	stopping atomic.Bool
	once     sync.Once
}

// NewDispatcher starts a dispatcher. It returns nil when auditing is
// disabled; every method of a nil *Dispatcher is a no-op.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	size := cfg.BufferSize
	if size < 1 {
		size = 1
	}

	d := &Dispatcher{
		sink:        sink,
		dropIfFull:  cfg.DropIfFull,
		sinkTimeout: cfg.SinkTimeout,
		log:         cfg.Logger.With().Str("component", "audit").Logger(),
		queue:       make(chan Event, size),
		stop:        make(chan struct{}),
		finished:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.finished)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx := context.Background()
	if d.sinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sinkTimeout)
		defer cancel()
	}
	d.sink.Emit(ctx, ev)
}

// Emit queues ev. With DropIfFull a full queue drops the event and counts
// it; otherwise Emit waits for room, for ctx to end or for Close.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.stopping.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if d.dropIfFull {
		select {
		case d.queue <- ev:
		case <-d.stop:
		default:
			d.noteDrop(ev)
		}
		return
	}
	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.noteDrop(ev)
	case <-d.stop:
	}
}

// noteDrop counts a lost event and warns on the 1st, 2nd, 4th, 8th... drop.
func (d *Dispatcher) noteDrop(ev Event) {
	n := d.dropped.Add(1)
	if bits.OnesCount64(n) == 1 {
		d.log.Warn().
			Str("event_type", ev.EventType).
			Uint64("dropped_total", n).
			Msg("audit event dropped")
	}
}

// Close delivers what is already queued and stops the dispatcher. Events
// emitted after Close are ignored.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.stopping.Store(true)
		close(d.stop)
		<-d.finished
	})
}

// Dropped reports how many events never reached the sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
