package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config sizes the dispatcher queue. With DropIfFull a full queue sheds
// events instead of holding up the request that produced them; critical
// events are never shed.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher hands events to a Sink on a single background goroutine, so
// a slow sink never sits on the authentication path. It is a Sink itself.
// A nil *Dispatcher discards everything.
type Dispatcher struct {
	sink       Sink
	dropIfFull bool
	queue      chan Event
	drained    chan struct{}
	dropped    atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher returns nil when cfg is disabled.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		queue:      make(chan Event, cfg.BufferSize),
		drained:    make(chan struct{}),
	}
	go d.deliver()
	return d
}

func (d *Dispatcher) deliver() {
	defer close(d.drained)
	for event := range d.queue {
		d.sink.Record(context.Background(), event)
	}
}

// Record queues event. A full queue drops it when DropIfFull is set and
// the event is not critical; otherwise Record waits for room until ctx
// ends. Events that never reach the queue count as dropped.
func (d *Dispatcher) Record(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}

	select {
	case d.queue <- event:
		return
	default:
	}
	if d.dropIfFull && event.Severity != SeverityCritical {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close delivers everything already queued and stops the goroutine. Later
// calls do nothing.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.drained
}

// Dropped returns how many events never reached the sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
