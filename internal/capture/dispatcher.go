package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robot-voice-lab/internal/logging"
)

// Sink delivers a finished segment downstream (upload, archive, ...).
type Sink interface {
	Deliver(ctx context.Context, seg Segment) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, seg Segment) error

func (f SinkFunc) Deliver(ctx context.Context, seg Segment) error { return f(ctx, seg) }

// channelQueue holds the pending segments of one channel. At most one
// worker drains it at a time.
type channelQueue struct {
	pending []Segment
	running bool
}

// Dispatcher is the asynchronous Emitter: Emit only enqueues, and a worker
// per busy channel delivers that channel's segments in order, one at a
// time. Different channels deliver concurrently, and a slow delivery never
// holds up frame ingestion.
type Dispatcher struct {
	sink  Sink
	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[int]*channelQueue
	closed bool
}

// NewDispatcher creates a dispatcher delivering to sink. stats may be nil.
func NewDispatcher(sink Sink, stats Stats) *Dispatcher {
	if stats == nil {
		stats = nopStats{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sink:   sink,
		stats:  stats,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[int]*channelQueue),
	}
}

// Emit enqueues seg for delivery. It never blocks on the sink.
func (d *Dispatcher) Emit(seg Segment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		logging.Warnw("dispatcher: closed, dropping segment", append(logging.ChannelFields(seg.ChannelID, ChannelName(seg.ChannelID)), "correlation_id", seg.ID)...)
		return
	}
	q, ok := d.queues[seg.ChannelID]
	if !ok {
		q = &channelQueue{}
		d.queues[seg.ChannelID] = q
	}
	q.pending = append(q.pending, seg)
	if q.running {
		return
	}
	q.running = true
	d.wg.Add(1)
	go d.drain(seg.ChannelID, q)
}

func (d *Dispatcher) drain(channelID int, q *channelQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			d.mu.Unlock()
			return
		}
		seg := q.pending[0]
		q.pending[0] = Segment{}
		q.pending = q.pending[1:]
		d.mu.Unlock()

		d.deliver(seg)
	}
}

func (d *Dispatcher) deliver(seg Segment) {
	fields := append(logging.ChannelFields(seg.ChannelID, ChannelName(seg.ChannelID)), logging.SegmentFields(seg.ID, len(seg.Audio), seg.Duration().Milliseconds())...)
	start := time.Now()
	err := d.safeDeliver(seg)
	elapsed := time.Since(start)
	d.stats.DeliveryDone(seg, elapsed, err)
	if err != nil {
		logging.Errorw("dispatcher: segment delivery failed", append(fields, "elapsed_ms", elapsed.Milliseconds(), "err", err)...)
		return
	}
	logging.Infow("dispatcher: segment delivered", append(fields, "elapsed_ms", elapsed.Milliseconds())...)
}

func (d *Dispatcher) safeDeliver(seg Segment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	if d.sink == nil {
		return fmt.Errorf("no sink configured")
	}
	return d.sink.Deliver(d.ctx, seg)
}

// Pending returns the number of queued, not yet delivered segments.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q.pending)
	}
	return n
}

// Close stops accepting segments and waits for queued deliveries. If ctx
// expires first, in-flight deliveries are cancelled and ctx's error is
// returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
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
