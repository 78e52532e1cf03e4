package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/internal/pipeline"
)

// eventFanout distributes one session's event stream to any number of
// subscribers. A subscriber that falls behind has new events dropped rather
// than stalling the pipeline or the other subscribers; each subscriber
// channel carries its own buffer.
type eventFanout struct {
	buffer  int
	metrics *observe.Metrics

	mu     sync.Mutex
	subs   map[int]chan pipeline.Event
	nextID int
	closed bool
}

func newEventFanout(buffer int, metrics *observe.Metrics) *eventFanout {
	if buffer < 1 {
		buffer = 1
	}
	return &eventFanout{
		buffer:  buffer,
		metrics: metrics,
		subs:    make(map[int]chan pipeline.Event),
	}
}

// run pumps src into all subscribers until src closes, then closes every
// subscriber channel. Exactly one run goroutine per fanout.
func (f *eventFanout) run(src <-chan pipeline.Event) {
	for ev := range src {
		f.publish(ev)
	}
	f.mu.Lock()
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	f.mu.Unlock()
}

func (f *eventFanout) publish(ev pipeline.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.metrics.RecordDroppedEvent(context.Background())
			slog.Warn("subscriber behind, dropping event", "subscriber", id, "type", ev.Type)
		}
	}
}

// subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed when cancel is called or the session's
// event stream ends. A fanout whose stream already ended hands out a closed
// channel.
func (f *eventFanout) subscribe() (<-chan pipeline.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan pipeline.Event, f.buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
