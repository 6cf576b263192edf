package hooks

import "sync"

// subscriberQueueSize bounds how many pending events a slow Watcher may
// accumulate before the dispatcher starts dropping events for it rather
// than blocking commit (spec §4.9).
const subscriberQueueSize = 256

type subscriber struct {
	watcher Watcher
	queue   chan Event
	dropped int
	mu      sync.Mutex
}

// Dispatcher fans committed-transaction events out to registered
// Watchers. Each subscriber gets its own bounded queue and goroutine,
// grounded on the teacher's internal/metrics ticking-goroutine-per-task
// idiom (one goroutine, one channel, drained in a loop) generalized from
// a single background ticker to one worker per subscriber.
type Dispatcher struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

// NewDispatcher returns a ready, empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[int]*subscriber)}
}

// Subscribe registers w and returns a handle Unsubscribe accepts.
func (d *Dispatcher) Subscribe(w Watcher) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.next
	d.next++
	sub := &subscriber{watcher: w, queue: make(chan Event, subscriberQueueSize)}
	d.subs[id] = sub
	go sub.run()
	return id
}

// Unsubscribe removes a watcher; its queue is closed and drained.
func (d *Dispatcher) Unsubscribe(id int) {
	d.mu.Lock()
	sub, ok := d.subs[id]
	delete(d.subs, id)
	d.mu.Unlock()
	if ok {
		close(sub.queue)
	}
}

// Dispatch fans ev out to every subscriber. It never blocks: a
// subscriber whose queue is full has the event dropped for it; the next
// event that subscriber has room for is preceded by an OpDropped marker
// reporting how many were lost.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	subs := make([]*subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		s.send(ev)
	}
}

func (s *subscriber) send(ev Event) {
	s.mu.Lock()
	pendingDrops := s.dropped
	s.mu.Unlock()

	if pendingDrops > 0 {
		select {
		case s.queue <- Event{Op: OpDropped, DroppedCount: pendingDrops}:
			s.mu.Lock()
			s.dropped -= pendingDrops
			s.mu.Unlock()
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			return
		}
	}

	select {
	case s.queue <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

func (s *subscriber) run() {
	for ev := range s.queue {
		s.watcher.Handle(ev)
	}
}
