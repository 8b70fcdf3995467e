package eventsync

import (
	"context"
	"sync"
)

// queue decouples the subscription goroutine from a slow handler: events
// are appended to an unbounded backlog and a worker feeds them to the
// handler in arrival order. With live set, events whose session has ended
// by the time they reach the front are dropped.
type queue struct {
	mu      sync.Mutex
	backlog []Event
	notify  chan struct{}
	handler Handler
	live    func(session uint64) bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newQueue(h Handler, live func(session uint64) bool) *queue {
	return &queue{
		notify:  make(chan struct{}, 1),
		handler: h,
		live:    live,
		done:    make(chan struct{}),
	}
}

func (q *queue) start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.run(ctx)
}

func (q *queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		for {
			ev, ok := q.pop()
			if !ok {
				break
			}
			if q.live != nil && !q.live(ev.Session) {
				continue
			}
			q.handler(ev)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
	}
}

func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return Event{}, false
	}
	ev := q.backlog[0]
	q.backlog[0] = Event{}
	q.backlog = q.backlog[1:]
	return ev, true
}

// enqueue never blocks.
func (q *queue) enqueue(ev Event) {
	q.mu.Lock()
	q.backlog = append(q.backlog, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// stop discards the backlog. It may be called from the handler itself.
func (q *queue) stop() {
	q.cancel()
}

func (q *queue) wait() {
	<-q.done
}
