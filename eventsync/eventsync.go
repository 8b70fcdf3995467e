package eventsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
	"github.com/ahmadzakiakmal/supplychain-provenance/metrics"
	"github.com/cenkalti/backoff/v4"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

const (
	DefaultMaxFailures    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	sinkTimeout           = 10 * time.Second
)

// Event is one entry of the transaction history. Every handler and every
// History call gets its own copy of Payload.
type Event struct {
	Name    string            `json:"name"`
	TxHash  string            `json:"tx_hash"`
	Height  int64             `json:"height"`
	Payload map[string]string `json:"payload"`
	// Session is the synchronizer epoch the event was observed in.
	Session uint64 `json:"session"`
}

func (e Event) clone() Event {
	payload := make(map[string]string, len(e.Payload))
	for k, v := range e.Payload {
		payload[k] = v
	}
	e.Payload = payload
	return e
}

type Handler func(Event)

type ErrorHandler func(error)

// SubscriptionError reports that the event stream could not be
// re-established. Retrying continues after it is reported.
type SubscriptionError struct {
	Attempts int
	Err      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("event subscription failed %d times in a row: %v", e.Attempts, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Source is the ledger side of a session.
type Source interface {
	Subscribe(ctx context.Context, subscriber string) (<-chan ledger.Notification, func(), error)
	History(ctx context.Context) ([]ledger.TxRecord, error)
}

var _ Source = (*ledger.Binding)(nil)

// Sink persists history entries outside the process.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

type Config struct {
	// MaxFailures is the number of consecutive failed subscribe attempts
	// after which a SubscriptionError is reported.
	MaxFailures    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Replay loads the contract's committed transactions before live
	// events are appended.
	Replay bool
	Sink   Sink
}

// Synchronizer keeps an append-only transaction history in step with the
// ledger's event stream for the current session.
type Synchronizer struct {
	cfg     Config
	logger  cmtlog.Logger
	metrics *metrics.Metrics

	resetMu sync.Mutex

	mu      sync.Mutex
	epoch   uint64
	cancel  context.CancelFunc
	done    chan struct{}
	history []Event
	queues  map[int]*queue
	nextID  int
	onError []ErrorHandler
	resets  int
	closed  bool
}

func New(cfg Config, logger cmtlog.Logger, m *metrics.Metrics) *Synchronizer {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
	}
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	s := &Synchronizer{
		cfg:     cfg,
		logger:  logger.With("module", "eventsync"),
		metrics: m,
		queues:  make(map[int]*queue),
	}
	if cfg.Sink != nil {
		// the mirror keeps events of replaced sessions too
		s.subscribe(s.sink, nil)
	}
	return s
}

// Start begins synchronizing with src.
func (s *Synchronizer) Start(src Source) uint64 {
	return s.Reset(src)
}

// Reset cancels the running subscription, empties the history and
// subscribes again through src. It returns once the first subscribe attempt
// finished, so events of calls made afterwards are observed unless that
// attempt failed. Events of the replaced subscription that arrive late,
// including those still queued for handlers, are discarded. It returns the
// new epoch.
func (s *Synchronizer) Reset(src Source) uint64 {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	s.mu.Lock()
	if s.closed {
		epoch := s.epoch
		s.mu.Unlock()
		return epoch
	}
	oldCancel, oldDone := s.cancel, s.done
	s.epoch++
	epoch := s.epoch
	s.history = nil
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.resets++
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
		<-oldDone
	}
	s.metrics.ResetHistory()

	s.logger.Info("Starting event subscription", "epoch", epoch)
	ready := make(chan struct{})
	go s.run(ctx, epoch, src, done, ready)
	<-ready
	return epoch
}

// Stop cancels the running subscription and keeps the history.
func (s *Synchronizer) Stop() {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.epoch++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops synchronizing and shuts down every handler queue.
func (s *Synchronizer) Close() {
	s.Stop()

	s.mu.Lock()
	s.closed = true
	queues := s.queues
	s.queues = make(map[int]*queue)
	s.mu.Unlock()

	for _, q := range queues {
		q.stop()
	}
	for _, q := range queues {
		q.wait()
	}
}

// Subscribe registers h for every event appended from now on. Each handler
// has its own queue, so a slow handler delays nobody else.
func (s *Synchronizer) Subscribe(h Handler) (unsubscribe func()) {
	return s.subscribe(h, s.current)
}

func (s *Synchronizer) subscribe(h Handler, live func(session uint64) bool) func() {
	q := newQueue(h, live)
	q.start()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.closed {
		s.mu.Unlock()
		q.stop()
		return func() {}
	}
	s.queues[id] = q
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.queues, id)
			s.mu.Unlock()
			q.stop()
		})
	}
}

// OnError registers h for SubscriptionErrors.
func (s *Synchronizer) OnError(h ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, h)
}

// History returns a snapshot of the current session's history.
func (s *Synchronizer) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.history))
	for i, ev := range s.history {
		out[i] = ev.clone()
	}
	return out
}

// current reports whether session is the running epoch.
func (s *Synchronizer) current(session uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session == s.epoch
}

func (s *Synchronizer) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Resets counts how many subscriptions were started by Start or Reset.
func (s *Synchronizer) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// run keeps one epoch subscribed until ctx ends. ready is closed after the
// first subscribe attempt, successful or not.
func (s *Synchronizer) run(ctx context.Context, epoch uint64, src Source, done, ready chan struct{}) {
	defer close(done)
	var readyOnce sync.Once
	signalReady := func() { readyOnce.Do(func() { close(ready) }) }
	defer signalReady()

	subscriber := "supplychain-" + uuid.NewString()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.InitialBackoff
	exp.MaxInterval = s.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(exp, ctx)

	subscribed := false
	var replayed map[string]bool

	for ctx.Err() == nil {
		var (
			events   <-chan ledger.Notification
			stop     func()
			failures int
		)
		err := backoff.RetryNotify(func() error {
			var err error
			events, stop, err = src.Subscribe(ctx, subscriber)
			return err
		}, policy, func(err error, next time.Duration) {
			failures++
			s.metrics.ObserveSubscriptionFailure()
			s.logger.Error("Subscribe failed", "epoch", epoch, "attempt", failures, "retry_in", next, "err", err)
			if failures%s.cfg.MaxFailures == 0 {
				s.reportError(epoch, &SubscriptionError{Attempts: failures, Err: err})
			}
			signalReady()
		})
		if err != nil {
			// retries only end with ctx
			return
		}

		if subscribed {
			s.metrics.ObserveResubscribe()
			s.logger.Info("Resubscribed to events", "epoch", epoch, "after_failures", failures)
		}
		subscribed = true

		if s.cfg.Replay && replayed == nil {
			replayed = s.replay(ctx, epoch, src)
		}
		signalReady()

		if !s.consume(ctx, epoch, events, replayed) {
			stop()
			return
		}
		stop()
		s.metrics.ObserveSubscriptionFailure()
		s.logger.Error("Event stream closed, resubscribing", "epoch", epoch)
	}
}

// consume appends live events until the stream closes. It returns false
// when ctx ended.
func (s *Synchronizer) consume(ctx context.Context, epoch uint64, events <-chan ledger.Notification, skip map[string]bool) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case n, ok := <-events:
			if !ok {
				return ctx.Err() == nil
			}
			if skip[n.TxHash] {
				continue
			}
			s.append(epoch, toEvent(n.Event.Name, n.TxHash, n.Height, n.Event.Attributes))
		}
	}
}

// replay appends the committed history of the contract and returns the
// hashes it covered.
func (s *Synchronizer) replay(ctx context.Context, epoch uint64, src Source) map[string]bool {
	seen := make(map[string]bool)
	records, err := src.History(ctx)
	if err != nil {
		s.logger.Error("Replay failed, continuing with live events", "epoch", epoch, "err", err)
		return seen
	}
	for _, rec := range records {
		seen[rec.TxHash] = true
		for _, ev := range rec.Events {
			s.append(epoch, toEvent(ev.Name, rec.TxHash, rec.Height, ev.Attributes))
		}
	}
	s.logger.Info("Replayed contract history", "epoch", epoch, "transactions", len(records))
	return seen
}

// append records ev if epoch is still current and hands it to every
// handler queue.
func (s *Synchronizer) append(epoch uint64, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		s.metrics.ObserveStale()
		return
	}
	ev.Session = epoch
	s.history = append(s.history, ev)
	s.metrics.ObserveEvent(ev.Name, len(s.history))
	for _, q := range s.queues {
		q.enqueue(ev.clone())
	}
}

func (s *Synchronizer) reportError(epoch uint64, err error) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	handlers := append([]ErrorHandler(nil), s.onError...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (s *Synchronizer) sink(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := s.cfg.Sink.Append(ctx, ev); err != nil {
		s.logger.Error("Failed to persist event", "event", ev.Name, "tx_hash", ev.TxHash, "err", err)
	}
}

func toEvent(name, txHash string, height int64, attrs []contract.Attribute) Event {
	payload := make(map[string]string, len(attrs))
	for _, a := range attrs {
		payload[a.Key] = a.Value
	}
	return Event{Name: name, TxHash: txHash, Height: height, Payload: payload}
}
