package eventsync

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastConfig() Config {
	return Config{InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func manufacture(t *testing.T, b *ledger.Binding, sku uint64) *ledger.Receipt {
	t.Helper()
	tx := contract.NewTx(contract.OpManufacture, ledgertest.Manufacturer)
	tx.SKU = sku
	tx.Name = "item"
	tx.Price = big.NewInt(1)
	receipt, err := b.Execute(context.Background(), tx)
	require.NoError(t, err)
	return receipt
}

func waitSubscribed(t *testing.T, l *ledgertest.Ledger, total int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.Subscribes() == total && l.ActiveSubscriptions() == 1
	}, waitFor, tick)
}

func waitHistory(t *testing.T, s *Synchronizer, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.History()) == n }, waitFor, tick)
	return s.History()
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestAppendsLiveEventsInOrder(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	s := New(fastConfig(), nil, nil)
	defer s.Close()

	c := &collector{}
	s.Subscribe(c.handle)
	s.Start(b)
	waitSubscribed(t, l, 1)

	r1 := manufacture(t, b, 1)
	r2 := manufacture(t, b, 2)

	history := waitHistory(t, s, 2)
	assert.Equal(t, contract.EventManufactured, history[0].Name)
	assert.Equal(t, r1.TxHash, history[0].TxHash)
	assert.Equal(t, "1", history[0].Payload[contract.AttrSKU])
	assert.Equal(t, r2.TxHash, history[1].TxHash)
	assert.Equal(t, s.Epoch(), history[1].Session)

	require.Eventually(t, func() bool { return c.len() == 2 }, waitFor, tick)
}

func TestStartReturnsOnceSubscribed(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	s := New(fastConfig(), nil, nil)
	defer s.Close()

	s.Start(b)
	assert.Equal(t, 1, l.ActiveSubscriptions())

	manufacture(t, b, 1)
	history := waitHistory(t, s, 1)
	assert.Equal(t, "1", history[0].Payload[contract.AttrSKU])
}

func TestRevertsAreRecorded(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	s := New(fastConfig(), nil, nil)
	defer s.Close()
	s.Start(b)
	waitSubscribed(t, l, 1)

	tx := contract.NewTx(contract.OpPack, ledgertest.Distributor)
	tx.SKU = 4
	_, err := b.Execute(context.Background(), tx)
	require.Error(t, err)

	history := waitHistory(t, s, 1)
	assert.Equal(t, contract.EventReverted, history[0].Name)
	assert.Equal(t, contract.ReasonNotFound, history[0].Payload[contract.AttrReason])
}

func TestResetResubscribesOnceAndDropsOldHistory(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	s := New(fastConfig(), nil, nil)
	defer s.Close()

	first := s.Start(b)
	waitSubscribed(t, l, 1)
	manufacture(t, b, 1)
	waitHistory(t, s, 1)

	second := s.Reset(b)
	assert.Equal(t, first+1, second)
	assert.Empty(t, s.History())
	waitSubscribed(t, l, 2)
	assert.Equal(t, 1, l.Unsubscribes(), "old subscription cancelled")

	manufacture(t, b, 2)
	history := waitHistory(t, s, 1)
	assert.Equal(t, "2", history[0].Payload[contract.AttrSKU])
	assert.Equal(t, second, history[0].Session)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, l.Subscribes())
	assert.Equal(t, 2, s.Resets())
}

func TestLateEventsOfOldEpochAreDiscarded(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Close()
	c := &collector{}
	s.Subscribe(c.handle)

	src := newManualSource()
	old := s.Start(src)
	s.Reset(src)

	s.append(old, Event{Name: "Packed", TxHash: "late"})
	assert.Empty(t, s.History())
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, c.len())
}

func TestQueuedEventsOfReplacedSessionAreDropped(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	s := New(fastConfig(), nil, nil)
	defer s.Close()

	c := &collector{}
	release := make(chan struct{})
	s.Subscribe(func(ev Event) {
		c.handle(ev)
		<-release
	})
	first := s.Start(b)

	manufacture(t, b, 1)
	manufacture(t, b, 2)
	manufacture(t, b, 3)
	waitHistory(t, s, 3)
	require.Eventually(t, func() bool { return c.len() == 1 }, waitFor, tick)

	second := s.Reset(b)
	close(release)

	manufacture(t, b, 4)
	require.Eventually(t, func() bool { return c.len() == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.events, 2)
	assert.Equal(t, first, c.events[0].Session)
	assert.Equal(t, "4", c.events[1].Payload[contract.AttrSKU])
	assert.Equal(t, second, c.events[1].Session)
}

func TestHandlersGetTheirOwnPayload(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	s := New(fastConfig(), nil, nil)
	defer s.Close()

	c := &collector{}
	s.Subscribe(func(ev Event) {
		ev.Payload[contract.AttrSKU] = "changed"
		c.handle(ev)
	})
	s.Start(b)
	manufacture(t, b, 1)
	require.Eventually(t, func() bool { return c.len() == 1 }, waitFor, tick)

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, "1", history[0].Payload[contract.AttrSKU])
	history[0].Payload[contract.AttrSKU] = "changed"
	assert.Equal(t, "1", s.History()[0].Payload[contract.AttrSKU])
}

func TestResubscribesAfterTransportDrop(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	s := New(fastConfig(), nil, nil)
	defer s.Close()
	s.Start(b)
	waitSubscribed(t, l, 1)

	manufacture(t, b, 1)
	waitHistory(t, s, 1)

	require.Equal(t, 1, l.DropSubscriptions())
	waitSubscribed(t, l, 2)

	manufacture(t, b, 2)
	history := waitHistory(t, s, 2)
	assert.Equal(t, "2", history[1].Payload[contract.AttrSKU], "history survives a transport drop")
}

func TestSubscriptionErrorAfterRepeatedFailures(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	l.FailSubscribes(3)

	s := New(Config{MaxFailures: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, nil, nil)
	defer s.Close()

	var mu sync.Mutex
	var reported []error
	s.OnError(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	})
	s.Start(l.Binding())
	waitSubscribed(t, l, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	var subErr *SubscriptionError
	require.ErrorAs(t, reported[0], &subErr)
	assert.Equal(t, 3, subErr.Attempts)
	assert.ErrorIs(t, reported[0], ledgertest.ErrTransport)
}

func TestFewFailuresAreNotReported(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	l.FailSubscribes(2)

	s := New(Config{MaxFailures: 3, InitialBackoff: time.Millisecond}, nil, nil)
	defer s.Close()
	called := false
	s.OnError(func(error) { called = true })
	s.Start(l.Binding())
	waitSubscribed(t, l, 1)
	assert.False(t, called)
}

func TestReplayLoadsHistoryWithoutDuplicates(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	manufacture(t, b, 1)
	manufacture(t, b, 2)

	cfg := fastConfig()
	cfg.Replay = true
	s := New(cfg, nil, nil)
	defer s.Close()
	s.Start(b)
	waitSubscribed(t, l, 1)
	waitHistory(t, s, 2)

	manufacture(t, b, 3)
	history := waitHistory(t, s, 3)
	for i, sku := range []string{"1", "2", "3"} {
		assert.Equal(t, sku, history[i].Payload[contract.AttrSKU])
	}
}

func TestWithoutReplayHistoryStartsEmpty(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	manufacture(t, b, 1)

	s := New(fastConfig(), nil, nil)
	defer s.Close()
	s.Start(b)
	waitSubscribed(t, l, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.History())
}

type memorySink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (m *memorySink) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestSinkReceivesEvents(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	sink := &memorySink{}
	cfg := fastConfig()
	cfg.Sink = sink
	s := New(cfg, nil, nil)
	defer s.Close()
	s.Start(b)
	waitSubscribed(t, l, 1)

	manufacture(t, b, 1)
	require.Eventually(t, func() bool { return sink.len() == 1 }, waitFor, tick)
}

func TestSlowHandlerDoesNotBlockOthers(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	s := New(fastConfig(), nil, nil)

	release := make(chan struct{})
	s.Subscribe(func(Event) { <-release })
	fast := &collector{}
	unsubscribe := s.Subscribe(fast.handle)

	s.Start(b)
	waitSubscribed(t, l, 1)
	manufacture(t, b, 1)
	manufacture(t, b, 2)

	require.Eventually(t, func() bool { return fast.len() == 2 }, waitFor, tick)
	unsubscribe()
	manufacture(t, b, 3)
	waitHistory(t, s, 3)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, fast.len())

	close(release)
	s.Close()
}

// manualSource hands out streams that only close when stopped.
type manualSource struct {
	mu      sync.Mutex
	streams []chan ledger.Notification
}

func newManualSource() *manualSource {
	return &manualSource{}
}

func (m *manualSource) Subscribe(context.Context, string) (<-chan ledger.Notification, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan ledger.Notification)
	m.streams = append(m.streams, ch)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (m *manualSource) History(context.Context) ([]ledger.TxRecord, error) {
	return nil, nil
}
