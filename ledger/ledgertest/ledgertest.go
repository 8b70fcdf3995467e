// Package ledgertest runs the supply-chain ABCI application in process and
// exposes it through the same RPC surface a CometBFT node offers, so client
// code can be tested without a network.
package ledgertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"testing"

	"github.com/ahmadzakiakmal/supplychain-provenance/app"
	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

const (
	DefaultChainID       = "supplychain-test"
	defaultSubCapacity   = 100
	defaultSearchPerPage = 30
)

// ErrTransport is returned by injected subscribe failures.
var ErrTransport = errors.New("ledgertest: transport unavailable")

// Addr derives a stable test account address from a name.
func Addr(name string) contract.Address {
	return contract.DeriveAddress("ledgertest", name)
}

// Well-known accounts funded by WithSupplyChain.
var (
	Manufacturer = Addr("manufacturer")
	Distributor  = Addr("distributor")
	Retailer     = Addr("retailer")
	Consumer     = Addr("consumer")
	Outsider     = Addr("outsider")
)

type Option func(*Ledger)

func WithChainID(id string) Option {
	return func(l *Ledger) { l.chainID = id }
}

func WithContractName(name string) Option {
	return func(l *Ledger) { l.genesis.ContractName = name }
}

// WithAccount funds an account and grants it roles at genesis.
func WithAccount(addr contract.Address, balance int64, roles ...contract.Role) Option {
	return func(l *Ledger) {
		l.genesis.Accounts = append(l.genesis.Accounts, app.GenesisAccount{
			Address: addr,
			Balance: big.NewInt(balance),
			Roles:   roles,
		})
	}
}

// WithSupplyChain seeds one account per role plus an outsider without
// roles, each holding 1000 base units.
func WithSupplyChain() Option {
	return func(l *Ledger) {
		WithAccount(Manufacturer, 1000, contract.Manufacturer)(l)
		WithAccount(Distributor, 1000, contract.Distributor)(l)
		WithAccount(Retailer, 1000, contract.Retailer)(l)
		WithAccount(Consumer, 1000, contract.Consumer)(l)
		WithAccount(Outsider, 1000)(l)
	}
}

type subscription struct {
	subscriber string
	query      *matcher
	out        chan cmtrpctypes.ResultEvent
}

type indexedTx struct {
	result *cmtrpctypes.ResultTx
	events map[string][]string
}

// Ledger is an in-process single-validator chain.
type Ledger struct {
	mu      sync.Mutex
	db      *badger.DB
	app     *app.Application
	chainID string
	genesis app.GenesisState
	height  int64
	txs     []indexedTx
	subs    map[string]*subscription

	failSubscribes int
	subscribes     int
	unsubscribes   int
}

var _ ledger.Ledger = (*Ledger)(nil)

// New starts a chain on an in-memory badger database. It is closed when
// the test ends.
func New(t testing.TB, opts ...Option) *Ledger {
	t.Helper()

	l := &Ledger{
		chainID: DefaultChainID,
		genesis: app.GenesisState{ContractName: app.DefaultContractName},
		subs:    make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(l)
	}

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	l.db = db
	l.app = app.NewABCIApplication(db, &app.AppConfig{NodeID: "ledgertest"}, cmtlog.NewNopLogger())

	appState, err := json.Marshal(l.genesis)
	require.NoError(t, err)
	_, err = l.app.InitChain(context.Background(), &abcitypes.InitChainRequest{
		ChainId:       l.chainID,
		AppStateBytes: appState,
	})
	require.NoError(t, err)

	t.Cleanup(l.Close)
	return l
}

// Close drops every subscription and closes the database.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, sub := range l.subs {
		close(sub.out)
		delete(l.subs, key)
	}
	if l.db != nil {
		l.db.Close()
		l.db = nil
	}
}

func (l *Ledger) ChainID() string { return l.chainID }

// Contract is the address the application deployed the contract at.
func (l *Ledger) Contract() contract.Address {
	return app.ContractAddress(l.chainID, l.genesis.ContractName)
}

// Binding returns a binding to the deployed contract.
func (l *Ledger) Binding() *ledger.Binding {
	return ledger.NewBinding(l, l.chainID, l.Contract(), cmtlog.NewNopLogger(), nil)
}

// Height is the height of the last committed block.
func (l *Ledger) Height() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// FailSubscribes makes the next n Subscribe calls fail with ErrTransport.
func (l *Ledger) FailSubscribes(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSubscribes = n
}

// DropSubscriptions closes every open event stream as a transport failure
// would and returns how many were dropped.
func (l *Ledger) DropSubscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.subs)
	for key, sub := range l.subs {
		close(sub.out)
		delete(l.subs, key)
	}
	return n
}

// Subscribes counts successful Subscribe calls.
func (l *Ledger) Subscribes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribes
}

// Unsubscribes counts successful Unsubscribe calls.
func (l *Ledger) Unsubscribes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsubscribes
}

// ActiveSubscriptions counts open event streams.
func (l *Ledger) ActiveSubscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// BroadcastTxCommit checks tx, executes it in its own block and commits.
func (l *Ledger) BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil, errors.New("ledgertest: ledger closed")
	}

	check, err := l.app.CheckTx(ctx, &abcitypes.CheckTxRequest{Tx: tx})
	if err != nil {
		return nil, err
	}
	if check.Code != 0 {
		return &cmtrpctypes.ResultBroadcastTxCommit{CheckTx: *check, Hash: tx.Hash()}, nil
	}

	height := l.height + 1
	fin, err := l.app.FinalizeBlock(ctx, &abcitypes.FinalizeBlockRequest{Txs: [][]byte{tx}, Height: height})
	if err != nil {
		return nil, err
	}
	if _, err := l.app.Commit(ctx, &abcitypes.CommitRequest{}); err != nil {
		return nil, err
	}
	l.height = height

	result := fin.TxResults[0]
	events := eventMap(tx, height, result.Events)
	l.txs = append(l.txs, indexedTx{
		result: &cmtrpctypes.ResultTx{
			Hash:     tx.Hash(),
			Height:   height,
			Index:    0,
			TxResult: *result,
			Tx:       tx,
		},
		events: events,
	})
	l.publish(tx, height, result, events)

	return &cmtrpctypes.ResultBroadcastTxCommit{
		CheckTx:  *check,
		TxResult: *result,
		Hash:     tx.Hash(),
		Height:   height,
	}, nil
}

// publish delivers a committed tx to matching subscribers. A subscriber
// whose buffer is full is dropped, as a node drops slow websocket clients.
func (l *Ledger) publish(tx cmttypes.Tx, height int64, result *abcitypes.ExecTxResult, events map[string][]string) {
	for key, sub := range l.subs {
		if !sub.query.matches(events) {
			continue
		}
		ev := cmtrpctypes.ResultEvent{
			Query: sub.query.raw,
			Data: cmttypes.EventDataTx{TxResult: abcitypes.TxResult{
				Height: height,
				Index:  0,
				Tx:     tx,
				Result: *result,
			}},
			Events: events,
		}
		select {
		case sub.out <- ev:
		default:
			close(sub.out)
			delete(l.subs, key)
		}
	}
}

func eventMap(tx cmttypes.Tx, height int64, events []abcitypes.Event) map[string][]string {
	m := map[string][]string{
		"tm.event":  {"Tx"},
		"tx.hash":   {fmt.Sprintf("%X", tx.Hash())},
		"tx.height": {strconv.FormatInt(height, 10)},
	}
	for _, ev := range events {
		for _, a := range ev.Attributes {
			if !a.Index {
				continue
			}
			key := ev.Type + "." + a.Key
			m[key] = append(m[key], a.Value)
		}
	}
	return m
}

func (l *Ledger) ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error) {
	resp, err := l.app.Query(ctx, &abcitypes.QueryRequest{Path: path, Data: data})
	if err != nil {
		return nil, err
	}
	return &cmtrpctypes.ResultABCIQuery{Response: *resp}, nil
}

func (l *Ledger) Genesis(context.Context) (*cmtrpctypes.ResultGenesis, error) {
	return &cmtrpctypes.ResultGenesis{Genesis: &cmttypes.GenesisDoc{ChainID: l.chainID}}, nil
}

func (l *Ledger) Subscribe(_ context.Context, subscriber, query string, outCapacity ...int) (<-chan cmtrpctypes.ResultEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failSubscribes > 0 {
		l.failSubscribes--
		return nil, ErrTransport
	}
	m, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	key := subscriber + "|" + query
	if _, ok := l.subs[key]; ok {
		return nil, fmt.Errorf("ledgertest: %s already subscribed to %q", subscriber, query)
	}

	capacity := defaultSubCapacity
	if len(outCapacity) > 0 && outCapacity[0] > 0 {
		capacity = outCapacity[0]
	}
	sub := &subscription{subscriber: subscriber, query: m, out: make(chan cmtrpctypes.ResultEvent, capacity)}
	l.subs[key] = sub
	l.subscribes++
	return sub.out, nil
}

func (l *Ledger) Unsubscribe(_ context.Context, subscriber, query string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := subscriber + "|" + query
	sub, ok := l.subs[key]
	if !ok {
		return fmt.Errorf("ledgertest: subscription %q not found", query)
	}
	close(sub.out)
	delete(l.subs, key)
	l.unsubscribes++
	return nil
}

func (l *Ledger) TxSearch(_ context.Context, query string, _ bool, page, perPage *int, orderBy string) (*cmtrpctypes.ResultTxSearch, error) {
	m, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	var matched []*cmtrpctypes.ResultTx
	for _, tx := range l.txs {
		if m.matches(tx.events) {
			matched = append(matched, tx.result)
		}
	}
	l.mu.Unlock()

	if orderBy == "desc" {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	p, size := 1, defaultSearchPerPage
	if page != nil && *page > 0 {
		p = *page
	}
	if perPage != nil && *perPage > 0 {
		size = *perPage
	}
	start := (p - 1) * size
	if start > len(matched) {
		start = len(matched)
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	return &cmtrpctypes.ResultTxSearch{Txs: matched[start:end], TotalCount: len(matched)}, nil
}
