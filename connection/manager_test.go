package connection

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger/ledgertest"
	"github.com/ahmadzakiakmal/supplychain-provenance/wallet"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("connection refused")

// dialer serves known endpoints and fails for everything else.
type dialer struct {
	mu      sync.Mutex
	ledgers map[string]ledger.Ledger
	dialed  []string
}

func newDialer(endpoints map[string]ledger.Ledger) *dialer {
	return &dialer{ledgers: endpoints}
}

func (d *dialer) dial(endpoint string) (ledger.Ledger, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, endpoint)
	if l, ok := d.ledgers[endpoint]; ok {
		return l, nil
	}
	return nil, errUnreachable
}

func deployments(l *ledgertest.Ledger) map[string]contract.Address {
	return map[string]contract.Address{l.ChainID(): l.Contract()}
}

func TestConnectWithWallet(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	w := wallet.New("http://wallet:26657", []contract.Address{ledgertest.Distributor, ledgertest.Consumer}, nil)
	d := newDialer(map[string]ledger.Ledger{"http://wallet:26657": l})

	mgr := NewManager(Config{Deployments: deployments(l)}, w, d.dial, nil, nil)
	s, err := mgr.Connect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ProviderWallet, s.Provider)
	assert.Equal(t, ledgertest.Distributor, s.Account)
	assert.Equal(t, int64(1000), s.Balance.Int64())
	assert.Equal(t, ledgertest.DefaultChainID, s.Network)
	assert.Equal(t, l.Contract(), s.Binding.Contract())
	assert.Same(t, s, mgr.Session())
}

func TestConnectFallsBackInPriorityOrder(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	w := wallet.New("http://wallet:26657", []contract.Address{ledgertest.Retailer}, nil)
	d := newDialer(map[string]ledger.Ledger{"http://localhost:26657": l})

	var logs bytes.Buffer
	mgr := NewManager(Config{
		LegacyEndpoint:   "http://legacy:26657",
		FallbackEndpoint: "http://localhost:26657",
		Deployments:      deployments(l),
	}, w, d.dial, cmtlog.NewTMLogger(cmtlog.NewSyncWriter(&logs)), nil)

	s, err := mgr.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProviderFallback, s.Provider)
	assert.Equal(t, []string{"http://wallet:26657", "http://legacy:26657", "http://localhost:26657"}, d.dialed)
	assert.Regexp(t, `No injected provider available.*level=warn`, logs.String())

	// accounts come from the ledger when no wallet serves the session
	assert.Len(t, s.Accounts, 5)
}

func TestConnectLegacyProviderUsesLedgerAccounts(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithAccount(ledgertest.Manufacturer, 7, contract.Manufacturer))
	d := newDialer(map[string]ledger.Ledger{"http://legacy:26657": l})

	mgr := NewManager(Config{LegacyEndpoint: "http://legacy:26657", Deployments: deployments(l)}, nil, d.dial, nil, nil)
	s, err := mgr.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProviderLegacy, s.Provider)
	assert.Equal(t, ledgertest.Manufacturer, s.Account)
	assert.Equal(t, int64(7), s.Balance.Int64())
}

func TestConnectNoProvider(t *testing.T) {
	mgr := NewManager(Config{}, nil, newDialer(nil).dial, nil, nil)
	_, err := mgr.Connect(context.Background())
	var noProvider *NoProviderError
	require.ErrorAs(t, err, &noProvider)
	assert.Empty(t, noProvider.Attempts)

	mgr = NewManager(Config{FallbackEndpoint: "http://down:26657"}, nil, newDialer(nil).dial, nil, nil)
	_, err = mgr.Connect(context.Background())
	require.ErrorAs(t, err, &noProvider)
	assert.ErrorIs(t, err, errUnreachable)
}

func TestConnectNoAccountAccess(t *testing.T) {
	l := ledgertest.New(t)
	d := newDialer(map[string]ledger.Ledger{"http://wallet:26657": l, "http://node:26657": l})

	mgr := NewManager(Config{Deployments: deployments(l)}, wallet.New("http://wallet:26657", nil, nil), d.dial, nil, nil)
	_, err := mgr.Connect(context.Background())
	var noAccess *NoAccountAccessError
	require.ErrorAs(t, err, &noAccess)
	assert.Equal(t, ProviderWallet, noAccess.Provider)

	mgr = NewManager(Config{FallbackEndpoint: "http://node:26657", Deployments: deployments(l)}, nil, d.dial, nil, nil)
	_, err = mgr.Connect(context.Background())
	require.ErrorAs(t, err, &noAccess)
	assert.Equal(t, ProviderFallback, noAccess.Provider)
}

func TestConnectContractNotDeployed(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	d := newDialer(map[string]ledger.Ledger{"http://node:26657": l})

	mgr := NewManager(Config{
		FallbackEndpoint: "http://node:26657",
		Deployments:      map[string]contract.Address{"other-chain": l.Contract()},
	}, nil, d.dial, nil, nil)
	_, err := mgr.Connect(context.Background())
	var notDeployed *ContractNotDeployedError
	require.ErrorAs(t, err, &notDeployed)
	assert.Equal(t, ledgertest.DefaultChainID, notDeployed.Network)

	mgr = NewManager(Config{
		FallbackEndpoint: "http://node:26657",
		Deployments:      map[string]contract.Address{l.ChainID(): contract.DeriveAddress("stale")},
	}, nil, d.dial, nil, nil)
	_, err = mgr.Connect(context.Background())
	require.ErrorAs(t, err, &notDeployed)
	assert.Equal(t, contract.DeriveAddress("stale"), notDeployed.Expected)
}

func TestAccountChangeReconnects(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	w := wallet.New("http://wallet:26657", []contract.Address{ledgertest.Manufacturer, ledgertest.Retailer}, nil)
	d := newDialer(map[string]ledger.Ledger{"http://wallet:26657": l})
	mgr := NewManager(Config{Deployments: deployments(l)}, w, d.dial, nil, nil)

	first, err := mgr.Connect(context.Background())
	require.NoError(t, err)

	var got []*Session
	mgr.OnAccountChanged(func(s *Session, err error) {
		require.NoError(t, err)
		got = append(got, s)
	})

	require.NoError(t, w.Switch(ledgertest.Retailer))
	require.Len(t, got, 1)
	assert.Equal(t, ledgertest.Retailer, got[0].Account)
	assert.NotEqual(t, first.ID, got[0].ID)
	assert.Same(t, got[0], mgr.Session())

	require.NoError(t, mgr.Close())
	assert.Nil(t, mgr.Session())
}

func TestConcurrentAccountChangesEndOnActiveAccount(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	accounts := []contract.Address{ledgertest.Manufacturer, ledgertest.Distributor, ledgertest.Retailer, ledgertest.Consumer}
	w := wallet.New("http://wallet:26657", accounts, nil)
	d := newDialer(map[string]ledger.Ledger{"http://wallet:26657": l})
	mgr := NewManager(Config{Deployments: deployments(l)}, w, d.dial, nil, nil)
	_, err := mgr.Connect(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var ids []int64
	mgr.OnAccountChanged(func(s *Session, err error) {
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, s.ID)
	})

	var wg sync.WaitGroup
	for _, a := range accounts[1:] {
		wg.Add(1)
		go func(a contract.Address) {
			defer wg.Done()
			assert.NoError(t, w.Switch(a))
		}(a)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, ids)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "handlers run in session order")
	}
	active, _ := w.Active()
	assert.Equal(t, active, mgr.Session().Account)
	assert.Equal(t, ids[len(ids)-1], mgr.Session().ID)
}
