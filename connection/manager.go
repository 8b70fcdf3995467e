package connection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
	"github.com/ahmadzakiakmal/supplychain-provenance/metrics"
	"github.com/ahmadzakiakmal/supplychain-provenance/wallet"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Provider names where a session's endpoint came from.
type Provider string

const (
	ProviderWallet   Provider = "wallet"
	ProviderLegacy   Provider = "legacy"
	ProviderFallback Provider = "fallback"
)

const DefaultTimeout = 30 * time.Second

// Config selects the ledger endpoints and the per-network deployments.
type Config struct {
	LegacyEndpoint   string
	FallbackEndpoint string
	// Deployments maps a chain ID to the contract address deployed there.
	Deployments map[string]contract.Address
	Timeout     time.Duration
}

// Dialer opens a ledger client for an endpoint.
type Dialer func(endpoint string) (ledger.Ledger, error)

// HTTPDialer dials CometBFT RPC endpoints over HTTP.
func HTTPDialer(timeout time.Duration) Dialer {
	return func(endpoint string) (ledger.Ledger, error) {
		return ledger.Dial(endpoint, timeout)
	}
}

// Session is one established connection to the ledger for one account.
type Session struct {
	ID       int64
	Binding  *ledger.Binding
	Account  contract.Address
	Accounts []contract.Address
	Balance  *big.Int
	Network  string
	Provider Provider
	Endpoint string

	closeOnce sync.Once
	client    ledger.Ledger
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if stopper, ok := s.client.(interface{ Stop() error }); ok {
			stopper.Stop()
		}
	})
}

// AccountChangeHandler runs after the manager re-connected for a new
// active account. err is set when the new session could not be
// established.
type AccountChangeHandler func(s *Session, err error)

// Manager establishes and re-establishes the binding to the ledger for the
// wallet's active account.
type Manager struct {
	// changeMu orders account-triggered reconnects and their handlers.
	changeMu sync.Mutex

	mu       sync.Mutex
	cfg      Config
	wallet   *wallet.Wallet
	dial     Dialer
	logger   cmtlog.Logger
	metrics  *metrics.Metrics
	session  *Session
	sessions int64
	handlers []AccountChangeHandler
}

// NewManager creates a manager. w may be nil when no wallet is injected.
func NewManager(cfg Config, w *wallet.Wallet, dial Dialer, logger cmtlog.Logger, m *metrics.Metrics) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if dial == nil {
		dial = HTTPDialer(cfg.Timeout)
	}
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	mgr := &Manager{
		cfg:     cfg,
		wallet:  w,
		dial:    dial,
		logger:  logger.With("module", "connection"),
		metrics: m,
	}
	if w != nil {
		w.OnAccountsChanged(mgr.accountChanged)
	}
	return mgr
}

// OnAccountChanged registers h to run after every account-triggered
// reconnect.
func (m *Manager) OnAccountChanged(h AccountChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Session returns the current session, or nil before Connect.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connect resolves a provider, the active account and the contract
// deployment of the connected network. Any previous session is closed and
// replaced.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		m.session.close()
		m.session = nil
	}

	s, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	m.sessions++
	s.ID = m.sessions
	m.session = s
	m.logger.Info("Connected to ledger",
		"session", s.ID,
		"provider", s.Provider,
		"endpoint", s.Endpoint,
		"network", s.Network,
		"account", s.Account.String(),
		"contract", s.Binding.Contract().String(),
	)
	return s, nil
}

// Reconnect discards the current session and connects again.
func (m *Manager) Reconnect(ctx context.Context) (*Session, error) {
	return m.Connect(ctx)
}

// Close ends the current session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.close()
		m.session = nil
	}
	return nil
}

func (m *Manager) connect(ctx context.Context) (*Session, error) {
	client, provider, endpoint, err := m.resolveProvider()
	if err != nil {
		return nil, err
	}

	s, err := m.open(ctx, client, provider, endpoint)
	if err != nil {
		if stopper, ok := client.(interface{ Stop() error }); ok {
			stopper.Stop()
		}
		return nil, err
	}
	return s, nil
}

type candidate struct {
	provider Provider
	endpoint string
}

// resolveProvider dials the first reachable endpoint in priority order:
// the injected wallet, the legacy provider, then the fallback endpoint.
func (m *Manager) resolveProvider() (ledger.Ledger, Provider, string, error) {
	var candidates []candidate
	if m.wallet != nil && m.wallet.Endpoint() != "" {
		candidates = append(candidates, candidate{ProviderWallet, m.wallet.Endpoint()})
	}
	if m.cfg.LegacyEndpoint != "" {
		candidates = append(candidates, candidate{ProviderLegacy, m.cfg.LegacyEndpoint})
	}
	if m.cfg.FallbackEndpoint != "" {
		candidates = append(candidates, candidate{ProviderFallback, m.cfg.FallbackEndpoint})
	}
	if len(candidates) == 0 {
		return nil, "", "", &NoProviderError{}
	}

	var attempts []string
	var lastErr error
	for _, c := range candidates {
		if c.provider == ProviderFallback {
			m.logger.Error("No injected provider available, using fallback endpoint", "level", "warn", "endpoint", c.endpoint)
		}
		client, err := m.dial(c.endpoint)
		if err == nil {
			return client, c.provider, c.endpoint, nil
		}
		m.logger.Error("Provider unreachable", "provider", c.provider, "endpoint", c.endpoint, "err", err)
		attempts = append(attempts, string(c.provider)+"="+c.endpoint)
		lastErr = err
	}
	return nil, "", "", &NoProviderError{Attempts: attempts, Err: lastErr}
}

func (m *Manager) open(ctx context.Context, client ledger.Ledger, provider Provider, endpoint string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	var accounts []contract.Address
	if provider == ProviderWallet {
		accounts = m.wallet.Accounts()
	} else {
		var err error
		accounts, err = ledger.Accounts(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("list accounts at %s: %w", endpoint, err)
		}
	}
	if len(accounts) == 0 {
		return nil, &NoAccountAccessError{Provider: provider, Endpoint: endpoint}
	}

	network, err := ledger.ChainID(ctx, client)
	if err != nil {
		return nil, err
	}
	addr, err := m.resolveDeployment(ctx, client, network)
	if err != nil {
		return nil, err
	}

	binding := ledger.NewBinding(client, network, addr, m.logger, m.metrics)
	balance, err := binding.Balance(ctx, accounts[0])
	if err != nil {
		return nil, fmt.Errorf("read balance of %s: %w", accounts[0], err)
	}

	return &Session{
		Binding:  binding,
		Account:  accounts[0],
		Accounts: accounts,
		Balance:  balance,
		Network:  network,
		Provider: provider,
		Endpoint: endpoint,
		client:   client,
	}, nil
}

// resolveDeployment looks up the configured contract of network and checks
// that the ledger serves that same contract.
func (m *Manager) resolveDeployment(ctx context.Context, client ledger.Ledger, network string) (contract.Address, error) {
	addr, ok := m.cfg.Deployments[network]
	if !ok {
		return contract.EmptyAddress, &ContractNotDeployedError{Network: network, Reason: "no deployment configured for this network"}
	}
	d, err := ledger.Deployment(ctx, client)
	if err != nil {
		var qerr *ledger.QueryError
		if errors.As(err, &qerr) {
			return contract.EmptyAddress, &ContractNotDeployedError{Network: network, Expected: addr, Reason: qerr.Log}
		}
		return contract.EmptyAddress, err
	}
	if d.Address != addr {
		return contract.EmptyAddress, &ContractNotDeployedError{
			Network:  network,
			Expected: addr,
			Reason:   fmt.Sprintf("ledger serves %s (%s)", d.Address, d.Name),
		}
	}
	return addr, nil
}

func (m *Manager) accountChanged(active contract.Address) {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()

	m.mu.Lock()
	handlers := append([]AccountChangeHandler(nil), m.handlers...)
	timeout := m.cfg.Timeout
	m.mu.Unlock()

	m.logger.Info("Account changed, reconnecting", "account", active.String())
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s, err := m.Reconnect(ctx)
	if err != nil {
		m.logger.Error("Reconnect after account change failed", "err", err)
	}
	for _, h := range handlers {
		h(s, err)
	}
}
