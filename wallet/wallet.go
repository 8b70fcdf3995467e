package wallet

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config keys read by FromConfig.
const (
	KeyEndpoint = "wallet.endpoint"
	KeyAccounts = "wallet.accounts"
	KeyActive   = "wallet.active"
)

var ErrUnknownAccount = errors.New("account is not managed by this wallet")

// Wallet is an injected account source: an ordered set of accounts with one
// active account, bound to the ledger endpoint it signs for.
type Wallet struct {
	mu       sync.RWMutex
	endpoint string
	accounts []contract.Address
	active   int
	handlers []func(contract.Address)
	logger   cmtlog.Logger
}

// New creates a wallet whose first account is active.
func New(endpoint string, accounts []contract.Address, logger cmtlog.Logger) *Wallet {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Wallet{
		endpoint: endpoint,
		accounts: append([]contract.Address(nil), accounts...),
		logger:   logger.With("module", "wallet"),
	}
}

// FromConfig builds a wallet from the wallet section of v. It returns nil
// when no wallet endpoint is configured.
func FromConfig(v *viper.Viper, logger cmtlog.Logger) (*Wallet, error) {
	endpoint := v.GetString(KeyEndpoint)
	if endpoint == "" {
		return nil, nil
	}
	accounts, active, err := readAccounts(v)
	if err != nil {
		return nil, err
	}
	w := New(endpoint, accounts, logger)
	if !active.IsEmpty() {
		if err := w.Switch(active); err != nil {
			return nil, fmt.Errorf("%s: %w", KeyActive, err)
		}
	}
	return w, nil
}

func readAccounts(v *viper.Viper) ([]contract.Address, contract.Address, error) {
	var accounts []contract.Address
	var err error
	switch raw := v.Get(KeyAccounts).(type) {
	case nil:
	case string:
		accounts, err = ParseAccounts(strings.Fields(raw))
	case []string:
		accounts, err = ParseAccounts(raw)
	case []interface{}:
		accounts = make([]contract.Address, 0, len(raw))
		for _, value := range raw {
			a, perr := contract.ParseAddressValue(value)
			if perr != nil {
				err = perr
				break
			}
			accounts = append(accounts, a)
		}
	default:
		err = fmt.Errorf("expected a list of addresses, got %T", raw)
	}
	if err != nil {
		return nil, contract.EmptyAddress, fmt.Errorf("%s: %w", KeyAccounts, err)
	}

	var active contract.Address
	if raw := v.Get(KeyActive); raw != nil && raw != "" {
		active, err = contract.ParseAddressValue(raw)
		if err != nil {
			return nil, contract.EmptyAddress, fmt.Errorf("%s: %w", KeyActive, err)
		}
	}
	return accounts, active, nil
}

// ParseAccounts parses a list of textual addresses.
func ParseAccounts(raw []string) ([]contract.Address, error) {
	accounts := make([]contract.Address, 0, len(raw))
	for _, s := range raw {
		a, err := contract.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// Watch reloads the account list whenever the config file behind v changes,
// the way a browser wallet reports an account switch.
func (w *Wallet) Watch(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		accounts, active, err := readAccounts(v)
		if err != nil {
			w.logger.Error("Ignoring invalid wallet config", "file", e.Name, "err", err)
			return
		}
		w.logger.Info("Wallet config changed", "file", e.Name, "accounts", len(accounts))
		w.SetAccounts(accounts, active)
	})
	v.WatchConfig()
}

func (w *Wallet) Endpoint() string {
	return w.endpoint
}

// Accounts lists the accessible accounts, active account first.
func (w *Wallet) Accounts() []contract.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.accounts) == 0 {
		return nil
	}
	out := make([]contract.Address, 0, len(w.accounts))
	out = append(out, w.accounts[w.active])
	for i, a := range w.accounts {
		if i != w.active {
			out = append(out, a)
		}
	}
	return out
}

func (w *Wallet) Active() (contract.Address, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.accounts) == 0 {
		return contract.EmptyAddress, false
	}
	return w.accounts[w.active], true
}

// Switch makes account the active account.
func (w *Wallet) Switch(account contract.Address) error {
	w.mu.Lock()
	idx := indexOf(w.accounts, account)
	if idx < 0 {
		w.mu.Unlock()
		return fmt.Errorf("%s: %w", account, ErrUnknownAccount)
	}
	changed := idx != w.active
	w.active = idx
	handlers := append([]func(contract.Address){}, w.handlers...)
	w.mu.Unlock()

	if changed {
		w.notify(handlers, account)
	}
	return nil
}

// SetAccounts replaces the account list. The active account is kept when
// still present unless preferred names another listed account; otherwise
// the first account becomes active.
func (w *Wallet) SetAccounts(accounts []contract.Address, preferred contract.Address) {
	w.mu.Lock()
	var previous contract.Address
	if len(w.accounts) > 0 {
		previous = w.accounts[w.active]
	}
	w.accounts = append([]contract.Address(nil), accounts...)
	w.active = 0
	if idx := indexOf(w.accounts, preferred); !preferred.IsEmpty() && idx >= 0 {
		w.active = idx
	} else if idx := indexOf(w.accounts, previous); idx >= 0 {
		w.active = idx
	}
	var current contract.Address
	if len(w.accounts) > 0 {
		current = w.accounts[w.active]
	}
	handlers := append([]func(contract.Address){}, w.handlers...)
	w.mu.Unlock()

	if current != previous {
		w.notify(handlers, current)
	}
}

// OnAccountsChanged registers h to run after the active account changes.
// An empty address means the wallet no longer exposes any account.
func (w *Wallet) OnAccountsChanged(h func(active contract.Address)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

func (w *Wallet) notify(handlers []func(contract.Address), active contract.Address) {
	w.logger.Info("Active account changed", "account", active.String())
	for _, h := range handlers {
		h(active)
	}
}

func indexOf(accounts []contract.Address, a contract.Address) int {
	for i, x := range accounts {
		if x == a {
			return i
		}
	}
	return -1
}
