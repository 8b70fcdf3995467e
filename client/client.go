package client

import (
	"context"
	"errors"
	"sync"

	"github.com/ahmadzakiakmal/supplychain-provenance/connection"
	"github.com/ahmadzakiakmal/supplychain-provenance/eventsync"
	"github.com/ahmadzakiakmal/supplychain-provenance/items"
	"github.com/ahmadzakiakmal/supplychain-provenance/roles"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

var ErrNotConnected = errors.New("not connected to the ledger")

// Client owns the connection lifecycle and keeps the role registry, the item
// state machine and the event synchronizer bound to the current session.
type Client struct {
	manager *connection.Manager
	sync    *eventsync.Synchronizer
	logger  cmtlog.Logger

	// bindMu orders bind and unbind, including their synchronizer resets.
	bindMu  sync.Mutex
	boundID int64

	mu       sync.RWMutex
	session  *connection.Session
	roles    *roles.Registry
	items    *items.Machine
	handlers []connection.AccountChangeHandler
}

func New(mgr *connection.Manager, s *eventsync.Synchronizer, logger cmtlog.Logger) *Client {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	c := &Client{
		manager: mgr,
		sync:    s,
		logger:  logger.With("module", "client"),
	}
	mgr.OnAccountChanged(c.accountChanged)
	return c
}

// Connect establishes a session and starts synchronizing its events.
func (c *Client) Connect(ctx context.Context) (*connection.Session, error) {
	s, err := c.manager.Connect(ctx)
	if err != nil {
		c.unbind()
		return nil, err
	}
	if !c.bind(s) {
		// an account change bound a newer session meanwhile
		return c.Session()
	}
	return s, nil
}

// OnAccountChanged registers h to run once the client is bound to the
// session of a newly selected account.
func (c *Client) OnAccountChanged(h connection.AccountChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Client) Session() (*connection.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

func (c *Client) Roles() (*roles.Registry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.roles == nil {
		return nil, ErrNotConnected
	}
	return c.roles, nil
}

func (c *Client) Items() (*items.Machine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.items == nil {
		return nil, ErrNotConnected
	}
	return c.items, nil
}

func (c *Client) Synchronizer() *eventsync.Synchronizer {
	return c.sync
}

// Subscribe registers h for every event of the current and future sessions.
func (c *Client) Subscribe(h eventsync.Handler) (unsubscribe func()) {
	return c.sync.Subscribe(h)
}

// History returns the events observed in the current session.
func (c *Client) History() []eventsync.Event {
	return c.sync.History()
}

// Close stops synchronizing and ends the session.
func (c *Client) Close() error {
	c.sync.Close()
	c.unbind()
	return c.manager.Close()
}

// bind switches the client to s. Sessions older than the one already bound
// were closed by the manager and are ignored.
func (c *Client) bind(s *connection.Session) bool {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if s.ID < c.boundID {
		c.logger.Info("Ignoring superseded session", "session", s.ID, "bound", c.boundID)
		return false
	}
	c.boundID = s.ID

	c.mu.Lock()
	c.session = s
	c.roles = roles.NewRegistry(s.Binding)
	c.items = items.NewMachine(s.Binding)
	c.mu.Unlock()

	epoch := c.sync.Reset(s.Binding)
	c.logger.Info("Bound to session", "session", s.ID, "account", s.Account.String(), "epoch", epoch)
	return true
}

func (c *Client) unbind() {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	c.sync.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.roles = nil
	c.items = nil
}

func (c *Client) accountChanged(s *connection.Session, err error) {
	if err != nil {
		c.logger.Error("Lost session after account change", "err", err)
		c.unbind()
	} else {
		c.bind(s)
	}

	c.mu.RLock()
	handlers := append([]connection.AccountChangeHandler(nil), c.handlers...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(s, err)
	}
}
