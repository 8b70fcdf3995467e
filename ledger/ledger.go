package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/app"
	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/metrics"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

// Ledger is the part of the CometBFT RPC client the binding needs.
// *cmthttp.HTTP satisfies it.
type Ledger interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error)
	Genesis(ctx context.Context) (*cmtrpctypes.ResultGenesis, error)
	Subscribe(ctx context.Context, subscriber, query string, outCapacity ...int) (<-chan cmtrpctypes.ResultEvent, error)
	Unsubscribe(ctx context.Context, subscriber, query string) error
	TxSearch(ctx context.Context, query string, prove bool, page, perPage *int, orderBy string) (*cmtrpctypes.ResultTxSearch, error)
}

var _ Ledger = (*cmthttp.HTTP)(nil)

// Dial connects to the RPC endpoint of a CometBFT node.
func Dial(endpoint string, timeout time.Duration) (*cmthttp.HTTP, error) {
	c, err := cmthttp.NewWithClient(endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create CometBFT client: %w", err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start CometBFT client: %w", err)
	}
	return c, nil
}

// ChainID reads the network identifier from the node's genesis.
func ChainID(ctx context.Context, l Ledger) (string, error) {
	res, err := l.Genesis(ctx)
	if err != nil {
		return "", fmt.Errorf("read genesis: %w", err)
	}
	if res.Genesis == nil {
		return "", fmt.Errorf("read genesis: empty genesis document")
	}
	return res.Genesis.ChainID, nil
}

// Receipt is the outcome of a committed contract call.
type Receipt struct {
	TxHash string           `json:"tx_hash"`
	Height int64            `json:"height"`
	Status bool             `json:"status"`
	Code   uint32           `json:"code"`
	Log    string           `json:"log,omitempty"`
	Events []contract.Event `json:"events,omitempty"`
}

// RejectedError means the ledger never accepted the call.
type RejectedError struct {
	Op   contract.Op
	Code uint32
	Log  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected by ledger (code %d): %s", e.Op, e.Code, e.Log)
}

// RevertedError means the call was committed but execution reverted.
type RevertedError struct {
	Op      contract.Op
	Reason  string
	Receipt *Receipt
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("%s reverted in tx %s: %s", e.Op, e.Receipt.TxHash, e.Reason)
}

// QueryError is a non-zero ABCI query response.
type QueryError struct {
	Path string
	Code uint32
	Log  string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed (code %d): %s", e.Path, e.Code, e.Log)
}

// Binding is the handle through which contract operations are invoked for
// one network and one deployed contract.
type Binding struct {
	ledger   Ledger
	chainID  string
	contract contract.Address
	logger   cmtlog.Logger
	metrics  *metrics.Metrics
}

// NewBinding binds the ledger client to the contract deployed at addr.
func NewBinding(l Ledger, chainID string, addr contract.Address, logger cmtlog.Logger, m *metrics.Metrics) *Binding {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Binding{
		ledger:   l,
		chainID:  chainID,
		contract: addr,
		logger:   logger.With("module", "ledger"),
		metrics:  m,
	}
}

func (b *Binding) ChainID() string { return b.chainID }

func (b *Binding) Contract() contract.Address { return b.contract }

func (b *Binding) Ledger() Ledger { return b.ledger }

// Execute broadcasts tx and waits until it is committed. A call refused by
// CheckTx yields *RejectedError; a committed call that reverted yields its
// receipt together with *RevertedError. Cancelling ctx abandons the wait
// only: a submitted call may still commit.
func (b *Binding) Execute(ctx context.Context, tx *contract.Tx) (*Receipt, error) {
	if err := tx.ValidateBasic(); err != nil {
		return nil, &RejectedError{Op: tx.Op, Code: app.CodeMalformedTx, Log: err.Error()}
	}
	raw, err := tx.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tx.Op, err)
	}

	start := time.Now()
	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)

	go func() {
		result, err := b.ledger.BroadcastTxCommit(ctx, cmttypes.Tx(raw))
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		b.metrics.ObserveCall(string(tx.Op), metrics.OutcomeAbandoned, time.Since(start))
		return nil, fmt.Errorf("waiting for %s: %w", tx.Op, ctx.Err())
	case result := <-done:
		if result.err != nil {
			b.metrics.ObserveCall(string(tx.Op), metrics.OutcomeError, time.Since(start))
			return nil, fmt.Errorf("broadcast %s: %w", tx.Op, result.err)
		}

		res := result.result
		if res.CheckTx.Code != 0 {
			b.metrics.ObserveCall(string(tx.Op), metrics.OutcomeRejected, time.Since(start))
			return nil, &RejectedError{Op: tx.Op, Code: res.CheckTx.Code, Log: res.CheckTx.Log}
		}

		receipt := &Receipt{
			TxHash: hex.EncodeToString(res.Hash),
			Height: res.Height,
			Status: res.TxResult.Code == 0,
			Code:   res.TxResult.Code,
			Log:    res.TxResult.Log,
			Events: DecodeEvents(b.contract, res.TxResult.Events),
		}
		if !receipt.Status {
			b.metrics.ObserveCall(string(tx.Op), metrics.OutcomeReverted, time.Since(start))
			b.logger.Debug("Contract call reverted", "op", tx.Op, "tx_hash", receipt.TxHash, "reason", receipt.Log)
			return receipt, &RevertedError{Op: tx.Op, Reason: receipt.Log, Receipt: receipt}
		}

		b.metrics.ObserveCall(string(tx.Op), metrics.OutcomeCommitted, time.Since(start))
		b.logger.Debug("Contract call committed", "op", tx.Op, "tx_hash", receipt.TxHash, "height", receipt.Height)
		return receipt, nil
	}
}

// Query runs an ABCI query and decodes its JSON value into out.
func (b *Binding) Query(ctx context.Context, path string, out interface{}) error {
	return query(ctx, b.ledger, path, out)
}

func query(ctx context.Context, l Ledger, path string, out interface{}) error {
	res, err := l.ABCIQuery(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("query %s: %w", path, err)
	}
	if res.Response.Code != 0 {
		return &QueryError{Path: path, Code: res.Response.Code, Log: res.Response.Log}
	}
	if err := json.Unmarshal(res.Response.Value, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Item reads the ledger record of sku. Unknown SKUs come back with an empty
// owner.
func (b *Binding) Item(ctx context.Context, sku uint64) (*contract.Item, error) {
	var it contract.Item
	if err := b.Query(ctx, app.PathItem+strconv.FormatUint(sku, 10), &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func (b *Binding) HasRole(ctx context.Context, role contract.Role, account contract.Address) (bool, error) {
	var held bool
	err := b.Query(ctx, app.PathRole+role.String()+"/"+account.String(), &held)
	return held, err
}

func (b *Binding) Balance(ctx context.Context, account contract.Address) (*big.Int, error) {
	return Balance(ctx, b.ledger, account)
}

// Balance reads the base-unit balance of account.
func Balance(ctx context.Context, l Ledger, account contract.Address) (*big.Int, error) {
	balance := new(big.Int)
	if err := query(ctx, l, app.PathBalance+account.String(), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// Accounts lists the accounts known to the ledger.
func Accounts(ctx context.Context, l Ledger) ([]contract.Address, error) {
	var accounts []contract.Address
	err := query(ctx, l, app.PathAccounts, &accounts)
	return accounts, err
}

// Deployment reports the contract the ledger serves.
func Deployment(ctx context.Context, l Ledger) (*app.Deployment, error) {
	var d app.Deployment
	if err := query(ctx, l, app.PathContract, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeEvents extracts the events of the contract at addr from ABCI
// events. Every contract event directly follows a marker event naming its
// contract.
func DecodeEvents(addr contract.Address, events []abcitypes.Event) []contract.Event {
	var out []contract.Event
	want := addr.String()
	for i := 0; i < len(events); i++ {
		ev := events[i]
		if ev.Type != app.MarkerEventType || i+1 >= len(events) {
			continue
		}
		if attr(ev, app.MarkerContractKey) != want {
			continue
		}
		next := events[i+1]
		if next.Type != attr(ev, app.MarkerEventKey) {
			continue
		}
		decoded := contract.Event{Name: next.Type}
		for _, a := range next.Attributes {
			decoded.Attributes = append(decoded.Attributes, contract.Attribute{Key: a.Key, Value: a.Value})
		}
		out = append(out, decoded)
		i++
	}
	return out
}

func attr(ev abcitypes.Event, key string) string {
	for _, a := range ev.Attributes {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}
