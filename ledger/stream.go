package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/app"
	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

const (
	subscriptionCapacity = 100
	searchPageSize       = 100
	unsubscribeTimeout   = 5 * time.Second
)

// Notification is one contract event observed on the ledger.
type Notification struct {
	Event  contract.Event
	TxHash string
	Height int64
}

// TxRecord is a committed transaction found through the ledger's tx index.
type TxRecord struct {
	TxHash string           `json:"tx_hash"`
	Height int64            `json:"height"`
	Index  uint32           `json:"index"`
	Status bool             `json:"status"`
	Log    string           `json:"log,omitempty"`
	Events []contract.Event `json:"events"`
}

// ContractQuery matches every transaction that touched the contract at addr.
func ContractQuery(addr contract.Address) string {
	return fmt.Sprintf("%s.%s='%s'", app.MarkerEventType, app.MarkerContractKey, addr)
}

// EventQuery is the subscription query for the contract's live events.
func EventQuery(addr contract.Address) string {
	return "tm.event='Tx' AND " + ContractQuery(addr)
}

// ItemQuery matches the transactions that touched one item.
func ItemQuery(addr contract.Address, sku uint64) string {
	return fmt.Sprintf("%s AND %s.%s='%d'", ContractQuery(addr), app.MarkerEventType, app.MarkerSKUKey, sku)
}

// Subscribe opens the live event stream of the bound contract. The channel
// is closed when the transport drops, ctx ends or stop is called.
func (b *Binding) Subscribe(ctx context.Context, subscriber string) (<-chan Notification, func(), error) {
	q := EventQuery(b.contract)
	in, err := b.ledger.Subscribe(ctx, subscriber, q, subscriptionCapacity)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %q: %w", q, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Notification, subscriptionCapacity)

	go func() {
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				for _, n := range b.notifications(ev) {
					select {
					case out <- n:
					case <-subCtx.Done():
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			uctx, ucancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			defer ucancel()
			if err := b.ledger.Unsubscribe(uctx, subscriber, q); err != nil {
				b.logger.Debug("Unsubscribe failed", "subscriber", subscriber, "err", err)
			}
		})
	}
	return out, stop, nil
}

func (b *Binding) notifications(ev cmtrpctypes.ResultEvent) []Notification {
	var txr abcitypes.TxResult
	switch data := ev.Data.(type) {
	case cmttypes.EventDataTx:
		txr = data.TxResult
	case *cmttypes.EventDataTx:
		txr = data.TxResult
	default:
		b.logger.Debug("Ignoring non-tx event", "query", ev.Query)
		return nil
	}

	hash := hex.EncodeToString(cmttypes.Tx(txr.Tx).Hash())
	events := DecodeEvents(b.contract, txr.Result.Events)
	out := make([]Notification, 0, len(events))
	for _, e := range events {
		out = append(out, Notification{Event: e, TxHash: hash, Height: txr.Height})
	}
	return out
}

// Search pages through every committed transaction matching q, oldest
// first.
func (b *Binding) Search(ctx context.Context, q string) ([]TxRecord, error) {
	var records []TxRecord
	page, perPage := 1, searchPageSize
	for {
		res, err := b.ledger.TxSearch(ctx, q, false, &page, &perPage, "asc")
		if err != nil {
			return nil, fmt.Errorf("search %q page %d: %w", q, page, err)
		}
		for _, tx := range res.Txs {
			records = append(records, TxRecord{
				TxHash: hex.EncodeToString(tx.Hash),
				Height: tx.Height,
				Index:  tx.Index,
				Status: tx.TxResult.Code == 0,
				Log:    tx.TxResult.Log,
				Events: DecodeEvents(b.contract, tx.TxResult.Events),
			})
		}
		if len(res.Txs) == 0 || len(records) >= res.TotalCount {
			return records, nil
		}
		page++
	}
}

// History returns every committed transaction of the contract, oldest first.
func (b *Binding) History(ctx context.Context) ([]TxRecord, error) {
	return b.Search(ctx, ContractQuery(b.contract))
}

// ItemHistory returns the committed transactions that touched sku.
func (b *Binding) ItemHistory(ctx context.Context, sku uint64) ([]TxRecord, error) {
	return b.Search(ctx, ItemQuery(b.contract, sku))
}
