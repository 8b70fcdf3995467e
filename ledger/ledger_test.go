package ledger_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/app"
	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger/ledgertest"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manufacture(sku uint64, price int64) *contract.Tx {
	tx := contract.NewTx(contract.OpManufacture, ledgertest.Manufacturer)
	tx.SKU = sku
	tx.Name = "crate"
	tx.Price = big.NewInt(price)
	return tx
}

func TestExecuteCommitted(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()

	receipt, err := b.Execute(context.Background(), manufacture(10, 5))
	require.NoError(t, err)
	assert.True(t, receipt.Status)
	assert.Equal(t, int64(1), receipt.Height)
	assert.Len(t, receipt.TxHash, 64)
	require.Len(t, receipt.Events, 1)
	assert.Equal(t, contract.EventManufactured, receipt.Events[0].Name)

	it, err := b.Item(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, ledgertest.Manufacturer, it.Owner)
}

func TestExecuteRevertedCarriesReceipt(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()

	tx := manufacture(10, 5)
	tx.From = ledgertest.Outsider
	receipt, err := b.Execute(context.Background(), tx)

	var reverted *ledger.RevertedError
	require.ErrorAs(t, err, &reverted)
	assert.Equal(t, contract.ReasonMissingRole, reverted.Reason)
	require.NotNil(t, receipt)
	assert.False(t, receipt.Status)
	assert.Equal(t, app.CodeReverted, receipt.Code)
	assert.Equal(t, int64(1), l.Height(), "a revert is still committed")
}

func TestExecuteRejectedNeverCommits(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()

	tx := contract.NewTx(contract.OpShip, ledgertest.Distributor)
	receipt, err := b.Execute(context.Background(), tx)

	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Nil(t, receipt)
	assert.Equal(t, int64(0), l.Height())
}

type stallingLedger struct {
	ledger.Ledger
	release chan struct{}
}

func (s stallingLedger) BroadcastTxCommit(_ context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error) {
	<-s.release
	return s.Ledger.BroadcastTxCommit(context.Background(), tx)
}

func TestExecuteCancelledWaitDoesNotRollBack(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	stalled := stallingLedger{Ledger: l, release: make(chan struct{})}
	b := ledger.NewBinding(stalled, l.ChainID(), l.Contract(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Execute(ctx, manufacture(1, 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(stalled.release)
	require.Eventually(t, func() bool { return l.Height() == 1 }, time.Second, 5*time.Millisecond)

	it, err := l.Binding().Item(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, it.Exists())
}

func TestQueries(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	ctx := context.Background()

	held, err := b.HasRole(ctx, contract.Retailer, ledgertest.Retailer)
	require.NoError(t, err)
	assert.True(t, held)

	balance, err := b.Balance(ctx, ledgertest.Consumer)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Int64())

	accounts, err := ledger.Accounts(ctx, l)
	require.NoError(t, err)
	assert.Len(t, accounts, 5)

	d, err := ledger.Deployment(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, l.Contract(), d.Address)

	chainID, err := ledger.ChainID(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, ledgertest.DefaultChainID, chainID)

	var out bool
	err = b.Query(ctx, "/nowhere", &out)
	var qerr *ledger.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, app.CodeBadQuery, qerr.Code)
}

func TestSubscribeDeliversContractEvents(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()

	events, stop, err := b.Subscribe(context.Background(), "test")
	require.NoError(t, err)
	defer stop()

	receipt, err := b.Execute(context.Background(), manufacture(7, 1))
	require.NoError(t, err)

	select {
	case n := <-events:
		assert.Equal(t, contract.EventManufactured, n.Event.Name)
		assert.Equal(t, receipt.TxHash, n.TxHash)
		assert.Equal(t, receipt.Height, n.Height)
		sku, _ := n.Event.Get(contract.AttrSKU)
		assert.Equal(t, "7", sku)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	stop()
	assert.Equal(t, 1, l.Unsubscribes())
	_, open := <-events
	assert.False(t, open)
}

func TestSubscribeIgnoresOtherContracts(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	other := ledger.NewBinding(l, l.ChainID(), contract.DeriveAddress("elsewhere"), nil, nil)

	events, stop, err := other.Subscribe(context.Background(), "other")
	require.NoError(t, err)
	defer stop()

	_, err = l.Binding().Execute(context.Background(), manufacture(7, 1))
	require.NoError(t, err)

	select {
	case n := <-events:
		t.Fatalf("unexpected event %s", n.Event.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeChannelClosesOnTransportDrop(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	events, stop, err := l.Binding().Subscribe(context.Background(), "drop")
	require.NoError(t, err)
	defer stop()

	assert.Equal(t, 1, l.DropSubscriptions())
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}

func TestSearchAndItemHistory(t *testing.T) {
	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	b := l.Binding()
	ctx := context.Background()

	for sku := uint64(1); sku <= 3; sku++ {
		_, err := b.Execute(ctx, manufacture(sku, 10))
		require.NoError(t, err)
	}
	pack := contract.NewTx(contract.OpPack, ledgertest.Manufacturer)
	pack.SKU = 2
	_, err := b.Execute(ctx, pack)
	require.NoError(t, err)

	all, err := b.History(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Height, all[i].Height)
	}

	trail, err := b.ItemHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, contract.EventManufactured, trail[0].Events[0].Name)
	assert.Equal(t, contract.EventPacked, trail[1].Events[0].Name)
}

func TestDecodeEventsPairsMarkers(t *testing.T) {
	addr := contract.DeriveAddress("c")
	marker := func(contractAddr, name string) abcitypes.Event {
		return abcitypes.Event{Type: app.MarkerEventType, Attributes: []abcitypes.EventAttribute{
			{Key: app.MarkerContractKey, Value: contractAddr},
			{Key: app.MarkerEventKey, Value: name},
		}}
	}
	events := []abcitypes.Event{
		marker(addr.String(), "Packed"),
		{Type: "Packed", Attributes: []abcitypes.EventAttribute{{Key: "sku", Value: "1"}}},
		marker(contract.DeriveAddress("d").String(), "Sold"),
		{Type: "Sold"},
		{Type: "transfer"},
		marker(addr.String(), "Shipped"),
	}

	decoded := ledger.DecodeEvents(addr, events)
	require.Len(t, decoded, 1)
	assert.Equal(t, "Packed", decoded[0].Name)
	v, ok := decoded[0].Get("sku")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}
