package items

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
)

var (
	ErrNotFound = errors.New("item not found")
	ErrTerminal = errors.New("item has reached its final state")
)

// TransitionRejectedError is a lifecycle call the ledger executed and
// reverted. Callers should fetch the item again before retrying.
type TransitionRejectedError struct {
	Op      contract.Op
	SKU     uint64
	Target  contract.State
	Reason  string
	Receipt *ledger.Receipt
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("%s of item %d to %s rejected: %s", e.Op, e.SKU, e.Target, e.Reason)
}

// Binding is the ledger access the state machine needs.
type Binding interface {
	Item(ctx context.Context, sku uint64) (*contract.Item, error)
	Execute(ctx context.Context, tx *contract.Tx) (*ledger.Receipt, error)
	ItemHistory(ctx context.Context, sku uint64) ([]ledger.TxRecord, error)
}

var _ Binding = (*ledger.Binding)(nil)

// Result is the ledger outcome of a lifecycle call.
type Result struct {
	Receipt *ledger.Receipt `json:"receipt"`
	Success bool            `json:"success"`
}

// Step is one committed event of an item's provenance trail.
type Step struct {
	TxHash string         `json:"tx_hash"`
	Height int64          `json:"height"`
	Event  contract.Event `json:"event"`
}

// Machine drives items through their lifecycle on the ledger. It never
// retries a call.
type Machine struct {
	binding Binding
}

func NewMachine(b Binding) *Machine {
	return &Machine{binding: b}
}

// Fetch reads an item. Items without an owner do not exist.
func (m *Machine) Fetch(ctx context.Context, sku uint64) (*contract.Item, error) {
	it, err := m.binding.Item(ctx, sku)
	if err != nil {
		return nil, err
	}
	if !it.Exists() {
		return nil, fmt.Errorf("sku %d: %w", sku, ErrNotFound)
	}
	return it, nil
}

func (m *Machine) Manufacture(ctx context.Context, actor contract.Address, sku uint64, name, description string, price *big.Int) (Result, error) {
	tx := contract.NewTx(contract.OpManufacture, actor)
	tx.SKU = sku
	tx.Name = name
	tx.Description = description
	tx.Price = price
	return m.execute(ctx, tx)
}

func (m *Machine) Pack(ctx context.Context, actor contract.Address, sku uint64) (Result, error) {
	return m.execute(ctx, skuTx(contract.OpPack, actor, sku))
}

func (m *Machine) MarkForSale(ctx context.Context, actor contract.Address, sku uint64, price *big.Int) (Result, error) {
	tx := skuTx(contract.OpMarkForSale, actor, sku)
	tx.Price = price
	return m.execute(ctx, tx)
}

func (m *Machine) Buy(ctx context.Context, actor contract.Address, sku uint64, payment *big.Int) (Result, error) {
	tx := skuTx(contract.OpBuy, actor, sku)
	tx.Payment = payment
	return m.execute(ctx, tx)
}

func (m *Machine) Ship(ctx context.Context, actor contract.Address, sku uint64) (Result, error) {
	return m.execute(ctx, skuTx(contract.OpShip, actor, sku))
}

func (m *Machine) Receive(ctx context.Context, actor contract.Address, sku uint64) (Result, error) {
	return m.execute(ctx, skuTx(contract.OpReceive, actor, sku))
}

func (m *Machine) Purchase(ctx context.Context, actor contract.Address, sku uint64, payment *big.Int) (Result, error) {
	tx := skuTx(contract.OpPurchase, actor, sku)
	tx.Payment = payment
	return m.execute(ctx, tx)
}

// Advance fetches the item and performs the transition leaving its current
// state. amount is the new price when marking for sale and the payment when
// buying or purchasing; nil means the item's current price.
func (m *Machine) Advance(ctx context.Context, actor contract.Address, sku uint64, amount *big.Int) (Result, error) {
	it, err := m.Fetch(ctx, sku)
	if err != nil {
		return Result{}, err
	}
	t, ok := contract.NextTransition(it.State)
	if !ok {
		return Result{}, fmt.Errorf("sku %d in state %s: %w", sku, it.State, ErrTerminal)
	}
	if amount == nil {
		amount = it.Price
	}

	switch t.Op {
	case contract.OpMarkForSale:
		return m.MarkForSale(ctx, actor, sku, amount)
	case contract.OpBuy:
		return m.Buy(ctx, actor, sku, amount)
	case contract.OpPurchase:
		return m.Purchase(ctx, actor, sku, amount)
	default:
		return m.execute(ctx, skuTx(t.Op, actor, sku))
	}
}

// Provenance returns the committed events of an item, oldest first.
// Reverted calls are not part of the trail.
func (m *Machine) Provenance(ctx context.Context, sku uint64) ([]Step, error) {
	records, err := m.binding.ItemHistory(ctx, sku)
	if err != nil {
		return nil, err
	}
	var steps []Step
	for _, rec := range records {
		if !rec.Status {
			continue
		}
		for _, ev := range rec.Events {
			steps = append(steps, Step{TxHash: rec.TxHash, Height: rec.Height, Event: ev})
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("sku %d: %w", sku, ErrNotFound)
	}
	return steps, nil
}

func (m *Machine) execute(ctx context.Context, tx *contract.Tx) (Result, error) {
	if tx.From.IsEmpty() {
		return Result{}, &contract.InvalidAddressError{Input: tx.From.String()}
	}
	receipt, err := m.binding.Execute(ctx, tx)
	if err != nil {
		var reverted *ledger.RevertedError
		if errors.As(err, &reverted) {
			return Result{Receipt: receipt}, &TransitionRejectedError{
				Op:      tx.Op,
				SKU:     tx.SKU,
				Target:  targetState(tx.Op),
				Reason:  reverted.Reason,
				Receipt: receipt,
			}
		}
		return Result{Receipt: receipt}, err
	}
	return Result{Receipt: receipt, Success: receipt.Status}, nil
}

func skuTx(op contract.Op, actor contract.Address, sku uint64) *contract.Tx {
	tx := contract.NewTx(op, actor)
	tx.SKU = sku
	return tx
}

func targetState(op contract.Op) contract.State {
	if t, ok := contract.TransitionFor(op); ok {
		return t.To
	}
	return contract.Manufactured
}
