package contract

import (
	"fmt"
	"math/big"
)

// Revert reasons reported by the executor.
const (
	ReasonMissingRole       = "caller lacks required role"
	ReasonNotOwner          = "caller is not the item owner"
	ReasonWrongState        = "item is not in the required state"
	ReasonUnderpaid         = "payment is below price"
	ReasonInsufficientFunds = "insufficient balance for payment"
	ReasonSKUTaken          = "sku already exists"
	ReasonNotFound          = "item not found"
)

// Store is the contract storage the executor reads and writes. Writes must
// only become durable when the surrounding block commits.
type Store interface {
	GetItem(sku uint64) (*Item, error)
	PutItem(it *Item) error
	HasRole(role Role, account Address) (bool, error)
	SetRole(role Role, account Address, member bool) error
	Balance(account Address) (*big.Int, error)
	SetBalance(account Address, amount *big.Int) error
}

// Revert means the call executed but the contract refused it. No state was
// written.
type Revert struct {
	Op     Op
	Reason string
}

func (r *Revert) Error() string {
	return fmt.Sprintf("%s reverted: %s", r.Op, r.Reason)
}

// Transition is one row of the custody capability table.
type Transition struct {
	Op              Op
	From            State
	To              State
	Role            Role
	OwnerOnly       bool
	RequiresPayment bool
	bind            func(it *Item, actor Address)
}

var transitions = map[Op]Transition{
	OpPack:        {Op: OpPack, From: Manufactured, To: Packed, Role: Manufacturer, OwnerOnly: true},
	OpMarkForSale: {Op: OpMarkForSale, From: Packed, To: ForSale, Role: Manufacturer, OwnerOnly: true},
	OpBuy:         {Op: OpBuy, From: ForSale, To: Sold, Role: Distributor, RequiresPayment: true, bind: bindDistributor},
	OpShip:        {Op: OpShip, From: Sold, To: Shipped, Role: Distributor, OwnerOnly: true},
	OpReceive:     {Op: OpReceive, From: Shipped, To: Received, Role: Retailer, bind: bindRetailer},
	OpPurchase:    {Op: OpPurchase, From: Received, To: Purchased, Role: Consumer, RequiresPayment: true, bind: bindConsumer},
}

// TransitionFor looks up the capability row of op.
func TransitionFor(op Op) (Transition, bool) {
	t, ok := transitions[op]
	return t, ok
}

// NextTransition returns the transition leaving s, if any.
func NextTransition(s State) (Transition, bool) {
	for _, t := range transitions {
		if t.From == s {
			return t, true
		}
	}
	return Transition{}, false
}

func bindDistributor(it *Item, actor Address) {
	if it.DistributorID.IsEmpty() {
		it.DistributorID = actor
	}
	it.Owner = actor
}

func bindRetailer(it *Item, actor Address) {
	if it.RetailerID.IsEmpty() {
		it.RetailerID = actor
	}
	it.Owner = actor
}

func bindConsumer(it *Item, actor Address) {
	if it.ConsumerID.IsEmpty() {
		it.ConsumerID = actor
	}
	it.Owner = actor
}

// Executor applies contract calls to a Store.
type Executor struct{}

// NewExecutor creates the contract executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Execute runs tx against st. A *Revert error means the call was refused
// and nothing was written; any other error is a storage failure.
func (e *Executor) Execute(st Store, tx *Tx) ([]Event, error) {
	switch tx.Op {
	case OpGrantRole:
		return e.grantRole(st, tx)
	case OpRenounceRole:
		return e.renounceRole(st, tx)
	case OpManufacture:
		return e.manufacture(st, tx)
	}
	t, ok := transitions[tx.Op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", tx.Op)
	}
	return e.transition(st, tx, t)
}

func (e *Executor) grantRole(st Store, tx *Tx) ([]Event, error) {
	isAdmin, err := st.HasRole(tx.Role, tx.From)
	if err != nil {
		return nil, err
	}
	if !isAdmin {
		return nil, &Revert{Op: tx.Op, Reason: ReasonMissingRole}
	}
	held, err := st.HasRole(tx.Role, tx.Target)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, nil
	}
	if err := st.SetRole(tx.Role, tx.Target, true); err != nil {
		return nil, err
	}
	return []Event{roleEvent(EventRoleGranted, tx.Role, tx.Target, tx.From)}, nil
}

func (e *Executor) renounceRole(st Store, tx *Tx) ([]Event, error) {
	held, err := st.HasRole(tx.Role, tx.From)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, nil
	}
	if err := st.SetRole(tx.Role, tx.From, false); err != nil {
		return nil, err
	}
	return []Event{roleEvent(EventRoleRenounced, tx.Role, tx.From, tx.From)}, nil
}

func (e *Executor) manufacture(st Store, tx *Tx) ([]Event, error) {
	ok, err := st.HasRole(Manufacturer, tx.From)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &Revert{Op: tx.Op, Reason: ReasonMissingRole}
	}
	existing, err := st.GetItem(tx.SKU)
	if err != nil {
		return nil, err
	}
	if existing.Exists() {
		return nil, &Revert{Op: tx.Op, Reason: ReasonSKUTaken}
	}
	it := &Item{
		SKU:            tx.SKU,
		Name:           tx.Name,
		Description:    tx.Description,
		Price:          new(big.Int).Set(tx.Price),
		Owner:          tx.From,
		ManufacturerID: tx.From,
		State:          Manufactured,
	}
	if err := st.PutItem(it); err != nil {
		return nil, err
	}
	return []Event{transitionEvent(it, tx.From)}, nil
}

func (e *Executor) transition(st Store, tx *Tx, t Transition) ([]Event, error) {
	it, err := st.GetItem(tx.SKU)
	if err != nil {
		return nil, err
	}
	if !it.Exists() {
		return nil, &Revert{Op: tx.Op, Reason: ReasonNotFound}
	}
	hasRole, err := st.HasRole(t.Role, tx.From)
	if err != nil {
		return nil, err
	}
	if !hasRole {
		return nil, &Revert{Op: tx.Op, Reason: ReasonMissingRole}
	}
	if it.State != t.From {
		return nil, &Revert{Op: tx.Op, Reason: ReasonWrongState}
	}
	if t.OwnerOnly && it.Owner != tx.From {
		return nil, &Revert{Op: tx.Op, Reason: ReasonNotOwner}
	}

	next := it.Clone()
	if t.RequiresPayment {
		if tx.Payment.Cmp(it.Price) < 0 {
			return nil, &Revert{Op: tx.Op, Reason: ReasonUnderpaid}
		}
		if err := e.settle(st, tx, it); err != nil {
			return nil, err
		}
	}
	if tx.Op == OpMarkForSale {
		next.Price = new(big.Int).Set(tx.Price)
	}
	if t.bind != nil {
		t.bind(next, tx.From)
	}
	next.State = t.To
	if err := st.PutItem(next); err != nil {
		return nil, err
	}
	return []Event{transitionEvent(next, tx.From)}, nil
}

// settle moves the item price from the buyer to the current owner. The
// buyer must be able to cover the full payment; the excess stays with the
// buyer.
func (e *Executor) settle(st Store, tx *Tx, it *Item) error {
	buyerBalance, err := st.Balance(tx.From)
	if err != nil {
		return err
	}
	if buyerBalance.Cmp(tx.Payment) < 0 {
		return &Revert{Op: tx.Op, Reason: ReasonInsufficientFunds}
	}
	if tx.From == it.Owner {
		return nil
	}
	sellerBalance, err := st.Balance(it.Owner)
	if err != nil {
		return err
	}
	if err := st.SetBalance(tx.From, new(big.Int).Sub(buyerBalance, it.Price)); err != nil {
		return err
	}
	return st.SetBalance(it.Owner, new(big.Int).Add(sellerBalance, it.Price))
}
