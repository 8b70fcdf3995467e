package contract

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	items    map[uint64]*Item
	roles    map[Role]map[Address]bool
	balances map[Address]*big.Int
}

func newMemStore() *memStore {
	return &memStore{
		items:    make(map[uint64]*Item),
		roles:    make(map[Role]map[Address]bool),
		balances: make(map[Address]*big.Int),
	}
}

func (m *memStore) GetItem(sku uint64) (*Item, error) { return m.items[sku].Clone(), nil }

func (m *memStore) PutItem(it *Item) error {
	m.items[it.SKU] = it.Clone()
	return nil
}

func (m *memStore) HasRole(role Role, a Address) (bool, error) { return m.roles[role][a], nil }

func (m *memStore) SetRole(role Role, a Address, member bool) error {
	if m.roles[role] == nil {
		m.roles[role] = make(map[Address]bool)
	}
	m.roles[role][a] = member
	return nil
}

func (m *memStore) Balance(a Address) (*big.Int, error) {
	if b, ok := m.balances[a]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (m *memStore) SetBalance(a Address, amount *big.Int) error {
	m.balances[a] = new(big.Int).Set(amount)
	return nil
}

var (
	manufacturer = DeriveAddress("test", "manufacturer")
	distributor  = DeriveAddress("test", "distributor")
	retailer     = DeriveAddress("test", "retailer")
	consumer     = DeriveAddress("test", "consumer")
	stranger     = DeriveAddress("test", "stranger")
)

func seededStore() *memStore {
	st := newMemStore()
	st.SetRole(Manufacturer, manufacturer, true)
	st.SetRole(Distributor, distributor, true)
	st.SetRole(Retailer, retailer, true)
	st.SetRole(Consumer, consumer, true)
	st.SetBalance(distributor, big.NewInt(1000))
	st.SetBalance(consumer, big.NewInt(1000))
	return st
}

func call(op Op, from Address, sku uint64) *Tx {
	tx := NewTx(op, from)
	tx.SKU = sku
	return tx
}

func manufactureTx(sku uint64, price int64) *Tx {
	tx := call(OpManufacture, manufacturer, sku)
	tx.Name = "Poco F2 Pro"
	tx.Description = "flagship phone"
	tx.Price = big.NewInt(price)
	return tx
}

func paid(tx *Tx, amount int64) *Tx {
	tx.Payment = big.NewInt(amount)
	return tx
}

func priced(tx *Tx, amount int64) *Tx {
	tx.Price = big.NewInt(amount)
	return tx
}

func requireRevert(t *testing.T, err error, reason string) {
	t.Helper()
	var rev *Revert
	require.ErrorAs(t, err, &rev)
	assert.Equal(t, reason, rev.Reason)
}

func TestExecutorFullLifecycle(t *testing.T) {
	st := seededStore()
	ex := NewExecutor()

	steps := []struct {
		tx    *Tx
		state State
		event string
	}{
		{manufactureTx(100, 300), Manufactured, EventManufactured},
		{call(OpPack, manufacturer, 100), Packed, EventPacked},
		{priced(call(OpMarkForSale, manufacturer, 100), 300), ForSale, EventForSale},
		{paid(call(OpBuy, distributor, 100), 300), Sold, EventSold},
		{call(OpShip, distributor, 100), Shipped, EventShipped},
		{call(OpReceive, retailer, 100), Received, EventReceived},
		{paid(call(OpPurchase, consumer, 100), 300), Purchased, EventPurchased},
	}

	last := Manufactured
	for _, step := range steps {
		events, err := ex.Execute(st, step.tx)
		require.NoError(t, err, step.tx.Op)
		require.Len(t, events, 1)
		assert.Equal(t, step.event, events[0].Name)

		it, _ := st.GetItem(100)
		assert.Equal(t, step.state, it.State)
		assert.GreaterOrEqual(t, it.State, last)
		last = it.State
	}

	it, _ := st.GetItem(100)
	assert.True(t, it.State.Terminal())
	assert.Equal(t, manufacturer, it.ManufacturerID)
	assert.Equal(t, distributor, it.DistributorID)
	assert.Equal(t, retailer, it.RetailerID)
	assert.Equal(t, consumer, it.ConsumerID)
	assert.Equal(t, consumer, it.Owner)

	bal, _ := st.Balance(distributor)
	assert.Equal(t, int64(700), bal.Int64())
	bal, _ = st.Balance(manufacturer)
	assert.Equal(t, int64(300), bal.Int64())
	bal, _ = st.Balance(retailer)
	assert.Equal(t, int64(300), bal.Int64())
}

func TestExecutorManufactureRequiresRoleAndFreshSKU(t *testing.T) {
	st := seededStore()
	ex := NewExecutor()

	tx := manufactureTx(7, 10)
	tx.From = stranger
	_, err := ex.Execute(st, tx)
	requireRevert(t, err, ReasonMissingRole)

	_, err = ex.Execute(st, manufactureTx(7, 10))
	require.NoError(t, err)

	_, err = ex.Execute(st, manufactureTx(7, 99))
	requireRevert(t, err, ReasonSKUTaken)

	it, _ := st.GetItem(7)
	assert.Equal(t, int64(10), it.Price.Int64())
}

func TestExecutorRejectedTransitionsLeaveStateUnchanged(t *testing.T) {
	st := seededStore()
	ex := NewExecutor()
	_, err := ex.Execute(st, manufactureTx(1, 300))
	require.NoError(t, err)

	st.SetRole(Manufacturer, stranger, true)

	cases := []struct {
		name   string
		tx     *Tx
		reason string
	}{
		{"pack by non-owner manufacturer", call(OpPack, stranger, 1), ReasonNotOwner},
		{"pack by distributor", call(OpPack, distributor, 1), ReasonMissingRole},
		{"sell before pack", priced(call(OpMarkForSale, manufacturer, 1), 300), ReasonWrongState},
		{"ship before sale", call(OpShip, distributor, 1), ReasonWrongState},
		{"receive by consumer", call(OpReceive, consumer, 1), ReasonMissingRole},
		{"pack unknown sku", call(OpPack, manufacturer, 2), ReasonNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ex.Execute(st, tc.tx)
			requireRevert(t, err, tc.reason)
			it, _ := st.GetItem(1)
			assert.Equal(t, Manufactured, it.State)
			assert.Equal(t, manufacturer, it.Owner)
		})
	}
}

func TestExecutorBuyPayment(t *testing.T) {
	st := seededStore()
	ex := NewExecutor()
	for _, tx := range []*Tx{
		manufactureTx(5, 300),
		call(OpPack, manufacturer, 5),
		priced(call(OpMarkForSale, manufacturer, 5), 300),
	} {
		_, err := ex.Execute(st, tx)
		require.NoError(t, err)
	}

	_, err := ex.Execute(st, paid(call(OpBuy, distributor, 5), 299))
	requireRevert(t, err, ReasonUnderpaid)
	it, _ := st.GetItem(5)
	assert.Equal(t, ForSale, it.State)
	assert.True(t, it.DistributorID.IsEmpty())

	st.SetBalance(distributor, big.NewInt(100))
	_, err = ex.Execute(st, paid(call(OpBuy, distributor, 5), 300))
	requireRevert(t, err, ReasonInsufficientFunds)

	st.SetBalance(distributor, big.NewInt(500))
	_, err = ex.Execute(st, paid(call(OpBuy, distributor, 5), 400))
	require.NoError(t, err)
	it, _ = st.GetItem(5)
	assert.Equal(t, Sold, it.State)
	assert.Equal(t, distributor, it.DistributorID)
	assert.Equal(t, distributor, it.Owner)

	bal, _ := st.Balance(distributor)
	assert.Equal(t, int64(200), bal.Int64(), "only the price is taken")
}

func TestExecutorRoles(t *testing.T) {
	st := seededStore()
	ex := NewExecutor()

	grant := NewTx(OpGrantRole, manufacturer)
	grant.Role = Manufacturer
	grant.Target = stranger
	events, err := ex.Execute(st, grant)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRoleGranted, events[0].Name)
	ok, _ := st.HasRole(Manufacturer, stranger)
	assert.True(t, ok)

	events, err = ex.Execute(st, grant)
	require.NoError(t, err)
	assert.Empty(t, events, "granting a held role is a silent no-op")

	bad := NewTx(OpGrantRole, consumer)
	bad.Role = Distributor
	bad.Target = stranger
	_, err = ex.Execute(st, bad)
	requireRevert(t, err, ReasonMissingRole)

	renounce := NewTx(OpRenounceRole, stranger)
	renounce.Role = Manufacturer
	events, err = ex.Execute(st, renounce)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRoleRenounced, events[0].Name)
	ok, _ = st.HasRole(Manufacturer, stranger)
	assert.False(t, ok)
}

func TestNextTransitionFollowsChain(t *testing.T) {
	s := Manufactured
	var ops []Op
	for {
		tr, ok := NextTransition(s)
		if !ok {
			break
		}
		assert.Equal(t, s+1, tr.To)
		ops = append(ops, tr.Op)
		s = tr.To
	}
	assert.Equal(t, []Op{OpPack, OpMarkForSale, OpBuy, OpShip, OpReceive, OpPurchase}, ops)
	assert.Equal(t, Purchased, s)
}
