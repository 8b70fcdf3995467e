package contract

import "strconv"

// Event names emitted by the contract. Transition events are named after
// the state they enter.
const (
	EventManufactured  = "Manufactured"
	EventPacked        = "Packed"
	EventForSale       = "ForSale"
	EventSold          = "Sold"
	EventShipped       = "Shipped"
	EventReceived      = "Received"
	EventPurchased     = "Purchased"
	EventRoleGranted   = "RoleGranted"
	EventRoleRenounced = "RoleRenounced"
	EventReverted      = "Reverted"
)

// Attribute keys shared by contract events.
const (
	AttrSKU     = "sku"
	AttrState   = "state"
	AttrActor   = "actor"
	AttrOwner   = "owner"
	AttrPrice   = "price"
	AttrName    = "name"
	AttrRole    = "role"
	AttrAccount = "account"
	AttrOp      = "op"
	AttrReason  = "reason"
)

// Attribute is one key/value pair of an event payload.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is a contract log entry.
type Event struct {
	Name       string      `json:"name"`
	Attributes []Attribute `json:"attributes"`
}

// Get returns the value stored under key.
func (e Event) Get(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

func transitionEvent(it *Item, actor Address) Event {
	ev := Event{
		Name: it.State.String(),
		Attributes: []Attribute{
			{Key: AttrSKU, Value: strconv.FormatUint(it.SKU, 10)},
			{Key: AttrState, Value: strconv.Itoa(int(it.State))},
			{Key: AttrActor, Value: actor.String()},
			{Key: AttrOwner, Value: it.Owner.String()},
			{Key: AttrPrice, Value: it.Price.String()},
		},
	}
	if it.State == Manufactured {
		ev.Attributes = append(ev.Attributes, Attribute{Key: AttrName, Value: it.Name})
	}
	return ev
}

func roleEvent(name string, role Role, account, actor Address) Event {
	return Event{
		Name: name,
		Attributes: []Attribute{
			{Key: AttrRole, Value: role.String()},
			{Key: AttrAccount, Value: account.String()},
			{Key: AttrActor, Value: actor.String()},
		},
	}
}

// RevertEvent describes a call the contract refused.
func RevertEvent(tx *Tx, reason string) Event {
	ev := Event{
		Name: EventReverted,
		Attributes: []Attribute{
			{Key: AttrOp, Value: string(tx.Op)},
			{Key: AttrActor, Value: tx.From.String()},
			{Key: AttrReason, Value: reason},
		},
	}
	if tx.SKU != 0 {
		ev.Attributes = append(ev.Attributes, Attribute{Key: AttrSKU, Value: strconv.FormatUint(tx.SKU, 10)})
	}
	return ev
}
